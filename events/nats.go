package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher emits events onto "<prefix>.<type>" subjects. Publish
// errors are logged and dropped: event delivery is advisory and must
// never fail a lifecycle operation.
type NATSPublisher struct {
	Log *slog.Logger

	conn   *nats.Conn
	prefix string
}

func NewNATS(url, prefix string, log *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("bay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		Log:    log.With("module", "events"),
		conn:   conn,
		prefix: prefix,
	}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.Log.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	subject := p.prefix + "." + ev.Type
	if err := p.conn.Publish(subject, data); err != nil {
		p.Log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func (p *NATSPublisher) Close() {
	p.conn.Drain()
}
