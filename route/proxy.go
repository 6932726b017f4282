package route

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"bay.dev/bay/bayerr"
)

// Proxy forwards one capability call to a runtime container. The
// interesting decision (which endpoint) happens in Endpoint; this is
// mechanical body and header passthrough.
type Proxy struct {
	Log    *slog.Logger
	Client *http.Client
}

func NewProxy(client *http.Client, log *slog.Logger) *Proxy {
	return &Proxy{
		Log:    log.With("module", "route"),
		Client: client,
	}
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward sends the inbound request to endpoint+path and writes the
// runtime's response back to w. The request context carries the
// deadline.
func (p *Proxy) Forward(w http.ResponseWriter, req *http.Request, endpoint, path string) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return bayerr.Internal(err, "invalid endpoint %q", endpoint)
	}
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	target.RawQuery = req.URL.RawQuery

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		return bayerr.Internal(err, "building proxy request")
	}
	out.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := p.Client.Do(out)
	if err != nil {
		return bayerr.Wrap(err, bayerr.CodeDriver, "runtime unreachable at %s", endpoint)
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response is already partially written; log and move on.
		p.Log.Warn("proxy copy interrupted", "endpoint", endpoint, "error", err)
	}
	return nil
}
