// Package events publishes lifecycle notifications so sidecars (skill
// learning, execution history) can follow along without polling. The
// control plane never depends on a subscriber: publishing is
// fire-and-forget and a missing broker degrades to a no-op.
package events

import (
	"context"
	"time"
)

const (
	SandboxCreated = "sandbox.created"
	SandboxDeleted = "sandbox.deleted"
	SessionStarted = "session.started"
	SessionStopped = "session.stopped"
	SessionFailed  = "session.failed"
)

type Event struct {
	// Type is "<entity>.<action>", one of the constants above.
	Type string `json:"type"`

	Owner     string `json:"owner,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`

	// Reason carries the failure message on *.failed events.
	Reason string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close()
}

// Nop is the publisher used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

func (Nop) Close() {}
