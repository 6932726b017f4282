package sandbox

import (
	"time"

	"bay.dev/bay/store"
)

// Status is computed, never stored: a function of the sandbox row and
// its current session snapshot at one instant.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// StatusOf derives the sandbox's externally visible status. sess may
// be nil when the sandbox has no live session.
func StatusOf(sb *store.Sandbox, sess *store.Session, now time.Time) Status {
	if sb.Expired(now) {
		return StatusExpired
	}
	if sb.CurrentSessionID == "" || sess == nil {
		return StatusIdle
	}

	switch sess.ObservedState {
	case store.SessionPending, store.SessionStarting:
		return StatusStarting
	case store.SessionRunning:
		if sess.Ready() {
			return StatusReady
		}
		return StatusStarting
	case store.SessionFailed, store.SessionDegraded:
		return StatusFailed
	default:
		// stopping/stopped: compute is on its way out, the sandbox is
		// effectively idle again.
		return StatusIdle
	}
}
