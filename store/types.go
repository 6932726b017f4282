package store

import "time"

// Session desired states. What the caller asked for.
const (
	SessionDesiredPending = "pending"
	SessionDesiredRunning = "running"
	SessionDesiredStopped = "stopped"
)

// Session observed states. What the control loop last saw.
const (
	SessionPending  = "pending"
	SessionStarting = "starting"
	SessionRunning  = "running"
	SessionStopping = "stopping"
	SessionStopped  = "stopped"
	SessionFailed   = "failed"
	SessionDegraded = "degraded"
)

// Sandbox is the user's handle: a workspace plus at most one live
// session. Status is computed, never stored; see sandbox.StatusOf.
type Sandbox struct {
	ID        string
	Owner     string
	ProfileID string
	CargoID   string

	// CurrentSessionID points at the live session, empty when idle.
	CurrentSessionID string

	// ExpiresAt nil means an infinite TTL.
	ExpiresAt     *time.Time
	IdleExpiresAt *time.Time

	LastActiveAt time.Time
	CreatedAt    time.Time

	// DeletedAt is the soft-delete marker. Monotonic: once set it is
	// never cleared.
	DeletedAt *time.Time
}

func (s *Sandbox) Deleted() bool {
	return s.DeletedAt != nil
}

func (s *Sandbox) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// SessionContainer describes one container of a multi-container
// session. Stored as JSON alongside the session row.
type SessionContainer struct {
	Name         string   `json:"name"`
	ContainerID  string   `json:"container_id"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
	Status       string   `json:"status"`
}

// Session is one instantiation of compute for a sandbox.
type Session struct {
	ID        string
	SandboxID string
	ProfileID string

	DesiredState  string
	ObservedState string

	// ContainerID and Endpoint describe the primary container. In
	// multi mode they mirror the primary descriptor in Containers.
	ContainerID string
	Endpoint    string

	// Containers is nil on the single-container path.
	Containers []SessionContainer

	CreatedAt      time.Time
	LastActiveAt   time.Time
	LastObservedAt time.Time
}

// Ready reports whether the session can take traffic: observed running
// and, in multi mode, every container running with an endpoint.
func (s *Session) Ready() bool {
	if s.ObservedState != SessionRunning {
		return false
	}
	for _, c := range s.Containers {
		if c.Status != SessionRunning || c.Endpoint == "" {
			return false
		}
	}
	return true
}

// Primary returns the descriptor matching the primary container id,
// or nil on the single-container path.
func (s *Session) Primary() *SessionContainer {
	for i := range s.Containers {
		if s.Containers[i].ContainerID == s.ContainerID {
			return &s.Containers[i]
		}
	}
	return nil
}

// Cargo is the persistent workspace volume backing a sandbox.
type Cargo struct {
	ID    string
	Owner string

	// DriverRef is the platform-level volume or PVC name.
	DriverRef string

	// Managed cargos are created with the sandbox and cascade-deleted
	// with it. External cargos survive sandbox deletion.
	Managed bool

	// ManagedBySandboxID is set while the owning sandbox exists;
	// cleared when it is deleted, which marks the cargo for orphan GC.
	ManagedBySandboxID string

	CreatedAt time.Time
}
