// Package driver defines the platform vocabulary bay speaks to run
// sandbox compute. Higher layers only ever see this contract; the
// dockerdriver and kubedriver packages translate it to their platforms.
package driver

import (
	"context"
	"errors"
	"time"
)

// WorkspacePath is where every container sees its cargo volume. The
// runtime keeps its working directory, $HOME and persistent state
// under it.
const WorkspacePath = "/workspace"

// Environment injected into every runtime container.
const (
	EnvSessionID     = "BAY_SESSION_ID"
	EnvSandboxID     = "BAY_SANDBOX_ID"
	EnvWorkspacePath = "BAY_WORKSPACE_PATH"
	EnvContainerName = "BAY_CONTAINER_NAME"
)

// ErrNotFound is returned when the platform no longer knows the
// container, volume or network. Stop and destroy paths treat it as
// already-done; start treats it as fatal.
var ErrNotFound = errors.New("driver: not found")

type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateRemoving State = "removing"
	StateNotFound State = "not_found"
)

// InstanceSpec describes one container to create. The session manager
// assembles it from the profile, the session and the cargo; the driver
// treats it as opaque instructions.
type InstanceSpec struct {
	// Name is the engine-level container name, unique per platform.
	Name string

	// ContainerName is the profile container name. Empty on the
	// single-container path; in multi mode it doubles as the DNS alias
	// on the session network.
	ContainerName string

	Image  string
	Env    map[string]string
	Labels map[string]string

	// CPUs is a decimal core count. MemoryBytes is the hard limit.
	CPUs        float64
	MemoryBytes int64

	// PidsLimit of zero means the driver default (256).
	PidsLimit int64

	// VolumeRef names the cargo volume to mount at WorkspacePath.
	VolumeRef string

	RuntimePort int

	// Network is the session network to join; empty joins the driver's
	// configured default.
	Network string
}

// InstanceStatus is the driver's view of one container.
type InstanceStatus struct {
	State    State
	Endpoint string
	ExitCode *int
}

// Instance is a labelled container enumerated for the GC.
type Instance struct {
	ID        string
	Name      string
	State     State
	Labels    map[string]string
	CreatedAt time.Time
}

// MultiInfo tracks one container of a multi-container session through
// create and start.
type MultiInfo struct {
	Name        string
	ID          string
	RuntimePort int
	Endpoint    string
}

// Driver is the contract both platform implementations satisfy.
//
// Stop and Destroy are idempotent: a platform not-found is logged and
// swallowed. Status maps a missing container to StateNotFound with a
// nil error. Everything else propagates so callers can mark sessions
// failed and roll back.
type Driver interface {
	Kind() string

	// Create builds the container without starting it and returns its id.
	Create(ctx context.Context, spec InstanceSpec) (string, error)

	// Start runs the container and resolves an endpoint reachable from
	// this process for the given runtime port.
	Start(ctx context.Context, id string, runtimePort int) (string, error)

	Stop(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error

	Status(ctx context.Context, id string, runtimePort int) (InstanceStatus, error)
	Logs(ctx context.Context, id string, tail int) (string, error)

	CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error)
	DeleteVolume(ctx context.Context, name string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	// ListInstances enumerates containers whose labels are a superset
	// of the given labels. The GC feeds it the managed and fence labels.
	ListInstances(ctx context.Context, labels map[string]string) ([]Instance, error)

	// Session networks give multi-container sessions name-based
	// connectivity. On platforms where containers of a session already
	// share a network namespace these are recorded no-ops.
	CreateSessionNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error)
	RemoveSessionNetwork(ctx context.Context, sessionID string) error

	// CreateMulti creates the whole container set or nothing: a failure
	// part way destroys what this call already created before returning.
	CreateMulti(ctx context.Context, specs []InstanceSpec) ([]MultiInfo, error)

	// StartMulti starts every container in parallel and fills in
	// endpoints. On error the caller owns rollback via DestroyMulti.
	StartMulti(ctx context.Context, infos []MultiInfo) ([]MultiInfo, error)

	// StopMulti and DestroyMulti are best effort: they keep going past
	// individual failures and report what failed at the end.
	StopMulti(ctx context.Context, infos []MultiInfo) error
	DestroyMulti(ctx context.Context, infos []MultiInfo) error

	Ping(ctx context.Context) error
	Close() error
}

// SessionNetworkName is the fixed naming convention for session
// networks. The GC and tests rely on it.
func SessionNetworkName(sessionID string) string {
	return "bay_net_" + sessionID
}
