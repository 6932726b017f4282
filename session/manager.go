// Package session maintains the sandbox ↔ session mapping and drives
// compute through its lifecycle: idempotent ensure-running, readiness,
// stop and destroy. Callers hold the per-sandbox lock; this package
// assumes it is the only writer for a given session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/cargo"
	"bay.dev/bay/driver"
	"bay.dev/bay/events"
	"bay.dev/bay/metrics"
	"bay.dev/bay/pkg/idgen"
	"bay.dev/bay/pkg/multierror"
	"bay.dev/bay/profile"
	"bay.dev/bay/store"
)

// retryAfter is the advisory delay handed to callers that hit a
// session mid-start.
const retryAfter = time.Second

type Manager struct {
	Log    *slog.Logger
	Store  *store.Store
	Driver driver.Driver
	Cargo  *cargo.Manager

	// HTTP is the shared client pool, reused by readiness probing.
	HTTP *http.Client

	Events  events.Publisher
	Metrics *metrics.Metrics

	InstanceID string
	Ready      ReadyTuning

	now func() time.Time
}

func NewManager(st *store.Store, drv driver.Driver, cg *cargo.Manager, httpClient *http.Client, pub events.Publisher, mt *metrics.Metrics, instanceID string, ready ReadyTuning, log *slog.Logger) *Manager {
	ready.applyDefaults()
	return &Manager{
		Log:        log.With("module", "session"),
		Store:      st,
		Driver:     drv,
		Cargo:      cg,
		HTTP:       httpClient,
		Events:     pub,
		Metrics:    mt,
		InstanceID: instanceID,
		Ready:      ready,
		now:        time.Now,
	}
}

// Create mints a new pending session for the sandbox. The caller owns
// the sandbox lock and links current_session_id afterwards.
func (m *Manager) Create(ctx context.Context, sb *store.Sandbox) (*store.Session, error) {
	now := m.now().UTC()
	sess := &store.Session{
		ID:             idgen.Session(),
		SandboxID:      sb.ID,
		ProfileID:      sb.ProfileID,
		DesiredState:   store.SessionDesiredPending,
		ObservedState:  store.SessionPending,
		CreatedAt:      now,
		LastActiveAt:   now,
		LastObservedAt: now,
	}

	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertSession(sess)
	})
	if err != nil {
		return nil, err
	}

	m.Log.Info("session created", "session_id", sess.ID, "sandbox_id", sb.ID)
	return sess, nil
}

// Get loads a session row.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	var sess *store.Session
	err := m.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		sess, err = tx.GetSession(id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, bayerr.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EnsureRunning drives the session to running, creating and starting
// compute as needed. Idempotent under the caller's sandbox lock:
// concurrent callers observe one forward progression, with stragglers
// seeing session_not_ready while a start is in flight.
func (m *Manager) EnsureRunning(ctx context.Context, sess *store.Session, cg *store.Cargo, prof *profile.Profile) (*store.Session, error) {
	started := m.now()
	var err error
	if prof.IsMulti() {
		sess, err = m.ensureMulti(ctx, sess, cg, prof)
	} else {
		sess, err = m.ensureSingle(ctx, sess, cg, prof)
	}
	if err == nil && m.Metrics != nil {
		m.Metrics.EnsureRunningSeconds.Observe(m.now().Sub(started).Seconds())
	}
	return sess, err
}

func (m *Manager) ensureSingle(ctx context.Context, sess *store.Session, cg *store.Cargo, prof *profile.Profile) (*store.Session, error) {
	primary := prof.PrimaryContainer()

	if sess.ContainerID != "" && sess.ObservedState == store.SessionRunning {
		st, err := m.Driver.Status(ctx, sess.ContainerID, primary.RuntimePort)
		if err != nil {
			// Driver unreachable: trust DB state rather than tearing down
			// a session that may be healthy.
			m.Log.Warn("status probe failed, trusting stored state",
				"session_id", sess.ID, "container_id", sess.ContainerID, "error", err)
			return sess, nil
		}
		switch st.State {
		case driver.StateRunning:
			return m.touch(ctx, sess)
		case driver.StateExited, driver.StateNotFound, driver.StateRemoving:
			m.Log.Info("container dead, rebuilding",
				"session_id", sess.ID, "container_id", sess.ContainerID, "state", st.State)
			if err := m.Driver.Destroy(ctx, sess.ContainerID); err != nil && !errors.Is(err, driver.ErrNotFound) {
				m.Log.Warn("destroy of dead container failed", "container_id", sess.ContainerID, "error", err)
			}
			sess.ContainerID = ""
			sess.Endpoint = ""
			sess.ObservedState = store.SessionPending
			if err := m.save(ctx, sess); err != nil {
				return nil, err
			}
		default:
			// created: fall through to the start path below.
		}
	}

	if sess.ObservedState == store.SessionStarting {
		return nil, bayerr.NotReady(sess.ID, retryAfter)
	}

	if sess.ContainerID == "" {
		sess.DesiredState = store.SessionDesiredRunning
		sess.ObservedState = store.SessionStarting
		if err := m.save(ctx, sess); err != nil {
			return nil, err
		}

		if err := m.Cargo.EnsureVolume(ctx, cg); err != nil {
			return nil, m.fail(ctx, sess, err)
		}

		spec := m.instanceSpec(sess, cg, prof, primary, "", false)
		id, err := m.Driver.Create(ctx, spec)
		if err != nil {
			m.countDriverError("create")
			return nil, m.fail(ctx, sess, bayerr.Driver(m.Driver.Kind(), err, "creating container for session %s", sess.ID))
		}
		sess.ContainerID = id
		if err := m.save(ctx, sess); err != nil {
			return nil, err
		}
	} else {
		// Existing container that is not running: restart path.
		sess.DesiredState = store.SessionDesiredRunning
		sess.ObservedState = store.SessionStarting
		if err := m.save(ctx, sess); err != nil {
			return nil, err
		}
	}

	endpoint, err := m.Driver.Start(ctx, sess.ContainerID, primary.RuntimePort)
	if err != nil {
		m.countDriverError("start")
		return nil, m.rollbackSingle(ctx, sess, bayerr.Driver(m.Driver.Kind(), err, "starting container %s", sess.ContainerID))
	}

	if err := m.awaitReady(ctx, endpoint, primary.HealthCheckPath, primary.RuntimeType); err != nil {
		return nil, m.rollbackSingle(ctx, sess, err)
	}

	now := m.now().UTC()
	sess.Endpoint = endpoint
	sess.ObservedState = store.SessionRunning
	sess.LastObservedAt = now
	sess.LastActiveAt = now
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	if m.Metrics != nil {
		m.Metrics.SessionsStarted.Inc()
	}
	m.Events.Publish(ctx, events.Event{
		Type: events.SessionStarted, Owner: cg.Owner,
		SandboxID: sess.SandboxID, SessionID: sess.ID, ProfileID: sess.ProfileID,
	})
	m.Log.Info("session running", "session_id", sess.ID, "endpoint", endpoint)
	return sess, nil
}

// rollbackSingle tears down a half-started single container, marks the
// session failed, and re-raises the original error.
func (m *Manager) rollbackSingle(ctx context.Context, sess *store.Session, cause error) error {
	if sess.ContainerID != "" {
		if err := m.Driver.Destroy(ctx, sess.ContainerID); err != nil && !errors.Is(err, driver.ErrNotFound) {
			m.Log.Warn("rollback destroy failed", "container_id", sess.ContainerID, "error", err)
		}
	}
	sess.ContainerID = ""
	sess.Endpoint = ""
	return m.fail(ctx, sess, cause)
}

func (m *Manager) ensureMulti(ctx context.Context, sess *store.Session, cg *store.Cargo, prof *profile.Profile) (*store.Session, error) {
	if sess.ContainerID != "" && sess.ObservedState == store.SessionRunning {
		st, err := m.Driver.Status(ctx, sess.ContainerID, prof.PrimaryContainer().RuntimePort)
		if err != nil {
			m.Log.Warn("status probe failed, trusting stored state",
				"session_id", sess.ID, "container_id", sess.ContainerID, "error", err)
			return sess, nil
		}
		if st.State == driver.StateRunning {
			return m.touch(ctx, sess)
		}

		// Primary is dead; tear the whole set down and rebuild.
		m.Log.Info("primary container dead, rebuilding session",
			"session_id", sess.ID, "state", st.State)
		m.teardownMulti(ctx, sess)
		sess.ContainerID = ""
		sess.Endpoint = ""
		sess.Containers = nil
		sess.ObservedState = store.SessionPending
		if err := m.save(ctx, sess); err != nil {
			return nil, err
		}
	}

	if sess.ObservedState == store.SessionStarting {
		return nil, bayerr.NotReady(sess.ID, retryAfter)
	}

	sess.DesiredState = store.SessionDesiredRunning
	sess.ObservedState = store.SessionStarting
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	if err := m.Cargo.EnsureVolume(ctx, cg); err != nil {
		return nil, m.fail(ctx, sess, err)
	}

	netLabels := driver.Labels{
		Owner:      cg.Owner,
		SandboxID:  sess.SandboxID,
		SessionID:  sess.ID,
		InstanceID: m.InstanceID,
	}
	network, err := m.Driver.CreateSessionNetwork(ctx, sess.ID, netLabels.Map())
	if err != nil {
		m.countDriverError("create_network")
		return nil, m.fail(ctx, sess, bayerr.Driver(m.Driver.Kind(), err, "creating session network for %s", sess.ID))
	}

	specs := make([]driver.InstanceSpec, len(prof.Containers))
	for i := range prof.Containers {
		specs[i] = m.instanceSpec(sess, cg, prof, &prof.Containers[i], network, true)
	}

	infos, err := m.Driver.CreateMulti(ctx, specs)
	if err != nil {
		m.countDriverError("create")
		m.removeNetwork(ctx, sess.ID)
		return nil, m.fail(ctx, sess, bayerr.Driver(m.Driver.Kind(), err, "creating containers for session %s", sess.ID))
	}

	started, err := m.Driver.StartMulti(ctx, infos)
	if err != nil {
		m.countDriverError("start")
		m.destroyInfos(ctx, infos)
		m.removeNetwork(ctx, sess.ID)
		return nil, m.fail(ctx, sess, bayerr.Driver(m.Driver.Kind(), err, "starting containers for session %s", sess.ID))
	}

	if err := m.awaitMultiReady(ctx, started, prof); err != nil {
		m.destroyInfos(ctx, started)
		m.removeNetwork(ctx, sess.ID)
		return nil, m.fail(ctx, sess, err)
	}

	primary := prof.PrimaryContainer()
	containers := make([]store.SessionContainer, len(started))
	for i, info := range started {
		spec := prof.Containers[i]
		containers[i] = store.SessionContainer{
			Name:         info.Name,
			ContainerID:  info.ID,
			RuntimeType:  spec.RuntimeType,
			Capabilities: spec.Capabilities,
			Endpoint:     info.Endpoint,
			Status:       store.SessionRunning,
		}
		if info.Name == primary.Name {
			sess.ContainerID = info.ID
			sess.Endpoint = info.Endpoint
		}
	}

	now := m.now().UTC()
	sess.Containers = containers
	sess.ObservedState = store.SessionRunning
	sess.LastObservedAt = now
	sess.LastActiveAt = now
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	if m.Metrics != nil {
		m.Metrics.SessionsStarted.Inc()
	}
	m.Events.Publish(ctx, events.Event{
		Type: events.SessionStarted, Owner: cg.Owner,
		SandboxID: sess.SandboxID, SessionID: sess.ID, ProfileID: sess.ProfileID,
	})
	m.Log.Info("session running", "session_id", sess.ID,
		"containers", len(containers), "endpoint", sess.Endpoint)
	return sess, nil
}

// Stop winds compute down but keeps the session row.
func (m *Manager) Stop(ctx context.Context, sess *store.Session) error {
	sess.DesiredState = store.SessionDesiredStopped
	sess.ObservedState = store.SessionStopping
	if err := m.save(ctx, sess); err != nil {
		return err
	}

	if len(sess.Containers) > 0 {
		var infos []driver.MultiInfo
		for _, c := range sess.Containers {
			infos = append(infos, driver.MultiInfo{Name: c.Name, ID: c.ContainerID})
		}
		if err := m.Driver.StopMulti(ctx, infos); err != nil {
			m.Log.Warn("multi stop incomplete", "session_id", sess.ID, "error", err)
		}
		m.removeNetwork(ctx, sess.ID)
	} else if sess.ContainerID != "" {
		if err := m.Driver.Stop(ctx, sess.ContainerID); err != nil && !errors.Is(err, driver.ErrNotFound) {
			return bayerr.Driver(m.Driver.Kind(), err, "stopping container %s", sess.ContainerID)
		}
	}

	sess.Endpoint = ""
	sess.Containers = nil
	sess.ObservedState = store.SessionStopped
	sess.LastObservedAt = m.now().UTC()
	if err := m.save(ctx, sess); err != nil {
		return err
	}

	m.Events.Publish(ctx, events.Event{
		Type: events.SessionStopped,
		SandboxID: sess.SandboxID, SessionID: sess.ID, ProfileID: sess.ProfileID,
	})
	m.Log.Info("session stopped", "session_id", sess.ID)
	return nil
}

// Destroy removes compute and the session row. Idempotent: a session
// whose containers are already gone still deletes cleanly.
func (m *Manager) Destroy(ctx context.Context, sess *store.Session) error {
	var all error
	if len(sess.Containers) > 0 {
		var infos []driver.MultiInfo
		for _, c := range sess.Containers {
			infos = append(infos, driver.MultiInfo{Name: c.Name, ID: c.ContainerID})
		}
		all = multierror.Append(all, m.Driver.DestroyMulti(ctx, infos))
		m.removeNetwork(ctx, sess.ID)
	} else if sess.ContainerID != "" {
		if err := m.Driver.Destroy(ctx, sess.ContainerID); err != nil && !errors.Is(err, driver.ErrNotFound) {
			all = multierror.Append(all, err)
		}
	}
	if all != nil {
		return bayerr.Driver(m.Driver.Kind(), all, "destroying session %s", sess.ID)
	}

	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSession(sess.ID)
	})
	if err != nil {
		return err
	}

	m.Events.Publish(ctx, events.Event{
		Type: events.SessionStopped,
		SandboxID: sess.SandboxID, SessionID: sess.ID, ProfileID: sess.ProfileID,
	})
	m.Log.Info("session destroyed", "session_id", sess.ID)
	return nil
}

// instanceSpec assembles the driver instructions for one container.
func (m *Manager) instanceSpec(sess *store.Session, cg *store.Cargo, prof *profile.Profile, c *profile.Container, network string, multi bool) driver.InstanceSpec {
	name := "bay-" + sess.ID
	if multi {
		name = fmt.Sprintf("bay-%s-%s", sess.ID, c.Name)
	}

	env := make(map[string]string, len(c.Env)+4)
	for k, v := range c.Env {
		env[k] = v
	}
	env[driver.EnvSessionID] = sess.ID
	env[driver.EnvSandboxID] = sess.SandboxID
	env[driver.EnvWorkspacePath] = driver.WorkspacePath
	if multi {
		env[driver.EnvContainerName] = c.Name
	}

	labels := driver.Labels{
		Owner:       cg.Owner,
		SandboxID:   sess.SandboxID,
		SessionID:   sess.ID,
		CargoID:     cg.ID,
		ProfileID:   prof.ID,
		RuntimePort: c.RuntimePort,
		InstanceID:  m.InstanceID,
	}
	if multi {
		labels.ContainerName = c.Name
		labels.RuntimeType = c.RuntimeType
	}

	memory, err := c.Resources.MemoryBytes()
	if err != nil {
		// Profiles are validated at load; an invalid size here means the
		// registry let something through. Run unlimited rather than fail.
		m.Log.Warn("invalid memory limit, running without one",
			"profile_id", prof.ID, "container", c.Name, "memory", c.Resources.Memory)
		memory = 0
	}

	spec := driver.InstanceSpec{
		Name:        name,
		Image:       c.Image,
		Env:         env,
		Labels:      labels.Map(),
		CPUs:        c.Resources.CPUs,
		MemoryBytes: memory,
		VolumeRef:   cg.DriverRef,
		RuntimePort: c.RuntimePort,
		Network:     network,
	}
	if multi {
		spec.ContainerName = c.Name
	}
	return spec
}

// teardownMulti best-effort destroys every container the session
// tracks plus the session network.
func (m *Manager) teardownMulti(ctx context.Context, sess *store.Session) {
	var infos []driver.MultiInfo
	for _, c := range sess.Containers {
		infos = append(infos, driver.MultiInfo{Name: c.Name, ID: c.ContainerID})
	}
	m.destroyInfos(ctx, infos)
	m.removeNetwork(ctx, sess.ID)
}

func (m *Manager) destroyInfos(ctx context.Context, infos []driver.MultiInfo) {
	if len(infos) == 0 {
		return
	}
	if err := m.Driver.DestroyMulti(ctx, infos); err != nil {
		m.Log.Warn("rollback destroy incomplete", "error", err)
	}
}

func (m *Manager) removeNetwork(ctx context.Context, sessionID string) {
	if err := m.Driver.RemoveSessionNetwork(ctx, sessionID); err != nil && !errors.Is(err, driver.ErrNotFound) {
		m.Log.Warn("session network removal failed", "session_id", sessionID, "error", err)
	}
}

// fail records the failed state and re-raises cause.
func (m *Manager) fail(ctx context.Context, sess *store.Session, cause error) error {
	sess.ObservedState = store.SessionFailed
	sess.LastObservedAt = m.now().UTC()
	if err := m.save(ctx, sess); err != nil {
		m.Log.Error("failed to record failed state", "session_id", sess.ID, "error", err)
	}

	if m.Metrics != nil {
		m.Metrics.SessionsFailed.Inc()
	}
	m.Events.Publish(ctx, events.Event{
		Type: events.SessionFailed,
		SandboxID: sess.SandboxID, SessionID: sess.ID, ProfileID: sess.ProfileID,
		Reason: cause.Error(),
	})
	m.Log.Error("session failed", "session_id", sess.ID, "error", cause)
	return cause
}

func (m *Manager) touch(ctx context.Context, sess *store.Session) (*store.Session, error) {
	now := m.now().UTC()
	sess.LastActiveAt = now
	sess.LastObservedAt = now
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) save(ctx context.Context, sess *store.Session) error {
	return m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateSession(sess)
	})
}

func (m *Manager) countDriverError(op string) {
	if m.Metrics != nil {
		m.Metrics.DriverErrors.WithLabelValues(m.Driver.Kind(), op).Inc()
	}
}
