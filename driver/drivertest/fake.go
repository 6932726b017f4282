// Package drivertest provides an in-memory driver for exercising the
// managers and the GC without a container platform.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bay.dev/bay/driver"
	"bay.dev/bay/pkg/multierror"
)

type Container struct {
	ID        string
	Spec      driver.InstanceSpec
	State     driver.State
	Labels    map[string]string
	CreatedAt time.Time
}

type Volume struct {
	Name   string
	Labels map[string]string
}

// Fake implements driver.Driver against process-local maps. Failure
// hooks are nil-safe: leave them nil and everything succeeds.
type Fake struct {
	mu sync.Mutex

	containers map[string]*Container
	volumes    map[string]*Volume
	networks   map[string]map[string]string

	seq int

	// EndpointFor, when set, decides what Start returns. Tests point it
	// at an httptest server so readiness probing has something to hit.
	EndpointFor func(id string, port int) string

	FailCreate func(spec driver.InstanceSpec) error
	FailStart  func(id string) error
	FailStop   func(id string) error
	FailStatus func(id string) error

	CreateCalls  int
	StartCalls   int
	StopCalls    int
	DestroyCalls int
}

var _ driver.Driver = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		containers: make(map[string]*Container),
		volumes:    make(map[string]*Volume),
		networks:   make(map[string]map[string]string),
	}
}

func (f *Fake) Kind() string { return "fake" }

func (f *Fake) Create(ctx context.Context, spec driver.InstanceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.FailCreate != nil {
		if err := f.FailCreate(spec); err != nil {
			return "", err
		}
	}

	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &Container{
		ID:        id,
		Spec:      spec,
		State:     driver.StateCreated,
		Labels:    spec.Labels,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StartCalls++
	if f.FailStart != nil {
		if err := f.FailStart(id); err != nil {
			return "", err
		}
	}

	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("starting %s: %w", id, driver.ErrNotFound)
	}
	c.State = driver.StateRunning
	return f.endpoint(id, runtimePort), nil
}

func (f *Fake) endpoint(id string, port int) string {
	if f.EndpointFor != nil {
		return f.EndpointFor(id, port)
	}
	return fmt.Sprintf("http://%s:%d", id, port)
}

func (f *Fake) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StopCalls++
	if f.FailStop != nil {
		if err := f.FailStop(id); err != nil {
			return err
		}
	}

	if c, ok := f.containers[id]; ok {
		c.State = driver.StateExited
	}
	return nil
}

func (f *Fake) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DestroyCalls++
	delete(f.containers, id)
	return nil
}

func (f *Fake) Status(ctx context.Context, id string, runtimePort int) (driver.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailStatus != nil {
		if err := f.FailStatus(id); err != nil {
			return driver.InstanceStatus{}, err
		}
	}

	c, ok := f.containers[id]
	if !ok {
		return driver.InstanceStatus{State: driver.StateNotFound}, nil
	}

	st := driver.InstanceStatus{State: c.State}
	if c.State == driver.StateRunning && runtimePort > 0 {
		st.Endpoint = f.endpoint(id, runtimePort)
	}
	if c.State == driver.StateExited {
		code := 0
		st.ExitCode = &code
	}
	return st, nil
}

func (f *Fake) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[id]; !ok {
		return "", fmt.Errorf("logs for %s: %w", id, driver.ErrNotFound)
	}
	return "fake logs\n", nil
}

func (f *Fake) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.volumes[name] = &Volume{Name: name, Labels: labels}
	return name, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.volumes, name)
	return nil
}

func (f *Fake) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.volumes[name]
	return ok, nil
}

func (f *Fake) ListInstances(ctx context.Context, labels map[string]string) ([]driver.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []driver.Instance
	for _, c := range f.containers {
		if !driver.MatchLabels(c.Labels, labels) {
			continue
		}
		out = append(out, driver.Instance{
			ID:        c.ID,
			Name:      c.Spec.Name,
			State:     c.State,
			Labels:    c.Labels,
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

func (f *Fake) CreateSessionNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := driver.SessionNetworkName(sessionID)
	f.networks[name] = labels
	return name, nil
}

func (f *Fake) RemoveSessionNetwork(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.networks, driver.SessionNetworkName(sessionID))
	return nil
}

func (f *Fake) CreateMulti(ctx context.Context, specs []driver.InstanceSpec) ([]driver.MultiInfo, error) {
	var infos []driver.MultiInfo
	for _, spec := range specs {
		id, err := f.Create(ctx, spec)
		if err != nil {
			for _, in := range infos {
				f.Destroy(ctx, in.ID)
			}
			return nil, err
		}
		infos = append(infos, driver.MultiInfo{
			Name:        spec.ContainerName,
			ID:          id,
			RuntimePort: spec.RuntimePort,
		})
	}
	return infos, nil
}

func (f *Fake) StartMulti(ctx context.Context, infos []driver.MultiInfo) ([]driver.MultiInfo, error) {
	out := make([]driver.MultiInfo, len(infos))
	for i, in := range infos {
		ep, err := f.Start(ctx, in.ID, in.RuntimePort)
		if err != nil {
			return nil, err
		}
		in.Endpoint = ep
		out[i] = in
	}
	return out, nil
}

func (f *Fake) StopMulti(ctx context.Context, infos []driver.MultiInfo) error {
	var all error
	for _, in := range infos {
		all = multierror.Append(all, f.Stop(ctx, in.ID))
	}
	return all
}

func (f *Fake) DestroyMulti(ctx context.Context, infos []driver.MultiInfo) error {
	var all error
	for _, in := range infos {
		all = multierror.Append(all, f.Destroy(ctx, in.ID))
	}
	return all
}

func (f *Fake) Ping(ctx context.Context) error { return nil }

func (f *Fake) Close() error { return nil }

// Container returns a snapshot of the container, or nil if gone.
func (f *Fake) Container(id string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// SetState forces a container's state, simulating an external kill.
func (f *Fake) SetState(id string, state driver.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.containers[id]; ok {
		c.State = state
	}
}

// SeedInstance plants a container the managers never created, for
// orphan GC tests.
func (f *Fake) SeedInstance(labels map[string]string, state driver.State) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &Container{
		ID:        id,
		State:     state,
		Labels:    labels,
		CreatedAt: time.Now(),
	}
	return id
}

// ContainerCount reports how many containers currently exist.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// VolumeCount reports how many volumes currently exist.
func (f *Fake) VolumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

// NetworkCount reports how many session networks currently exist.
func (f *Fake) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}
