// Package cargo manages the persistent workspace volumes backing
// sandboxes. A managed cargo lives and dies with its sandbox; an
// external cargo is user-owned and survives sandbox deletion.
package cargo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/driver"
	"bay.dev/bay/pkg/idgen"
	"bay.dev/bay/store"
)

// VolumeName is the deterministic platform-level name for a cargo's
// volume. The known prefix lets the GC and tests recognize bay volumes.
func VolumeName(cargoID string) string {
	return "bay-cargo-" + cargoID
}

type Manager struct {
	Log    *slog.Logger
	Store  *store.Store
	Driver driver.Driver

	// InstanceID is stamped on every volume this process creates.
	InstanceID string

	now func() time.Time
}

func NewManager(st *store.Store, drv driver.Driver, instanceID string, log *slog.Logger) *Manager {
	return &Manager{
		Log:        log.With("module", "cargo"),
		Store:      st,
		Driver:     drv,
		InstanceID: instanceID,
		now:        time.Now,
	}
}

// Create allocates a cargo, provisions its volume, and commits the row.
// managedBy is the owning sandbox id for managed cargos, empty for
// external ones.
func (m *Manager) Create(ctx context.Context, owner string, managed bool, managedBy string) (*store.Cargo, error) {
	c := &store.Cargo{
		ID:                 idgen.Cargo(),
		Owner:              owner,
		Managed:            managed,
		ManagedBySandboxID: managedBy,
		CreatedAt:          m.now().UTC(),
	}
	c.DriverRef = VolumeName(c.ID)

	labels := driver.Labels{
		Owner:      owner,
		CargoID:    c.ID,
		SandboxID:  managedBy,
		InstanceID: m.InstanceID,
	}
	if _, err := m.Driver.CreateVolume(ctx, c.DriverRef, labels.Map()); err != nil {
		return nil, bayerr.Driver(m.Driver.Kind(), err, "creating volume %s", c.DriverRef)
	}

	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertCargo(c)
	})
	if err != nil {
		// Roll the volume back so a failed commit leaves nothing behind.
		if derr := m.Driver.DeleteVolume(ctx, c.DriverRef); derr != nil && !errors.Is(derr, driver.ErrNotFound) {
			m.Log.Warn("rollback volume delete failed", "volume", c.DriverRef, "error", derr)
		}
		return nil, err
	}

	m.Log.Info("cargo created", "cargo_id", c.ID, "owner", owner, "managed", managed)
	return c, nil
}

// Get returns the cargo if it exists and belongs to owner.
func (m *Manager) Get(ctx context.Context, id, owner string) (*store.Cargo, error) {
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, bayerr.NotFound("cargo", id)
	}
	return c, nil
}

// GetByID returns the cargo regardless of owner. Internal callers only.
func (m *Manager) GetByID(ctx context.Context, id string) (*store.Cargo, error) {
	var c *store.Cargo
	err := m.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetCargo(id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, bayerr.NotFound("cargo", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List pages owner's cargos by ascending id. The returned cursor is
// empty once the listing is exhausted.
func (m *Manager) List(ctx context.Context, owner, cursor string, limit int) ([]*store.Cargo, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var page []*store.Cargo
	err := m.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		// Fetch one extra row to know whether more exist.
		page, err = tx.ScanCargos(owner, cursor, limit+1)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(page) > limit {
		page = page[:limit]
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// Delete removes an owner's cargo. Managed cargos refuse unless force:
// their lifecycle belongs to the sandbox.
func (m *Manager) Delete(ctx context.Context, id, owner string, force bool) error {
	c, err := m.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if c.Managed && !force {
		return bayerr.Conflict("cargo %s is managed by sandbox %s; delete the sandbox instead",
			id, c.ManagedBySandboxID).With("cargo_id", id)
	}
	return m.destroy(ctx, c)
}

// CascadeDelete removes a managed cargo as part of sandbox deletion or
// GC. External cargos are left alone. Idempotent: an already-deleted
// cargo is a no-op so a partially-failed cycle converges.
func (m *Manager) CascadeDelete(ctx context.Context, cargoID string) error {
	c, err := m.GetByID(ctx, cargoID)
	if bayerr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Managed {
		return nil
	}
	return m.destroy(ctx, c)
}

func (m *Manager) destroy(ctx context.Context, c *store.Cargo) error {
	if err := m.Driver.DeleteVolume(ctx, c.DriverRef); err != nil && !errors.Is(err, driver.ErrNotFound) {
		return bayerr.Driver(m.Driver.Kind(), err, "deleting volume %s", c.DriverRef)
	}

	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteCargo(c.ID)
	})
	if err != nil {
		return err
	}

	m.Log.Info("cargo deleted", "cargo_id", c.ID, "volume", c.DriverRef)
	return nil
}

// EnsureVolume re-creates the cargo's volume if the platform lost it.
// The session manager calls this before building containers so a
// sandbox whose volume was removed out of band still starts.
func (m *Manager) EnsureVolume(ctx context.Context, c *store.Cargo) error {
	exists, err := m.Driver.VolumeExists(ctx, c.DriverRef)
	if err != nil {
		return bayerr.Driver(m.Driver.Kind(), err, "checking volume %s", c.DriverRef)
	}
	if exists {
		return nil
	}

	m.Log.Warn("volume missing, recreating", "cargo_id", c.ID, "volume", c.DriverRef)
	labels := driver.Labels{
		Owner:      c.Owner,
		CargoID:    c.ID,
		SandboxID:  c.ManagedBySandboxID,
		InstanceID: m.InstanceID,
	}
	if _, err := m.Driver.CreateVolume(ctx, c.DriverRef, labels.Map()); err != nil {
		return bayerr.Driver(m.Driver.Kind(), err, "recreating volume %s", c.DriverRef)
	}
	return nil
}

// ReleaseFromSandbox clears the ownership link inside the caller's
// transaction, marking the cargo for orphan GC if the cascade delete
// could not run.
func ReleaseFromSandbox(tx *store.Tx, cargoID string) error {
	c, err := tx.GetCargo(cargoID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Managed || c.ManagedBySandboxID == "" {
		return nil
	}
	c.ManagedBySandboxID = ""
	return tx.UpdateCargo(c)
}
