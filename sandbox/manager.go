// Package sandbox is the user-facing lifecycle authority: create,
// ensure-running, TTL extension, keepalive, stop, delete and list.
//
// Every state-mutating operation follows one discipline: acquire the
// per-sandbox lock, open a fresh transaction, re-read the row, mutate,
// commit, release. The process-local lock registry is the inner fence;
// on engines with row locks the fresh read doubles as SELECT FOR
// UPDATE. Driver work happens between transactions so the database is
// never held across a slow platform call.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/cargo"
	"bay.dev/bay/events"
	"bay.dev/bay/pkg/idgen"
	"bay.dev/bay/pkg/locks"
	"bay.dev/bay/pkg/multierror"
	"bay.dev/bay/profile"
	"bay.dev/bay/session"
	"bay.dev/bay/store"
)

const (
	// listScanFactor and listScanFloor bound how many rows one List
	// call may examine when a status filter matches rarely.
	listScanFactor = 20
	listScanFloor  = 1000

	listBatchSize = 200
)

type Manager struct {
	Log      *slog.Logger
	Store    *store.Store
	Locks    *locks.Registry
	Cargo    *cargo.Manager
	Sessions *session.Manager
	Profiles *profile.Registry
	Events   events.Publisher

	now func() time.Time
}

func NewManager(st *store.Store, lk *locks.Registry, cg *cargo.Manager, sm *session.Manager, pr *profile.Registry, pub events.Publisher, log *slog.Logger) *Manager {
	return &Manager{
		Log:      log.With("module", "sandbox"),
		Store:    st,
		Locks:    lk,
		Cargo:    cg,
		Sessions: sm,
		Profiles: pr,
		Events:   pub,
		now:      time.Now,
	}
}

// Create allocates a sandbox. With cargoID it attaches the caller's
// external cargo; otherwise it provisions a managed one bound to the
// new sandbox. ttl zero means no expiry.
func (m *Manager) Create(ctx context.Context, owner, profileID, cargoID string, ttl time.Duration) (*store.Sandbox, error) {
	if _, err := m.Profiles.Get(profileID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sb := &store.Sandbox{
		ID:           idgen.Sandbox(),
		Owner:        owner,
		ProfileID:    profileID,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		sb.ExpiresAt = &expires
	}

	var managedCargo bool
	if cargoID != "" {
		c, err := m.Cargo.Get(ctx, cargoID, owner)
		if err != nil {
			return nil, err
		}
		sb.CargoID = c.ID
	} else {
		c, err := m.Cargo.Create(ctx, owner, true, sb.ID)
		if err != nil {
			return nil, err
		}
		sb.CargoID = c.ID
		managedCargo = true
	}

	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertSandbox(sb)
	})
	if err != nil {
		if managedCargo {
			if cerr := m.Cargo.CascadeDelete(ctx, sb.CargoID); cerr != nil {
				m.Log.Warn("cargo rollback failed; orphan GC will reclaim it",
					"cargo_id", sb.CargoID, "error", cerr)
			}
		}
		return nil, err
	}

	m.Events.Publish(ctx, events.Event{
		Type: events.SandboxCreated, Owner: owner,
		SandboxID: sb.ID, ProfileID: profileID,
	})
	m.Log.Info("sandbox created", "sandbox_id", sb.ID, "owner", owner,
		"profile_id", profileID, "ttl", ttl)
	return sb, nil
}

// Get returns owner's sandbox. Soft-deleted rows and other owners'
// rows are both invisible.
func (m *Manager) Get(ctx context.Context, id, owner string) (*store.Sandbox, error) {
	var sb *store.Sandbox
	err := m.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		sb, err = tx.GetSandbox(id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, bayerr.NotFound("sandbox", id)
	}
	if err != nil {
		return nil, err
	}
	if sb.Deleted() || sb.Owner != owner {
		return nil, bayerr.NotFound("sandbox", id)
	}
	return sb, nil
}

// Status computes the sandbox's current status from its row and the
// live session snapshot.
func (m *Manager) Status(ctx context.Context, sb *store.Sandbox) (Status, error) {
	var sess *store.Session
	if sb.CurrentSessionID != "" {
		var err error
		sess, err = m.Sessions.Get(ctx, sb.CurrentSessionID)
		if err != nil && !bayerr.IsNotFound(err) {
			return "", err
		}
	}
	return StatusOf(sb, sess, m.now()), nil
}

// ListItem pairs a sandbox with its computed status.
type ListItem struct {
	Sandbox *store.Sandbox
	Status  Status
}

// List pages owner's sandboxes ascending by id, optionally filtered by
// computed status. Because status is derived, a rare filter could scan
// forever; the scan is capped at max(20×limit, 1000) rows per call,
// and hitting the cap returns a continuation cursor even if the page
// is short.
func (m *Manager) List(ctx context.Context, owner string, statusFilter Status, limit int, cursor string) ([]ListItem, string, error) {
	if limit <= 0 {
		limit = 50
	}
	scanCap := listScanFactor * limit
	if scanCap < listScanFloor {
		scanCap = listScanFloor
	}

	now := m.now()
	var (
		items   []ListItem
		scanned int
		after   = cursor
	)

	err := m.Store.View(ctx, func(tx *store.Tx) error {
		for scanned < scanCap && len(items) < limit {
			batch := listBatchSize
			if rest := scanCap - scanned; rest < batch {
				batch = rest
			}

			rows, err := tx.ScanSandboxes(owner, after, batch)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				// Exhausted: no continuation.
				after = ""
				return nil
			}

			for _, sb := range rows {
				scanned++
				after = sb.ID

				var sess *store.Session
				if sb.CurrentSessionID != "" {
					sess, err = tx.GetSession(sb.CurrentSessionID)
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
				}
				st := StatusOf(sb, sess, now)
				if statusFilter != "" && st != statusFilter {
					continue
				}
				items = append(items, ListItem{Sandbox: sb, Status: st})
				if len(items) == limit {
					return nil
				}
			}

			if len(rows) < batch {
				after = ""
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return items, after, nil
}

// EnsureRunning materializes compute for the sandbox, creating a
// session on first use, and refreshes the idle window.
func (m *Manager) EnsureRunning(ctx context.Context, id, owner string) (*store.Session, error) {
	if _, err := m.Get(ctx, id, owner); err != nil {
		return nil, err
	}

	release, err := m.Locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sb, err := m.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Expired(m.now()) {
		return nil, bayerr.Expired(id)
	}

	prof, err := m.Profiles.Get(sb.ProfileID)
	if err != nil {
		return nil, err
	}
	cg, err := m.Cargo.GetByID(ctx, sb.CargoID)
	if err != nil {
		return nil, err
	}

	var sess *store.Session
	if sb.CurrentSessionID != "" {
		sess, err = m.Sessions.Get(ctx, sb.CurrentSessionID)
		if err != nil && !bayerr.IsNotFound(err) {
			return nil, err
		}
	}
	if sess == nil {
		sess, err = m.Sessions.Create(ctx, sb)
		if err != nil {
			return nil, err
		}
		sb.CurrentSessionID = sess.ID
		if err := m.saveSandbox(ctx, sb); err != nil {
			return nil, err
		}
	}

	sess, err = m.Sessions.EnsureRunning(ctx, sess, cg, prof)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	idle := now.Add(prof.IdleTimeoutDuration())
	sb.IdleExpiresAt = &idle
	sb.LastActiveAt = now
	if err := m.saveSandbox(ctx, sb); err != nil {
		return nil, err
	}
	return sess, nil
}

// ExtendTTL pushes the expiry out by extendBy from max(expires, now),
// so an almost-lapsed TTL still lands in the future.
func (m *Manager) ExtendTTL(ctx context.Context, id, owner string, extendBy time.Duration) (*store.Sandbox, error) {
	if extendBy <= 0 {
		return nil, bayerr.Validation("extend_by must be positive")
	}
	if _, err := m.Get(ctx, id, owner); err != nil {
		return nil, err
	}

	release, err := m.Locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sb, err := m.reload(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if sb.ExpiresAt == nil {
		return nil, bayerr.TTLInfinite(id)
	}
	if sb.ExpiresAt.Before(now) {
		return nil, bayerr.Expired(id)
	}

	base := *sb.ExpiresAt
	if base.Before(now) {
		base = now
	}
	expires := base.Add(extendBy)
	sb.ExpiresAt = &expires
	if err := m.saveSandbox(ctx, sb); err != nil {
		return nil, err
	}

	m.Log.Info("ttl extended", "sandbox_id", id, "expires_at", expires)
	return sb, nil
}

// Keepalive refreshes the idle window without starting compute.
func (m *Manager) Keepalive(ctx context.Context, id, owner string) error {
	if _, err := m.Get(ctx, id, owner); err != nil {
		return err
	}

	release, err := m.Locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := m.reload(ctx, id)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	sb.LastActiveAt = now
	if sb.CurrentSessionID != "" {
		prof, err := m.Profiles.Get(sb.ProfileID)
		if err != nil {
			return err
		}
		idle := now.Add(prof.IdleTimeoutDuration())
		sb.IdleExpiresAt = &idle
	}
	return m.saveSandbox(ctx, sb)
}

// Stop reclaims the sandbox's compute, keeping the workspace. No-ops
// if the sandbox is already deleted.
func (m *Manager) Stop(ctx context.Context, id, owner string) error {
	if _, err := m.Get(ctx, id, owner); err != nil {
		if bayerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.StopByID(ctx, id)
}

// StopByID is Stop without the owner gate, shared with the idle GC.
func (m *Manager) StopByID(ctx context.Context, id string) error {
	release, err := m.Locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	sb, err := m.reload(ctx, id)
	if bayerr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if sb.Deleted() {
		return nil
	}

	if err := m.destroySessions(ctx, sb.ID); err != nil {
		return err
	}

	sb.CurrentSessionID = ""
	sb.IdleExpiresAt = nil
	if err := m.saveSandbox(ctx, sb); err != nil {
		return err
	}

	m.Log.Info("sandbox stopped", "sandbox_id", id)
	return nil
}

// Delete tears the sandbox down: sessions destroyed, row soft-deleted,
// managed cargo cascade-deleted. Idempotent.
func (m *Manager) Delete(ctx context.Context, id, owner string) error {
	if _, err := m.Get(ctx, id, owner); err != nil {
		if bayerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.DeleteByID(ctx, id)
}

// DeleteByID is Delete without the owner gate, shared with the
// expired-sandbox GC.
func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	release, err := m.Locks.Acquire(ctx, id)
	if err != nil {
		return err
	}

	err = func() error {
		defer release()

		sb, err := m.reload(ctx, id)
		if bayerr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if sb.Deleted() {
			return nil
		}

		if err := m.destroySessions(ctx, sb.ID); err != nil {
			return err
		}

		now := m.now().UTC()
		err = m.Store.WithTx(ctx, func(tx *store.Tx) error {
			row, err := tx.GetSandbox(id)
			if err != nil {
				return err
			}
			row.CurrentSessionID = ""
			row.IdleExpiresAt = nil
			row.DeletedAt = &now
			if err := tx.UpdateSandbox(row); err != nil {
				return err
			}
			// Unlink the cargo inside the same commit so a failed
			// cascade below still leaves it claimable by orphan GC.
			return cargo.ReleaseFromSandbox(tx, row.CargoID)
		})
		if err != nil {
			return err
		}

		if err := m.Cargo.CascadeDelete(ctx, sb.CargoID); err != nil {
			m.Log.Warn("cargo cascade failed; orphan GC will reclaim it",
				"cargo_id", sb.CargoID, "error", err)
		}

		m.Events.Publish(ctx, events.Event{
			Type: events.SandboxDeleted, Owner: sb.Owner,
			SandboxID: sb.ID, ProfileID: sb.ProfileID,
		})
		m.Log.Info("sandbox deleted", "sandbox_id", id)
		return nil
	}()

	// The id will never be locked again once deleted.
	m.Locks.Cleanup(id)
	return err
}

// destroySessions removes every session row for the sandbox along with
// its driver resources.
func (m *Manager) destroySessions(ctx context.Context, sandboxID string) error {
	var sessions []*store.Session
	err := m.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		sessions, err = tx.SessionsForSandbox(sandboxID)
		return err
	})
	if err != nil {
		return err
	}

	var all error
	for _, sess := range sessions {
		all = multierror.Append(all, m.Sessions.Destroy(ctx, sess))
	}
	return all
}

// reload re-reads the row under the held lock. Deleted rows surface as
// not_found here so callers inside the critical section can no-op.
func (m *Manager) reload(ctx context.Context, id string) (*store.Sandbox, error) {
	var sb *store.Sandbox
	err := m.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sb, err = tx.GetSandbox(id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, bayerr.NotFound("sandbox", id)
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

func (m *Manager) saveSandbox(ctx context.Context, sb *store.Sandbox) error {
	return m.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateSandbox(sb)
	})
}
