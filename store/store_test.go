package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSandboxRoundTrip(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(time.Hour)

	sb := &Sandbox{
		ID:           "sbx-1",
		Owner:        "alice",
		ProfileID:    "python",
		CargoID:      "crg-1",
		ExpiresAt:    &expires,
		LastActiveAt: now,
		CreatedAt:    now,
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertSandbox(sb)
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetSandbox("sbx-1")
		r.NoError(err)
		r.Equal("alice", got.Owner)
		r.Equal("python", got.ProfileID)
		r.True(got.ExpiresAt.Equal(expires))
		r.Nil(got.IdleExpiresAt)
		r.Nil(got.DeletedAt)
		return nil
	})
	r.NoError(err)

	// Mutate and write back.
	idle := now.Add(5 * time.Minute)
	sb.CurrentSessionID = "ses-1"
	sb.IdleExpiresAt = &idle
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateSandbox(sb)
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetSandbox("sbx-1")
		r.NoError(err)
		r.Equal("ses-1", got.CurrentSessionID)
		r.True(got.IdleExpiresAt.Equal(idle))
		return nil
	})
	r.NoError(err)
}

func TestGetSandboxNotFound(t *testing.T) {
	s := testStore(t)

	err := s.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetSandbox("sbx-missing")
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScanSandboxesSkipsDeleted(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range []string{"sbx-a", "sbx-b", "sbx-c"} {
			sb := &Sandbox{
				ID: id, Owner: "alice", ProfileID: "p", CargoID: "c",
				LastActiveAt: now, CreatedAt: now,
			}
			if id == "sbx-b" {
				deleted := now
				sb.DeletedAt = &deleted
			}
			if err := tx.InsertSandbox(sb); err != nil {
				return err
			}
		}
		return tx.InsertSandbox(&Sandbox{
			ID: "sbx-d", Owner: "bob", ProfileID: "p", CargoID: "c",
			LastActiveAt: now, CreatedAt: now,
		})
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.ScanSandboxes("alice", "", 10)
		r.NoError(err)
		r.Len(got, 2)
		r.Equal("sbx-a", got[0].ID)
		r.Equal("sbx-c", got[1].ID)

		// Cursor resumes after the given id.
		got, err = tx.ScanSandboxes("alice", "sbx-a", 10)
		r.NoError(err)
		r.Len(got, 1)
		r.Equal("sbx-c", got[0].ID)
		return nil
	})
	r.NoError(err)
}

func TestExpiredAndIdleScans(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	err := s.WithTx(ctx, func(tx *Tx) error {
		rows := []*Sandbox{
			{ID: "sbx-expired", Owner: "o", ProfileID: "p", CargoID: "c",
				ExpiresAt: &past, LastActiveAt: now, CreatedAt: now},
			{ID: "sbx-live", Owner: "o", ProfileID: "p", CargoID: "c",
				ExpiresAt: &future, LastActiveAt: now, CreatedAt: now},
			{ID: "sbx-forever", Owner: "o", ProfileID: "p", CargoID: "c",
				LastActiveAt: now, CreatedAt: now},
			{ID: "sbx-idle", Owner: "o", ProfileID: "p", CargoID: "c",
				CurrentSessionID: "ses-1", IdleExpiresAt: &past,
				LastActiveAt: now, CreatedAt: now},
		}
		for _, sb := range rows {
			if err := tx.InsertSandbox(sb); err != nil {
				return err
			}
		}
		return nil
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		expired, err := tx.ExpiredSandboxes(now, 100)
		r.NoError(err)
		r.Len(expired, 1)
		r.Equal("sbx-expired", expired[0].ID)

		idle, err := tx.IdleExpiredSandboxes(now, 100)
		r.NoError(err)
		r.Len(idle, 1)
		r.Equal("sbx-idle", idle[0].ID)
		return nil
	})
	r.NoError(err)
}

func TestSessionContainersColumn(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &Session{
		ID: "ses-1", SandboxID: "sbx-1", ProfileID: "p",
		DesiredState: SessionDesiredRunning, ObservedState: SessionRunning,
		ContainerID: "ctr-1", Endpoint: "http://10.0.0.2:8123",
		Containers: []SessionContainer{
			{Name: "ship", ContainerID: "ctr-1", RuntimeType: "ship",
				Capabilities: []string{"python", "shell"},
				Endpoint:     "http://10.0.0.2:8123", Status: SessionRunning},
			{Name: "browser", ContainerID: "ctr-2", RuntimeType: "browser",
				Capabilities: []string{"browser"},
				Endpoint:     "http://10.0.0.3:8123", Status: SessionRunning},
		},
		CreatedAt: now, LastActiveAt: now, LastObservedAt: now,
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertSession(sess)
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetSession("ses-1")
		r.NoError(err)
		r.Len(got.Containers, 2)
		r.Equal("browser", got.Containers[1].Name)
		r.True(got.Ready())

		p := got.Primary()
		r.NotNil(p)
		r.Equal("ship", p.Name)

		ok, err := tx.SessionExists("ses-1")
		r.NoError(err)
		r.True(ok)

		ok, err = tx.SessionExists("ses-ghost")
		r.NoError(err)
		r.False(ok)
		return nil
	})
	r.NoError(err)

	// Single-container sessions keep the column NULL.
	single := &Session{
		ID: "ses-2", SandboxID: "sbx-2", ProfileID: "p",
		DesiredState: SessionDesiredRunning, ObservedState: SessionStarting,
		CreatedAt: now, LastActiveAt: now, LastObservedAt: now,
	}
	err = s.WithTx(ctx, func(tx *Tx) error { return tx.InsertSession(single) })
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		got, err := tx.GetSession("ses-2")
		r.NoError(err)
		r.Nil(got.Containers)
		r.False(got.Ready())
		return nil
	})
	r.NoError(err)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteSession("ses-never-existed")
	})
	r.NoError(err)
}

func TestOrphanCargos(t *testing.T) {
	r := require.New(t)
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx *Tx) error {
		rows := []*Cargo{
			{ID: "crg-orphan", Owner: "o", DriverRef: "bay-cargo-crg-orphan",
				Managed: true, CreatedAt: now.Add(-time.Hour)},
			{ID: "crg-owned", Owner: "o", DriverRef: "bay-cargo-crg-owned",
				Managed: true, ManagedBySandboxID: "sbx-1",
				CreatedAt: now.Add(-time.Hour)},
			{ID: "crg-external", Owner: "o", DriverRef: "data",
				Managed: false, CreatedAt: now.Add(-time.Hour)},
			{ID: "crg-young", Owner: "o", DriverRef: "bay-cargo-crg-young",
				Managed: true, CreatedAt: now},
		}
		for _, c := range rows {
			if err := tx.InsertCargo(c); err != nil {
				return err
			}
		}
		return nil
	})
	r.NoError(err)

	err = s.View(ctx, func(tx *Tx) error {
		orphans, err := tx.OrphanCargos(now.Add(-30*time.Minute), 100)
		r.NoError(err)
		r.Len(orphans, 1)
		r.Equal("crg-orphan", orphans[0].ID)
		return nil
	})
	r.NoError(err)
}
