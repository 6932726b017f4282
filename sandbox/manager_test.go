package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bay.dev/bay/bayerr"
	"bay.dev/bay/cargo"
	"bay.dev/bay/driver/drivertest"
	"bay.dev/bay/events"
	"bay.dev/bay/metrics"
	"bay.dev/bay/pkg/locks"
	"bay.dev/bay/profile"
	"bay.dev/bay/session"
	"bay.dev/bay/store"
)

type env struct {
	mgr   *Manager
	cargo *cargo.Manager
	fake  *drivertest.Fake
	store *store.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	fake := drivertest.New()
	fake.EndpointFor = func(id string, port int) string { return srv.URL }

	cm := cargo.NewManager(st, fake, "bay-test", log)
	sm := session.NewManager(st, fake, cm, srv.Client(), events.Nop{}, metrics.New(), "bay-test",
		session.ReadyTuning{Budget: 2 * time.Second, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, log)

	reg, err := profile.NewStatic(log, &profile.Profile{
		ID:           "p",
		Image:        "bay/ship:latest",
		Capabilities: []string{"python", "shell"},
		IdleTimeout:  60,
	})
	require.NoError(t, err)

	mgr := NewManager(st, locks.New(), cm, sm, reg, events.Nop{}, log)
	return &env{mgr: mgr, cargo: cm, fake: fake, store: st}
}

// setExpiry rewrites the row's expiry directly, standing in for the
// passage of time.
func setExpiry(t *testing.T, st *store.Store, id string, at time.Time) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		sb, err := tx.GetSandbox(id)
		if err != nil {
			return err
		}
		sb.ExpiresAt = &at
		return tx.UpdateSandbox(sb)
	})
	require.NoError(t, err)
}

func TestCreateProvisionsManagedCargo(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)
	r.NotEmpty(sb.ID)
	r.NotEmpty(sb.CargoID)
	r.NotNil(sb.ExpiresAt)

	cg, err := e.cargo.Get(ctx, sb.CargoID, "alice")
	r.NoError(err)
	r.True(cg.Managed)
	r.Equal(sb.ID, cg.ManagedBySandboxID)
	r.Equal(1, e.fake.VolumeCount())
}

func TestCreateAttachesExternalCargo(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	cg, err := e.cargo.Create(ctx, "alice", false, "")
	r.NoError(err)

	sb, err := e.mgr.Create(ctx, "alice", "p", cg.ID, 0)
	r.NoError(err)
	r.Equal(cg.ID, sb.CargoID)
	r.Nil(sb.ExpiresAt)

	// Someone else's cargo is invisible.
	_, err = e.mgr.Create(ctx, "bob", "p", cg.ID, 0)
	r.True(bayerr.IsNotFound(err))
}

func TestCreateUnknownProfile(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)

	_, err := e.mgr.Create(context.Background(), "alice", "nope", "", 0)
	r.True(bayerr.IsNotFound(err))
}

func TestGetEnforcesOwner(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)

	got, err := e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(sb.ID, got.ID)

	_, err = e.mgr.Get(ctx, sb.ID, "bob")
	r.True(bayerr.IsNotFound(err))
}

func TestEnsureRunningStartsSessionAndSetsIdleWindow(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)

	sess, err := e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(store.SessionRunning, sess.ObservedState)
	r.True(sess.Ready())

	got, err := e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(sess.ID, got.CurrentSessionID)
	r.NotNil(got.IdleExpiresAt)
	r.WithinDuration(time.Now().Add(60*time.Second), *got.IdleExpiresAt, 5*time.Second)

	st, err := e.mgr.Status(ctx, got)
	r.NoError(err)
	r.Equal(StatusReady, st)

	// A second ensure reuses the running session.
	again, err := e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(sess.ID, again.ID)
	r.Equal(1, e.fake.CreateCalls)
}

func TestEnsureRunningRefusesExpired(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)
	setExpiry(t, e.store, sb.ID, time.Now().Add(-time.Minute))

	_, err = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.Error(err)
	r.Equal(bayerr.CodeSandboxExpired, bayerr.GetCode(err))
	r.Equal(0, e.fake.CreateCalls)
}

func TestConcurrentEnsureRunningCreatesOnce(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		r.NoError(err)
	}
	r.Equal(1, e.fake.CreateCalls)
	r.Equal(1, e.fake.ContainerCount())
}

func TestExtendTTL(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)
	before := *sb.ExpiresAt

	got, err := e.mgr.ExtendTTL(ctx, sb.ID, "alice", 30*time.Minute)
	r.NoError(err)
	r.WithinDuration(before.Add(30*time.Minute), *got.ExpiresAt, time.Second)
}

func TestExtendTTLRejectsNonPositive(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)

	_, err = e.mgr.ExtendTTL(ctx, sb.ID, "alice", 0)
	r.Equal(bayerr.CodeValidation, bayerr.GetCode(err))

	_, err = e.mgr.ExtendTTL(ctx, sb.ID, "alice", -time.Minute)
	r.Equal(bayerr.CodeValidation, bayerr.GetCode(err))
}

func TestExtendTTLInfinite(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)

	_, err = e.mgr.ExtendTTL(ctx, sb.ID, "alice", time.Hour)
	r.Equal(bayerr.CodeSandboxTTLInfinite, bayerr.GetCode(err))
}

func TestExtendTTLExpired(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)
	setExpiry(t, e.store, sb.ID, time.Now().Add(-time.Minute))

	_, err = e.mgr.ExtendTTL(ctx, sb.ID, "alice", time.Hour)
	r.Equal(bayerr.CodeSandboxExpired, bayerr.GetCode(err))
}

func TestKeepaliveRefreshesIdleWindow(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)
	_, err = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)

	// Shrink the window, then keepalive pushes it out again.
	past := time.Now().Add(-time.Minute)
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.GetSandbox(sb.ID)
		if err != nil {
			return err
		}
		row.IdleExpiresAt = &past
		return tx.UpdateSandbox(row)
	})
	r.NoError(err)

	r.NoError(e.mgr.Keepalive(ctx, sb.ID, "alice"))

	got, err := e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)
	r.True(got.IdleExpiresAt.After(time.Now()))
}

func TestStopReclaimsCompute(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)
	_, err = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(1, e.fake.ContainerCount())

	r.NoError(e.mgr.Stop(ctx, sb.ID, "alice"))
	r.Equal(0, e.fake.ContainerCount())

	got, err := e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Empty(got.CurrentSessionID)
	r.Nil(got.IdleExpiresAt)
	// The workspace volume survives a stop.
	r.Equal(1, e.fake.VolumeCount())

	// Stopping an idle sandbox converges.
	r.NoError(e.mgr.Stop(ctx, sb.ID, "alice"))

	// The next ensure starts a fresh session.
	sess, err := e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)
	r.Equal(store.SessionRunning, sess.ObservedState)
}

func TestDeleteCascadesManagedCargo(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
	r.NoError(err)
	_, err = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)

	r.NoError(e.mgr.Delete(ctx, sb.ID, "alice"))
	r.Equal(0, e.fake.ContainerCount())
	r.Equal(0, e.fake.VolumeCount())

	_, err = e.mgr.Get(ctx, sb.ID, "alice")
	r.True(bayerr.IsNotFound(err))
	_, err = e.cargo.Get(ctx, sb.CargoID, "alice")
	r.True(bayerr.IsNotFound(err))

	// Deleting again converges.
	r.NoError(e.mgr.Delete(ctx, sb.ID, "alice"))
}

func TestDeleteLeavesExternalCargo(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	cg, err := e.cargo.Create(ctx, "alice", false, "")
	r.NoError(err)
	sb, err := e.mgr.Create(ctx, "alice", "p", cg.ID, 0)
	r.NoError(err)

	r.NoError(e.mgr.Delete(ctx, sb.ID, "alice"))

	got, err := e.cargo.Get(ctx, cg.ID, "alice")
	r.NoError(err)
	r.Equal(cg.ID, got.ID)
	r.Equal(1, e.fake.VolumeCount())
}

func TestListPagesByStatus(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		sb, err := e.mgr.Create(ctx, "alice", "p", "", 0)
		r.NoError(err)
		ids = append(ids, sb.ID)
	}
	// One sandbox for another owner never shows up.
	_, err := e.mgr.Create(ctx, "bob", "p", "", 0)
	r.NoError(err)

	_, err = e.mgr.EnsureRunning(ctx, ids[2], "alice")
	r.NoError(err)

	items, _, err := e.mgr.List(ctx, "alice", "", 50, "")
	r.NoError(err)
	r.Len(items, 5)

	ready, _, err := e.mgr.List(ctx, "alice", StatusReady, 50, "")
	r.NoError(err)
	r.Len(ready, 1)
	r.Equal(ids[2], ready[0].Sandbox.ID)

	idle, _, err := e.mgr.List(ctx, "alice", StatusIdle, 50, "")
	r.NoError(err)
	r.Len(idle, 4)

	// Page through the idle set two at a time.
	page1, cursor, err := e.mgr.List(ctx, "alice", StatusIdle, 2, "")
	r.NoError(err)
	r.Len(page1, 2)
	page2, _, err := e.mgr.List(ctx, "alice", StatusIdle, 2, cursor)
	r.NoError(err)
	r.Len(page2, 2)
	r.NotEqual(page1[0].Sandbox.ID, page2[0].Sandbox.ID)
}

func TestListScanCapReturnsCursorOnEmptyPage(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	// Seed well past the scan floor directly; none will match a ready
	// filter, so the call must stop at the cap and hand back a cursor.
	now := time.Now().UTC()
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		for i := 0; i < 1100; i++ {
			sb := &store.Sandbox{
				ID:           fmt.Sprintf("sbx-%04d", i),
				Owner:        "alice",
				ProfileID:    "p",
				CargoID:      "crg-x",
				LastActiveAt: now,
				CreatedAt:    now,
			}
			if err := tx.InsertSandbox(sb); err != nil {
				return err
			}
		}
		return nil
	})
	r.NoError(err)

	items, cursor, err := e.mgr.List(ctx, "alice", StatusReady, 10, "")
	r.NoError(err)
	r.Empty(items)
	r.Equal("sbx-0999", cursor)

	// Resuming from the cursor drains the rest and ends the scan.
	items, cursor, err = e.mgr.List(ctx, "alice", StatusReady, 10, cursor)
	r.NoError(err)
	r.Empty(items)
	r.Empty(cursor)
}

func TestStatusTransitions(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()

	sb, err := e.mgr.Create(ctx, "alice", "p", "", time.Hour)
	r.NoError(err)

	st, err := e.mgr.Status(ctx, sb)
	r.NoError(err)
	r.Equal(StatusIdle, st)

	_, err = e.mgr.EnsureRunning(ctx, sb.ID, "alice")
	r.NoError(err)
	sb, err = e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)

	st, err = e.mgr.Status(ctx, sb)
	r.NoError(err)
	r.Equal(StatusReady, st)

	setExpiry(t, e.store, sb.ID, time.Now().Add(-time.Minute))
	sb, err = e.mgr.Get(ctx, sb.ID, "alice")
	r.NoError(err)
	st, err = e.mgr.Status(ctx, sb)
	r.NoError(err)
	r.Equal(StatusExpired, st)
}
