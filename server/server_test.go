package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bay.dev/bay/cargo"
	"bay.dev/bay/config"
	"bay.dev/bay/driver/drivertest"
	"bay.dev/bay/events"
	"bay.dev/bay/gc"
	"bay.dev/bay/metrics"
	"bay.dev/bay/pkg/locks"
	"bay.dev/bay/profile"
	"bay.dev/bay/route"
	"bay.dev/bay/sandbox"
	"bay.dev/bay/session"
	"bay.dev/bay/store"
)

// testServer assembles a server by hand around the fake driver; New
// itself needs a live platform.
func testServer(t *testing.T) (*Server, *drivertest.Fake) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	profileDir := t.TempDir()
	err = os.WriteFile(filepath.Join(profileDir, "basic.toml"), []byte(`
id = "basic"
image = "bay/ship:latest"
capabilities = ["python", "shell"]
`), 0o644)
	require.NoError(t, err)

	profiles := profile.NewRegistry(profileDir, log)
	require.NoError(t, profiles.Load())

	fake := drivertest.New()
	cfg := config.Default()
	mt := metrics.New()
	httpClient := route.NewClient()

	cm := cargo.NewManager(st, fake, cfg.GC.InstanceID, log)
	sm := session.NewManager(st, fake, cm, httpClient, events.Nop{}, mt, cfg.GC.InstanceID,
		session.ReadyTuning{Budget: time.Second, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, log)
	sbm := sandbox.NewManager(st, locks.New(), cm, sm, profiles, events.Nop{}, log)

	s := &Server{
		Log:       log,
		cfg:       cfg,
		store:     st,
		driver:    fake,
		events:    events.Nop{},
		metrics:   mt,
		profiles:  profiles,
		Cargo:     cm,
		Sessions:  sm,
		Sandboxes: sbm,
		Proxy:     route.NewProxy(httpClient, log),
		GC:        gc.New(st, fake, sbm, cm, mt, cfg.GC, log),
	}
	return s, fake
}

func TestHealthz(t *testing.T) {
	r := require.New(t)
	s, _ := testServer(t)

	srv := httptest.NewServer(s.adminMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	r := require.New(t)
	s, _ := testServer(t)

	srv := httptest.NewServer(s.adminMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	r.NoError(err)
	r.Contains(string(body), "bay_sessions_started_total")
}

func TestForceGCReturnsReport(t *testing.T) {
	r := require.New(t)
	s, fake := testServer(t)
	ctx := context.Background()

	// Give the collector something to clean: an expired sandbox.
	sb, err := s.Sandboxes.Create(ctx, "alice", "basic", "", time.Hour)
	r.NoError(err)
	past := time.Now().Add(-time.Minute)
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		row, err := tx.GetSandbox(sb.ID)
		if err != nil {
			return err
		}
		row.ExpiresAt = &past
		return tx.UpdateSandbox(row)
	})
	r.NoError(err)

	srv := httptest.NewServer(s.adminMux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/gc/run", "application/json", nil)
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	var rep gc.Report
	r.NoError(json.NewDecoder(resp.Body).Decode(&rep))
	r.Len(rep.Tasks, 4)
	r.Equal(1, rep.Cleaned())
	r.Equal(0, fake.VolumeCount())
}

func TestGCRunIsPostOnly(t *testing.T) {
	r := require.New(t)
	s, _ := testServer(t)

	srv := httptest.NewServer(s.adminMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/gc/run")
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProfileReload(t *testing.T) {
	r := require.New(t)
	s, _ := testServer(t)

	srv := httptest.NewServer(s.adminMux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/profiles/reload", "", nil)
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	_, err = s.profiles.Get("basic")
	r.NoError(err)
}
