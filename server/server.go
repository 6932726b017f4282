// Package server assembles the control plane: store, driver, managers,
// collector and the admin HTTP surface, built once from config and torn
// down in reverse on shutdown.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bay.dev/bay/cargo"
	"bay.dev/bay/config"
	"bay.dev/bay/driver"
	"bay.dev/bay/driver/dockerdriver"
	"bay.dev/bay/driver/kubedriver"
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

type Server struct {
	Log *slog.Logger

	cfg *config.Config

	store    *store.Store
	driver   driver.Driver
	events   events.Publisher
	metrics  *metrics.Metrics
	profiles *profile.Registry

	Cargo     *cargo.Manager
	Sessions  *session.Manager
	Sandboxes *sandbox.Manager
	Proxy     *route.Proxy
	GC        *gc.Collector
}

// New wires every component. Nothing runs yet; Run starts the loops.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Server.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data path: %w", err)
	}

	st, err := store.Open(cfg.Server.DatabasePath(), log)
	if err != nil {
		return nil, err
	}

	drv, err := newDriver(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	profiles := profile.NewRegistry(cfg.Server.ProfileDir, log)
	if err := profiles.Load(); err != nil {
		st.Close()
		drv.Close()
		return nil, err
	}

	var pub events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err = events.NewNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, log)
		if err != nil {
			// Eventing is best-effort; a missing broker never blocks boot.
			log.Warn("event publisher unavailable, continuing without", "error", err)
			pub = events.Nop{}
		}
	}

	mt := metrics.New()
	httpClient := route.NewClient()
	lk := locks.New()
	instanceID := cfg.GC.InstanceID

	cm := cargo.NewManager(st, drv, instanceID, log)
	sm := session.NewManager(st, drv, cm, httpClient, pub, mt, instanceID, session.ReadyTuning{
		Budget:       cfg.Readiness.Budget(),
		InitialDelay: cfg.Readiness.InitialDelay(),
		MaxDelay:     cfg.Readiness.MaxDelay(),
	}, log)
	sbm := sandbox.NewManager(st, lk, cm, sm, profiles, pub, log)

	return &Server{
		Log:       log.With("module", "server"),
		cfg:       cfg,
		store:     st,
		driver:    drv,
		events:    pub,
		metrics:   mt,
		profiles:  profiles,
		Cargo:     cm,
		Sessions:  sm,
		Sandboxes: sbm,
		Proxy:     route.NewProxy(httpClient, log),
		GC:        gc.New(st, drv, sbm, cm, mt, cfg.GC, log),
	}, nil
}

func newDriver(cfg *config.Config, log *slog.Logger) (driver.Driver, error) {
	switch cfg.Driver.Kind {
	case config.DriverDocker:
		return dockerdriver.New(cfg.Driver.Docker, log)
	case config.DriverK8s:
		return kubedriver.New(cfg.Driver.K8s, log)
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}
}

// Run starts the collector and the admin listener, then blocks until
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.driver.Ping(ctx); err != nil {
		return fmt.Errorf("driver unreachable: %w", err)
	}

	go s.GC.Run(ctx, s.cfg.GC.Interval())

	httpSrv := &http.Server{
		Addr:    s.cfg.Server.Listen,
		Handler: s.adminMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("admin listener up", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown(httpSrv)
		return err
	case <-ctx.Done():
		s.shutdown(httpSrv)
		return nil
	}
}

func (s *Server) shutdown(httpSrv *http.Server) {
	timeout := s.cfg.Server.ShutdownTimeoutDuration()
	s.Log.Info("shutting down", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		s.Log.Warn("admin listener shutdown", "error", err)
	}

	s.events.Close()
	if err := s.driver.Close(); err != nil {
		s.Log.Warn("driver close", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.Log.Warn("store close", "error", err)
	}
	s.Log.Info("shutdown complete")
}

func (s *Server) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /admin/gc/run", s.handleForceGC)
	mux.HandleFunc("POST /admin/profiles/reload", s.handleProfileReload)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Ping(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("driver: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleForceGC runs one synchronous cycle and returns the per-task
// report. Tests and operators use it for determinism.
func (s *Server) handleForceGC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rep := s.GC.RunOnce(r.Context())
	s.Log.Info("forced gc cycle", "cleaned", rep.Cleaned(), "took", time.Since(started))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.Log.Warn("encoding gc report", "error", err)
	}
}

func (s *Server) handleProfileReload(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
