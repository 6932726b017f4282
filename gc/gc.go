// Package gc is the background reclaimer. Four tasks run each cycle:
// idle sessions, expired sandboxes, orphan containers and orphan
// workspaces. Every mutation goes through the same managers and locks
// the synchronous handlers use, so a cycle racing a handler resolves
// by lock order and the loser no-ops.
//
// Ownership fence: this process only ever destroys platform resources
// labelled with its own instance id. Containers carrying another id
// belong to another bay process, or to no bay at all, and are never
// touched.
package gc

import (
	"context"
	"log/slog"
	"time"

	"bay.dev/bay/cargo"
	"bay.dev/bay/config"
	"bay.dev/bay/driver"
	"bay.dev/bay/metrics"
	"bay.dev/bay/sandbox"
	"bay.dev/bay/store"
)

// batchSize bounds how many rows one task handles per cycle. Leftovers
// are picked up next cycle; the loop converges rather than spikes.
const batchSize = 100

const (
	TaskIdleSessions     = "idle_sessions"
	TaskExpiredSandboxes = "expired_sandboxes"
	TaskOrphanContainers = "orphan_containers"
	TaskOrphanWorkspaces = "orphan_workspaces"
)

// TaskReport is one task's outcome within a cycle.
type TaskReport struct {
	Task    string   `json:"task"`
	Cleaned int      `json:"cleaned"`
	Errors  []string `json:"errors,omitempty"`
}

// Report is one full cycle, returned by the admin force endpoint.
type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Tasks     []TaskReport  `json:"tasks"`
}

// Cleaned sums the per-task counts.
func (r *Report) Cleaned() int {
	n := 0
	for _, t := range r.Tasks {
		n += t.Cleaned
	}
	return n
}

type Collector struct {
	Log       *slog.Logger
	Store     *store.Store
	Driver    driver.Driver
	Sandboxes *sandbox.Manager
	Cargo     *cargo.Manager
	Metrics   *metrics.Metrics

	// InstanceID is the fence token; see the package comment.
	InstanceID string

	Tasks          config.GCTasks
	WorkspaceGrace time.Duration

	now func() time.Time
}

func New(st *store.Store, drv driver.Driver, sm *sandbox.Manager, cm *cargo.Manager, mt *metrics.Metrics, cfg config.GCConfig, log *slog.Logger) *Collector {
	return &Collector{
		Log:            log.With("module", "gc"),
		Store:          st,
		Driver:         drv,
		Sandboxes:      sm,
		Cargo:          cm,
		Metrics:        mt,
		InstanceID:     cfg.InstanceID,
		Tasks:          cfg.Tasks,
		WorkspaceGrace: cfg.WorkspaceGrace(),
		now:            time.Now,
	}
}

// Run drives cycles at the given interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.Log.Info("collector started", "interval", interval, "instance_id", c.InstanceID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Log.Info("collector stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every enabled task and reports what each reclaimed.
func (c *Collector) RunOnce(ctx context.Context) *Report {
	started := c.now()
	rep := &Report{StartedAt: started.UTC()}

	type task struct {
		name    string
		enabled bool
		run     func(context.Context) (int, []string)
	}
	for _, t := range []task{
		{TaskIdleSessions, c.Tasks.IdleSessions, c.idleSessions},
		{TaskExpiredSandboxes, c.Tasks.ExpiredSandboxes, c.expiredSandboxes},
		{TaskOrphanContainers, c.Tasks.OrphanContainers, c.orphanContainers},
		{TaskOrphanWorkspaces, c.Tasks.OrphanWorkspaces, c.orphanWorkspaces},
	} {
		if !t.enabled {
			continue
		}
		cleaned, errs := t.run(ctx)
		rep.Tasks = append(rep.Tasks, TaskReport{Task: t.name, Cleaned: cleaned, Errors: errs})
		c.Metrics.GCCleaned.WithLabelValues(t.name).Add(float64(cleaned))
	}

	rep.Duration = c.now().Sub(started)
	c.Metrics.GCCycles.Inc()
	if rep.Cleaned() > 0 {
		c.Log.Info("cycle complete", "cleaned", rep.Cleaned(), "duration", rep.Duration)
	}
	return rep
}

// idleSessions reclaims compute from sandboxes whose idle window
// lapsed. The workspace survives; the next capability call rebuilds.
func (c *Collector) idleSessions(ctx context.Context) (int, []string) {
	var ids []string
	err := c.Store.View(ctx, func(tx *store.Tx) error {
		rows, err := tx.IdleExpiredSandboxes(c.now(), batchSize)
		if err != nil {
			return err
		}
		for _, sb := range rows {
			ids = append(ids, sb.ID)
		}
		return nil
	})
	if err != nil {
		return 0, []string{err.Error()}
	}

	cleaned := 0
	var errs []string
	for _, id := range ids {
		if err := c.Sandboxes.StopByID(ctx, id); err != nil {
			c.Log.Warn("idle stop failed", "sandbox_id", id, "error", err)
			errs = append(errs, err.Error())
			continue
		}
		c.Log.Info("idle session reclaimed", "sandbox_id", id)
		cleaned++
	}
	return cleaned, errs
}

// expiredSandboxes runs the full delete path on lapsed TTLs.
func (c *Collector) expiredSandboxes(ctx context.Context) (int, []string) {
	var ids []string
	err := c.Store.View(ctx, func(tx *store.Tx) error {
		rows, err := tx.ExpiredSandboxes(c.now(), batchSize)
		if err != nil {
			return err
		}
		for _, sb := range rows {
			ids = append(ids, sb.ID)
		}
		return nil
	})
	if err != nil {
		return 0, []string{err.Error()}
	}

	cleaned := 0
	var errs []string
	for _, id := range ids {
		if err := c.Sandboxes.DeleteByID(ctx, id); err != nil {
			c.Log.Warn("expired delete failed", "sandbox_id", id, "error", err)
			errs = append(errs, err.Error())
			continue
		}
		c.Log.Info("expired sandbox deleted", "sandbox_id", id)
		cleaned++
	}
	return cleaned, errs
}

// orphanContainers destroys managed containers no session row
// references. The list is already narrowed to this instance's fence;
// the per-container trust check repeats it because deletion is the one
// place a filter bug must not slip through.
func (c *Collector) orphanContainers(ctx context.Context) (int, []string) {
	instances, err := c.Driver.ListInstances(ctx, map[string]string{
		driver.LabelManaged:    driver.ManagedValue,
		driver.LabelInstanceID: c.InstanceID,
	})
	if err != nil {
		return 0, []string{err.Error()}
	}

	cleaned := 0
	var errs []string
	for _, in := range instances {
		if !c.trusted(in.Labels) {
			continue
		}

		sessionID := in.Labels[driver.LabelSessionID]
		if sessionID != "" {
			var live bool
			err := c.Store.View(ctx, func(tx *store.Tx) error {
				var err error
				live, err = tx.SessionExists(sessionID)
				return err
			})
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			if live {
				continue
			}
		}

		if err := c.Driver.Destroy(ctx, in.ID); err != nil {
			c.Log.Warn("orphan destroy failed", "container_id", in.ID, "error", err)
			errs = append(errs, err.Error())
			continue
		}
		c.Log.Info("orphan container destroyed",
			"container_id", in.ID, "session_id", sessionID)
		cleaned++
	}
	return cleaned, errs
}

// trusted is the strict fence predicate: managed by bay, and by this
// very process.
func (c *Collector) trusted(labels map[string]string) bool {
	return labels[driver.LabelManaged] == driver.ManagedValue &&
		labels[driver.LabelInstanceID] == c.InstanceID
}

// orphanWorkspaces removes managed cargos whose sandbox is gone, once
// they are older than the grace window. The grace keeps a half-created
// sandbox's cargo alive long enough for its insert to land.
func (c *Collector) orphanWorkspaces(ctx context.Context) (int, []string) {
	cutoff := c.now().Add(-c.WorkspaceGrace)

	var orphans []*store.Cargo
	err := c.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		orphans, err = tx.OrphanCargos(cutoff, batchSize)
		return err
	})
	if err != nil {
		return 0, []string{err.Error()}
	}

	cleaned := 0
	var errs []string
	for _, o := range orphans {
		if err := c.Cargo.CascadeDelete(ctx, o.ID); err != nil {
			c.Log.Warn("orphan cargo delete failed", "cargo_id", o.ID, "error", err)
			errs = append(errs, err.Error())
			continue
		}
		c.Log.Info("orphan workspace deleted", "cargo_id", o.ID)
		cleaned++
	}
	return cleaned, errs
}
