// Package metrics exports the control plane's Prometheus collectors.
// One Metrics value is built at startup and threaded into the managers
// and the GC; the admin mux serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	// SessionsStarted counts sessions that reached running.
	SessionsStarted prometheus.Counter

	// SessionsFailed counts ensure-running attempts that ended failed.
	SessionsFailed prometheus.Counter

	// EnsureRunningSeconds observes how long ensure-running took,
	// including cold starts with image pulls.
	EnsureRunningSeconds prometheus.Histogram

	// DriverErrors counts platform-level failures by driver kind and
	// operation.
	DriverErrors *prometheus.CounterVec

	// GCCleaned counts entities reclaimed, labelled by task.
	GCCleaned *prometheus.CounterVec

	// GCCycles counts completed collector cycles.
	GCCycles prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bay_sessions_started_total",
			Help: "Sessions that reached the running state.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bay_sessions_failed_total",
			Help: "Ensure-running attempts that ended in the failed state.",
		}),
		EnsureRunningSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "bay_ensure_running_seconds",
			Help: "Latency of ensure-running, including cold starts.",
			// Cold starts with image pulls can take minutes.
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}),
		DriverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bay_driver_errors_total",
			Help: "Platform-level driver failures.",
		}, []string{"driver", "op"}),
		GCCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bay_gc_cleaned_total",
			Help: "Entities reclaimed by the garbage collector.",
		}, []string{"task"}),
		GCCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bay_gc_cycles_total",
			Help: "Completed garbage collector cycles.",
		}),
	}

	m.registry.MustRegister(
		m.SessionsStarted,
		m.SessionsFailed,
		m.EnsureRunningSeconds,
		m.DriverErrors,
		m.GCCleaned,
		m.GCCycles,
	)
	return m
}

// Registry exposes the underlying registry for the admin handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
