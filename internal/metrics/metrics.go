// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the daemon updates.
type Metrics struct {
	KernelEvents    prometheus.Counter
	BadEvents       prometheus.Counter
	ProfileRequests prometheus.Counter
	ProfileFailures prometheus.Counter
	Ingestions      prometheus.Counter
	Refreshes       prometheus.Counter
	Reschedules     prometheus.Counter
	SkippedSlots    prometheus.Counter

	ActiveJobs prometheus.Gauge
	LiveSlots  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates all instruments on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		KernelEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_kernel_events_total",
			Help: "Long-running workload events received over netlink.",
		}),
		BadEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_bad_events_total",
			Help: "Netlink payloads that failed to parse.",
		}),
		ProfileRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_profile_requests_total",
			Help: "Profiling requests sent to the profiling server.",
		}),
		ProfileFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_profile_failures_total",
			Help: "Profiling requests that failed or timed out.",
		}),
		Ingestions: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_profile_ingestions_total",
			Help: "Jobs whose profile documents were characterized and activated.",
		}),
		Refreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_score_refreshes_total",
			Help: "Score table refresh passes.",
		}),
		Reschedules: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_reschedules_total",
			Help: "Affinity replan passes.",
		}),
		SkippedSlots: factory.NewCounter(prometheus.CounterOpts{
			Name: "smtsched_skipped_slots_total",
			Help: "Shared-memory slots skipped due to persistent torn reads.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtsched_active_jobs",
			Help: "Jobs with loaded characteristics.",
		}),
		LiveSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smtsched_live_slots",
			Help: "Active process-group slots in kernel shared memory.",
		}),
		registry: reg,
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
