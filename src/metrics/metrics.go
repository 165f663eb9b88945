// Package metrics exposes the counters and histograms a running razel
// process accumulates: cache hit/miss rate, how deep the scheduler's queue
// is, and how long actions take to execute. Grounded on the teacher's
// src/metrics/prometheus.go (a singleton registry of CounterVec/HistogramVec
// instruments with a Record entry point), trimmed down from its
// BuildTarget/test-result shape to razel's Action/ExecStatus one and from its
// push-gateway delivery to a pull-based /metrics endpoint, since a long-lived
// build controller is more naturally scraped than pushed.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is the process-wide set of razel instruments. A single instance
// is constructed by New and threaded through core.StatsTracker and the
// scheduler; nothing here is a package-level global so tests can construct
// their own Registry without colliding on prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	cacheResults   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	runningActions prometheus.Gauge
	actionDuration *prometheus.HistogramVec
}

// New constructs a Registry with every instrument registered, ready to
// record against or gather from.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "razel",
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Count of cache lookups performed while executing actions, by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "razel",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of actions not yet dispatched to a worker.",
		}),
		runningActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "razel",
			Subsystem: "scheduler",
			Name:      "running_actions",
			Help:      "Number of actions currently executing.",
		}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "razel",
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Wall-clock time spent running a single action, by terminal status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
	}
	r.reg.MustRegister(r.cacheResults, r.queueDepth, r.runningActions, r.actionDuration)
	return r
}

// RecordCacheResult increments the hit or miss counter.
func (r *Registry) RecordCacheResult(hit bool) {
	if hit {
		r.cacheResults.WithLabelValues("hit").Inc()
	} else {
		r.cacheResults.WithLabelValues("miss").Inc()
	}
}

// SetQueueDepth reports how many actions are still waiting to be dispatched.
func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// SetRunning reports how many actions are currently executing.
func (r *Registry) SetRunning(n int) {
	r.runningActions.Set(float64(n))
}

// ObserveActionDuration records how long an action with the given terminal
// status took to run.
func (r *Registry) ObserveActionDuration(status string, d time.Duration) {
	r.actionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// WriteText encodes every registered metric in the Prometheus text exposition
// format, the same format prometheus/common/expfmt gives the teacher's
// push-gateway client; razel writes it to an HTTP handler instead of pushing
// it, so operators can point a scraper at a running controller.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
