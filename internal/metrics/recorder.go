package metrics

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "animeshelf"

// Recorder exports sync telemetry as Prometheus metrics. It satisfies coordinator.Observer.
type Recorder struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	skipped     *prometheus.CounterVec
	operations  *prometheus.CounterVec
	dropped     prometheus.Counter
	online      prometheus.Gauge
}

// NewRecorder registers the sync metrics on a dedicated registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Completed sync runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs by mode.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"mode"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_skipped_total",
			Help:      "Sync runs skipped because another run held the lane.",
		}, []string{"mode"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Pending operations processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_dropped_total",
			Help:      "Pending operations abandoned after exhausting their retries.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the remote is reachable.",
		}),
	}
	registry.MustRegister(
		recorder.runs,
		recorder.runDuration,
		recorder.skipped,
		recorder.operations,
		recorder.dropped,
		recorder.online,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// RunSkipped counts a run that found the lane busy.
func (r *Recorder) RunSkipped(mode coordinator.Mode) {
	r.skipped.WithLabelValues(string(mode)).Inc()
}

// RunFinished counts a run and records its duration.
func (r *Recorder) RunFinished(mode coordinator.Mode, outcome string, duration time.Duration) {
	r.runs.WithLabelValues(string(mode), outcome).Inc()
	r.runDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

// OperationFinished counts a processed operation.
func (r *Recorder) OperationFinished(operation queue.PendingOperation, outcome coordinator.OperationOutcome, _ error) {
	r.operations.WithLabelValues(string(operation.Kind), string(outcome)).Inc()
	if outcome == coordinator.OutcomeDropped {
		r.dropped.Inc()
	}
}

// SetOnline records the current connectivity state.
func (r *Recorder) SetOnline(online bool) {
	if online {
		r.online.Set(1)
		return
	}
	r.online.Set(0)
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
