// Package metrics provides Prometheus-compatible instrumentation for the
// runtime's health signals: claim outcomes, tick queue depth, in-flight
// dispatch count, and action-failure/history-failure counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder collects runtime health metrics under the "flowlite" namespace.
// A nil *Recorder is never passed to the runtime; instead, callers that do
// not want metrics simply omit WithMetrics/WithMetrics options, which leave
// the runtime/ticks consumers with a nil interface value.
type Recorder struct {
	claimsSucceeded prometheus.Counter
	claimConflicts  prometheus.Counter
	actionFailures  prometheus.Counter
	historyFailures prometheus.Counter
	tickQueueDepth  prometheus.Gauge
	inFlight        prometheus.Gauge
}

// New creates and registers every flowlite metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Recorder{
		claimsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowlite",
			Name:      "claims_succeeded_total",
			Help:      "Pending->Running CAS claims won by a worker",
		}),
		claimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowlite",
			Name:      "claim_conflicts_total",
			Help:      "Pending->Running CAS attempts lost to a duplicate tick or racing worker",
		}),
		actionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowlite",
			Name:      "action_failures_total",
			Help:      "Stage actions or persister writes that raised an error inside the execution loop",
		}),
		historyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowlite",
			Name:      "history_failures_total",
			Help:      "History store append calls that failed and were swallowed",
		}),
		tickQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowlite",
			Name:      "tick_queue_depth",
			Help:      "Number of ticks returned by the most recent poller batch",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowlite",
			Name:      "dispatch_in_flight",
			Help:      "Number of tick dispatches currently executing across the worker pool",
		}),
	}
}

// IncClaimSucceeded satisfies flow/runtime.DispatchMetrics.
func (r *Recorder) IncClaimSucceeded() { r.claimsSucceeded.Inc() }

// IncClaimConflict satisfies flow/runtime.DispatchMetrics.
func (r *Recorder) IncClaimConflict() { r.claimConflicts.Inc() }

// IncActionFailure satisfies flow/runtime.DispatchMetrics.
func (r *Recorder) IncActionFailure() { r.actionFailures.Inc() }

// IncHistoryFailure records a swallowed history-store write failure.
func (r *Recorder) IncHistoryFailure() { r.historyFailures.Inc() }

// SetQueueDepth satisfies flow/ticks.MetricsRecorder.
func (r *Recorder) SetQueueDepth(depth int) { r.tickQueueDepth.Set(float64(depth)) }

// IncInFlight satisfies flow/ticks.MetricsRecorder.
func (r *Recorder) IncInFlight() { r.inFlight.Inc() }

// DecInFlight satisfies flow/ticks.MetricsRecorder.
func (r *Recorder) DecInFlight() { r.inFlight.Dec() }
