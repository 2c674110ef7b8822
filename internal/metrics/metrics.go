// Package metrics exposes Prometheus collectors fed from the event
// bus. The decision loop never touches a collector directly; it
// publishes events and this recorder translates them, so the loop
// stays measurable without a metrics dependency.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gambitbot/gambit/internal/events"
)

// Recorder subscribes to the event bus and maintains the Prometheus
// collectors. All collectors live in a private registry so tests can
// run recorders side by side without duplicate-registration panics.
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	turns         *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	retries       prometheus.Counter
	invalid       prometheus.Counter
	degraded      prometheus.Counter
	faults        prometheus.Counter
	contextTokens prometheus.Histogram
	modelLatency  prometheus.Histogram
}

// NewRecorder creates a recorder with its collectors registered.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_turns_total",
			Help: "Completed decision loop turns by confirmed game state.",
		}, []string{"tag"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_state_changes_total",
			Help: "Confirmed game state transitions by destination state.",
		}, []string{"to"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_checkpoints_total",
			Help: "Checkpoints written by trigger.",
		}, []string{"trigger"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_model_retries_total",
			Help: "Transient model failures that were retried.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_validation_failures_total",
			Help: "Model responses that failed contract validation.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_context_degraded_total",
			Help: "Turns where history was dropped beyond scheduled compaction to fit the token ceiling.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_faults_total",
			Help: "Fatal errors that halted the decision loop.",
		}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gambit_context_tokens",
			Help:    "Estimated token size of compiled decision contexts.",
			Buckets: prometheus.ExponentialBuckets(250, 2, 8),
		}),
		modelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gambit_model_latency_seconds",
			Help:    "Decision service round-trip latency, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
	r.registry.MustRegister(r.turns, r.stateChanges, r.checkpoints,
		r.retries, r.invalid, r.degraded, r.faults,
		r.contextTokens, r.modelLatency)
	return r
}

// Handler serves the recorder's registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Run consumes bus events until the context is canceled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	r.logger.Debug("metrics recorder started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev events.Event) {
	switch ev.Kind {
	case events.KindTurnCompleted:
		r.turns.WithLabelValues(asString(ev.Data["tag"])).Inc()
		if tokens, ok := asFloat(ev.Data["tokens"]); ok {
			r.contextTokens.Observe(tokens)
		}
		if ms, ok := asFloat(ev.Data["latency_ms"]); ok {
			r.modelLatency.Observe(ms / 1000)
		}
	case events.KindStateChanged:
		r.stateChanges.WithLabelValues(asString(ev.Data["to"])).Inc()
	case events.KindModelRetry:
		r.retries.Inc()
	case events.KindValidationFailed:
		r.invalid.Inc()
	case events.KindContextDegraded:
		r.degraded.Inc()
	case events.KindCheckpointWritten:
		r.checkpoints.WithLabelValues(asString(ev.Data["trigger"])).Inc()
	case events.KindFault:
		r.faults.Inc()
	}
}

func asString(v any) string {
	s, ok := v.(string)
	if !ok {
		return "unknown"
	}
	return s
}

// asFloat accepts the numeric types event publishers actually use.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
