// Package observability turns the event feed into metrics and traces.
// Both exporters are plain bus subscribers: they copy what they need out
// of the event and never block, so attaching them does not change run
// behavior.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// Metrics counts run activity from bus events.
type Metrics struct {
	stepsTotal      prometheus.Counter
	runsTotal       *prometheus.CounterVec
	runSteps        prometheus.Histogram
	toolCallsTotal  *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	rateLimitsTotal prometheus.Counter
	failoversTotal  *prometheus.CounterVec
	recoveriesTotal *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	subAgentsTotal  *prometheus.CounterVec
	controlTotal    *prometheus.CounterVec
}

// NewMetrics registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_steps_total",
			Help: "Completed reasoning steps across all runs.",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_total",
			Help: "Terminated runs by outcome.",
		}, []string{"outcome"}),
		runSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_run_steps",
			Help:    "Steps taken per run.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Completed tool invocations by tool.",
		}, []string{"tool"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_retries_total",
			Help: "Retry attempts by model.",
		}, []string{"model"}),
		rateLimitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_rate_limits_total",
			Help: "Rate limit hits.",
		}),
		failoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_failovers_total",
			Help: "Model failovers by source and target.",
		}, []string{"from", "to"}),
		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_recoveries_total",
			Help: "Recoveries after transient failures, by model.",
		}, []string{"model"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_errors_total",
			Help: "Caught errors by class.",
		}, []string{"class"}),
		subAgentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_subagents_total",
			Help: "Completed sub-agent runs by outcome.",
		}, []string{"outcome"}),
		controlTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_control_requests_total",
			Help: "Control requests yielded to the parent, by type.",
		}, []string{"type"}),
	}
}

// Attach subscribes the collectors to the bus. The returned function
// detaches them.
func (m *Metrics) Attach(b *bus.Bus) func() {
	return b.Subscribe(m.observe,
		models.EventStepCompleted,
		models.EventTaskCompleted,
		models.EventToolCallCompleted,
		models.EventRetryRequested,
		models.EventRateLimitHit,
		models.EventFailoverOccurred,
		models.EventRecoveryCompleted,
		models.EventErrorOccurred,
		models.EventSubAgentCompleted,
		models.EventControlYielded,
	)
}

func (m *Metrics) observe(e models.Event) {
	switch e.Kind {
	case models.EventStepCompleted:
		m.stepsTotal.Inc()
	case models.EventTaskCompleted:
		if e.Task != nil {
			m.runsTotal.WithLabelValues(string(e.Task.Outcome)).Inc()
			m.runSteps.Observe(float64(e.Task.StepsTaken))
		}
	case models.EventToolCallCompleted:
		if e.Tool != nil {
			m.toolCallsTotal.WithLabelValues(e.Tool.ToolName).Inc()
		}
	case models.EventRetryRequested:
		if e.Resilience != nil {
			m.retriesTotal.WithLabelValues(e.Resilience.ModelID).Inc()
		}
	case models.EventRateLimitHit:
		m.rateLimitsTotal.Inc()
	case models.EventFailoverOccurred:
		if e.Resilience != nil {
			m.failoversTotal.WithLabelValues(e.Resilience.FromModelID, e.Resilience.ToModelID).Inc()
		}
	case models.EventRecoveryCompleted:
		if e.Resilience != nil {
			m.recoveriesTotal.WithLabelValues(e.Resilience.ModelID).Inc()
		}
	case models.EventErrorOccurred:
		if e.Error != nil {
			m.errorsTotal.WithLabelValues(e.Error.ErrorClass).Inc()
		}
	case models.EventSubAgentCompleted:
		if e.SubAgent != nil {
			m.subAgentsTotal.WithLabelValues(string(e.SubAgent.Outcome)).Inc()
		}
	case models.EventControlYielded:
		if e.Control != nil {
			m.controlTotal.WithLabelValues(string(e.Control.RequestType)).Inc()
		}
	}
}
