package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine counters and histograms.
type Metrics struct {
	// toolExecutions counts dispatched tool calls by tool id and terminal
	// status.
	toolExecutions *prometheus.CounterVec

	// toolDuration observes wall time from dispatch to terminal state.
	toolDuration *prometheus.HistogramVec

	// permissionDecisions counts gate resolutions by decision kind.
	permissionDecisions *prometheus.CounterVec

	// turns counts model invocations across all conversations.
	turns prometheus.Counter

	// activeStreams tracks live per-conversation stream handles.
	activeStreams prometheus.Gauge
}

// NewMetrics creates engine metrics registered against reg. A nil registerer
// leaves the metrics unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "tool_executions_total",
			Help:      "Tool calls dispatched, by tool and terminal status.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "tool_duration_seconds",
			Help:      "Tool call duration from dispatch to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		permissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "permission_decisions_total",
			Help:      "Permission gate resolutions, by decision kind.",
		}, []string{"kind"}),
		turns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "model_turns_total",
			Help:      "Model invocations across all conversations.",
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "active_streams",
			Help:      "Conversations with a live run.",
		}),
	}
}

func (m *Metrics) observeTool(tool string, status string, started time.Time) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeDecision(kind DecisionKind) {
	if m == nil {
		return
	}
	m.permissionDecisions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeTurn() {
	if m == nil {
		return
	}
	m.turns.Inc()
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) streamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
