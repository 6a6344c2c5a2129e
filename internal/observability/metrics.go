// Package observability holds the process-wide Prometheus metrics and the
// audit trail for conversation events.
package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeConversations prometheus.Gauge
	archivedTotal       prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	boundaryCallTotal    *prometheus.CounterVec
	boundaryCallDuration *prometheus.HistogramVec
	boundaryRetryTotal   *prometheus.CounterVec
	tokensTotal          *prometheus.CounterVec
	costTotal            *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	guardrailViolationTotal *prometheus.CounterVec
	handoffTotal            *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "switchboard_queue_size",
					Help: "Current queue size by lane kind.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_enqueue_total",
					Help: "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_dequeue_total",
					Help: "Total task completions by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "switchboard_active_conversations",
					Help: "Conversations currently held in the live store.",
				},
			),
			archivedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "switchboard_conversations_archived_total",
					Help: "Conversations moved to the archive.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_turn_total",
					Help: "Completed turns by agent and status.",
				},
				[]string{"agent", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_turn_duration_seconds",
					Help:    "Turn duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			boundaryCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_boundary_call_total",
					Help: "Model boundary calls by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			boundaryCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_boundary_call_duration_seconds",
					Help:    "Model boundary call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			boundaryRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_boundary_retry_total",
					Help: "Retries of retryable boundary errors by provider.",
				},
				[]string{"provider"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_tokens_total",
					Help: "Tokens consumed by provider, model and direction.",
				},
				[]string{"provider", "model", "direction"},
			),
			costTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_cost_usd_total",
					Help: "Estimated spend in USD by model.",
				},
				[]string{"model"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_tool_execution_total",
					Help: "Tool executions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "switchboard_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			guardrailViolationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_guardrail_violation_total",
					Help: "Inputs blocked by guardrails by agent and rule.",
				},
				[]string{"agent", "rule"},
			),
			handoffTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "switchboard_handoff_total",
					Help: "Handoffs between agents.",
				},
				[]string{"from", "to"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeConversations,
			m.archivedTotal,
			m.turnTotal,
			m.turnDuration,
			m.boundaryCallTotal,
			m.boundaryCallDuration,
			m.boundaryRetryTotal,
			m.tokensTotal,
			m.costTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.guardrailViolationTotal,
			m.handoffTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// LaneKind collapses per-conversation lane names such as
// "conversation:abc" to "conversation" to keep label cardinality bounded.
func LaneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	kind := LaneKind(lane)
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(LaneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	kind := LaneKind(lane)
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

func RecordArchived() {
	getMetrics().archivedTotal.Inc()
}

// RecordTurn records a finished turn; status is completed, blocked,
// terminated, failed or cancelled.
func RecordTurn(agent, status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(agent, status).Inc()
	m.turnDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordBoundaryCall(provider, outcome string, duration time.Duration) {
	m := getMetrics()
	m.boundaryCallTotal.WithLabelValues(provider, outcome).Inc()
	m.boundaryCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordBoundaryRetry(provider string) {
	getMetrics().boundaryRetryTotal.WithLabelValues(provider).Inc()
}

func RecordTokenUsage(provider, model string, input, output int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(output))
}

func RecordCost(model string, usd float64) {
	if usd <= 0 {
		return
	}
	getMetrics().costTotal.WithLabelValues(model).Add(usd)
}

// RecordToolExecution records one tool call; outcome is success or an
// error code.
func RecordToolExecution(tool string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, outcome).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordGuardrailViolation(agent, rule string) {
	getMetrics().guardrailViolationTotal.WithLabelValues(agent, rule).Inc()
}

func RecordHandoff(from, to string) {
	getMetrics().handoffTotal.WithLabelValues(from, to).Inc()
}
