package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestration runtime:
// model invocations, tool executions, autonomous task lifecycle, orchestration
// runs, trigger fires, and delivery outcomes.
type Metrics struct {
	// ModelRequestCounter counts model invocations.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelRequestDuration measures model invocation latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// TaskStepCounter counts autonomous task steps.
	// Labels: status (ok|error)
	TaskStepCounter *prometheus.CounterVec

	// TaskCompletionCounter counts autonomous task terminal transitions.
	// Labels: status (completed|failed|aborted)
	TaskCompletionCounter *prometheus.CounterVec

	// ActiveTasks gauges currently running autonomous tasks.
	ActiveTasks prometheus.Gauge

	// OrchestrationCounter counts multi-agent runs.
	// Labels: mode (sequential|parallel|consensus|hierarchical), status
	OrchestrationCounter *prometheus.CounterVec

	// OrchestrationDuration measures multi-agent run latency in seconds.
	// Labels: mode
	OrchestrationDuration *prometheus.HistogramVec

	// TriggerFireCounter counts trigger fires.
	// Labels: action (agent_turn|notify|skill), status (success|error|skipped)
	TriggerFireCounter *prometheus.CounterVec

	// DeliveryCounter counts result deliveries.
	// Labels: channel, status (delivered|failed)
	DeliveryCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors with the default registry. Call once
// at startup; promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_model_requests_total",
				Help: "Model invocations by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_model_request_duration_seconds",
				Help:    "Model invocation latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_model_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		TaskStepCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_task_steps_total",
				Help: "Autonomous task steps by outcome",
			},
			[]string{"status"},
		),

		TaskCompletionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_task_completions_total",
				Help: "Autonomous task terminal transitions by status",
			},
			[]string{"status"},
		),

		ActiveTasks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_tasks",
				Help: "Autonomous tasks currently running in this process",
			},
		),

		OrchestrationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_orchestrations_total",
				Help: "Multi-agent runs by mode and status",
			},
			[]string{"mode", "status"},
		),

		OrchestrationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_orchestration_duration_seconds",
				Help:    "Multi-agent run latency in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		TriggerFireCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_trigger_fires_total",
				Help: "Trigger fires by action type and outcome",
			},
			[]string{"action", "status"},
		),

		DeliveryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_deliveries_total",
				Help: "Result deliveries by channel and outcome",
			},
			[]string{"channel", "status"},
		),
	}
}

// RecordModelRequest records one model invocation.
func (m *Metrics) RecordModelRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordTaskStep records one autonomous task step.
func (m *Metrics) RecordTaskStep(status string) {
	m.TaskStepCounter.WithLabelValues(status).Inc()
}

// TaskStarted bumps the running task gauge.
func (m *Metrics) TaskStarted() {
	m.ActiveTasks.Inc()
}

// TaskFinished drops the running task gauge and records the terminal status.
func (m *Metrics) TaskFinished(status string) {
	m.ActiveTasks.Dec()
	m.TaskCompletionCounter.WithLabelValues(status).Inc()
}

// RecordOrchestration records one multi-agent run.
func (m *Metrics) RecordOrchestration(mode, status string, seconds float64) {
	m.OrchestrationCounter.WithLabelValues(mode, status).Inc()
	m.OrchestrationDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordTriggerFire records one trigger fire or skip.
func (m *Metrics) RecordTriggerFire(action, status string) {
	m.TriggerFireCounter.WithLabelValues(action, status).Inc()
}

// RecordDelivery records one delivery attempt outcome.
func (m *Metrics) RecordDelivery(channel, status string) {
	m.DeliveryCounter.WithLabelValues(channel, status).Inc()
}
