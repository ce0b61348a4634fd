package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters and latencies for the assistant.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// FallbackCounter counts gateway fallback attempts by provider.
	FallbackCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopTerminations counts agent turns ended by the loop detector.
	LoopTerminations prometheus.Counter

	// ActiveSessions gauges live sessions by channel.
	ActiveSessions *prometheus.GaugeVec

	// QueueDepth gauges bus queue occupancy by direction.
	QueueDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a private registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessageCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		FallbackCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_fallbacks_total",
				Help: "Gateway fallback attempts by failed provider",
			},
			[]string{"provider"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		LoopTerminations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_loop_terminations_total",
				Help: "Agent turns terminated by the loop detector",
			},
		),
		ActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Live sessions by channel",
			},
			[]string{"channel"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_bus_queue_depth",
				Help: "Bus queue occupancy by direction",
			},
			[]string{"direction"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessageCounter,
			m.LLMRequestDuration,
			m.LLMRequestCounter,
			m.FallbackCounter,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.LoopTerminations,
			m.ActiveSessions,
			m.QueueDepth,
		)
	}
	return m
}
