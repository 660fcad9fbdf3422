// Package observability provides Prometheus metrics for the relay.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payagent_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"status"},
	)

	agentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "payagent_agent_duration_seconds",
			Help: "Agent invocation duration in seconds",
			// Agent runs are bounded by a 30-60s timeout, so the default
			// buckets top out too early.
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
	)

	// MCP metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payagent_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payagent_mcp_tool_call_duration_seconds",
			Help:    "MCP tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payagent_active_sessions",
			Help: "Number of live sessions in the store",
		},
	)

	sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payagent_sessions_reaped_total",
			Help: "Total number of sessions removed by the reaper",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			agentDuration,
			toolCallsTotal,
			toolCallDuration,
			activeSessions,
			sessionsReaped,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a completed turn with its outcome.
func RecordTurn(status string) {
	turnsTotal.WithLabelValues(status).Inc()
}

// RecordAgentRun records the latency of one agent invocation.
func RecordAgentRun(duration time.Duration) {
	agentDuration.Observe(duration.Seconds())
}

// RecordToolCall records one MCP tool call.
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetActiveSessions sets the live session gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionReaped counts one reaped session.
func RecordSessionReaped() {
	sessionsReaped.Inc()
}
