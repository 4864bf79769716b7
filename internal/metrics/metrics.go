package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TasksSubmitted counts tasks handed to the agent
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbridge_tasks_submitted_total",
			Help: "Total number of tasks submitted to the agent",
		},
	)

	// TaskOutcomes counts terminal task outcomes
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_task_outcomes_total",
			Help: "Total number of tasks by terminal outcome",
		},
		[]string{"outcome"},
	)

	// TaskDuration tracks how long tasks run until their terminal outcome
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbridge_task_duration_seconds",
			Help:    "Task duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// EventsReceived counts inbound agent events by normalized type
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_events_received_total",
			Help: "Total number of agent events received",
		},
		[]string{"type"},
	)

	// EventsDropped counts inbound events that were discarded
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_events_dropped_total",
			Help: "Total number of agent events dropped",
		},
		[]string{"reason"},
	)

	// ReconnectAttempts counts channel reconnection attempts
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbridge_reconnect_attempts_total",
			Help: "Total number of reconnection attempts to the agent backend",
		},
	)

	// ConnectionState is 1 while the agent channel is connected
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbridge_connection_state",
			Help: "Agent channel connection state (1 connected, 0 otherwise)",
		},
	)

	// PendingTasks tracks unsettled correlations
	PendingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbridge_pending_tasks",
			Help: "Number of tasks awaiting a terminal event",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbridge_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// Drop reasons
const (
	DropProtocol = "protocol"
	DropTerminal = "terminal"
	DropBuffer   = "buffer"
	DropHistory  = "history"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/mcp/") {
		return "/mcp"
	}
	if strings.HasPrefix(path, "/api/agent/") {
		return strings.TrimSuffix(path, "/")
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTaskSubmitted increments the submission counter and pending gauge
func RecordTaskSubmitted() {
	TasksSubmitted.Inc()
	PendingTasks.Inc()
}

// RecordTaskOutcome decrements the pending gauge and records the outcome
func RecordTaskOutcome(outcome string, durationSeconds float64) {
	PendingTasks.Dec()
	TaskOutcomes.WithLabelValues(outcome).Inc()
	TaskDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEventReceived counts an inbound event
func RecordEventReceived(eventType string) {
	EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventDrop counts a discarded inbound event
func RecordEventDrop(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordReconnectAttempt counts one reconnection attempt
func RecordReconnectAttempt() {
	ReconnectAttempts.Inc()
}

// SetConnected sets the connection state gauge
func SetConnected(connected bool) {
	if connected {
		ConnectionState.Set(1)
		return
	}
	ConnectionState.Set(0)
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
