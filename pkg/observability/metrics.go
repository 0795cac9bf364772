package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent task metrics
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubberduck_agent_tasks_total",
			Help: "Total number of tasks executed by agents",
		},
		[]string{"agent", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rubberduck_agent_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Messaging metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubberduck_messages_total",
			Help: "Total number of messages delivered to agents",
		},
		[]string{"kind"},
	)

	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubberduck_broadcasts_total",
			Help: "Total number of type broadcasts",
		},
		[]string{"agent_type"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubberduck_events_published_total",
			Help: "Total number of published pub/sub events",
		},
		[]string{"event_type"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rubberduck_request_duration_seconds",
			Help:    "Request/response round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Supervision metrics
	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubberduck_agent_restarts_total",
			Help: "Total number of supervisor-driven agent restarts",
		},
		[]string{"agent_type"},
	)

	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rubberduck_active_agents",
			Help: "Number of live agents",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the runtime's Prometheus metrics. Safe to call more
// than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			tasksTotal,
			taskDuration,
			messagesTotal,
			broadcastsTotal,
			eventsPublishedTotal,
			requestDuration,
			restartsTotal,
			activeAgents,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTask records a task execution outcome.
func RecordTask(agent, status string, duration time.Duration) {
	tasksTotal.WithLabelValues(agent, status).Inc()
	taskDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordMessage records a delivered message by envelope kind.
func RecordMessage(kind string) {
	messagesTotal.WithLabelValues(kind).Inc()
}

// RecordBroadcast records a type broadcast.
func RecordBroadcast(agentType string) {
	broadcastsTotal.WithLabelValues(agentType).Inc()
}

// RecordEventPublished records a pub/sub publish.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordRequest records a request/response round trip.
func RecordRequest(status string, duration time.Duration) {
	requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRestart records a supervisor-driven agent restart.
func RecordRestart(agentType string) {
	restartsTotal.WithLabelValues(agentType).Inc()
}

// SetActiveAgents sets the live agent gauge.
func SetActiveAgents(count int) {
	activeAgents.Set(float64(count))
}
