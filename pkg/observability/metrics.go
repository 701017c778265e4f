// Package observability exposes Prometheus metrics and health endpoints for
// the Loom runtime.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Activity metrics
	activitiesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_activities_enqueued_total",
			Help: "Total number of activities enqueued into agent mailboxes",
		},
		[]string{"agent", "type"},
	)

	activitiesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_activities_processed_total",
			Help: "Total number of workflow invocations by outcome",
		},
		[]string{"agent", "outcome"},
	)

	processingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_processing_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Mailbox metrics
	mailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_mailbox_depth",
			Help: "Number of activities currently buffered per agent mailbox",
		},
		[]string{"agent"},
	)

	mailboxTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_mailbox_timeouts_total",
			Help: "Total number of offers that failed on backpressure timeout",
		},
		[]string{"agent"},
	)

	// System metrics
	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_agents",
			Help: "Number of live agent instances",
		},
	)

	activeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_subscribers",
			Help: "Number of registered state-change subscribers",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the runtime collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			activitiesEnqueuedTotal,
			activitiesProcessedTotal,
			processingDuration,
			mailboxDepth,
			mailboxTimeoutsTotal,
			activeAgents,
			activeSubscribers,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordActivityEnqueued records one activity accepted by a mailbox.
func RecordActivityEnqueued(agent, activityType string) {
	activitiesEnqueuedTotal.WithLabelValues(agent, activityType).Inc()
}

// RecordActivityProcessed records one workflow invocation and its duration.
func RecordActivityProcessed(agent string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	activitiesProcessedTotal.WithLabelValues(agent, outcome).Inc()
	processingDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordMailboxTimeout records one offer lost to backpressure timeout.
func RecordMailboxTimeout(agent string) {
	mailboxTimeoutsTotal.WithLabelValues(agent).Inc()
}

// SetMailboxDepth sets the buffered-activity gauge for an agent.
func SetMailboxDepth(agent string, depth int) {
	mailboxDepth.WithLabelValues(agent).Set(float64(depth))
}

// SetActiveAgents sets the live agent gauge.
func SetActiveAgents(count int) {
	activeAgents.Set(float64(count))
}

// SetActiveSubscribers sets the registered subscriber gauge.
func SetActiveSubscribers(count int) {
	activeSubscribers.Set(float64(count))
}
