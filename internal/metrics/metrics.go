package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer pipeline metrics
	TransfersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_transfers_processed_total",
			Help: "Total number of canonical transfers handled by the deduplicator",
		},
		[]string{"network", "outcome"}, // admitted, duplicate, below_threshold, error
	)

	ScanCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peggwatch_scan_cycle_duration_seconds",
			Help:    "Duration of one ledger scan cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"network"},
	)

	ScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_scan_errors_total",
			Help: "Total number of failed account or feed scans",
		},
		[]string{"network", "kind"}, // account, feed, malformed
	)

	// Peg metrics
	PegObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_peg_observations_total",
			Help: "Total number of price observations",
		},
		[]string{"symbol", "status"}, // ok, invalid, error
	)

	PegDeviation = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peggwatch_peg_deviation",
			Help: "Latest absolute deviation from peg",
		},
		[]string{"symbol"},
	)

	PegTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_peg_transitions_total",
			Help: "Total number of peg state transitions",
		},
		[]string{"symbol", "to"},
	)

	// Alert metrics
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_alerts_triggered_total",
			Help: "Total number of alerts created",
		},
		[]string{"category", "severity"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_alerts_sent_total",
			Help: "Total number of channel delivery attempts by outcome",
		},
		[]string{"channel", "status"}, // delivered, failed, cooldown, ineligible
	)

	BroadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_broadcast_events_total",
			Help: "Total number of live events published",
		},
		[]string{"type"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_api_requests_total",
			Help: "Total number of external API requests",
		},
		[]string{"api", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peggwatch_api_request_duration_seconds",
			Help:    "Duration of external API requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"api", "endpoint"},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peggwatch_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	DigestsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peggwatch_digests_published_total",
			Help: "Total number of daily digests produced",
		},
	)

	// System health
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peggwatch_health_checks_total",
			Help: "Total number of health check requests",
		},
		[]string{"status"},
	)
)

// RecordTransfer records a deduplicator outcome
func RecordTransfer(network, outcome string) {
	TransfersProcessed.WithLabelValues(network, outcome).Inc()
}

// RecordScanCycle records the duration of a scan cycle
func RecordScanCycle(network string, duration time.Duration) {
	ScanCycleDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// RecordScanError records a failed unit of a scan cycle
func RecordScanError(network, kind string) {
	ScanErrors.WithLabelValues(network, kind).Inc()
}

// RecordPegObservation records one price observation
func RecordPegObservation(symbol, status string, deviation float64) {
	PegObservations.WithLabelValues(symbol, status).Inc()
	if status == "ok" {
		PegDeviation.WithLabelValues(symbol).Set(deviation)
	}
}

// RecordPegTransition records a band change
func RecordPegTransition(symbol, to string) {
	PegTransitions.WithLabelValues(symbol, to).Inc()
}

// RecordAlert records alert creation
func RecordAlert(category, severity string) {
	AlertsTriggered.WithLabelValues(category, severity).Inc()
}

// RecordDelivery records a channel outcome for an alert
func RecordDelivery(channel, status string) {
	AlertsSent.WithLabelValues(channel, status).Inc()
}

// RecordBroadcast records a live event publish
func RecordBroadcast(eventType string) {
	BroadcastEvents.WithLabelValues(eventType).Inc()
}

// RecordAPIRequest records API request metrics
func RecordAPIRequest(api, endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	APIRequests.WithLabelValues(api, endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(api, endpoint).Observe(duration.Seconds())
}

// RecordDatabaseQuery records database query metrics
func RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueries.WithLabelValues(operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealthCheck records health check status
func RecordHealthCheck(healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	HealthChecks.WithLabelValues(status).Inc()
}
