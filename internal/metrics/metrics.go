package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lantern_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Pipeline metrics
var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_pipeline_events_total",
		Help: "Total number of trigger events handled, by kind and outcome",
	}, []string{"kind", "outcome"})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lantern_pipeline_event_duration_seconds",
		Help:    "Event handler duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	DirectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_directives_total",
		Help: "Total number of enforcement directives executed, by kind and status",
	}, []string{"kind", "status"})

	TrustAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_trust_adjustments_total",
		Help: "Total number of applied trust score adjustments, by reason",
	}, []string{"reason"})
)

// Event outcomes for EventsTotal.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Consumer metrics
var (
	ConsumerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_consumer_events_total",
		Help: "Total number of events received from the trigger stream",
	}, []string{"kind"})

	ConsumerConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lantern_consumer_connection_state",
		Help: "Trigger stream connection state (1=connected, 0=disconnected)",
	})

	ConsumerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lantern_consumer_errors_total",
		Help: "Total number of trigger stream processing errors",
	})
)

// Oracle metrics
var (
	OracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_oracle_requests_total",
		Help: "Total number of moderation oracle requests, by result",
	}, []string{"status"})

	OracleRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lantern_oracle_request_duration_seconds",
		Help:    "Moderation oracle request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Notification metrics
var (
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_notifications_total",
		Help: "Total number of notification dispatch attempts, by type and result",
	}, []string{"type", "delivered"})
)

// Business metrics (gauges updated periodically by collector)
var (
	ReportsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lantern_reports_pending",
		Help: "Number of reports awaiting review",
	})

	PostsHidden = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lantern_posts_hidden",
		Help: "Number of posts currently hidden",
	})

	BlockedIPsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lantern_blocked_ips_total",
		Help: "Size of the blocked network identifier list",
	})

	SuspendedGuestsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lantern_suspended_guests_total",
		Help: "Size of the suspended guest device list",
	})
)

// Event counters (incremented on occurrence)
var (
	ReportsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lantern_reports_submitted_total",
		Help: "Total number of user reports submitted over HTTP",
	})

	ReportsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_reports_resolved_total",
		Help: "Total number of reports resolved by reviewers, by outcome",
	}, []string{"status"})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 2 {
		return path
	}

	switch segments[0] {
	case "api":
		if len(segments) >= 3 {
			switch segments[1] {
			case "reports":
				if len(segments) == 3 {
					return "/api/reports/:id"
				}
			case "posts":
				if len(segments) == 3 {
					return "/api/posts/:id"
				}
				if len(segments) == 4 && segments[3] == "replies" {
					return "/api/posts/:id/replies"
				}
			case "users":
				if len(segments) == 4 && segments[3] == "trust-log" {
					return "/api/users/:id/trust-log"
				}
				if len(segments) == 3 {
					return "/api/users/:id"
				}
			}
		}
	case "admin":
		if len(segments) >= 3 && segments[1] == "reports" {
			if len(segments) == 4 && segments[3] == "resolve" {
				return "/admin/reports/:id/resolve"
			}
			if len(segments) == 3 {
				return "/admin/reports/:id"
			}
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
