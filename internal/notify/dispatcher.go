// Package notify delivers in-app notifications produced by the moderation
// pipeline. Delivery is best effort: the pipeline fires notifications after
// its transactions commit and never fails an event on a delivery problem.
package notify

import (
	"context"

	"lantern/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Notification event types emitted by the pipeline.
const (
	TypeContentHidden   = "content_hidden"
	TypeContentRejected = "content_rejected"
	TypeReportResolved  = "report_resolved"
	TypeLanternReceived = "lantern_received"
	TypeTrustAdjusted   = "trust_adjusted"
)

// Payload carries the notification context shown to the user.
type Payload struct {
	SubjectID string `json:"subject_id"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
}

// Dispatcher delivers a notification to a user. The boolean reports whether
// the notification was actually delivered; callers treat false as a
// settings-based or dedupe skip, not a failure.
type Dispatcher interface {
	Notify(ctx context.Context, userID, eventType string, payload Payload) bool
}

// LogDispatcher writes notifications to the log only. Used when no inbox is
// configured, and as the delivery target in tests.
type LogDispatcher struct{}

// Notify logs the notification and reports it delivered.
func (LogDispatcher) Notify(ctx context.Context, userID, eventType string, payload Payload) bool {
	if userID == "" {
		return false
	}
	log.Info().
		Str("user_id", userID).
		Str("type", eventType).
		Str("subject_id", payload.SubjectID).
		Msg("notify: dispatched")
	metrics.NotificationsTotal.WithLabelValues(eventType, "true").Inc()
	return true
}
