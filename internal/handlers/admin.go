package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"lantern/internal/metrics"
	"lantern/internal/moderation"
	"lantern/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// resolveRequest is the request body for resolving a report
type resolveRequest struct {
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by"`
}

// resolvableStatuses are the transitions a reviewer may apply. Rejection is
// the only path that can override an automatic decision.
var resolvableStatuses = map[moderation.Status]bool{
	moderation.StatusConfirmed:   true,
	moderation.StatusRejected:    true,
	moderation.StatusNeedsReview: true,
}

// HandleReportsList handles GET /admin/reports. By default only unresolved
// reports are returned; ?status=all lists everything.
func (h *Handler) HandleReportsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		reports []moderation.Report
		err     error
	)
	if r.URL.Query().Get("status") == "all" {
		reports, err = h.store.ListAllReports(ctx)
	} else {
		reports, err = h.store.ListPendingReports(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("handlers: failed to list reports")
		writeError(w, "Failed to list reports", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

// HandleReportResolve handles POST /admin/reports/{id}/resolve. The
// resolution runs through the pipeline as a status transition event, so
// confirmation enforcement and trust adjustments follow the same path as
// stream deliveries.
func (h *Handler) HandleReportResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reportID := r.PathValue("id")
	if reportID == "" {
		writeError(w, "Report ID is required", http.StatusBadRequest)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	toStatus := moderation.Status(req.Status)
	if !resolvableStatuses[toStatus] {
		writeError(w, "status must be confirmed, rejected, or needs_review", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, "resolved_by is required", http.StatusBadRequest)
		return
	}

	report, err := h.store.GetReport(ctx, reportID)
	if err != nil {
		writeError(w, "Failed to resolve report", http.StatusInternalServerError)
		return
	}
	if report == nil {
		writeError(w, "Report not found", http.StatusNotFound)
		return
	}

	env, err := newEnvelope(pipeline.KindReportUpdated, pipeline.ReportUpdatedEvent{
		ReportID:   reportID,
		FromStatus: report.Status,
		ToStatus:   toStatus,
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		writeError(w, "Failed to resolve report", http.StatusInternalServerError)
		return
	}

	if err := h.engine.HandleEvent(ctx, env); err != nil {
		log.Error().Err(err).Str("report_id", reportID).Msg("handlers: failed to resolve report")
		writeError(w, "Failed to resolve report", http.StatusInternalServerError)
		return
	}

	metrics.ReportsResolvedTotal.WithLabelValues(string(toStatus)).Inc()

	log.Info().
		Str("report_id", reportID).
		Str("to_status", string(toStatus)).
		Str("by", req.ResolvedBy).
		Msg("handlers: report resolved")

	resolved, err := h.store.GetReport(ctx, reportID)
	if err != nil || resolved == nil {
		writeError(w, "Failed to load resolved report", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resolved)
}

// HandleBlockedIPsList handles GET /admin/blocked-ips.
func (h *Handler) HandleBlockedIPsList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListBlockedIPs(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handlers: failed to list blocked IPs")
		writeError(w, "Failed to list blocked IPs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked_ips": entries, "count": len(entries)})
}

// HandleSuspendedGuestsList handles GET /admin/suspended-guests.
func (h *Handler) HandleSuspendedGuestsList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListSuspendedGuests(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("handlers: failed to list suspended guests")
		writeError(w, "Failed to list suspended guests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspended_guests": entries, "count": len(entries)})
}

// HandleUserGet handles GET /api/users/{id}. Users with no stored row are
// reported at the default trust score.
func (h *Handler) HandleUserGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, "Failed to load user", http.StatusInternalServerError)
		return
	}
	if user == nil {
		user = &moderation.User{ID: id, TrustScore: moderation.DefaultTrustScore}
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleTrustLogList handles GET /api/users/{id}/trust-log.
func (h *Handler) HandleTrustLogList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	entries, err := h.store.ListTrustLog(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		log.Error().Err(err).Msg("handlers: failed to list trust log")
		writeError(w, "Failed to list trust log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// AdminStats is the admin status summary.
type AdminStats struct {
	PendingReports  int   `json:"pending_reports"`
	HiddenPosts     int   `json:"hidden_posts"`
	BlockedIPs      int   `json:"blocked_ips"`
	SuspendedGuests int   `json:"suspended_guests"`
	StreamConnected bool  `json:"stream_connected"`
	EventsReceived  int64 `json:"events_received"`
	BytesReceived   int64 `json:"bytes_received"`

	GeneratedAt time.Time `json:"generated_at"`
}

// HandleAdminStats handles GET /admin/stats.
func (h *Handler) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := AdminStats{
		PendingReports:  h.store.CountPendingReports(ctx),
		HiddenPosts:     h.store.CountHiddenPosts(ctx),
		BlockedIPs:      h.store.CountBlockedIPs(ctx),
		SuspendedGuests: h.store.CountSuspendedGuests(ctx),
		GeneratedAt:     time.Now(),
	}

	if h.consumer != nil {
		stats.StreamConnected = h.consumer.IsConnected()
		stats.EventsReceived, stats.BytesReceived = h.consumer.Stats()
	} else {
		// Fall back to the Prometheus gauge when no consumer is wired
		stats.StreamConnected = getGaugeValue(metrics.ConsumerConnectionState) == 1
	}

	writeJSON(w, http.StatusOK, stats)
}

// getGaugeValue reads the current value of a prometheus.Gauge.
func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	if m.Gauge != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}
