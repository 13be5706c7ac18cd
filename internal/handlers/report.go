package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lantern/internal/metrics"
	"lantern/internal/moderation"
	"lantern/internal/pipeline"

	"github.com/rs/zerolog/log"
)

// Report submission limits.
const (
	// ReportRateLimitPerHour is the maximum reports a user can submit per hour
	ReportRateLimitPerHour = 10
	// MaxReportDetailsLength is the maximum length of free-form report details
	MaxReportDetailsLength = 500
)

// ReportRequest represents the JSON request for submitting a report
type ReportRequest struct {
	TargetType string   `json:"target_type"`
	PostID     string   `json:"post_id"`
	ReplyID    string   `json:"reply_id,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Details    string   `json:"details,omitempty"`
}

// ReportResponse represents the JSON response from report submission
type ReportResponse struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HandleReportSubmit handles POST /api/reports.
// Requires an identified reporter, validates input, checks rate limits and
// duplicates, then runs the report through the moderation pipeline.
func (h *Handler) HandleReportSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reporterUID := userID(r)
	if reporterUID == "" {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	if !isJSONRequest(r) {
		writeError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ref, ok := h.resolveReportTarget(w, req)
	if !ok {
		return
	}

	// Load the target so we can refuse self-reports up front. The pipeline
	// tolerates missing targets for stream deliveries, but a direct
	// submission against nothing is a client error.
	targetAuthor, found, err := h.lookupTargetAuthor(r, ref)
	if err != nil {
		log.Error().Err(err).Str("target", ref.Key()).Msg("handlers: failed to load report target")
		writeError(w, "Failed to process report", http.StatusInternalServerError)
		return
	}
	if !found {
		writeError(w, "Reported content not found", http.StatusNotFound)
		return
	}
	if targetAuthor != "" && targetAuthor == reporterUID {
		writeError(w, "You cannot report your own content", http.StatusBadRequest)
		return
	}

	details := strings.TrimSpace(req.Details)
	if len(details) > MaxReportDetailsLength {
		details = details[:MaxReportDetailsLength]
	}

	// Per-account rate limit on top of the per-IP middleware limit
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	recentCount, err := h.store.CountReportsFromReporterSince(ctx, reporterUID, oneHourAgo)
	if err != nil {
		log.Error().Err(err).Str("reporter", reporterUID).Msg("handlers: failed to check report rate limit")
		writeError(w, "Failed to process report", http.StatusInternalServerError)
		return
	}
	if recentCount >= ReportRateLimitPerHour {
		writeError(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	alreadyReported, err := h.store.HasReportedTarget(ctx, reporterUID, ref)
	if err != nil {
		log.Error().Err(err).Str("reporter", reporterUID).Msg("handlers: failed to check duplicate report")
		writeError(w, "Failed to process report", http.StatusInternalServerError)
		return
	}
	if alreadyReported {
		writeError(w, "You have already reported this content", http.StatusConflict)
		return
	}

	report := moderation.Report{
		ID:              generateID(),
		TargetType:      ref.Type,
		TargetID:        req.PostID,
		ReporterUID:     reporterUID,
		TargetAuthorUID: targetAuthor,
		Reasons:         req.Reasons,
		Details:         details,
		Status:          moderation.StatusPending,
		CreatedAt:       time.Now(),
	}
	if ref.Type == moderation.TargetReply {
		report.TargetID = req.ReplyID
		report.PostID = req.PostID
	}

	env, err := newEnvelope(pipeline.KindReportCreated, report)
	if err != nil {
		writeError(w, "Failed to process report", http.StatusInternalServerError)
		return
	}

	if err := h.engine.HandleEvent(ctx, env); err != nil {
		log.Error().Err(err).Str("report_id", report.ID).Msg("handlers: failed to process report")
		writeError(w, "Failed to save report", http.StatusInternalServerError)
		return
	}

	metrics.ReportsSubmittedTotal.Inc()

	// Escalations get a best-effort admin email
	if h.alerts != nil && h.alerts.Enabled() {
		if stored, err := h.store.GetReport(ctx, report.ID); err == nil && stored != nil && stored.Priority == moderation.PriorityHigh {
			go func(rep moderation.Report) {
				subject := "Report escalated: " + rep.TargetRef().Key()
				body := "Report " + rep.ID + " reached status " + string(rep.Status) + " and needs review."
				if err := h.alerts.SendAlert(subject, body); err != nil {
					log.Warn().Err(err).Str("report_id", rep.ID).Msg("handlers: failed to send escalation email")
				}
			}(*stored)
		}
	}

	log.Info().
		Str("report_id", report.ID).
		Str("target", ref.Key()).
		Str("reporter", reporterUID).
		Strs("reasons", report.Reasons).
		Msg("handlers: report created")

	writeJSON(w, http.StatusOK, ReportResponse{
		ID:      report.ID,
		Status:  "received",
		Message: "Thank you for your report. It will be reviewed by a moderator.",
	})
}

// resolveReportTarget validates the target fields of a report request and
// returns the content reference. Writes an error response on failure.
func (h *Handler) resolveReportTarget(w http.ResponseWriter, req ReportRequest) (moderation.ContentRef, bool) {
	if req.PostID == "" {
		writeError(w, "post_id is required", http.StatusBadRequest)
		return moderation.ContentRef{}, false
	}

	switch moderation.TargetType(req.TargetType) {
	case moderation.TargetPost:
		if req.ReplyID != "" {
			writeError(w, "reply_id is not valid for post targets", http.StatusBadRequest)
			return moderation.ContentRef{}, false
		}
		return moderation.ContentRef{Type: moderation.TargetPost, PostID: req.PostID}, true
	case moderation.TargetReply:
		if req.ReplyID == "" {
			writeError(w, "reply_id is required for reply targets", http.StatusBadRequest)
			return moderation.ContentRef{}, false
		}
		return moderation.ContentRef{Type: moderation.TargetReply, PostID: req.PostID, ReplyID: req.ReplyID}, true
	default:
		writeError(w, "target_type must be post or reply", http.StatusBadRequest)
		return moderation.ContentRef{}, false
	}
}

// lookupTargetAuthor loads the reported content and returns its author, if any.
func (h *Handler) lookupTargetAuthor(r *http.Request, ref moderation.ContentRef) (author string, found bool, err error) {
	ctx := r.Context()

	if ref.Type == moderation.TargetReply {
		reply, err := h.store.GetReply(ctx, ref.PostID, ref.ReplyID)
		if err != nil || reply == nil {
			return "", false, err
		}
		return reply.AuthorUID, true, nil
	}

	post, err := h.store.GetPost(ctx, ref.PostID)
	if err != nil || post == nil {
		return "", false, err
	}
	return post.AuthorUID, true, nil
}
