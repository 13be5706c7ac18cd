package handlers

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

const defaultNotificationLimit = 50

// HandleNotificationsList handles GET /api/notifications. The caller only
// ever sees their own inbox.
func (h *Handler) HandleNotificationsList(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	if h.inbox == nil {
		writeError(w, "Notifications are not enabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, "limit must be between 1 and 200", http.StatusBadRequest)
			return
		}
		limit = n
	}

	notifications, err := h.inbox.List(r.Context(), uid, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", uid).Msg("handlers: failed to list notifications")
		writeError(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}
