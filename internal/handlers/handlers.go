package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lantern/internal/database/boltstore"
	"lantern/internal/email"
	"lantern/internal/notify"
	"lantern/internal/pipeline"

	"github.com/rs/zerolog/log"
)

// Config holds handler configuration options
type Config struct {
	// AdminToken protects the /admin surface. Empty disables admin routes.
	AdminToken string
}

// ConsumerStatus exposes the stream consumer state to the admin surface.
type ConsumerStatus interface {
	IsConnected() bool
	Stats() (eventsReceived, bytesReceived int64)
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	store  *boltstore.Store
	engine *pipeline.Engine
	config Config

	// Optional dependencies
	inbox    *notify.Inbox
	consumer ConsumerStatus
	alerts   *email.Sender
}

// NewHandler creates a new Handler with all required dependencies.
// This constructor pattern ensures the Handler is always fully initialized.
func NewHandler(store *boltstore.Store, engine *pipeline.Engine, config Config) *Handler {
	return &Handler{
		store:  store,
		engine: engine,
		config: config,
	}
}

// SetInbox configures the handler to serve the notification inbox.
func (h *Handler) SetInbox(inbox *notify.Inbox) {
	h.inbox = inbox
}

// SetConsumer configures the handler with the stream consumer for status reads.
func (h *Handler) SetConsumer(c ConsumerStatus) {
	h.consumer = c
}

// SetAlerts configures the handler to mail administrators on escalations.
func (h *Handler) SetAlerts(sender *email.Sender) {
	h.alerts = sender
}

// newEnvelope wraps a payload in a trigger event envelope. Requests accepted
// on the HTTP surface flow through the same pipeline as stream deliveries.
func newEnvelope(kind string, payload any) (pipeline.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return pipeline.Envelope{}, err
	}
	return pipeline.Envelope{
		ID:      generateID(),
		TimeUS:  time.Now().UnixMicro(),
		Kind:    kind,
		Payload: data,
	}, nil
}

// generateID returns a random identifier for rows created on the HTTP surface.
func generateID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeJSON encodes and writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

// isJSONRequest checks if the request Content-Type is JSON
func isJSONRequest(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.Contains(contentType, "application/json")
}

// userID returns the authenticated user identity asserted by the gateway.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// guestID returns the anonymous device identifier, when present.
func guestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Guest-ID"))
}

// requireAdmin wraps a handler with a bearer token check against the
// configured admin token.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminToken == "" {
			writeError(w, "Admin surface is not enabled", http.StatusServiceUnavailable)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
			log.Warn().
				Str("path", r.URL.Path).
				Msg("handlers: rejected admin request with bad token")
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// RequireAdmin exposes the admin token check for route registration.
func (h *Handler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.requireAdmin(next)
}

// HandleHealthz reports process liveness.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
