package routing

import (
	"net/http"

	"lantern/internal/handlers"
	"lantern/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Create CrossOriginProtection for CSRF protection on state-changing routes
	cop := http.NewCrossOriginProtection()

	// Report submission
	mux.Handle("POST /api/reports", cop.Handler(http.HandlerFunc(h.HandleReportSubmit)))

	// Content creation and reads
	mux.Handle("POST /api/posts", cop.Handler(http.HandlerFunc(h.HandlePostCreate)))
	mux.HandleFunc("GET /api/posts/{id}", h.HandlePostGet)
	mux.Handle("POST /api/posts/{id}/replies", cop.Handler(http.HandlerFunc(h.HandleReplyCreate)))
	mux.HandleFunc("GET /api/posts/{id}/replies/{replyID}", h.HandleReplyGet)

	// Lanterns (endorsements)
	mux.Handle("POST /api/posts/{id}/lanterns", cop.Handler(http.HandlerFunc(h.HandleLanternCreate)))
	mux.Handle("DELETE /api/posts/{id}/lanterns", cop.Handler(http.HandlerFunc(h.HandleLanternDelete)))
	mux.Handle("POST /api/posts/{id}/replies/{replyID}/lanterns", cop.Handler(http.HandlerFunc(h.HandleLanternCreate)))
	mux.Handle("DELETE /api/posts/{id}/replies/{replyID}/lanterns", cop.Handler(http.HandlerFunc(h.HandleLanternDelete)))

	// User trust state
	mux.HandleFunc("GET /api/users/{id}", h.HandleUserGet)
	mux.HandleFunc("GET /api/users/{id}/trust-log", h.RequireAdmin(h.HandleTrustLogList))

	// Notification inbox
	mux.HandleFunc("GET /api/notifications", h.HandleNotificationsList)

	// Admin surface (bearer token)
	mux.HandleFunc("GET /admin/reports", h.RequireAdmin(h.HandleReportsList))
	mux.Handle("POST /admin/reports/{id}/resolve", cop.Handler(h.RequireAdmin(h.HandleReportResolve)))
	mux.HandleFunc("GET /admin/blocked-ips", h.RequireAdmin(h.HandleBlockedIPsList))
	mux.HandleFunc("GET /admin/suspended-guests", h.RequireAdmin(h.HandleSuspendedGuestsList))
	mux.HandleFunc("GET /admin/stats", h.RequireAdmin(h.HandleAdminStats))

	// Operational endpoints
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Apply rate limiting
	rateLimitConfig := middleware.NewDefaultRateLimitConfig()
	handler = middleware.RateLimitMiddleware(rateLimitConfig)(handler)

	// 3. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 4. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
