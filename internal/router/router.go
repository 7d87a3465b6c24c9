package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worklog/guard/internal/handler"
	"github.com/worklog/guard/internal/middleware"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// ServiceName names the service in traces
const ServiceName = "worklog-guard"

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Every protected route runs rate limit, then body validation, then
	// authentication. Limits are keyed by client address so failed
	// credential guesses are counted too.

	// Public authentication routes
	authLimit := mw.RateLimit(service.CategoryAuth, middleware.IPKey)
	mux.Handle("POST /api/v1/auth/login", authLimit(middleware.WithValidation(mw, h.Login)))
	mux.Handle("POST /api/v1/auth/refresh", authLimit(mw.RequireSession(http.HandlerFunc(h.Refresh))))

	// Session routes
	apiLimit := mw.RateLimit(service.CategoryAPI, middleware.IPKey)
	session := func(next http.Handler) http.Handler {
		return apiLimit(mw.RequireSession(next))
	}

	mux.Handle("POST /api/v1/auth/logout", session(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /api/v1/sessions", session(http.HandlerFunc(h.ListSessions)))
	mux.Handle("GET /api/v1/sessions/current", session(http.HandlerFunc(h.CurrentSession)))
	mux.Handle("POST /api/v1/sessions/activity", apiLimit(
		middleware.ValidateBody[handler.ActivityRequest](mw)(
			mw.RequireSession(middleware.Bind(h.TrackActivity)))))
	mux.Handle("POST /api/v1/sessions/revoke-others", session(http.HandlerFunc(h.RevokeOtherSessions)))
	mux.Handle("DELETE /api/v1/sessions/{id}", session(http.HandlerFunc(h.RevokeSession)))

	// Operator routes (API key, permission scoped)
	adminLimit := mw.RateLimit(service.CategoryAdmin, middleware.IPKey)
	operator := func(permission string, next http.Handler) http.Handler {
		return adminLimit(mw.RequireAPIKey(permission)(next))
	}

	mux.Handle("GET /api/v1/admin/audit", operator(model.PermissionAuditRead, http.HandlerFunc(h.QueryAudit)))

	mux.Handle("GET /api/v1/admin/alerts", operator(model.PermissionAlertsRead, http.HandlerFunc(h.ListAlerts)))
	mux.Handle("GET /api/v1/admin/alerts/{id}", operator(model.PermissionAlertsRead, http.HandlerFunc(h.GetAlert)))
	mux.Handle("POST /api/v1/admin/alerts/{id}/acknowledge", operator(model.PermissionAlertsWrite, http.HandlerFunc(h.AcknowledgeAlert)))
	mux.Handle("POST /api/v1/admin/alerts/{id}/resolve", operator(model.PermissionAlertsWrite, http.HandlerFunc(h.ResolveAlert)))

	mux.Handle("POST /api/v1/admin/api-keys", adminLimit(
		middleware.ValidateBody[handler.CreateAPIKeyRequest](mw)(
			mw.RequireAPIKey(model.PermissionKeysManage)(middleware.Bind(h.CreateAPIKey)))))
	mux.Handle("GET /api/v1/admin/api-keys", operator(model.PermissionKeysManage, http.HandlerFunc(h.ListAPIKeys)))
	mux.Handle("DELETE /api/v1/admin/api-keys/{id}", operator(model.PermissionKeysManage, http.HandlerFunc(h.RevokeAPIKey)))

	mux.Handle("PUT /api/v1/admin/secrets/{name}", adminLimit(
		middleware.ValidateBody[handler.PutSecretRequest](mw)(
			mw.RequireAPIKey(model.PermissionSecretsWrite)(middleware.Bind(h.PutSecret)))))
	mux.Handle("GET /api/v1/admin/secrets/{name}", operator(model.PermissionSecretsRead, http.HandlerFunc(h.GetSecret)))

	// Apply middleware stack
	var handler http.Handler = mux

	// Request audit (innermost, sees the final status)
	handler = mw.AuditRequests(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Audit request context
	handler = mw.RequestInfo(handler)

	// Timing
	handler = mw.Timing(handler)

	// Tracing
	handler = mw.Tracing(ServiceName)(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
