package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/middleware"
	"github.com/worklog/guard/internal/service"
)

// IdentityVerifier checks identity provider access tokens presented at login
type IdentityVerifier interface {
	Verify(token string) (*auth.IdentityClaims, error)
}

// HealthChecker is a dependency checked by the health endpoints
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Services bundles the services the handlers call
type Services struct {
	Audit      *service.AuditService
	Monitoring *service.MonitoringService
	Sessions   *service.SessionService
	APIKeys    *service.APIKeyService
	Secrets    *service.SecretService
	Identity   IdentityVerifier
}

// Handler holds all HTTP handlers
type Handler struct {
	log      *logger.Logger
	cfg      *config.Config
	mw       *middleware.Middleware
	audit    *service.AuditService
	monitor  *service.MonitoringService
	sessions *service.SessionService
	apiKeys  *service.APIKeyService
	secrets  *service.SecretService
	identity IdentityVerifier
	checks   map[string]HealthChecker
}

// New creates a new Handler instance. checks may be empty when running on in-memory storage.
func New(log *logger.Logger, cfg *config.Config, mw *middleware.Middleware, svc Services, checks map[string]HealthChecker) *Handler {
	return &Handler{
		log:      log.WithComponent("handler"),
		cfg:      cfg,
		mw:       mw,
		audit:    svc.Audit,
		monitor:  svc.Monitoring,
		sessions: svc.Sessions,
		apiKeys:  svc.APIKeys,
		secrets:  svc.Secrets,
		identity: svc.Identity,
		checks:   checks,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if reqID := w.Header().Get("X-Request-ID"); reqID != "" {
		body["request_id"] = reqID
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// internalError logs err and writes a generic 500
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.log.WithRequestID(middleware.GetRequestID(r.Context())).Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

// operator returns the owner of the API key that authenticated the request
func operator(r *http.Request) string {
	if key := middleware.APIKeyFrom(r.Context()); key != nil {
		return key.OwnerID
	}
	return ""
}
