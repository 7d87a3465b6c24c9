package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/worklog/guard/internal/middleware"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// identityProvider names the provider in auth audit metadata
const identityProvider = "identity"

// LoginRequest exchanges an identity provider access token for a session
type LoginRequest struct {
	AccessToken string `json:"accessToken" validate:"required,jwt"`
}

// LoginResponse carries the new session token. The token is only ever returned here.
type LoginResponse struct {
	Token   string         `json:"token"`
	Session *model.Session `json:"session"`
}

// --- Cookie helpers ---

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Security.Sessions.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cfg.Security.Sessions.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Security.Sessions.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Security.Sessions.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// --- Login Handler ---

// Login verifies the identity provider token and opens a session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request, req *LoginRequest) {
	ctx := r.Context()

	claims, err := h.identity.Verify(req.AccessToken)
	if err != nil {
		h.audit.Record(ctx, service.AuditEvent{
			EventType:    model.EventLoginFailed,
			Outcome:      model.OutcomeFailure,
			ErrorMessage: "identity token rejected",
			Metadata:     model.AuthMetadata{Provider: identityProvider, FailureReason: "invalid_token"},
		})
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "The access token is invalid or expired")
		return
	}

	if info := service.RequestInfoFrom(ctx); info != nil {
		info.ActorID = claims.Subject
	}

	token, sess, err := h.sessions.CreateSession(ctx, claims.Subject, middleware.ClientIP(r), r.UserAgent())
	if err != nil {
		h.internalError(w, r, err, "session creation failed")
		return
	}

	h.audit.Record(ctx, service.AuditEvent{
		ActorID:      claims.Subject,
		EventType:    model.EventLogin,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      model.OutcomeSuccess,
		Metadata:     model.AuthMetadata{Provider: identityProvider},
	})

	h.setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Session: sess})
}

// --- Refresh Handler ---

// Refresh extends the current session by one lifetime, up to the refresh cap
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := middleware.SessionTokenFrom(r.Context())

	sess, err := h.sessions.RefreshSession(r.Context(), token)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	h.setSessionCookie(w, token, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, sess)
}

// --- Logout Handler ---

// Logout revokes the current session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := middleware.SessionFrom(ctx)

	if err := h.sessions.Revoke(ctx, middleware.SessionTokenFrom(ctx)); err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	h.audit.Record(ctx, service.AuditEvent{
		ActorID:      sess.OwnerID,
		EventType:    model.EventLogout,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      model.OutcomeSuccess,
		Metadata:     model.AuthMetadata{Provider: identityProvider},
	})

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

// writeSessionError maps session service errors to responses
func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session_expired", "The session has expired")
	case errors.Is(err, service.ErrSessionRevoked):
		writeError(w, http.StatusUnauthorized, "session_revoked", "The session has been revoked")
	case errors.Is(err, service.ErrRefreshLimitExceeded):
		writeError(w, http.StatusUnauthorized, "refresh_limit_exceeded", "The session cannot be refreshed again")
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
	default:
		h.internalError(w, r, err, "session operation failed")
	}
}
