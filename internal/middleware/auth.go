package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// Context keys for authenticated request data
const (
	SessionKey      contextKey = "session"
	SessionTokenKey contextKey = "session_token"
	APIKeyKey       contextKey = "api_key"
)

// APIKeyHeader carries operator API keys
const APIKeyHeader = "X-API-Key"

// SessionToken extracts the session token from the Authorization header or the session cookie
func (m *Middleware) SessionToken(r *http.Request) string {
	// 1. Try Authorization header first
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// 2. Fall back to cookie
	if cookie, err := r.Cookie(m.cfg.Security.Sessions.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireSession rejects requests without a usable session
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := m.SessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		sess, err := m.sessions.ValidateSession(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrSessionExpired):
				writeError(w, http.StatusUnauthorized, "session_expired", "The session has expired")
			case errors.Is(err, service.ErrSessionRevoked):
				writeError(w, http.StatusUnauthorized, "session_revoked", "The session has been revoked")
			case errors.Is(err, service.ErrSessionNotFound):
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			default:
				m.log.Error().Err(err).Msg("session validation failed")
				writeError(w, http.StatusInternalServerError, "internal_error", "Session validation failed")
			}
			return
		}

		if info := service.RequestInfoFrom(r.Context()); info != nil {
			info.ActorID = sess.OwnerID
		}
		ctx := context.WithValue(r.Context(), SessionKey, sess)
		ctx = context.WithValue(ctx, SessionTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAPIKey rejects requests without an API key granting permission
func (m *Middleware) RequireAPIKey(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "API key required")
				return
			}

			key, err := m.apiKeys.Verify(r.Context(), presented, permission)
			if err != nil {
				switch {
				case errors.Is(err, service.ErrPermissionDenied):
					writeError(w, http.StatusForbidden, "forbidden", "The API key does not grant this operation")
				case errors.Is(err, service.ErrInvalidAPIKey):
					writeError(w, http.StatusUnauthorized, "invalid_api_key", "The API key is invalid or revoked")
				default:
					m.log.Error().Err(err).Msg("api key verification failed")
					writeError(w, http.StatusInternalServerError, "internal_error", "API key verification failed")
				}
				return
			}

			if info := service.RequestInfoFrom(r.Context()); info != nil {
				info.ActorID = key.OwnerID
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), APIKeyKey, key)))
		})
	}
}

// SessionFrom returns the session authenticated by RequireSession
func SessionFrom(ctx context.Context) *model.Session {
	sess, _ := ctx.Value(SessionKey).(*model.Session)
	return sess
}

// SessionTokenFrom returns the token the session was authenticated with
func SessionTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(SessionTokenKey).(string)
	return token
}

// APIKeyFrom returns the key authenticated by RequireAPIKey
func APIKeyFrom(ctx context.Context) *model.APIKey {
	key, _ := ctx.Value(APIKeyKey).(*model.APIKey)
	return key
}
