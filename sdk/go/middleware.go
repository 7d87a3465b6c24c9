package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

// Context keys for storing session data in the request context.
const (
	SessionContextKey contextKey = "guard_session"
	TokenContextKey   contextKey = "guard_token"
)

// MiddlewareConfig configures the session middleware.
type MiddlewareConfig struct {
	// SkipPaths is a list of path prefixes that do not require a session.
	// Example: []string{"/health", "/public/"}
	SkipPaths []string

	// TokenExtractor is an optional custom function to extract the session token.
	// If nil, the Authorization header is read first, then the session cookie.
	TokenExtractor func(r *http.Request) string

	// ErrorHandler is an optional custom handler for authentication failures.
	// If nil, a JSON 401 error is written.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSession returns net/http middleware that validates the caller's
// session with guard and stores it in the request context.
//
// Retrieve the session in handlers with SessionFrom(r.Context()).
func (c *Client) RequireSession(cfgs ...MiddlewareConfig) func(http.Handler) http.Handler {
	cfg := MiddlewareConfig{}
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range cfg.SkipPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			var token string
			if cfg.TokenExtractor != nil {
				token = cfg.TokenExtractor(r)
			} else {
				token = defaultTokenExtractor(r, c.cfg.CookieName)
			}

			sess, err := c.ValidateSession(r.Context(), token)
			if err != nil {
				if cfg.ErrorHandler != nil {
					cfg.ErrorHandler(w, r, err)
					return
				}
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), SessionContextKey, sess)
			ctx = context.WithValue(ctx, TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom returns the session stored by RequireSession, or nil.
func SessionFrom(ctx context.Context) *Session {
	sess, _ := ctx.Value(SessionContextKey).(*Session)
	return sess
}

// TokenFrom returns the raw session token stored by RequireSession.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(TokenContextKey).(string)
	return token
}

func defaultTokenExtractor(r *http.Request, cookieName string) string {
	// 1. Authorization header
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	// 2. Session cookie
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	code := "unauthorized"
	message := "Authentication required"

	switch {
	case errors.Is(err, ErrNoToken):
	case errors.Is(err, ErrSessionInvalid):
		code = "session_invalid"
		message = "The session is invalid, expired or revoked"
	default:
		// guard itself is unreachable or failing
		status = http.StatusServiceUnavailable
		code = "auth_unavailable"
		message = "Authentication service unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
