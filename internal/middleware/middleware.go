package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/service"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	log      *logger.Logger
	cfg      *config.Config
	audit    service.Auditor
	limiter  *service.RateLimitService
	sessions *service.SessionService
	apiKeys  *service.APIKeyService
	validate *validator.Validate
	proxies  []netip.Prefix
}

// New creates a new Middleware instance
func New(
	log *logger.Logger,
	cfg *config.Config,
	audit service.Auditor,
	limiter *service.RateLimitService,
	sessions *service.SessionService,
	apiKeys *service.APIKeyService,
) *Middleware {
	mlog := log.WithComponent("http")
	proxies, err := config.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		mlog.Error().Err(err).Msg("ignoring invalid trusted proxies")
	}
	return &Middleware{
		log:      mlog,
		cfg:      cfg,
		audit:    audit,
		limiter:  limiter,
		sessions: sessions,
		apiKeys:  apiKeys,
		validate: newValidator(),
		proxies:  proxies,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	if reqID := w.Header().Get("X-Request-ID"); reqID != "" {
		body["request_id"] = reqID
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// ClientIP returns the client address resolved for r by RequestInfo, or the
// connection's remote host when the request has not passed through it.
func ClientIP(r *http.Request) string {
	if info := service.RequestInfoFrom(r.Context()); info != nil && info.SourceAddress != "" {
		return info.SourceAddress
	}
	return remoteHost(r)
}

// clientIP resolves the client address. Forwarding headers are honoured only
// when the connection comes from a trusted proxy; the X-Forwarded-For chain is
// walked from the right and the first untrusted hop wins.
func (m *Middleware) clientIP(r *http.Request) string {
	remote := remoteHost(r)
	if !m.trusted(remote) {
		return remote
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !m.trusted(hop) || i == 0 {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return remote
}

func (m *Middleware) trusted(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
