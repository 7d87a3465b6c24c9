package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository/memory"
	"github.com/worklog/guard/internal/service"
)

type harness struct {
	mw         *Middleware
	auditStore *memory.AuditStore
	audit      *service.AuditService
	sessions   *service.SessionService
	apiKeys    *service.APIKeyService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Nop()
	m := metrics.NewNop()

	cfg := &config.Config{}
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	cfg.Security.Sessions = config.SessionConfig{
		MaxLifetime:     30 * time.Minute,
		MaxRefreshCount: 2,
		CookieName:      "worklog_session",
	}
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		Enabled: true,
		Categories: map[string]config.RateLimitRule{
			service.CategoryAuth: {Limit: 2, Window: time.Minute},
		},
	}
	cfg.Security.APIKeys = config.APIKeyConfig{Argon2Memory: 1024, Argon2Iterations: 1, Argon2Parallelism: 1}

	h := &harness{auditStore: memory.NewAuditStore()}
	h.audit = service.NewAuditService(h.auditStore, masking.New(config.MaskingConfig{}),
		logger.NewFallbackSinkWriter(io.Discard, log), m, config.AuditConfig{Workers: 1}, log)
	t.Cleanup(func() { h.audit.Close(context.Background()) })

	limiter := service.NewRateLimitService(memory.NewCounterStore(), h.audit, m, cfg.Security.RateLimiting, log)
	h.sessions = service.NewSessionService(memory.NewSessionStore(), h.audit, nil, m, cfg.Security.Sessions, log)
	h.apiKeys = service.NewAPIKeyService(memory.NewAPIKeyStore(), h.audit, m, cfg.Security.APIKeys, log)
	h.mw = New(log, cfg, h.audit, limiter, h.sessions, h.apiKeys)
	return h
}

// serve runs req through the request-scoped part of the router's stack
func (h *harness) serve(next http.Handler, req *http.Request) *httptest.ResponseRecorder {
	handler := h.mw.RequestID(h.mw.Timing(h.mw.RequestInfo(h.mw.AuditRequests(next))))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// entries drains the audit pipeline and returns everything persisted
func (h *harness) entries(t *testing.T) []*model.AuditEntry {
	t.Helper()
	require.NoError(t, h.audit.Close(context.Background()))
	return h.auditStore.All()
}

func ofType(entries []*model.AuditEntry, et model.EventType) []*model.AuditEntry {
	var out []*model.AuditEntry
	for _, e := range entries {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

type errorBody struct {
	Error struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		Details   map[string]interface{} `json:"details"`
		RequestID string                 `json:"request_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type entryRequest struct {
	Project string `json:"project" validate:"required,max=8"`
	Hours   int    `json:"hours" validate:"min=1,max=24"`
}

func TestWithValidationRejectsAndAudits(t *testing.T) {
	h := newHarness(t)
	called := false
	handler := WithValidation(h.mw, func(w http.ResponseWriter, r *http.Request, req *entryRequest) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entries", strings.NewReader(`{"project":"much-too-long","hours":30}`))
	rec := h.serve(handler, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation_error", body.Error.Code)
	assert.Equal(t, "must be at most 8", body.Error.Details["project"])
	assert.Equal(t, "must be at most 24", body.Error.Details["hours"])
	assert.NotEmpty(t, body.Error.RequestID)

	entries := h.entries(t)
	failed := ofType(entries, model.EventValidationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.OutcomeRejected, failed[0].Outcome)
	assert.Equal(t, "/api/v1/entries", failed[0].Endpoint)
	// The specific event replaces the generic request entry
	assert.Empty(t, ofType(entries, model.EventAPIRequest))
}

func TestWithValidationBodyErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
		msg   string
	}{
		{"empty", ``, "body", "is required"},
		{"malformed", `{"project":`, "body", "is not valid JSON"},
		{"unknown field", `{"project":"a","hours":1,"admin":true}`, "admin", "is not allowed"},
		{"wrong type", `{"project":"a","hours":"one"}`, "hours", "has the wrong type"},
		{"trailing data", `{"project":"a","hours":1}{}`, "body", "must contain a single JSON object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			handler := WithValidation(h.mw, func(w http.ResponseWriter, r *http.Request, req *entryRequest) {
				t.Fatal("handler must not run")
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/entries", strings.NewReader(tc.body))
			rec := h.serve(handler, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.msg, decodeError(t, rec).Error.Details[tc.field])
		})
	}
}

func TestWithValidationPassesValidRequest(t *testing.T) {
	h := newHarness(t)
	var got *entryRequest
	handler := WithValidation(h.mw, func(w http.ResponseWriter, r *http.Request, req *entryRequest) {
		got = req
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/entries", strings.NewReader(`{"project":"wl-1","hours":8}`))
	rec := h.serve(handler, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "wl-1", got.Project)

	requests := ofType(h.entries(t), model.EventAPIRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, model.OutcomeSuccess, requests[0].Outcome)
	assert.Equal(t, http.MethodPost, requests[0].Method)
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	handler := h.mw.RateLimit(service.CategoryAuth, IPKey)(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:51000"
		return h.serve(handler, req)
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusOK, send().Code)

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 1)

	body := decodeError(t, rec)
	assert.Equal(t, "rate_limit_exceeded", body.Error.Code)
	assert.EqualValues(t, retry, body.Error.Details["retryAfterSeconds"])

	exceeded := ofType(h.entries(t), model.EventRateLimitExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, "203.0.113.9", exceeded[0].ActorID)
}

func TestRateLimitUnknownCategoryLetsRequestThrough(t *testing.T) {
	h := newHarness(t)
	handler := h.mw.RateLimit("bulk-export", IPKey)(okHandler)
	rec := h.serve(handler, httptest.NewRequest(http.MethodGet, "/api/v1/export", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, sess, err := h.sessions.CreateSession(ctx, "user-1", "192.0.2.1", "test")
	require.NoError(t, err)
	revoked, _, err := h.sessions.CreateSession(ctx, "user-1", "192.0.2.1", "test")
	require.NoError(t, err)
	require.NoError(t, h.sessions.Revoke(ctx, revoked))

	var seen *model.Session
	var actor string
	handler := h.mw.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFrom(r.Context())
		actor = service.RequestInfoFrom(r.Context()).ActorID
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		code   string
	}{
		{"no token", func(r *http.Request) {}, http.StatusUnauthorized, "unauthorized"},
		{"unknown token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, "unauthorized"},
		{"revoked", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+revoked) }, http.StatusUnauthorized, "session_revoked"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, ""},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "worklog_session", Value: token}) }, http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen, actor = nil, ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
			tc.setup(req)
			rec := h.serve(handler, req)

			require.Equal(t, tc.status, rec.Code)
			if tc.code != "" {
				assert.Equal(t, tc.code, decodeError(t, rec).Error.Code)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, sess.ID, seen.ID)
			assert.Equal(t, "user-1", actor)
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	h := newHarness(t)
	issued, err := h.apiKeys.GenerateAPIKey(context.Background(), "ops-1", "reader", []string{model.PermissionAuditRead})
	require.NoError(t, err)

	var owner string
	handler := func(perm string) http.Handler {
		return h.mw.RequireAPIKey(perm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner = APIKeyFrom(r.Context()).OwnerID
			w.WriteHeader(http.StatusOK)
		}))
	}

	send := func(perm, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		return h.serve(handler(perm), req)
	}

	assert.Equal(t, http.StatusUnauthorized, send(model.PermissionAuditRead, "").Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, send(model.PermissionAuditRead, issued.Key+"x")).Error.Code)
	assert.Equal(t, http.StatusForbidden, send(model.PermissionAlertsWrite, issued.Key).Code)

	rec := send(model.PermissionAuditRead, issued.Key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops-1", owner)

	denied := ofType(h.entries(t), model.EventAPIKeyDenied)
	assert.Len(t, denied, 2)
}

func TestAuditRequestsOutcomeAndScope(t *testing.T) {
	h := newHarness(t)
	status := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) })
	}

	h.serve(status(http.StatusNotFound), httptest.NewRequest(http.MethodGet, "/api/v1/alerts/x", nil))
	h.serve(status(http.StatusInternalServerError), httptest.NewRequest(http.MethodGet, "/api/v1/secrets/x", nil))
	h.serve(status(http.StatusOK), httptest.NewRequest(http.MethodGet, "/health", nil))

	requests := ofType(h.entries(t), model.EventAPIRequest)
	require.Len(t, requests, 2)
	byEndpoint := map[string]model.Outcome{}
	for _, e := range requests {
		byEndpoint[e.Endpoint] = e.Outcome
	}
	assert.Equal(t, model.OutcomeRejected, byEndpoint["/api/v1/alerts/x"])
	assert.Equal(t, model.OutcomeError, byEndpoint["/api/v1/secrets/x"])
}

func TestOutcomeForStatus(t *testing.T) {
	cases := map[int]model.Outcome{
		http.StatusOK:                  model.OutcomeSuccess,
		http.StatusNoContent:           model.OutcomeSuccess,
		http.StatusBadRequest:          model.OutcomeRejected,
		http.StatusUnauthorized:        model.OutcomeFailure,
		http.StatusForbidden:           model.OutcomeFailure,
		http.StatusTooManyRequests:     model.OutcomeRejected,
		http.StatusServiceUnavailable:  model.OutcomeError,
		http.StatusInternalServerError: model.OutcomeError,
	}
	for status, want := range cases {
		assert.Equal(t, want, outcomeForStatus(status), status)
	}
}

func TestRequestIDIsGeneratedOrKept(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(okHandler, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = h.serve(okHandler, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 65))
	rec = h.serve(okHandler, req)
	assert.NotEqual(t, strings.Repeat("a", 65), rec.Header().Get("X-Request-ID"))
}

func TestClientIPHonoursOnlyTrustedProxies(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "192.0.2.7:4000", "192.0.2.7"},
		{"no port", nil, "192.0.2.8", "192.0.2.8"},
		{"untrusted peer forwarded", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "192.0.2.7:4000", "192.0.2.7"},
		{"untrusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "192.0.2.7:4000", "192.0.2.7"},
		{"trusted proxy forwarded", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "10.0.0.2:80", "198.51.100.1"},
		{"trusted chain skips inner proxies", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.1.1.1"}, "10.0.0.2:80", "198.51.100.1"},
		{"client cannot prepend hops", map[string]string{"X-Forwarded-For": "203.0.113.50, 198.51.100.1"}, "10.0.0.2:80", "198.51.100.1"},
		{"trusted proxy real ip", map[string]string{"X-Real-IP": " 198.51.100.2 "}, "10.0.0.2:80", "198.51.100.2"},
		{"trusted proxy without headers", nil, "10.0.0.2:80", "10.0.0.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, h.mw.clientIP(req))
		})
	}
}

func TestClientIPWithoutRequestInfoIgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:80"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "10.0.0.2", ClientIP(req))
}

func TestRotatingForwardedForDoesNotEvadeAuthLimit(t *testing.T) {
	h := newHarness(t)
	handler := h.mw.RateLimit(service.CategoryAuth, IPKey)(okHandler)

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:51000"
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		codes = append(codes, h.serve(handler, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	exceeded := ofType(h.entries(t), model.EventRateLimitExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, "203.0.113.9", exceeded[0].ActorID)
}

func TestRecoverWritesGeneric500(t *testing.T) {
	h := newHarness(t)
	handler := h.mw.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "internal_error", body.Error.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}
