// Package guard is the Go client for the worklog guard API.
//
// Application services use it to validate session tokens (with a short local
// cache) and protect net/http routes; operator tooling uses it with an API key
// to query the audit trail, work alerts and manage keys and secrets.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIKeyHeader carries operator API keys.
const APIKeyHeader = "X-API-Key"

// Config holds the configuration for the guard client.
type Config struct {
	// BaseURL is the root URL of the guard server.
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// APIKey authenticates operator calls. Session calls do not need it.
	APIKey string

	// CookieName is the session cookie set at login.
	// Default: "worklog_session"
	CookieName string

	// CacheTTL controls how long validated sessions are cached in memory.
	// Set to a negative value to disable caching.
	// Default: 30 seconds
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.CookieName == "" {
		c.CookieName = "worklog_session"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client is the guard SDK client.
type Client struct {
	cfg   Config
	cache *sessionCache
	now   func() time.Time
}

// NewClient creates a new guard client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newSessionCache(),
		now:   time.Now,
	}
}

// --- Sessions ---

// Login exchanges an identity provider access token for a session.
func (c *Client) Login(ctx context.Context, accessToken string) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", nil, map[string]string{"accessToken": accessToken}, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateSession returns the session for token. Results are cached for
// CacheTTL but never past the session's own expiry.
func (c *Client) ValidateSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	now := c.now()
	if c.cfg.CacheTTL > 0 {
		if sess, ok := c.cache.get(token, now); ok {
			return sess, nil
		}
	}

	var sess Session
	if err := c.do(ctx, http.MethodGet, "/sessions/current", nil, nil, bearer(token), &sess); err != nil {
		return nil, err
	}

	if c.cfg.CacheTTL > 0 {
		until := now.Add(c.cfg.CacheTTL)
		if sess.ExpiresAt.Before(until) {
			until = sess.ExpiresAt
		}
		c.cache.set(token, &sess, until, now)
	}
	return &sess, nil
}

// Refresh extends the session. Refreshes are capped server side.
func (c *Client) Refresh(ctx context.Context, token string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, nil, bearer(token), &sess); err != nil {
		return nil, err
	}
	c.cache.delete(token)
	return &sess, nil
}

// TrackActivity records a user action under the session. It does not extend the session.
func (c *Client) TrackActivity(ctx context.Context, token, action string) error {
	return c.do(ctx, http.MethodPost, "/sessions/activity", nil, map[string]string{"action": action}, bearer(token), nil)
}

// Logout revokes the session and drops it from the cache.
func (c *Client) Logout(ctx context.Context, token string) error {
	c.cache.delete(token)
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, bearer(token), nil)
}

// RevokeOtherSessions revokes every other session of the token's owner.
func (c *Client) RevokeOtherSessions(ctx context.Context, token string) (int, error) {
	var resp struct {
		Revoked int `json:"revoked"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/revoke-others", nil, nil, bearer(token), &resp); err != nil {
		return 0, err
	}
	// Other tokens of this owner may be cached
	c.cache.clear()
	return resp.Revoked, nil
}

// InvalidateSession removes a token from the local cache.
func (c *Client) InvalidateSession(token string) {
	c.cache.delete(token)
}

// --- Operator calls ---

// QueryAudit returns a page of audit entries.
func (c *Client) QueryAudit(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	var page AuditPage
	if err := c.operator(ctx, http.MethodGet, "/admin/audit", auditValues(q), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CountAudit returns the number of audit entries matching q.
func (c *Client) CountAudit(ctx context.Context, q AuditQuery) (int64, error) {
	values := auditValues(q)
	values.Set("countOnly", "true")
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.operator(ctx, http.MethodGet, "/admin/audit", values, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func auditValues(q AuditQuery) url.Values {
	v := url.Values{}
	setString(v, "actor", q.Actor)
	setString(v, "eventType", q.EventType)
	setString(v, "outcome", q.Outcome)
	if !q.From.IsZero() {
		v.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	setInt(v, "page", q.Page)
	setInt(v, "pageSize", q.PageSize)
	return v
}

// ListAlerts returns a page of alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) (*AlertPage, error) {
	v := url.Values{}
	setString(v, "status", q.Status)
	setString(v, "severity", q.Severity)
	setInt(v, "page", q.Page)
	setInt(v, "pageSize", q.PageSize)

	var page AlertPage
	if err := c.operator(ctx, http.MethodGet, "/admin/alerts", v, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AcknowledgeAlert moves an open alert to acknowledged.
func (c *Client) AcknowledgeAlert(ctx context.Context, id string) (*Alert, error) {
	return c.alertTransition(ctx, id, "acknowledge")
}

// ResolveAlert moves an acknowledged alert to resolved.
func (c *Client) ResolveAlert(ctx context.Context, id string) (*Alert, error) {
	return c.alertTransition(ctx, id, "resolve")
}

func (c *Client) alertTransition(ctx context.Context, id, action string) (*Alert, error) {
	var alert Alert
	path := "/admin/alerts/" + url.PathEscape(id) + "/" + action
	if err := c.operator(ctx, http.MethodPost, path, nil, nil, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// CreateAPIKey issues a key owned by the calling operator.
func (c *Client) CreateAPIKey(ctx context.Context, name string, permissions []string) (*IssuedAPIKey, error) {
	var issued IssuedAPIKey
	payload := map[string]interface{}{"name": name, "permissions": permissions}
	if err := c.operator(ctx, http.MethodPost, "/admin/api-keys", nil, payload, &issued); err != nil {
		return nil, err
	}
	return &issued, nil
}

// ListAPIKeys lists keys; an empty owner lists all of them.
func (c *Client) ListAPIKeys(ctx context.Context, owner string) ([]APIKey, error) {
	v := url.Values{}
	setString(v, "owner", owner)
	var resp struct {
		APIKeys []APIKey `json:"apiKeys"`
	}
	if err := c.operator(ctx, http.MethodGet, "/admin/api-keys", v, nil, &resp); err != nil {
		return nil, err
	}
	return resp.APIKeys, nil
}

// RevokeAPIKey revokes a key by ID.
func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	return c.operator(ctx, http.MethodDelete, "/admin/api-keys/"+url.PathEscape(id), nil, nil, nil)
}

// PutSecret stores an encrypted secret for owner (the calling operator when empty).
func (c *Client) PutSecret(ctx context.Context, owner, name, value string) error {
	v := url.Values{}
	setString(v, "owner", owner)
	return c.operator(ctx, http.MethodPut, "/admin/secrets/"+url.PathEscape(name), v, map[string]string{"value": value}, nil)
}

// GetSecret reads and decrypts a secret.
func (c *Client) GetSecret(ctx context.Context, owner, name string) (string, error) {
	v := url.Values{}
	setString(v, "owner", owner)
	var resp struct {
		Value string `json:"value"`
	}
	if err := c.operator(ctx, http.MethodGet, "/admin/secrets/"+url.PathEscape(name), v, nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// --- Transport ---

func bearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) operator(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	if c.cfg.APIKey == "" {
		return ErrNoAPIKey
	}
	return c.do(ctx, method, path, query, payload, func(req *http.Request) {
		req.Header.Set(APIKeyHeader, c.cfg.APIKey)
	}, out)
}

// do sends a request to the guard API and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}, auth func(*http.Request), out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("guard: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("guard: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("guard: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("guard: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("guard: failed to parse response: %w", err)
	}
	return nil
}

func setString(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func setInt(v url.Values, key string, value int) {
	if value > 0 {
		v.Set(key, strconv.Itoa(value))
	}
}

// sessionCache keeps validated sessions until their cache deadline.
// Expired entries are pruned whenever a new one is stored.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	session   *Session
	expiresAt time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{entries: make(map[string]*cacheEntry)}
}

func (sc *sessionCache) get(token string, now time.Time) (*Session, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	entry, ok := sc.entries[token]
	if !ok || !now.Before(entry.expiresAt) {
		return nil, false
	}
	return entry.session, true
}

func (sc *sessionCache) set(token string, sess *Session, until, now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for k, v := range sc.entries {
		if !now.Before(v.expiresAt) {
			delete(sc.entries, k)
		}
	}
	sc.entries[token] = &cacheEntry{session: sess, expiresAt: until}
}

func (sc *sessionCache) delete(token string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.entries, token)
}

func (sc *sessionCache) clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries = make(map[string]*cacheEntry)
}
