package masking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// IntegrationCategory is the rate-limit category applied to outbound integration calls
const IntegrationCategory = "integration"

// Limiter admits or rejects an action for an identity within a category
type Limiter interface {
	Check(ctx context.Context, category, identity string) error
}

// OutboundClient posts JSON to allow-listed integration hosts.
// Payloads are redacted and every call is charged to the integration rate-limit category, keyed by host.
type OutboundClient struct {
	masker  *Masker
	limiter Limiter
	client  *http.Client
}

// NewOutboundClient creates a client. A nil limiter disables throttling.
func NewOutboundClient(masker *Masker, limiter Limiter, timeout time.Duration) *OutboundClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OutboundClient{
		masker:  masker,
		limiter: limiter,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// PostJSON sends payload to rawURL and decodes a JSON response into out when out is non-nil.
// headers are sent unmasked; they carry the integration's credentials.
func (c *OutboundClient) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload, out interface{}) error {
	body, err := c.masker.MaskForExternalCall(rawURL, payload)
	if err != nil {
		return err
	}

	u, _ := url.Parse(rawURL)
	if c.limiter != nil {
		if err := c.limiter.Check(ctx, IntegrationCategory, u.Hostname()); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", u.Hostname(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("integration %s returned %d: %s", u.Hostname(), resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode integration response: %w", err)
	}
	return nil
}
