// Package masking redacts sensitive values before they reach audit storage or leave the service.
package masking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/worklog/guard/internal/config"
)

// Redacted replaces every masked value
const Redacted = "***REDACTED***"

// ErrDomainNotAllowed is returned when an outbound call targets a host outside the allow-list
var ErrDomainNotAllowed = errors.New("destination domain not allowed")

// defaultSensitiveKeys are matched against normalized key names (lower case, no '_' or '-')
var defaultSensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"authorization",
	"cookie",
	"ssn",
	"socialsecurity",
	"creditcard",
	"cardnumber",
	"cvv",
	"privatekey",
	"accesskey",
	"masterkey",
}

var (
	bearerPattern = regexp.MustCompile(`(?i)^(bearer|basic)\s+\S+`)
	apiKeyPattern = regexp.MustCompile(`wlk_[A-Za-z0-9]+_[A-Za-z0-9_-]+`)
	panPattern    = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
)

// Masker redacts sensitive keys and values in arbitrary JSON-shaped data
type Masker struct {
	keys           []string
	allowedDomains []string
}

// New creates a Masker from configuration
func New(cfg config.MaskingConfig) *Masker {
	keys := append([]string{}, defaultSensitiveKeys...)
	for _, k := range cfg.ExtraSensitiveKeys {
		if n := normalizeKey(k); n != "" {
			keys = append(keys, n)
		}
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, strings.TrimPrefix(d, "."))
		}
	}
	return &Masker{keys: keys, allowedDomains: domains}
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	k = strings.ReplaceAll(k, "-", "")
	return k
}

// IsSensitiveKey reports whether values stored under key are redacted
func (m *Masker) IsSensitiveKey(key string) bool {
	n := normalizeKey(key)
	for _, s := range m.keys {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

// MaskForAudit returns a redacted JSON copy of v. Structs are converted
// through their JSON form, so json tags decide key names. A nil v yields nil.
func (m *Masker) MaskForAudit(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(m.MaskValue(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal masked value: %w", err)
	}
	return out, nil
}

// MaskMap redacts a decoded map in place and returns it
func (m *Masker) MaskMap(in map[string]interface{}) map[string]interface{} {
	for k, v := range in {
		if m.IsSensitiveKey(k) {
			in[k] = Redacted
			continue
		}
		in[k] = m.MaskValue(v)
	}
	return in
}

// MaskValue redacts a decoded JSON tree (maps, slices and scalars)
func (m *Masker) MaskValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return m.MaskMap(t)
	case []interface{}:
		for i := range t {
			t[i] = m.MaskValue(t[i])
		}
		return t
	case string:
		return maskString(t)
	default:
		return v
	}
}

func maskString(s string) string {
	if bearerPattern.MatchString(s) {
		return Redacted
	}
	s = apiKeyPattern.ReplaceAllString(s, Redacted)
	return panPattern.ReplaceAllStringFunc(s, func(match string) string {
		digits := 0
		for _, r := range match {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 13 {
			return match
		}
		return Redacted
	})
}

func toTree(v interface{}) (interface{}, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for masking: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode value for masking: %w", err)
	}
	return tree, nil
}

// DomainAllowed reports whether host is an allow-listed domain or one of its subdomains
func (m *Masker) DomainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, d := range m.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// MaskForExternalCall checks the destination against the allow-list and returns the
// redacted payload to send. Only http and https destinations are accepted.
func (m *Masker) MaskForExternalCall(rawURL string, v interface{}) (json.RawMessage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDomainNotAllowed, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrDomainNotAllowed, u.Scheme)
	}
	if !m.DomainAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, u.Hostname())
	}
	return m.MaskForAudit(v)
}
