package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataKind tags the concrete metadata variant stored with an audit entry
type MetadataKind string

const (
	MetadataAuth       MetadataKind = "auth"
	MetadataSession    MetadataKind = "session"
	MetadataRateLimit  MetadataKind = "ratelimit"
	MetadataValidation MetadataKind = "validation"
	MetadataAlert      MetadataKind = "alert"
	MetadataAPIKey     MetadataKind = "apikey"
	MetadataArchival   MetadataKind = "archival"
	MetadataOpaque     MetadataKind = "opaque"
)

// Metadata is the per-category payload of an audit entry
type Metadata interface {
	Kind() MetadataKind
}

// AuthMetadata describes a login or logout
type AuthMetadata struct {
	Provider      string `json:"provider,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

func (AuthMetadata) Kind() MetadataKind { return MetadataAuth }

// SessionMetadata describes a session lifecycle event
type SessionMetadata struct {
	SessionID    string     `json:"sessionId"`
	RefreshCount int        `json:"refreshCount,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Action       string     `json:"action,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Count        int        `json:"count,omitempty"`
}

func (SessionMetadata) Kind() MetadataKind { return MetadataSession }

// RateLimitMetadata describes a throttled request
type RateLimitMetadata struct {
	Category   string        `json:"category"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
	RetryAfter time.Duration `json:"retryAfter"`
}

func (RateLimitMetadata) Kind() MetadataKind { return MetadataRateLimit }

// ValidationMetadata lists the fields that failed validation
type ValidationMetadata struct {
	Fields map[string]string `json:"fields"`
}

func (ValidationMetadata) Kind() MetadataKind { return MetadataValidation }

// AlertMetadata describes an alert lifecycle event
type AlertMetadata struct {
	AlertID  string      `json:"alertId"`
	RuleID   string      `json:"ruleId,omitempty"`
	Severity Severity    `json:"severity,omitempty"`
	From     AlertStatus `json:"from,omitempty"`
	To       AlertStatus `json:"to,omitempty"`
}

func (AlertMetadata) Kind() MetadataKind { return MetadataAlert }

// APIKeyMetadata describes an API key event
type APIKeyMetadata struct {
	KeyID      string   `json:"keyId"`
	Required   string   `json:"required,omitempty"`
	Granted    []string `json:"granted,omitempty"`
	DenyReason string   `json:"denyReason,omitempty"`
}

func (APIKeyMetadata) Kind() MetadataKind { return MetadataAPIKey }

// ArchivalMetadata summarises a retention sweep
type ArchivalMetadata struct {
	Cutoffs map[string]time.Time `json:"cutoffs"`
	Removed map[string]int64     `json:"removed"`
	Failed  map[string]string    `json:"failed,omitempty"`
}

func (ArchivalMetadata) Kind() MetadataKind { return MetadataArchival }

// OpaqueMetadata carries free-form data that fits no typed variant
type OpaqueMetadata map[string]interface{}

func (OpaqueMetadata) Kind() MetadataKind { return MetadataOpaque }

type metadataEnvelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalMetadata encodes metadata as a {"kind","data"} envelope.
// Nil metadata encodes as nil.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s metadata: %w", m.Kind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// UnmarshalMetadata decodes an envelope produced by MarshalMetadata.
// Unknown kinds decode into OpaqueMetadata so no stored data is lost.
func UnmarshalMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata envelope: %w", err)
	}

	var m Metadata
	switch env.Kind {
	case MetadataAuth:
		m = &AuthMetadata{}
	case MetadataSession:
		m = &SessionMetadata{}
	case MetadataRateLimit:
		m = &RateLimitMetadata{}
	case MetadataValidation:
		m = &ValidationMetadata{}
	case MetadataAlert:
		m = &AlertMetadata{}
	case MetadataAPIKey:
		m = &APIKeyMetadata{}
	case MetadataArchival:
		m = &ArchivalMetadata{}
	default:
		opaque := OpaqueMetadata{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &opaque); err != nil {
				return nil, fmt.Errorf("failed to unmarshal opaque metadata: %w", err)
			}
		}
		return opaque, nil
	}

	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s metadata: %w", env.Kind, err)
	}
	return deref(m), nil
}

// deref returns the value form so callers can type-switch on plain structs
func deref(m Metadata) Metadata {
	switch v := m.(type) {
	case *AuthMetadata:
		return *v
	case *SessionMetadata:
		return *v
	case *RateLimitMetadata:
		return *v
	case *ValidationMetadata:
		return *v
	case *AlertMetadata:
		return *v
	case *APIKeyMetadata:
		return *v
	case *ArchivalMetadata:
		return *v
	}
	return m
}
