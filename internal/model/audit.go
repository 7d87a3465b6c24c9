package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies what happened in an audit entry
type EventType string

// Audit event types
const (
	EventLogin                  EventType = "auth.login"
	EventLoginFailed            EventType = "auth.login_failed"
	EventLogout                 EventType = "auth.logout"
	EventSessionCreated         EventType = "session.created"
	EventSessionRefreshed       EventType = "session.refreshed"
	EventSessionRefreshDenied   EventType = "session.refresh_denied"
	EventSessionRevoked         EventType = "session.revoked"
	EventSessionRevokedAll      EventType = "session.revoked_all"
	EventSessionRejected        EventType = "session.rejected"
	EventSessionActivity        EventType = "session.activity"
	EventSessionCleanup         EventType = "session.cleanup"
	EventRateLimitExceeded      EventType = "ratelimit.exceeded"
	EventValidationFailed       EventType = "validation.failed"
	EventAPIKeyCreated          EventType = "apikey.created"
	EventAPIKeyRevoked          EventType = "apikey.revoked"
	EventAPIKeyDenied           EventType = "apikey.denied"
	EventAlertRaised            EventType = "alert.raised"
	EventAlertAcknowledged      EventType = "alert.acknowledged"
	EventAlertResolved          EventType = "alert.resolved"
	EventSecretWritten          EventType = "secret.written"
	EventSecretRead             EventType = "secret.read"
	EventIntegrityFailure       EventType = "encryption.integrity_failure"
	EventArchivalCompleted      EventType = "archival.completed"
	EventAuditPersistenceFailed EventType = "audit.persistence_failure"
	EventAPIRequest             EventType = "api.request"
)

// Category returns the event family, the part before the first dot
func (e EventType) Category() string {
	if i := strings.IndexByte(string(e), '.'); i > 0 {
		return string(e)[:i]
	}
	return string(e)
}

// Outcome classifies the result of an audited action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure is a denied security decision (bad credentials, expired session).
	OutcomeFailure Outcome = "failure"
	// OutcomeRejected is a request refused before business logic (validation, rate limit).
	OutcomeRejected Outcome = "rejected"
	// OutcomeError is a server-side fault.
	OutcomeError Outcome = "error"
)

// Valid reports whether o is a known outcome
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeRejected, OutcomeError:
		return true
	}
	return false
}

// Succeeded reports whether the audited action succeeded
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess
}

// AuditEntry is an immutable record of a security-relevant action
type AuditEntry struct {
	ID            string          `json:"id"`
	ActorID       string          `json:"actorId"`
	EventType     EventType       `json:"eventType"`
	ResourceType  *string         `json:"resourceType,omitempty"`
	ResourceID    *string         `json:"resourceId,omitempty"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	SourceAddress *string         `json:"sourceAddress,omitempty"`
	UserAgent     *string         `json:"userAgent,omitempty"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Outcome       Outcome         `json:"outcome"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// MarshalJSON writes metadata in its tagged envelope form
func (e AuditEntry) MarshalJSON() ([]byte, error) {
	type plain AuditEntry
	env, err := MarshalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{plain: plain(e), Metadata: env})
}

// Scope returns the value an entry is grouped by for the given scope kind
func (e *AuditEntry) Scope(kind RuleScope) string {
	switch kind {
	case ScopeSourceAddress:
		if e.SourceAddress != nil {
			return *e.SourceAddress
		}
		return ""
	default:
		return e.ActorID
	}
}

// AuditFilter narrows an audit query. Zero values are ignored.
type AuditFilter struct {
	ActorID   string
	EventType EventType
	From      *time.Time
	To        *time.Time
	Outcome   Outcome
}

// Page describes an offset-based page request
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for the page
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// SystemActor is the actor recorded for events raised by the service itself
const SystemActor = "system"

// AnonymousActor is the actor recorded when no identity is known
const AnonymousActor = "anonymous"
