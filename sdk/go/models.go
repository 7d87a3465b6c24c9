package guard

import "time"

// Session is a server-tracked session as returned by the API.
type Session struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	IssuedAt       time.Time  `json:"issuedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RefreshCount   int        `json:"refreshCount"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	OriginAddress  *string    `json:"originAddress,omitempty"`
	UserAgent      *string    `json:"userAgent,omitempty"`
}

// LoginResponse is returned on successful login. Token is only returned once.
type LoginResponse struct {
	Token   string   `json:"token"`
	Session *Session `json:"session"`
}

// AuditEntry is one audit trail record.
type AuditEntry struct {
	ID            string                 `json:"id"`
	ActorID       string                 `json:"actorId"`
	EventType     string                 `json:"eventType"`
	ResourceType  *string                `json:"resourceType,omitempty"`
	ResourceID    *string                `json:"resourceId,omitempty"`
	SourceAddress *string                `json:"sourceAddress,omitempty"`
	UserAgent     *string                `json:"userAgent,omitempty"`
	Endpoint      string                 `json:"endpoint"`
	Method        string                 `json:"method"`
	Outcome       string                 `json:"outcome"`
	ErrorMessage  *string                `json:"errorMessage,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// AuditQuery narrows an audit query. Zero values are not sent.
type AuditQuery struct {
	Actor     string
	EventType string
	From      time.Time
	To        time.Time
	Outcome   string
	Page      int
	PageSize  int
}

// AuditPage is one page of audit entries.
type AuditPage struct {
	Entries  []AuditEntry `json:"entries"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
	Total    int64        `json:"total"`
}

// Alert is a security alert raised by a monitoring rule.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"ruleId"`
	RuleName       string     `json:"ruleName"`
	Severity       string     `json:"severity"`
	ScopeValue     string     `json:"scopeValue"`
	EventCount     int        `json:"eventCount"`
	AuditEntryIDs  []string   `json:"auditEntryIds"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     *string    `json:"resolvedBy,omitempty"`
}

// AlertQuery narrows an alert listing.
type AlertQuery struct {
	Status   string
	Severity string
	Page     int
	PageSize int
}

// AlertPage is one page of alerts.
type AlertPage struct {
	Alerts   []Alert `json:"alerts"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
	Total    int64   `json:"total"`
}

// APIKey describes an issued key. The secret is never returned after creation.
type APIKey struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	Permissions []string   `json:"permissions"`
	Revoked     bool       `json:"revoked"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IssuedAPIKey carries the full key, shown once.
type IssuedAPIKey struct {
	Key    string  `json:"key"`
	APIKey *APIKey `json:"apiKey"`
}
