package model

import "time"

// AlertStatus is the lifecycle state of a security alert
type AlertStatus string

const (
	AlertStatusOpen         AlertStatus = "open"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// CanTransitionTo reports whether the forward-only lifecycle allows moving to next.
// open -> acknowledged -> resolved; nothing ever returns to open.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusOpen:
		return next == AlertStatusAcknowledged
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	}
	return false
}

// Severity grades how urgent an alert is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RuleScope selects what a monitoring rule counts events by
type RuleScope string

const (
	ScopeActor         RuleScope = "actor"
	ScopeSourceAddress RuleScope = "source_address"
)

// MonitoringRule raises an alert when Threshold matching events occur within Window
type MonitoringRule struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	EventType    EventType     `json:"eventType"`
	Threshold    int           `json:"threshold"`
	Window       time.Duration `json:"window"`
	Severity     Severity      `json:"severity"`
	Scope        RuleScope     `json:"scope"`
	FailuresOnly bool          `json:"failuresOnly"`
	Enabled      bool          `json:"enabled"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Matches reports whether the rule applies to the entry
func (r *MonitoringRule) Matches(e *AuditEntry) bool {
	if !r.Enabled || r.EventType != e.EventType {
		return false
	}
	if r.FailuresOnly && e.Outcome.Succeeded() {
		return false
	}
	return true
}

// SecurityAlert is raised when a monitoring rule's threshold is met
type SecurityAlert struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"ruleId"`
	RuleName       string      `json:"ruleName"`
	Severity       Severity    `json:"severity"`
	ScopeValue     string      `json:"scopeValue"`
	EventCount     int         `json:"eventCount"`
	AuditEntryIDs  []string    `json:"auditEntryIds"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string     `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy     *string     `json:"resolvedBy,omitempty"`
}

// AlertFilter narrows an alert listing. Zero values are ignored.
type AlertFilter struct {
	Status   AlertStatus
	Severity Severity
	RuleID   string
	From     *time.Time
	To       *time.Time
}
