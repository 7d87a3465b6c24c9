package model

import (
	"time"
)

// Session is a server-tracked authentication lease
type Session struct {
	ID             string     `json:"id"`
	TokenHash      string     `json:"-"`
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

// IsExpired checks whether the session has reached its expiry at now
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsUsable checks whether the session may authenticate a request at now
func (s *Session) IsUsable(now time.Time) bool {
	return !s.Revoked && !s.IsExpired(now)
}

// SessionActivity records an action performed under a session
type SessionActivity struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Action        string    `json:"action"`
	SourceAddress *string   `json:"sourceAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
