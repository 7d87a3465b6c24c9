package service

import (
	"context"
	"time"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// AuditStore persists audit entries
type AuditStore interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
	Query(ctx context.Context, filter model.AuditFilter, page model.Page) ([]*model.AuditEntry, error)
	Count(ctx context.Context, filter model.AuditFilter) (int64, error)
}

// AlertStore persists security alerts
type AlertStore interface {
	Create(ctx context.Context, alert *model.SecurityAlert) error
	GetByID(ctx context.Context, id string) (*model.SecurityAlert, error)
	Transition(ctx context.Context, id string, from, to model.AlertStatus, by string, at time.Time) (*model.SecurityAlert, error)
	List(ctx context.Context, filter model.AlertFilter, page model.Page) ([]*model.SecurityAlert, error)
	Count(ctx context.Context, filter model.AlertFilter) (int64, error)
}

// RuleStore persists monitoring rules
type RuleStore interface {
	Upsert(ctx context.Context, rule *model.MonitoringRule) error
	ListEnabled(ctx context.Context) ([]*model.MonitoringRule, error)
}

// SessionStore persists sessions and their activity
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByTokenHash(ctx context.Context, hash string) (*model.Session, error)
	GetByID(ctx context.Context, id string) (*model.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Session, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Refresh(ctx context.Context, id string, maxRefresh int, now, newExpiry time.Time) (*model.Session, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAllForOwner(ctx context.Context, ownerID, exceptID string, at time.Time) ([]string, error)
	AddActivity(ctx context.Context, a *model.SessionActivity) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// APIKeyStore persists API keys
type APIKeyStore interface {
	Create(ctx context.Context, k *model.APIKey) error
	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	List(ctx context.Context, ownerID string) ([]*model.APIKey, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// SecretStore persists encrypted records
type SecretStore interface {
	Upsert(ctx context.Context, rec *model.EncryptedRecord) error
	Get(ctx context.Context, ownerID, name string) (*model.EncryptedRecord, error)
}

// CounterStore keeps fixed-window rate limit counters
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAfter time.Duration, err error)
}

// RetentionStore removes aged rows in transactional batches
type RetentionStore interface {
	SweepBatch(ctx context.Context, entity string, cutoff time.Time, limit int, archive repository.ArchiveFunc) (int, error)
}

// Publisher publishes messages on a pub/sub channel
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Compile-time checks that the Postgres and Redis repositories satisfy the stores
var (
	_ AuditStore     = (*repository.AuditRepository)(nil)
	_ AlertStore     = (*repository.AlertRepository)(nil)
	_ RuleStore      = (*repository.RuleRepository)(nil)
	_ SessionStore   = (*repository.SessionRepository)(nil)
	_ APIKeyStore    = (*repository.APIKeyRepository)(nil)
	_ SecretStore    = (*repository.EncryptedDataRepository)(nil)
	_ CounterStore   = (*repository.RateLimitRepository)(nil)
	_ RetentionStore = (*repository.RetentionRepository)(nil)
)
