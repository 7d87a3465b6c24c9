//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
	"github.com/worklog/guard/internal/service"
)

type StoreSuite struct {
	suite.Suite
	ctx        context.Context
	containers []testcontainers.Container
	db         *database.Postgres
	rdb        *database.Redis
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.ctx = context.Background()

	pg, err := tcpostgres.Run(s.ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("worklog"),
		tcpostgres.WithUsername("worklog"),
		tcpostgres.WithPassword("worklog"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err, "failed to start postgres container")
	s.containers = append(s.containers, pg)

	dsn, err := pg.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	m, err := migrate.New("file://../../migrations", dsn)
	s.Require().NoError(err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		s.Require().NoError(err, "failed to apply migrations")
	}
	m.Close()

	sqlDB, err := sql.Open("postgres", dsn)
	s.Require().NoError(err)
	s.db = database.NewPostgresFromDB(sqlDB)

	rc, err := tcredis.Run(s.ctx, "redis:7-alpine")
	s.Require().NoError(err, "failed to start redis container")
	s.containers = append(s.containers, rc)

	addr, err := rc.ConnectionString(s.ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(addr)
	s.Require().NoError(err)
	s.rdb = database.NewRedisFromClient(redis.NewClient(opts))
}

func (s *StoreSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	for _, c := range s.containers {
		_ = c.Terminate(s.ctx)
	}
}

func (s *StoreSuite) SetupTest() {
	_, err := s.db.ExecContext(s.ctx, `TRUNCATE audit_trail, security_alerts, monitoring_rules,
		sessions, session_activities, api_keys, encrypted_data`)
	s.Require().NoError(err)
	s.Require().NoError(s.rdb.FlushAll(s.ctx).Err())
}

func (s *StoreSuite) auditEntry(et model.EventType, actor string, at time.Time) *model.AuditEntry {
	return &model.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actor,
		EventType: et,
		Endpoint:  "/api/v1/auth/login",
		Method:    "POST",
		Outcome:   model.OutcomeFailure,
		Metadata:  model.AuthMetadata{Provider: "identity", FailureReason: "invalid_token"},
		CreatedAt: at,
	}
}

func (s *StoreSuite) TestAuditQueryFiltersAndMetadata() {
	repo := repository.NewAuditRepository(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		s.Require().NoError(repo.Insert(s.ctx, s.auditEntry(model.EventLoginFailed, "user-1", now.Add(-time.Duration(i)*time.Minute))))
	}
	s.Require().NoError(repo.Insert(s.ctx, s.auditEntry(model.EventLogout, "user-1", now)))
	s.Require().NoError(repo.Insert(s.ctx, s.auditEntry(model.EventLoginFailed, "user-2", now)))

	filter := model.AuditFilter{ActorID: "user-1", EventType: model.EventLoginFailed}
	n, err := repo.Count(s.ctx, filter)
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	page, err := repo.Query(s.ctx, filter, model.Page{Number: 1, Size: 2})
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.True(!page[0].CreatedAt.Before(page[1].CreatedAt), "newest first")

	meta, ok := page[0].Metadata.(model.AuthMetadata)
	s.Require().True(ok)
	s.Equal("invalid_token", meta.FailureReason)

	from := now.Add(-90 * time.Second)
	n, err = repo.Count(s.ctx, model.AuditFilter{ActorID: "user-1", EventType: model.EventLoginFailed, From: &from})
	s.Require().NoError(err)
	s.Equal(int64(2), n)
}

func (s *StoreSuite) TestConcurrentRefreshNeverExceedsCap() {
	cfg := config.SessionConfig{MaxLifetime: 30 * time.Minute, MaxRefreshCount: 3, CleanupBatch: 100}
	svc := service.NewSessionService(repository.NewSessionRepository(s.db), nopAuditor{}, nil, metrics.NewNop(), cfg, logger.Nop())

	token, sess, err := svc.CreateSession(s.ctx, "user-1", "192.0.2.1", "test")
	s.Require().NoError(err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RefreshSession(s.ctx, token); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(3, succeeded)
	stored, err := repository.NewSessionRepository(s.db).GetByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(3, stored.RefreshCount)
}

func (s *StoreSuite) TestAlertTransitionIsCompareAndSwap() {
	rules := repository.NewRuleRepository(s.db)
	alerts := repository.NewAlertRepository(s.db)

	rule := &model.MonitoringRule{
		ID:        uuid.NewString(),
		Name:      "repeated-login-failures",
		EventType: model.EventLoginFailed,
		Threshold: 5,
		Window:    15 * time.Minute,
		Severity:  model.SeverityHigh,
		Scope:     model.ScopeSourceAddress,
		Enabled:   true,
	}
	s.Require().NoError(rules.Upsert(s.ctx, rule))

	now := time.Now().UTC()
	alert := &model.SecurityAlert{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Severity:      rule.Severity,
		ScopeValue:    "203.0.113.5",
		EventCount:    5,
		AuditEntryIDs: []string{uuid.NewString()},
		Status:        model.AlertStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.Require().NoError(alerts.Create(s.ctx, alert))

	got, err := alerts.Transition(s.ctx, alert.ID, model.AlertStatusOpen, model.AlertStatusAcknowledged, "ops-1", now)
	s.Require().NoError(err)
	s.Equal(model.AlertStatusAcknowledged, got.Status)
	s.Require().NotNil(got.AcknowledgedBy)
	s.Equal("ops-1", *got.AcknowledgedBy)

	_, err = alerts.Transition(s.ctx, alert.ID, model.AlertStatusOpen, model.AlertStatusAcknowledged, "ops-2", now)
	s.ErrorIs(err, repository.ErrConflict)

	_, err = alerts.Transition(s.ctx, uuid.NewString(), model.AlertStatusOpen, model.AlertStatusAcknowledged, "ops-2", now)
	s.ErrorIs(err, repository.ErrNotFound)

	n, err := alerts.Count(s.ctx, model.AlertFilter{Status: model.AlertStatusAcknowledged})
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *StoreSuite) TestRetentionSweepArchivesThenDeletes() {
	audit := repository.NewAuditRepository(s.db)
	retention := repository.NewRetentionRepository(s.db)
	now := time.Now().UTC()
	cutoff := now.Add(-90 * 24 * time.Hour)

	for i := 0; i < 4; i++ {
		s.Require().NoError(audit.Insert(s.ctx, s.auditEntry(model.EventLogin, "user-1", cutoff.Add(-time.Duration(i+1)*time.Hour))))
	}
	s.Require().NoError(audit.Insert(s.ctx, s.auditEntry(model.EventLogin, "user-1", cutoff)))

	failing := func(context.Context, string, []json.RawMessage) error { return errors.New("bucket unavailable") }
	_, err := retention.SweepBatch(s.ctx, repository.EntityAuditTrail, cutoff, 10, failing)
	s.Require().Error(err)
	n, err := audit.Count(s.ctx, model.AuditFilter{})
	s.Require().NoError(err)
	s.Equal(int64(5), n, "failed archive must keep the batch")

	var archived []json.RawMessage
	collect := func(_ context.Context, _ string, rows []json.RawMessage) error {
		archived = append(archived, rows...)
		return nil
	}
	removed, err := retention.SweepBatch(s.ctx, repository.EntityAuditTrail, cutoff, 3, collect)
	s.Require().NoError(err)
	s.Equal(3, removed)
	removed, err = retention.SweepBatch(s.ctx, repository.EntityAuditTrail, cutoff, 3, collect)
	s.Require().NoError(err)
	s.Equal(1, removed)

	s.Len(archived, 4)
	var row map[string]interface{}
	s.Require().NoError(json.Unmarshal(archived[0], &row))
	s.Equal("user-1", row["actor_id"])

	n, err = audit.Count(s.ctx, model.AuditFilter{})
	s.Require().NoError(err)
	s.Equal(int64(1), n, "the entry exactly at the cutoff stays")
}

func (s *StoreSuite) TestEncryptedDataUpsertKeepsOneRowPerName() {
	repo := repository.NewEncryptedDataRepository(s.db)
	now := time.Now().UTC()

	rec := &model.EncryptedRecord{
		ID:        uuid.NewString(),
		OwnerID:   "team-7",
		Name:      "jira_pat",
		Field:     model.EncryptedField{Ciphertext: []byte{1, 2, 3}, Nonce: []byte{4}, Tag: []byte{5}, KeyVersion: "v1"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Require().NoError(repo.Upsert(s.ctx, rec))

	rec.ID = uuid.NewString()
	rec.Field = model.EncryptedField{Ciphertext: []byte{9, 9}, Nonce: []byte{8}, Tag: []byte{7}, KeyVersion: "v2"}
	s.Require().NoError(repo.Upsert(s.ctx, rec))

	got, err := repo.Get(s.ctx, "team-7", "jira_pat")
	s.Require().NoError(err)
	s.Equal("v2", got.Field.KeyVersion)
	s.Equal([]byte{9, 9}, got.Field.Ciphertext)

	_, err = repo.Get(s.ctx, "team-8", "jira_pat")
	s.ErrorIs(err, repository.ErrNotFound)
}

func (s *StoreSuite) TestRedisCounterWindow() {
	repo := repository.NewRateLimitRepository(s.rdb)
	key := service.Key(service.CategoryAuth, "203.0.113.5")

	for i := int64(1); i <= 3; i++ {
		count, ttl, err := repo.Increment(s.ctx, key, time.Minute)
		s.Require().NoError(err)
		s.Equal(i, count)
		s.LessOrEqual(ttl, time.Minute)
		s.Greater(ttl, 50*time.Second)
	}

	count, _, err := repo.Increment(s.ctx, service.Key(service.CategoryAuth, "203.0.113.6"), time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, service.AuditEvent) {}
