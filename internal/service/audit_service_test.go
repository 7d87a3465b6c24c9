package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository/memory"
)

type auditFixture struct {
	svc      *AuditService
	store    *memory.AuditStore
	fallback *lockedBuffer
	observer *collectingObserver
}

func newAuditFixture(t *testing.T, cfg config.AuditConfig) *auditFixture {
	t.Helper()
	f := &auditFixture{
		store:    memory.NewAuditStore(),
		fallback: &lockedBuffer{},
		observer: &collectingObserver{},
	}
	f.svc = NewAuditService(
		f.store,
		masking.New(config.MaskingConfig{}),
		logger.NewFallbackSinkWriter(f.fallback, nil),
		metrics.NewNop(),
		cfg,
		logger.Nop(),
	)
	f.svc.AddObserver(f.observer)
	t.Cleanup(func() { _ = f.svc.Close(context.Background()) })
	return f
}

func (f *auditFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Close(ctx))
}

func validEvent() AuditEvent {
	return AuditEvent{
		ActorID:   "user-1",
		EventType: model.EventLogin,
		Endpoint:  "/api/v1/auth/login",
		Method:    "POST",
		Outcome:   model.OutcomeSuccess,
	}
}

func TestAuditRecordFillsFromRequestAndMasks(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{Workers: 2})

	info := &RequestInfo{
		ActorID:       "user-7",
		SourceAddress: "203.0.113.9",
		UserAgent:     "curl/8",
		Endpoint:      "/api/v1/admin/secrets/jira",
		Method:        "PUT",
	}
	ctx := WithRequestInfo(context.Background(), info)

	f.svc.Record(ctx, AuditEvent{
		EventType: model.EventSecretWritten,
		Outcome:   model.OutcomeSuccess,
		After:     map[string]interface{}{"name": "jira", "token": "s3cr3t"},
	})
	assert.True(t, info.Recorded())
	f.drain(t)

	entries := f.store.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "user-7", e.ActorID)
	assert.Equal(t, "PUT", e.Method)
	require.NotNil(t, e.SourceAddress)
	assert.Equal(t, "203.0.113.9", *e.SourceAddress)

	var after map[string]interface{}
	require.NoError(t, json.Unmarshal(e.After, &after))
	assert.Equal(t, "jira", after["name"])
	assert.Equal(t, masking.Redacted, after["token"])
	assert.NotContains(t, string(e.After), "s3cr3t")
}

func TestAuditTimestampsStrictlyIncrease(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{Workers: 1})
	frozen := testEpoch
	f.svc.timeNow = func() time.Time { return frozen }

	for i := 0; i < 50; i++ {
		f.svc.Record(context.Background(), validEvent())
	}
	f.drain(t)

	entries := f.store.All()
	require.Len(t, entries, 50)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].CreatedAt.After(entries[i-1].CreatedAt), "entry %d not after %d", i, i-1)
	}

	page, err := f.svc.Query(context.Background(), model.AuditFilter{}, model.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, page.Entries, 10)
	assert.Equal(t, entries[49].ID, page.Entries[0].ID)
}

func TestAuditInvalidEventIsDivertedAndEscalated(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{})

	ev := validEvent()
	ev.ActorID = ""
	f.svc.Record(context.Background(), ev)
	f.drain(t)

	assert.Empty(t, f.store.All())
	assert.Contains(t, f.fallback.String(), fallbackInvalid)

	escalations := f.observer.ofType(model.EventAuditPersistenceFailed)
	require.Len(t, escalations, 1)
	assert.Equal(t, model.SystemActor, escalations[0].ActorID)
	assert.Equal(t, model.OutcomeError, escalations[0].Outcome)
}

func TestAuditPersistenceFailureNeverReachesCaller(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{})
	f.store.FailWith = errors.New("connection refused")

	f.svc.Record(context.Background(), validEvent())
	f.drain(t)

	assert.Empty(t, f.store.All())
	assert.Contains(t, f.fallback.String(), fallbackFailed)
	assert.Contains(t, f.fallback.String(), "connection refused")

	// The original entry still reaches detection, followed by the escalation
	assert.Len(t, f.observer.ofType(model.EventLogin), 1)
	assert.Len(t, f.observer.ofType(model.EventAuditPersistenceFailed), 1)
}

func TestAuditRecordAfterCloseIsDiverted(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{})
	f.drain(t)

	f.svc.Record(context.Background(), validEvent())

	assert.Empty(t, f.store.All())
	assert.Contains(t, f.fallback.String(), fallbackClosed)
}

func TestAuditAPIRequestDoesNotMarkRequestRecorded(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{})
	info := &RequestInfo{ActorID: "user-1", Endpoint: "/x", Method: "GET"}
	ctx := WithRequestInfo(context.Background(), info)

	f.svc.Record(ctx, AuditEvent{EventType: model.EventAPIRequest, Outcome: model.OutcomeSuccess})
	assert.False(t, info.Recorded())
}

func TestAuditQueryClampsPageSize(t *testing.T) {
	f := newAuditFixture(t, config.AuditConfig{MaxPageSize: 5})
	for i := 0; i < 8; i++ {
		f.svc.Record(context.Background(), validEvent())
	}
	f.drain(t)

	res, err := f.svc.Query(context.Background(), model.AuditFilter{ActorID: "user-1"}, model.Page{Number: 0, Size: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 5, res.PageSize)
	assert.Len(t, res.Entries, 5)

	n, err := f.svc.Count(context.Background(), model.AuditFilter{EventType: model.EventLogin})
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}
