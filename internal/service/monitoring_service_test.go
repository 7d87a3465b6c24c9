package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository/memory"
)

type MonitoringSuite struct {
	suite.Suite
	ctx      context.Context
	alerts   *memory.AlertStore
	auditor  *recordingAuditor
	notifier *recordingNotifier
	clock    *fakeClock
	svc      *MonitoringService
}

func TestMonitoringSuite(t *testing.T) {
	suite.Run(t, new(MonitoringSuite))
}

func (s *MonitoringSuite) SetupTest() {
	s.ctx = context.Background()
	s.alerts = memory.NewAlertStore()
	s.auditor = &recordingAuditor{}
	s.notifier = &recordingNotifier{}
	s.clock = newFakeClock()
	s.svc = NewMonitoringService(
		s.alerts,
		memory.NewRuleStore(),
		s.auditor,
		[]AlertNotifier{s.notifier},
		metrics.NewNop(),
		config.MonitoringConfig{Buckets: 30},
		logger.Nop(),
	)
	s.svc.timeNow = s.clock.Now

	s.Require().NoError(s.svc.LoadRules(s.ctx, []config.RuleDefinition{{
		Name:         "repeated-login-failures",
		EventType:    string(model.EventLoginFailed),
		Threshold:    5,
		Window:       15 * time.Minute,
		Severity:     string(model.SeverityHigh),
		Scope:        string(model.ScopeSourceAddress),
		FailuresOnly: true,
		Enabled:      true,
	}}))
}

func (s *MonitoringSuite) TearDownTest() {
	s.NoError(s.svc.Close(s.ctx))
}

func (s *MonitoringSuite) loginFailure(addr string) *model.AuditEntry {
	return &model.AuditEntry{
		ID:            uuid.New().String(),
		ActorID:       model.AnonymousActor,
		EventType:     model.EventLoginFailed,
		SourceAddress: &addr,
		Endpoint:      "/api/v1/auth/login",
		Method:        "POST",
		Outcome:       model.OutcomeFailure,
		CreatedAt:     s.clock.Now(),
	}
}

func (s *MonitoringSuite) feed(n int, addr string, gap time.Duration) {
	for i := 0; i < n; i++ {
		s.svc.ProcessSecurityEvent(s.ctx, s.loginFailure(addr))
		s.clock.Advance(gap)
	}
}

// listAlerts waits for queued alerts to be delivered, then lists them
func (s *MonitoringSuite) listAlerts() []*model.SecurityAlert {
	s.Require().NoError(s.svc.Flush(s.ctx))
	alerts, _, err := s.svc.ListAlerts(s.ctx, model.AlertFilter{}, model.Page{Number: 1, Size: 100})
	s.Require().NoError(err)
	return alerts
}

func (s *MonitoringSuite) TestNoAlertBelowThreshold() {
	s.feed(4, "198.51.100.1", time.Minute)
	s.Empty(s.listAlerts())
	s.Zero(s.notifier.count())
}

func (s *MonitoringSuite) TestExactlyOneAlertAtThreshold() {
	s.feed(5, "198.51.100.1", time.Minute)

	alerts := s.listAlerts()
	s.Require().Len(alerts, 1)
	a := alerts[0]
	s.Equal("repeated-login-failures", a.RuleName)
	s.Equal(model.SeverityHigh, a.Severity)
	s.Equal("198.51.100.1", a.ScopeValue)
	s.Equal(5, a.EventCount)
	s.Len(a.AuditEntryIDs, 5)
	s.Equal(model.AlertStatusOpen, a.Status)
	s.Equal(1, s.notifier.count())
	s.Len(s.auditor.ofType(model.EventAlertRaised), 1)
}

func (s *MonitoringSuite) TestNoSecondAlertWithinCooldown() {
	s.feed(5, "198.51.100.1", time.Second)
	s.feed(10, "198.51.100.1", time.Second)
	s.Len(s.listAlerts(), 1)

	// Cooldown defaults to the rule window; afterwards a fresh burst alerts again
	s.clock.Advance(15 * time.Minute)
	s.feed(5, "198.51.100.1", time.Second)
	s.Len(s.listAlerts(), 2)
}

func (s *MonitoringSuite) TestEventsOutsideWindowDoNotCount() {
	s.feed(4, "198.51.100.1", time.Minute)
	s.clock.Advance(20 * time.Minute)
	s.feed(4, "198.51.100.1", time.Minute)
	s.Empty(s.listAlerts())
}

func (s *MonitoringSuite) TestScopesAreCountedSeparately() {
	s.feed(3, "198.51.100.1", time.Second)
	s.feed(3, "198.51.100.2", time.Second)
	s.Empty(s.listAlerts())
}

func (s *MonitoringSuite) TestSuccessesIgnoredByFailuresOnlyRule() {
	for i := 0; i < 10; i++ {
		e := s.loginFailure("198.51.100.1")
		e.Outcome = model.OutcomeSuccess
		s.svc.ProcessSecurityEvent(s.ctx, e)
	}
	s.Empty(s.listAlerts())
}

func (s *MonitoringSuite) TestNotifierFailureDoesNotLoseAlert() {
	s.notifier.err = errors.New("smtp down")
	s.feed(5, "198.51.100.1", time.Second)
	s.Len(s.listAlerts(), 1)
}

func (s *MonitoringSuite) raiseOne() *model.SecurityAlert {
	s.feed(5, "198.51.100.1", time.Second)
	alerts := s.listAlerts()
	s.Require().NotEmpty(alerts)
	return alerts[0]
}

func (s *MonitoringSuite) TestAlertLifecycleIsForwardOnly() {
	a := s.raiseOne()

	_, err := s.svc.Resolve(s.ctx, a.ID, "ops-1")
	s.ErrorIs(err, ErrInvalidStateTransition)

	acked, err := s.svc.Acknowledge(s.ctx, a.ID, "ops-1")
	s.Require().NoError(err)
	s.Equal(model.AlertStatusAcknowledged, acked.Status)
	s.Require().NotNil(acked.AcknowledgedBy)
	s.Equal("ops-1", *acked.AcknowledgedBy)

	_, err = s.svc.Acknowledge(s.ctx, a.ID, "ops-2")
	s.ErrorIs(err, ErrInvalidStateTransition)

	resolved, err := s.svc.Resolve(s.ctx, a.ID, "ops-2")
	s.Require().NoError(err)
	s.Equal(model.AlertStatusResolved, resolved.Status)

	_, err = s.svc.Acknowledge(s.ctx, a.ID, "ops-1")
	s.ErrorIs(err, ErrInvalidStateTransition)

	s.Len(s.auditor.ofType(model.EventAlertAcknowledged), 3)
	s.Len(s.auditor.ofType(model.EventAlertResolved), 2)
}

func (s *MonitoringSuite) TestTransitionUnknownAlert() {
	_, err := s.svc.Acknowledge(s.ctx, uuid.New().String(), "ops-1")
	s.ErrorIs(err, ErrAlertNotFound)
}

func (s *MonitoringSuite) TestConcurrentAcknowledgeHasOneWinner() {
	a := s.raiseOne()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := s.svc.Acknowledge(s.ctx, a.ID, fmt.Sprintf("ops-%d", i))
			errs <- err
		}(i)
	}

	wins := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			s.ErrorIs(err, ErrInvalidStateTransition)
		}
	}
	s.Equal(1, wins)
}

func (s *MonitoringSuite) TestFilterByStatus() {
	a := s.raiseOne()
	_, err := s.svc.Acknowledge(s.ctx, a.ID, "ops-1")
	s.Require().NoError(err)

	open, err := s.svc.CountAlerts(s.ctx, model.AlertFilter{Status: model.AlertStatusOpen})
	s.Require().NoError(err)
	s.Zero(open)

	acked, err := s.svc.CountAlerts(s.ctx, model.AlertFilter{Status: model.AlertStatusAcknowledged})
	s.Require().NoError(err)
	s.Equal(int64(1), acked)
}

func (s *MonitoringSuite) TestLoadRulesRejectsInvalidDefinition() {
	err := s.svc.LoadRules(s.ctx, []config.RuleDefinition{{
		Name:      "broken",
		EventType: string(model.EventLoginFailed),
		Threshold: 0,
		Window:    time.Minute,
		Severity:  string(model.SeverityLow),
		Enabled:   true,
	}})
	s.ErrorIs(err, ErrInvalidRule)
}

func (s *MonitoringSuite) TestClosedServiceDropsAlerts() {
	s.Require().NoError(s.svc.Close(s.ctx))
	s.feed(5, "198.51.100.1", time.Second)
	s.ErrorIs(s.svc.Flush(s.ctx), ErrMonitoringClosed)
	s.Zero(s.notifier.count())
}

func (s *MonitoringSuite) TestDefaultRulesAreValid() {
	for _, d := range config.DefaultRules() {
		_, err := RuleFromDefinition(d)
		s.NoError(err, d.Name)
	}
}

// blockingNotifier holds every delivery until released
type blockingNotifier struct {
	release chan struct{}
}

func (n *blockingNotifier) Name() string { return "blocking" }

func (n *blockingNotifier) Notify(context.Context, *model.SecurityAlert) error {
	<-n.release
	return nil
}

func TestBlockedNotifierDoesNotStallAuditPersistence(t *testing.T) {
	ctx := context.Background()
	log := logger.Nop()
	m := metrics.NewNop()
	store := memory.NewAuditStore()
	fallback := &lockedBuffer{}

	audit := NewAuditService(store, masking.New(config.MaskingConfig{}),
		logger.NewFallbackSinkWriter(fallback, nil), m, config.AuditConfig{Workers: 1}, log)

	notifier := &blockingNotifier{release: make(chan struct{})}
	monitor := NewMonitoringService(memory.NewAlertStore(), memory.NewRuleStore(), audit,
		[]AlertNotifier{notifier}, m, config.MonitoringConfig{AlertQueueSize: 4, AlertTimeout: time.Minute}, log)
	require.NoError(t, monitor.LoadRules(ctx, []config.RuleDefinition{{
		Name:      "any-login-failure",
		EventType: string(model.EventLoginFailed),
		Threshold: 1,
		Window:    time.Minute,
		Severity:  string(model.SeverityHigh),
		Scope:     string(model.ScopeSourceAddress),
		Enabled:   true,
	}}))
	audit.AddObserver(monitor)

	// Every entry comes from a new address, so every entry raises an alert
	const n = 50
	for i := 0; i < n; i++ {
		audit.Record(ctx, AuditEvent{
			ActorID:       model.AnonymousActor,
			EventType:     model.EventLoginFailed,
			SourceAddress: fmt.Sprintf("198.51.100.%d", i),
			Endpoint:      "/api/v1/auth/login",
			Method:        "POST",
			Outcome:       model.OutcomeFailure,
		})
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, audit.Close(closeCtx), "audit workers must not wait on alert delivery")
	assert.Len(t, store.All(), n)

	close(notifier.release)
	require.NoError(t, monitor.Close(closeCtx))
}
