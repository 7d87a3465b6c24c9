package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// Monitoring service errors
var (
	ErrAlertNotFound          = errors.New("alert not found")
	ErrInvalidStateTransition = errors.New("invalid alert state transition")
	ErrInvalidRule            = errors.New("invalid monitoring rule")
	ErrMonitoringClosed       = errors.New("monitoring service closed")
)

// unknownScope groups events whose scope value is missing
const unknownScope = "unknown"

// pruneEvery is how many processed events pass between sweeps of idle rule state
const pruneEvery = 1024

type ruleState struct {
	counter       *windowCounter
	cooldownUntil time.Time
	lastSeen      time.Time
	entryIDs      []string
}

// remember keeps the most recent entry IDs, at most max of them
func (st *ruleState) remember(id string, max int) {
	if id == "" {
		return
	}
	st.entryIDs = append(st.entryIDs, id)
	if len(st.entryIDs) > max {
		st.entryIDs = st.entryIDs[len(st.entryIDs)-max:]
	}
}

// delivery is one item on the alert queue. A nil alert with done set is a
// flush marker.
type delivery struct {
	alert *model.SecurityAlert
	done  chan struct{}
}

// MonitoringService evaluates audit entries against threshold rules and raises alerts.
// Counters are per (rule, scope value) and live in memory. Raised alerts are
// stored and delivered by a single dispatcher goroutine, off the audit workers.
type MonitoringService struct {
	alerts    AlertStore
	rules     RuleStore
	audit     Auditor
	notifiers []AlertNotifier
	metrics   *metrics.Metrics
	cfg       config.MonitoringConfig
	log       *logger.Logger
	timeNow   func() time.Time // For testability

	mu        sync.Mutex
	active    []*model.MonitoringRule
	state     map[string]*ruleState
	processed int

	queue      chan delivery
	queueMu    sync.RWMutex
	closed     bool
	dispatched chan struct{}
}

// NewMonitoringService creates a MonitoringService and starts its alert dispatcher.
// Call LoadRules before use and Close on shutdown.
func NewMonitoringService(
	alerts AlertStore,
	rules RuleStore,
	audit Auditor,
	notifiers []AlertNotifier,
	m *metrics.Metrics,
	cfg config.MonitoringConfig,
	log *logger.Logger,
) *MonitoringService {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 30
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 3 * time.Second
	}
	if cfg.AlertQueueSize <= 0 {
		cfg.AlertQueueSize = 256
	}
	s := &MonitoringService{
		alerts:    alerts,
		rules:     rules,
		audit:     audit,
		notifiers: notifiers,
		metrics:   m,
		cfg:       cfg,
		log:       log.WithComponent("monitoring_service"),
		timeNow:   time.Now,
		state:     make(map[string]*ruleState),

		queue:      make(chan delivery, cfg.AlertQueueSize),
		dispatched: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// RuleFromDefinition converts and validates a configured rule
func RuleFromDefinition(d config.RuleDefinition) (*model.MonitoringRule, error) {
	rule := &model.MonitoringRule{
		Name:         d.Name,
		EventType:    model.EventType(d.EventType),
		Threshold:    d.Threshold,
		Window:       d.Window,
		Severity:     model.Severity(d.Severity),
		Scope:        model.RuleScope(d.Scope),
		FailuresOnly: d.FailuresOnly,
		Enabled:      d.Enabled,
	}
	if rule.Scope == "" {
		rule.Scope = model.ScopeActor
	}
	switch {
	case rule.Name == "" || rule.EventType == "":
		return nil, fmt.Errorf("%w: name and event type are required", ErrInvalidRule)
	case rule.Threshold <= 0 || rule.Window <= 0:
		return nil, fmt.Errorf("%w: %s: threshold and window must be positive", ErrInvalidRule, rule.Name)
	case !rule.Severity.Valid():
		return nil, fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidRule, rule.Name, rule.Severity)
	case rule.Scope != model.ScopeActor && rule.Scope != model.ScopeSourceAddress:
		return nil, fmt.Errorf("%w: %s: unknown scope %q", ErrInvalidRule, rule.Name, rule.Scope)
	}
	return rule, nil
}

// LoadRules upserts the given definitions and activates the enabled rule set.
// Counters of rules that are no longer active are dropped.
func (s *MonitoringService) LoadRules(ctx context.Context, defs []config.RuleDefinition) error {
	for _, d := range defs {
		rule, err := RuleFromDefinition(d)
		if err != nil {
			return err
		}
		if err := s.rules.Upsert(ctx, rule); err != nil {
			return fmt.Errorf("failed to store rule %s: %w", rule.Name, err)
		}
	}

	enabled, err := s.rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = enabled
	keep := make(map[string]bool, len(enabled))
	for _, r := range enabled {
		keep[r.ID] = true
	}
	for key := range s.state {
		if !keep[ruleIDFromKey(key)] {
			delete(s.state, key)
		}
	}
	s.log.Info().Int("rules", len(enabled)).Msg("monitoring rules loaded")
	return nil
}

// Rules returns the active rules
func (s *MonitoringService) Rules() []*model.MonitoringRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.MonitoringRule(nil), s.active...)
}

func stateKey(ruleID, scope string) string {
	return ruleID + "\x00" + scope
}

func ruleIDFromKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

func (s *MonitoringService) cooldown(rule *model.MonitoringRule) time.Duration {
	if s.cfg.Cooldown > 0 {
		return s.cfg.Cooldown
	}
	return rule.Window
}

// ProcessSecurityEvent counts the entry against every matching rule and raises an
// alert when a rule's threshold is reached outside its cooldown. Reaching the
// threshold resets that counter, so one burst yields exactly one alert.
func (s *MonitoringService) ProcessSecurityEvent(_ context.Context, entry *model.AuditEntry) {
	at := entry.CreatedAt
	if at.IsZero() {
		at = s.timeNow()
	}

	var raised []*model.SecurityAlert

	s.mu.Lock()
	for _, rule := range s.active {
		if !rule.Matches(entry) {
			continue
		}
		scope := entry.Scope(rule.Scope)
		if scope == "" {
			scope = unknownScope
		}

		key := stateKey(rule.ID, scope)
		st, ok := s.state[key]
		if !ok {
			st = &ruleState{counter: newWindowCounter(rule.Window, s.cfg.Buckets)}
			s.state[key] = st
		}
		st.lastSeen = at
		count := st.counter.add(at)
		st.remember(entry.ID, rule.Threshold)

		if at.Before(st.cooldownUntil) || count < rule.Threshold {
			continue
		}

		raised = append(raised, &model.SecurityAlert{
			ID:            uuid.New().String(),
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			Severity:      rule.Severity,
			ScopeValue:    scope,
			EventCount:    count,
			AuditEntryIDs: append([]string(nil), st.entryIDs...),
			Status:        model.AlertStatusOpen,
			CreatedAt:     at,
			UpdatedAt:     at,
		})
		st.counter.clear()
		st.entryIDs = nil
		st.cooldownUntil = at.Add(s.cooldown(rule))
	}
	s.processed++
	if s.processed%pruneEvery == 0 {
		s.pruneLocked(at)
	}
	s.mu.Unlock()

	for _, a := range raised {
		s.enqueue(a)
	}
}

// enqueue hands a raised alert to the dispatcher without blocking the caller
func (s *MonitoringService) enqueue(a *model.SecurityAlert) {
	s.metrics.AlertsRaised.WithLabelValues(a.RuleName, string(a.Severity)).Inc()

	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed {
		s.drop(a, ErrMonitoringClosed)
		return
	}
	select {
	case s.queue <- delivery{alert: a}:
	default:
		s.drop(a, errors.New("alert queue full"))
	}
}

func (s *MonitoringService) drop(a *model.SecurityAlert, cause error) {
	s.metrics.AlertsDropped.Inc()
	s.log.Error().Err(cause).
		Str("alert_id", a.ID).
		Str("rule", a.RuleName).
		Str("severity", string(a.Severity)).
		Str("scope", a.ScopeValue).
		Int("event_count", a.EventCount).
		Msg("security alert dropped")
}

func (s *MonitoringService) dispatch() {
	defer close(s.dispatched)
	for d := range s.queue {
		if d.alert != nil {
			s.raise(d.alert)
		}
		if d.done != nil {
			close(d.done)
		}
	}
}

// Flush waits until every alert raised before the call has been stored and delivered
func (s *MonitoringService) Flush(ctx context.Context) error {
	done := make(chan struct{})

	s.queueMu.RLock()
	if s.closed {
		s.queueMu.RUnlock()
		return ErrMonitoringClosed
	}
	select {
	case s.queue <- delivery{done: done}:
		s.queueMu.RUnlock()
	case <-ctx.Done():
		s.queueMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered
func (s *MonitoringService) Close(ctx context.Context) error {
	s.queueMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.queueMu.Unlock()

	select {
	case <-s.dispatched:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain alert queue: %w", ctx.Err())
	}
}

// pruneLocked drops state for keys idle longer than their window and cooldown
func (s *MonitoringService) pruneLocked(now time.Time) {
	windows := make(map[string]time.Duration, len(s.active))
	for _, r := range s.active {
		w := r.Window
		if c := s.cooldown(r); c > w {
			w = c
		}
		windows[r.ID] = w
	}
	for key, st := range s.state {
		if now.Sub(st.lastSeen) > windows[ruleIDFromKey(key)] && !now.Before(st.cooldownUntil) {
			delete(s.state, key)
		}
	}
}

// raise stores and delivers one alert. Each step gets its own timeout.
func (s *MonitoringService) raise(a *model.SecurityAlert) {
	ctx := context.Background()

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.AlertTimeout)
	if err := s.alerts.Create(storeCtx, a); err != nil {
		s.log.Error().Err(err).Str("alert_id", a.ID).Str("rule", a.RuleName).Msg("failed to store alert")
	}
	cancel()

	for _, n := range s.notifiers {
		nctx, cancel := context.WithTimeout(ctx, s.cfg.AlertTimeout)
		if err := n.Notify(nctx, a); err != nil {
			s.metrics.NotifierFailures.WithLabelValues(n.Name()).Inc()
			s.log.Error().Err(err).Str("notifier", n.Name()).Str("alert_id", a.ID).Msg("failed to deliver alert")
		}
		cancel()
	}

	s.audit.Record(ctx, AuditEvent{
		ActorID:      model.SystemActor,
		EventType:    model.EventAlertRaised,
		ResourceType: "security_alert",
		ResourceID:   a.ID,
		Endpoint:     SystemEndpoint("monitoring"),
		Method:       SystemMethod,
		Outcome:      model.OutcomeSuccess,
		Metadata: model.AlertMetadata{
			AlertID:  a.ID,
			RuleID:   a.RuleID,
			Severity: a.Severity,
			To:       model.AlertStatusOpen,
		},
	})
}

// Acknowledge moves an open alert to acknowledged
func (s *MonitoringService) Acknowledge(ctx context.Context, id, by string) (*model.SecurityAlert, error) {
	return s.transition(ctx, id, by, model.AlertStatusAcknowledged, model.EventAlertAcknowledged)
}

// Resolve moves an acknowledged alert to resolved
func (s *MonitoringService) Resolve(ctx context.Context, id, by string) (*model.SecurityAlert, error) {
	return s.transition(ctx, id, by, model.AlertStatusResolved, model.EventAlertResolved)
}

func (s *MonitoringService) transition(ctx context.Context, id, by string, to model.AlertStatus, event model.EventType) (*model.SecurityAlert, error) {
	current, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	meta := model.AlertMetadata{AlertID: id, RuleID: current.RuleID, Severity: current.Severity, From: current.Status, To: to}

	if !current.Status.CanTransitionTo(to) {
		s.recordTransition(ctx, by, event, meta, model.OutcomeRejected)
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, current.Status, to)
	}

	updated, err := s.alerts.Transition(ctx, id, current.Status, to, by, s.timeNow().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			// Someone else moved the alert between our read and write
			s.recordTransition(ctx, by, event, meta, model.OutcomeRejected)
			return nil, fmt.Errorf("%w: alert changed concurrently", ErrInvalidStateTransition)
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	s.recordTransition(ctx, by, event, meta, model.OutcomeSuccess)
	return updated, nil
}

func (s *MonitoringService) recordTransition(ctx context.Context, by string, event model.EventType, meta model.AlertMetadata, outcome model.Outcome) {
	s.audit.Record(ctx, AuditEvent{
		ActorID:      by,
		EventType:    event,
		ResourceType: "security_alert",
		ResourceID:   meta.AlertID,
		Outcome:      outcome,
		Metadata:     meta,
		Endpoint:     endpointOr(ctx, SystemEndpoint("alerts")),
		Method:       methodOr(ctx, SystemMethod),
	})
}

// ListAlerts returns a page of alerts, newest first
func (s *MonitoringService) ListAlerts(ctx context.Context, filter model.AlertFilter, page model.Page) ([]*model.SecurityAlert, model.Page, error) {
	page = clampPage(page, 100)
	alerts, err := s.alerts.List(ctx, filter, page)
	if err != nil {
		return nil, page, fmt.Errorf("failed to list alerts: %w", err)
	}
	if alerts == nil {
		alerts = []*model.SecurityAlert{}
	}
	return alerts, page, nil
}

// CountAlerts returns the number of alerts matching filter
func (s *MonitoringService) CountAlerts(ctx context.Context, filter model.AlertFilter) (int64, error) {
	n, err := s.alerts.Count(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// GetAlert returns one alert
func (s *MonitoringService) GetAlert(ctx context.Context, id string) (*model.SecurityAlert, error) {
	a, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// endpointOr returns the request endpoint on ctx, or fallback for background work
func endpointOr(ctx context.Context, fallback string) string {
	if info := RequestInfoFrom(ctx); info != nil && info.Endpoint != "" {
		return info.Endpoint
	}
	return fallback
}

func methodOr(ctx context.Context, fallback string) string {
	if info := RequestInfoFrom(ctx); info != nil && info.Method != "" {
		return info.Method
	}
	return fallback
}
