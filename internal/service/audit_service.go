package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
)

// Audit service errors
var (
	// ErrInternalPersistence marks an entry that could not be stored. It is only
	// reported to the fallback sink and the monitor, never to callers of Record.
	ErrInternalPersistence = errors.New("audit persistence failed")
	ErrInvalidAuditEvent   = errors.New("invalid audit event")
	ErrAuditQueueFull      = errors.New("audit queue full")
	ErrAuditClosed         = errors.New("audit service closed")
)

// DefaultPageSize is used when a query does not ask for a page size
const DefaultPageSize = 50

// Fallback reasons
const (
	fallbackInvalid = "invalid_event"
	fallbackFull    = "queue_full"
	fallbackFailed  = "persistence_failed"
	fallbackClosed  = "closed"
)

// AuditEvent is what callers hand to Record. Request fields left empty are
// filled from the RequestInfo on the context.
type AuditEvent struct {
	ActorID       string
	EventType     model.EventType
	ResourceType  string
	ResourceID    string
	Before        interface{}
	After         interface{}
	SourceAddress string
	UserAgent     string
	Endpoint      string
	Method        string
	Outcome       model.Outcome
	ErrorMessage  string
	Metadata      model.Metadata
}

// Auditor records audit events
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditObserver is notified of every accepted entry after the persistence attempt
type AuditObserver interface {
	ProcessSecurityEvent(ctx context.Context, entry *model.AuditEntry)
}

// AuditQueryResult is one page of audit entries
type AuditQueryResult struct {
	Entries  []*model.AuditEntry `json:"entries"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
}

// AuditService is the append-only audit trail.
// Record never blocks: entries go through a bounded queue drained by a worker pool.
type AuditService struct {
	store    AuditStore
	masker   *masking.Masker
	fallback *logger.FallbackSink
	metrics  *metrics.Metrics
	cfg      config.AuditConfig
	log      *logger.Logger
	timeNow  func() time.Time // For testability

	queue       chan *model.AuditEntry
	escalations chan *model.AuditEntry
	workers     sync.WaitGroup
	escalator   sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	clockMu sync.Mutex
	last    time.Time

	obsMu     sync.RWMutex
	observers []AuditObserver
}

// NewAuditService creates the service and starts its workers
func NewAuditService(
	store AuditStore,
	masker *masking.Masker,
	fallback *logger.FallbackSink,
	m *metrics.Metrics,
	cfg config.AuditConfig,
	log *logger.Logger,
) *AuditService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}

	s := &AuditService{
		store:       store,
		masker:      masker,
		fallback:    fallback,
		metrics:     m,
		cfg:         cfg,
		log:         log.WithComponent("audit_service"),
		timeNow:     time.Now,
		queue:       make(chan *model.AuditEntry, cfg.QueueSize),
		escalations: make(chan *model.AuditEntry, 64),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	s.escalator.Add(1)
	go s.escalate()

	return s
}

// AddObserver registers an observer for persisted entries
func (s *AuditService) AddObserver(o AuditObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Record validates, masks and enqueues an audit event.
// Failures are diverted to the fallback sink; the caller is never affected.
func (s *AuditService) Record(ctx context.Context, ev AuditEvent) {
	info := RequestInfoFrom(ctx)
	if info != nil {
		fillFromRequest(&ev, info)
	}

	// The read lock keeps the queue and escalation channel open until Record returns
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.divert(fallbackClosed, ev, ErrAuditClosed, false)
		return
	}

	entry, err := s.buildEntry(ev)
	if err != nil {
		s.divert(fallbackInvalid, ev, err, true)
		return
	}

	select {
	case s.queue <- entry:
		s.metrics.AuditQueueDepth.Set(float64(len(s.queue)))
		if info != nil && ev.EventType != model.EventAPIRequest {
			info.recorded.Store(true)
		}
	default:
		s.divert(fallbackFull, entry, ErrAuditQueueFull, true)
	}
}

func fillFromRequest(ev *AuditEvent, info *RequestInfo) {
	if ev.ActorID == "" {
		ev.ActorID = info.ActorID
	}
	if ev.SourceAddress == "" {
		ev.SourceAddress = info.SourceAddress
	}
	if ev.UserAgent == "" {
		ev.UserAgent = info.UserAgent
	}
	if ev.Endpoint == "" {
		ev.Endpoint = info.Endpoint
	}
	if ev.Method == "" {
		ev.Method = info.Method
	}
}

func (s *AuditService) buildEntry(ev AuditEvent) (*model.AuditEntry, error) {
	switch {
	case ev.ActorID == "":
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidAuditEvent)
	case ev.EventType == "":
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidAuditEvent)
	case ev.Endpoint == "" || ev.Method == "":
		return nil, fmt.Errorf("%w: endpoint and method are required", ErrInvalidAuditEvent)
	case !ev.Outcome.Valid():
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidAuditEvent, ev.Outcome)
	}

	entry := &model.AuditEntry{
		ID:            uuid.New().String(),
		ActorID:       ev.ActorID,
		EventType:     ev.EventType,
		ResourceType:  optional(ev.ResourceType),
		ResourceID:    optional(ev.ResourceID),
		SourceAddress: optional(ev.SourceAddress),
		UserAgent:     optional(ev.UserAgent),
		Endpoint:      ev.Endpoint,
		Method:        ev.Method,
		Outcome:       ev.Outcome,
		ErrorMessage:  optional(ev.ErrorMessage),
		Metadata:      ev.Metadata,
	}

	var err error
	if entry.Before, err = s.mask(ev.Before); err != nil {
		return nil, err
	}
	if entry.After, err = s.mask(ev.After); err != nil {
		return nil, err
	}
	if opaque, ok := ev.Metadata.(model.OpaqueMetadata); ok {
		cp := make(map[string]interface{}, len(opaque))
		for k, v := range opaque {
			cp[k] = v
		}
		// Round-trip so nested structs are visible to the masker
		raw, err := s.masker.MaskForAudit(cp)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidAuditEvent, err)
		}
		masked := model.OpaqueMetadata{}
		if err := json.Unmarshal(raw, &masked); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidAuditEvent, err)
		}
		entry.Metadata = masked
	}

	entry.CreatedAt = s.nextTimestamp()
	return entry, nil
}

func (s *AuditService) mask(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := s.masker.MaskForAudit(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAuditEvent, err)
	}
	return raw, nil
}

// nextTimestamp returns a strictly increasing timestamp at microsecond
// precision, the resolution PostgreSQL stores.
func (s *AuditService) nextTimestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := s.timeNow().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *AuditService) work() {
	defer s.workers.Done()
	for entry := range s.queue {
		s.metrics.AuditQueueDepth.Set(float64(len(s.queue)))
		s.persist(entry)
	}
}

func (s *AuditService) persist(entry *model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.Insert(ctx, entry)
	s.metrics.ObserveAuditWrite(start)

	if err != nil {
		s.divert(fallbackFailed, entry, fmt.Errorf("%w: %v", ErrInternalPersistence, err), true)
	} else {
		s.metrics.AuditRecorded.WithLabelValues(entry.EventType.Category(), string(entry.Outcome)).Inc()
	}

	// Observers see the entry even when persistence failed so detection keeps working
	s.notify(ctx, entry)
}

func (s *AuditService) notify(ctx context.Context, entry *model.AuditEntry) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.ProcessSecurityEvent(ctx, entry)
	}
}

// divert writes an undeliverable entry to the fallback sink and optionally escalates it
func (s *AuditService) divert(reason string, entry interface{}, cause error, escalate bool) {
	s.metrics.AuditDiverted.WithLabelValues(reason).Inc()
	s.fallback.Write(reason, entry, cause)

	if !escalate {
		return
	}
	if e, ok := entry.(*model.AuditEntry); ok && e.EventType == model.EventAuditPersistenceFailed {
		return
	}

	var eventType model.EventType
	switch e := entry.(type) {
	case *model.AuditEntry:
		eventType = e.EventType
	case AuditEvent:
		eventType = e.EventType
	}

	escalation := &model.AuditEntry{
		ID:        uuid.New().String(),
		ActorID:   model.SystemActor,
		EventType: model.EventAuditPersistenceFailed,
		Endpoint:  SystemEndpoint("audit"),
		Method:    SystemMethod,
		Outcome:   model.OutcomeError,
		Metadata: model.OpaqueMetadata{
			"reason":    reason,
			"eventType": string(eventType),
		},
		CreatedAt: s.nextTimestamp(),
	}
	select {
	case s.escalations <- escalation:
	default:
		s.log.Error().Str("reason", reason).Msg("audit escalation dropped, escalation queue full")
	}
}

// escalate feeds persistence failures to the observers without persisting them
func (s *AuditService) escalate() {
	defer s.escalator.Done()
	for entry := range s.escalations {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		s.notify(ctx, entry)
		cancel()
	}
}

// Query returns a page of entries matching filter, newest first.
// The page size is capped at the configured maximum.
func (s *AuditService) Query(ctx context.Context, filter model.AuditFilter, page model.Page) (*AuditQueryResult, error) {
	page = s.clampPage(page)
	entries, err := s.store.Query(ctx, filter, page)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	if entries == nil {
		entries = []*model.AuditEntry{}
	}
	return &AuditQueryResult{Entries: entries, Page: page.Number, PageSize: page.Size}, nil
}

// Count returns the number of entries matching filter
func (s *AuditService) Count(ctx context.Context, filter model.AuditFilter) (int64, error) {
	n, err := s.store.Count(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit trail: %w", err)
	}
	return n, nil
}

func (s *AuditService) clampPage(p model.Page) model.Page {
	return clampPage(p, s.cfg.MaxPageSize)
}

func clampPage(p model.Page, max int) model.Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > max {
		p.Size = max
	}
	return p
}

// Close stops accepting entries and waits until the queue is drained or ctx ends
func (s *AuditService) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(s.escalations)
		s.escalator.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit queue not drained: %w", ctx.Err())
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
