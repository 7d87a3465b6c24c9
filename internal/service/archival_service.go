package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// ErrCleanupRunning is returned when a sweep is already in progress in this process
var ErrCleanupRunning = errors.New("cleanup already running")

// Archiver receives each batch of rows before it is deleted
type Archiver interface {
	Archive(ctx context.Context, entity string, rows []json.RawMessage) error
}

// CleanupReport summarises one retention sweep
type CleanupReport struct {
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Cutoffs    map[string]time.Time `json:"cutoffs"`
	Removed    map[string]int64     `json:"removed"`
	Failed     map[string]string    `json:"failed,omitempty"`
}

// Total returns the number of rows removed across all entities
func (r *CleanupReport) Total() int64 {
	var n int64
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// ArchivalService removes rows past their retention window, optionally
// exporting them first. Each batch is archived and deleted atomically.
type ArchivalService struct {
	store    RetentionStore
	archiver Archiver
	audit    Auditor
	metrics  *metrics.Metrics
	cfg      config.RetentionConfig
	log      *logger.Logger
	timeNow  func() time.Time // For testability

	running sync.Mutex
}

// NewArchivalService creates an ArchivalService. archiver may be nil to delete without export.
func NewArchivalService(store RetentionStore, archiver Archiver, audit Auditor, m *metrics.Metrics, cfg config.RetentionConfig, log *logger.Logger) *ArchivalService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &ArchivalService{
		store:    store,
		archiver: archiver,
		audit:    audit,
		metrics:  m,
		cfg:      cfg,
		log:      log.WithComponent("archival_service"),
		timeNow:  time.Now,
	}
}

type retentionTarget struct {
	entity string
	keep   time.Duration
}

// targets returns the retention window of each entity in sweep order. Zero keeps rows forever.
func (s *ArchivalService) targets() []retentionTarget {
	return []retentionTarget{
		{repository.EntityAuditTrail, s.cfg.AuditEntries},
		{repository.EntitySecurityAlerts, s.cfg.Alerts},
		{repository.EntitySessionActivities, s.cfg.SessionActivity},
		{repository.EntitySessions, s.cfg.Sessions},
	}
}

// PerformCleanup runs one sweep. Cutoffs are fixed when the sweep starts so
// rows written during the sweep are never touched. A failing entity is
// reported and the remaining entities are still swept.
func (s *ArchivalService) PerformCleanup(ctx context.Context) (*CleanupReport, error) {
	if !s.running.TryLock() {
		return nil, ErrCleanupRunning
	}
	defer s.running.Unlock()

	began := time.Now()
	start := s.timeNow().UTC()
	report := &CleanupReport{
		StartedAt: start,
		Cutoffs:   make(map[string]time.Time),
		Removed:   make(map[string]int64),
	}

	var archive repository.ArchiveFunc
	if s.archiver != nil {
		archive = s.archiver.Archive
	}

	var errs []error
	for _, r := range s.targets() {
		if r.keep <= 0 {
			continue
		}
		cutoff := start.Add(-r.keep)
		report.Cutoffs[r.entity] = cutoff

		removed, err := s.sweep(ctx, r.entity, cutoff, archive)
		report.Removed[r.entity] = removed
		s.metrics.ArchivalRemoved.WithLabelValues(r.entity).Add(float64(removed))
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[r.entity] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", r.entity, err))
			s.log.Error().Err(err).Str("entity", r.entity).Int64("removed", removed).Msg("retention sweep failed")
		}
	}

	report.FinishedAt = s.timeNow().UTC()
	s.metrics.ObserveArchival(began)

	outcome := model.OutcomeSuccess
	if len(errs) > 0 {
		outcome = model.OutcomeError
	}
	s.audit.Record(ctx, AuditEvent{
		ActorID:   actorOr(ctx, model.SystemActor),
		EventType: model.EventArchivalCompleted,
		Outcome:   outcome,
		Endpoint:  endpointOr(ctx, SystemEndpoint("archival")),
		Method:    methodOr(ctx, SystemMethod),
		Metadata: model.ArchivalMetadata{
			Cutoffs: report.Cutoffs,
			Removed: report.Removed,
			Failed:  report.Failed,
		},
	})

	s.log.Info().Int64("removed", report.Total()).Dur("took", report.FinishedAt.Sub(start)).Msg("retention sweep finished")
	return report, errors.Join(errs...)
}

func (s *ArchivalService) sweep(ctx context.Context, entity string, cutoff time.Time, archive repository.ArchiveFunc) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.SweepBatch(ctx, entity, cutoff, s.cfg.BatchSize, archive)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
}
