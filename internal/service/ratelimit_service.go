package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
)

// Rate limit categories
const (
	CategoryAuth        = "auth"
	CategoryAPI         = "api"
	CategoryUpload      = "upload"
	CategoryIntegration = "integration"
	CategoryAdmin       = "admin"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnknownCategory   = errors.New("unknown rate limit category")
)

// RateLimitResult describes an admitted request
type RateLimitResult struct {
	Category  string
	Limit     int
	Remaining int
	ResetIn   time.Duration
	// Degraded is set when the counter store failed and the request was let through
	Degraded bool
}

// RateLimitError is returned when a request is over its category limit
type RateLimitError struct {
	Category   string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Category, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RateLimitService enforces fixed-window limits per (category, identity)
type RateLimitService struct {
	store   CounterStore
	audit   Auditor
	metrics *metrics.Metrics
	cfg     config.RateLimitingConfig
	log     *logger.Logger
}

// NewRateLimitService creates a RateLimitService
func NewRateLimitService(store CounterStore, audit Auditor, m *metrics.Metrics, cfg config.RateLimitingConfig, log *logger.Logger) *RateLimitService {
	return &RateLimitService{
		store:   store,
		audit:   audit,
		metrics: m,
		cfg:     cfg,
		log:     log.WithComponent("ratelimit_service"),
	}
}

// Rule returns the configured limit of a category
func (s *RateLimitService) Rule(category string) (config.RateLimitRule, bool) {
	rule, ok := s.cfg.Categories[category]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return config.RateLimitRule{}, false
	}
	return rule, true
}

// Key returns the counter key for an identity within a category
func Key(category, identity string) string {
	return "ratelimit:" + category + ":" + identity
}

// Apply counts one request of identity against category.
// When the store fails the request is allowed and the failure is logged.
func (s *RateLimitService) Apply(ctx context.Context, category, identity string) (*RateLimitResult, error) {
	rule, ok := s.Rule(category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if !s.cfg.Enabled {
		return &RateLimitResult{Category: category, Limit: rule.Limit, Remaining: rule.Limit, ResetIn: rule.Window}, nil
	}
	if identity == "" {
		identity = model.AnonymousActor
	}

	count, resetIn, err := s.store.Increment(ctx, Key(category, identity), rule.Window)
	if err != nil {
		s.metrics.RateLimitStoreError.WithLabelValues(category).Inc()
		s.metrics.RateLimitDecisions.WithLabelValues(category, "degraded").Inc()
		s.log.Error().Err(err).Str("category", category).Msg("rate limit store unavailable, allowing request")
		return &RateLimitResult{Category: category, Limit: rule.Limit, Remaining: rule.Limit, ResetIn: rule.Window, Degraded: true}, nil
	}
	if resetIn <= 0 {
		resetIn = rule.Window
	}

	if count > int64(rule.Limit) {
		s.metrics.RateLimitDecisions.WithLabelValues(category, "rejected").Inc()
		s.audit.Record(ctx, AuditEvent{
			ActorID:      actorOr(ctx, identity),
			EventType:    model.EventRateLimitExceeded,
			ResourceType: "ratelimit",
			ResourceID:   category,
			Outcome:      model.OutcomeRejected,
			Endpoint:     endpointOr(ctx, SystemEndpoint(category)),
			Method:       methodOr(ctx, SystemMethod),
			Metadata: model.RateLimitMetadata{
				Category:   category,
				Limit:      rule.Limit,
				Window:     rule.Window,
				RetryAfter: resetIn,
			},
		})
		return nil, &RateLimitError{Category: category, Limit: rule.Limit, RetryAfter: resetIn}
	}

	s.metrics.RateLimitDecisions.WithLabelValues(category, "allowed").Inc()
	return &RateLimitResult{
		Category:  category,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(count),
		ResetIn:   resetIn,
	}, nil
}

// Check is Apply without the result, for callers that only need a yes or no
func (s *RateLimitService) Check(ctx context.Context, category, identity string) error {
	_, err := s.Apply(ctx, category, identity)
	return err
}

// actorOr returns the actor on the request context, falling back to the throttled identity
func actorOr(ctx context.Context, fallback string) string {
	if info := RequestInfoFrom(ctx); info != nil && info.ActorID != "" && info.ActorID != model.AnonymousActor {
		return info.ActorID
	}
	return fallback
}
