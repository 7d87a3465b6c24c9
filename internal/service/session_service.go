package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// Session service errors
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session has expired")
	ErrSessionRevoked       = errors.New("session has been revoked")
	ErrRefreshLimitExceeded = errors.New("session refresh limit exceeded")
)

// RevokedChannel is the Redis channel session revocations are published on
const RevokedChannel = "guard:session:revoked"

// Revocation reasons
const (
	ReasonLogout       = "logout"
	ReasonRevokedByID  = "revoked"
	ReasonRevokeOthers = "revoke_others"
)

// SessionRevokedEvent is published when a session stops being usable before its expiry
type SessionRevokedEvent struct {
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// SessionService issues and enforces server-side sessions with an absolute
// lifetime and a bounded number of refreshes.
type SessionService struct {
	store   SessionStore
	audit   Auditor
	pub     Publisher
	metrics *metrics.Metrics
	cfg     config.SessionConfig
	log     *logger.Logger
	timeNow func() time.Time // For testability
}

// NewSessionService creates a new SessionService. pub may be nil.
func NewSessionService(
	store SessionStore,
	audit Auditor,
	pub Publisher,
	m *metrics.Metrics,
	cfg config.SessionConfig,
	log *logger.Logger,
) *SessionService {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 30 * time.Minute
	}
	if cfg.MaxRefreshCount < 0 {
		cfg.MaxRefreshCount = 0
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = 500
	}
	return &SessionService{
		store:   store,
		audit:   audit,
		pub:     pub,
		metrics: m,
		cfg:     cfg,
		log:     log.WithComponent("session_service"),
		timeNow: time.Now,
	}
}

func (s *SessionService) now() time.Time {
	return s.timeNow().UTC()
}

// CreateSession issues a new session for ownerID. The returned token is shown
// to the client once; only its hash is stored.
func (s *SessionService) CreateSession(ctx context.Context, ownerID, address, userAgent string) (string, *model.Session, error) {
	if ownerID == "" {
		return "", nil, fmt.Errorf("%w: owner is required", repository.ErrInvalidInput)
	}

	token, hash, err := auth.GenerateSessionToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	sess := &model.Session{
		ID:             uuid.New().String(),
		TokenHash:      hash,
		OwnerID:        ownerID,
		IssuedAt:       now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.cfg.MaxLifetime),
		OriginAddress:  optional(address),
		UserAgent:      optional(userAgent),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.record(ctx, ownerID, model.EventSessionCreated, sess.ID, model.OutcomeSuccess, model.SessionMetadata{
		SessionID: sess.ID,
		ExpiresAt: &sess.ExpiresAt,
	})

	s.log.Info().Str("owner_id", ownerID).Str("session_id", sess.ID).Msg("session created")
	return token, sess, nil
}

// lookup resolves a token to a usable session at now
func (s *SessionService) lookup(ctx context.Context, token string, now time.Time) (*model.Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.store.GetByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.Revoked {
		return sess, ErrSessionRevoked
	}
	if sess.IsExpired(now) {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// ValidateSession returns the session behind token if it is usable now.
// Validation moves last activity forward and never extends expiry.
func (s *SessionService) ValidateSession(ctx context.Context, token string) (*model.Session, error) {
	now := s.now()
	sess, err := s.lookup(ctx, token, now)
	if err != nil {
		s.reject(ctx, sess, err)
		return nil, err
	}

	if err := s.store.TouchActivity(ctx, sess.ID, now); err != nil {
		s.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to update last activity")
	} else if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	return sess, nil
}

// RefreshSession extends a usable session to now + MaxLifetime.
// The refresh count is checked and incremented in one conditional update.
func (s *SessionService) RefreshSession(ctx context.Context, token string) (*model.Session, error) {
	now := s.now()
	sess, err := s.lookup(ctx, token, now)
	if err != nil {
		s.reject(ctx, sess, err)
		return nil, err
	}

	if sess.RefreshCount >= s.cfg.MaxRefreshCount {
		return nil, s.denyRefresh(ctx, sess)
	}

	updated, err := s.store.Refresh(ctx, sess.ID, s.cfg.MaxRefreshCount, now, now.Add(s.cfg.MaxLifetime))
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("failed to refresh session: %w", err)
		}
		// Lost a race: find out which condition no longer holds
		current, lerr := s.lookup(ctx, token, now)
		if lerr != nil {
			s.reject(ctx, current, lerr)
			return nil, lerr
		}
		return nil, s.denyRefresh(ctx, current)
	}

	s.metrics.SessionEvents.WithLabelValues("refreshed").Inc()
	s.record(ctx, updated.OwnerID, model.EventSessionRefreshed, updated.ID, model.OutcomeSuccess, model.SessionMetadata{
		SessionID:    updated.ID,
		RefreshCount: updated.RefreshCount,
		ExpiresAt:    &updated.ExpiresAt,
	})
	return updated, nil
}

func (s *SessionService) denyRefresh(ctx context.Context, sess *model.Session) error {
	s.metrics.SessionEvents.WithLabelValues("refresh_denied").Inc()
	s.record(ctx, sess.OwnerID, model.EventSessionRefreshDenied, sess.ID, model.OutcomeFailure, model.SessionMetadata{
		SessionID:    sess.ID,
		RefreshCount: sess.RefreshCount,
		Reason:       "refresh limit reached",
	})
	return ErrRefreshLimitExceeded
}

// reject audits a session that could not be used. Unknown tokens have no session to attach.
func (s *SessionService) reject(ctx context.Context, sess *model.Session, cause error) {
	if sess == nil {
		return
	}
	reason := "expired"
	if errors.Is(cause, ErrSessionRevoked) {
		reason = "revoked"
	}
	s.metrics.SessionEvents.WithLabelValues("rejected").Inc()
	s.record(ctx, sess.OwnerID, model.EventSessionRejected, sess.ID, model.OutcomeFailure, model.SessionMetadata{
		SessionID: sess.ID,
		Reason:    reason,
	})
}

// TrackActivity records an action performed under the session and touches
// its last activity. Expiry is never extended by activity.
func (s *SessionService) TrackActivity(ctx context.Context, token, action, address string) (*model.SessionActivity, error) {
	now := s.now()
	sess, err := s.lookup(ctx, token, now)
	if err != nil {
		s.reject(ctx, sess, err)
		return nil, err
	}

	activity := &model.SessionActivity{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		Action:        action,
		SourceAddress: optional(address),
		CreatedAt:     now,
	}
	if err := s.store.AddActivity(ctx, activity); err != nil {
		return nil, fmt.Errorf("failed to record session activity: %w", err)
	}
	if err := s.store.TouchActivity(ctx, sess.ID, now); err != nil {
		s.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to update last activity")
	}
	return activity, nil
}

// Revoke ends the session behind token (logout). Revoking an already revoked
// or expired session is not an error.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	sess, err := s.lookup(ctx, token, s.now())
	if err != nil && !errors.Is(err, ErrSessionRevoked) && !errors.Is(err, ErrSessionExpired) {
		return err
	}
	if sess.Revoked {
		return nil
	}
	return s.revoke(ctx, sess, ReasonLogout)
}

// RevokeByID revokes one of ownerID's sessions. Sessions of other owners are reported as not found.
func (s *SessionService) RevokeByID(ctx context.Context, ownerID, id string) error {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to get session: %w", err)
	}
	if sess.OwnerID != ownerID {
		return ErrSessionNotFound
	}
	if sess.Revoked {
		return nil
	}
	return s.revoke(ctx, sess, ReasonRevokedByID)
}

func (s *SessionService) revoke(ctx context.Context, sess *model.Session, reason string) error {
	now := s.now()
	if err := s.store.Revoke(ctx, sess.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	s.metrics.SessionEvents.WithLabelValues("revoked").Inc()
	s.publish(ctx, SessionRevokedEvent{SessionID: sess.ID, OwnerID: sess.OwnerID, Reason: reason, Timestamp: now.Unix()})
	s.record(ctx, sess.OwnerID, model.EventSessionRevoked, sess.ID, model.OutcomeSuccess, model.SessionMetadata{
		SessionID: sess.ID,
		Reason:    reason,
	})

	s.log.Info().Str("owner_id", sess.OwnerID).Str("session_id", sess.ID).Str("reason", reason).Msg("session revoked")
	return nil
}

// RevokeAllForOwner revokes every live session of ownerID except exceptID and returns how many were revoked
func (s *SessionService) RevokeAllForOwner(ctx context.Context, ownerID, exceptID string) (int, error) {
	now := s.now()
	ids, err := s.store.RevokeAllForOwner(ctx, ownerID, exceptID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	for _, id := range ids {
		s.publish(ctx, SessionRevokedEvent{SessionID: id, OwnerID: ownerID, Reason: ReasonRevokeOthers, Timestamp: now.Unix()})
	}
	s.metrics.SessionEvents.WithLabelValues("revoked").Add(float64(len(ids)))
	s.record(ctx, ownerID, model.EventSessionRevokedAll, ownerID, model.OutcomeSuccess, model.SessionMetadata{
		SessionID: exceptID,
		Reason:    ReasonRevokeOthers,
		Count:     len(ids),
	})

	s.log.Info().Str("owner_id", ownerID).Int("revoked", len(ids)).Msg("sessions revoked")
	return len(ids), nil
}

// ListForOwner returns the sessions of ownerID, newest first
func (s *SessionService) ListForOwner(ctx context.Context, ownerID string) ([]*model.Session, error) {
	sessions, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	return sessions, nil
}

// CleanupExpiredSessions deletes sessions whose expiry is at or before the
// start of the sweep, in bounded batches. Running it twice is harmless.
func (s *SessionService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for {
		n, err := s.store.DeleteExpired(ctx, now, s.cfg.CleanupBatch)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to delete expired sessions: %w", err)
		}
		if n < int64(s.cfg.CleanupBatch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 {
		s.metrics.SessionEvents.WithLabelValues("expired_deleted").Add(float64(total))
		s.record(ctx, model.SystemActor, model.EventSessionCleanup, "", model.OutcomeSuccess, model.SessionMetadata{
			Action: "delete_expired",
			Count:  int(total),
		})
	}
	s.log.Info().Int64("deleted", total).Msg("expired sessions cleaned up")
	return total, nil
}

func (s *SessionService) record(ctx context.Context, actor string, event model.EventType, sessionID string, outcome model.Outcome, meta model.SessionMetadata) {
	s.audit.Record(ctx, AuditEvent{
		ActorID:      actor,
		EventType:    event,
		ResourceType: "session",
		ResourceID:   sessionID,
		Outcome:      outcome,
		Metadata:     meta,
		Endpoint:     endpointOr(ctx, SystemEndpoint("sessions")),
		Method:       methodOr(ctx, SystemMethod),
	})
}

// publish sends a revocation on RevokedChannel. Failures are logged; revocation already happened.
func (s *SessionService) publish(ctx context.Context, event SessionRevokedEvent) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal revocation event")
		return
	}
	if err := s.pub.Publish(ctx, RevokedChannel, data); err != nil {
		s.log.Error().Err(err).Str("session_id", event.SessionID).Msg("failed to publish revocation event")
	}
}
