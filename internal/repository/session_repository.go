package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// SessionRepository handles session and session activity persistence
type SessionRepository struct {
	db *database.Postgres
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.Postgres) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, token_hash, owner_id, issued_at, last_activity_at, expires_at,
	refresh_count, revoked, revoked_at, origin_address, user_agent`

func scanSession(s scanner) (*model.Session, error) {
	var sess model.Session
	err := s.Scan(
		&sess.ID,
		&sess.TokenHash,
		&sess.OwnerID,
		&sess.IssuedAt,
		&sess.LastActivityAt,
		&sess.ExpiresAt,
		&sess.RefreshCount,
		&sess.Revoked,
		&sess.RevokedAt,
		&sess.OriginAddress,
		&sess.UserAgent,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.TokenHash,
		s.OwnerID,
		s.IssuedAt,
		s.LastActivityAt,
		s.ExpiresAt,
		s.RefreshCount,
		s.Revoked,
		s.RevokedAt,
		s.OriginAddress,
		s.UserAgent,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a session by the hash of its token
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	return r.getOne(ctx, "token_hash = $1", tokenHash)
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *SessionRepository) getOne(ctx context.Context, cond string, arg interface{}) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE "+cond, arg)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListByOwner returns an owner's sessions, newest first
func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID string) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE owner_id = $1 ORDER BY issued_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchActivity records the time of the latest activity. Expiry is left untouched.
func (r *SessionRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// Refresh extends a session to newExpiry if it is still usable at now and has been
// refreshed fewer than maxRefresh times. The check and update are a single statement,
// so concurrent refreshes can never exceed the cap. ErrConflict means the condition failed.
func (r *SessionRepository) Refresh(ctx context.Context, id string, maxRefresh int, now, newExpiry time.Time) (*model.Session, error) {
	query := `
		UPDATE sessions
		SET refresh_count = refresh_count + 1, expires_at = $4, last_activity_at = $3
		WHERE id = $1 AND refresh_count < $2 AND revoked = FALSE AND expires_at > $3
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id, maxRefresh, now, newExpiry))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	return s, nil
}

// Revoke marks a session revoked. Revoking an already revoked session is a no-op.
func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2) WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForOwner revokes every live session of an owner except exceptID and
// returns the IDs that were revoked
func (r *SessionRepository) RevokeAllForOwner(ctx context.Context, ownerID, exceptID string, at time.Time) ([]string, error) {
	query := `
		UPDATE sessions SET revoked = TRUE, revoked_at = $3
		WHERE owner_id = $1 AND revoked = FALSE AND ($2 = '' OR id::text <> $2)
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID, exceptID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan revoked session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddActivity records an action performed under a session
func (r *SessionRepository) AddActivity(ctx context.Context, a *model.SessionActivity) error {
	query := `
		INSERT INTO session_activities (id, session_id, action, source_address, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, a.ID, a.SessionID, a.Action, a.SourceAddress, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session activity: %w", err)
	}
	return nil
}

// DeleteExpired removes up to limit sessions whose expiry is at or before now
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE id IN (
		    SELECT id FROM sessions WHERE expires_at <= $1
		    ORDER BY expires_at
		    LIMIT $2
		    FOR UPDATE SKIP LOCKED
		)
	`
	res, err := r.db.ExecContext(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}
