package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// SessionStore keeps sessions and their activity in memory
type SessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*model.Session
	byHash     map[string]string
	activities []*model.SessionActivity
}

// NewSessionStore creates an empty SessionStore
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*model.Session),
		byHash:   make(map[string]string),
	}
}

// Create inserts a session
func (s *SessionStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[sess.TokenHash]; ok {
		return repository.ErrDuplicate
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.byHash[sess.TokenHash] = sess.ID
	return nil
}

// GetByTokenHash retrieves a session by token hash
func (s *SessionStore) GetByTokenHash(_ context.Context, hash string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

// GetByID retrieves a session by ID
func (s *SessionStore) GetByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// ListByOwner returns an owner's sessions, newest first
func (s *SessionStore) ListByOwner(_ context.Context, ownerID string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// TouchActivity moves last activity forward. Expiry is untouched.
func (s *SessionStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if at.After(sess.LastActivityAt) {
		sess.LastActivityAt = at
	}
	return nil
}

// Refresh extends a usable session below the refresh cap
func (s *SessionStore) Refresh(_ context.Context, id string, maxRefresh int, now, newExpiry time.Time) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.RefreshCount >= maxRefresh || !sess.IsUsable(now) {
		return nil, repository.ErrConflict
	}
	sess.RefreshCount++
	sess.ExpiresAt = newExpiry
	sess.LastActivityAt = now
	cp := *sess
	return &cp, nil
}

// Revoke marks a session revoked
func (s *SessionStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !sess.Revoked {
		sess.Revoked = true
		sess.RevokedAt = &at
	}
	return nil
}

// RevokeAllForOwner revokes every live session of ownerID except exceptID
func (s *SessionStore) RevokeAllForOwner(_ context.Context, ownerID, exceptID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.OwnerID != ownerID || sess.Revoked || id == exceptID {
			continue
		}
		sess.Revoked = true
		revokedAt := at
		sess.RevokedAt = &revokedAt
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddActivity records a session activity
func (s *SessionStore) AddActivity(_ context.Context, a *model.SessionActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.activities = append(s.activities, &cp)
	return nil
}

// Activities returns the recorded activity of one session
func (s *SessionStore) Activities(sessionID string) []*model.SessionActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.SessionActivity
	for _, a := range s.activities {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}

// DeleteExpired removes up to limit sessions with expiry at or before now,
// together with their activity
func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := make(map[string]bool)
	for id, sess := range s.sessions {
		if limit > 0 && len(deleted) >= limit {
			break
		}
		if sess.IsExpired(now) {
			deleted[id] = true
		}
	}
	s.deleteLocked(deleted)
	return int64(len(deleted)), nil
}

// deleteLocked removes sessions and their activity. The memory driver keeps
// no activity for sessions that no longer exist.
func (s *SessionStore) deleteLocked(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}
	for id := range ids {
		if sess, ok := s.sessions[id]; ok {
			delete(s.byHash, sess.TokenHash)
			delete(s.sessions, id)
		}
	}
	kept := s.activities[:0]
	for _, a := range s.activities {
		if !ids[a.SessionID] {
			kept = append(kept, a)
		}
	}
	clear(s.activities[len(kept):])
	s.activities = kept
}

// ActivityCount returns the number of stored activities
func (s *SessionStore) ActivityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activities)
}
