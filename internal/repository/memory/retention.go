package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/worklog/guard/internal/repository"
)

// RetentionStore sweeps aged rows out of the other memory stores
type RetentionStore struct {
	audit    *AuditStore
	alerts   *AlertStore
	sessions *SessionStore
}

// NewRetentionStore creates a RetentionStore over the given stores
func NewRetentionStore(audit *AuditStore, alerts *AlertStore, sessions *SessionStore) *RetentionStore {
	return &RetentionStore{audit: audit, alerts: alerts, sessions: sessions}
}

type aged struct {
	id  string
	at  time.Time
	doc json.RawMessage
}

// SweepBatch removes up to limit rows of entity strictly older than cutoff.
// The batch is copied under the owning store's lock, archived without it,
// and removed afterwards. An archive error leaves the store unchanged.
func (s *RetentionStore) SweepBatch(ctx context.Context, entity string, cutoff time.Time, limit int, archive repository.ArchiveFunc) (int, error) {
	var (
		rows   []aged
		err    error
		remove func(ids map[string]bool) int
	)

	switch entity {
	case repository.EntityAuditTrail:
		s.audit.mu.RLock()
		byID := make(map[string]interface{})
		for _, e := range s.audit.entries {
			if e.CreatedAt.Before(cutoff) {
				rows = append(rows, aged{id: e.ID, at: e.CreatedAt})
				byID[e.ID] = e
			}
		}
		rows, err = batch(entity, rows, limit, func(id string) interface{} { return byID[id] })
		s.audit.mu.RUnlock()
		remove = func(ids map[string]bool) int {
			s.audit.mu.Lock()
			defer s.audit.mu.Unlock()
			kept := s.audit.entries[:0]
			for _, e := range s.audit.entries {
				if !ids[e.ID] {
					kept = append(kept, e)
				}
			}
			n := len(s.audit.entries) - len(kept)
			clear(s.audit.entries[len(kept):])
			s.audit.entries = kept
			return n
		}

	case repository.EntitySecurityAlerts:
		s.alerts.mu.RLock()
		for id, a := range s.alerts.alerts {
			if a.CreatedAt.Before(cutoff) {
				rows = append(rows, aged{id: id, at: a.CreatedAt})
			}
		}
		rows, err = batch(entity, rows, limit, func(id string) interface{} { return s.alerts.alerts[id] })
		s.alerts.mu.RUnlock()
		remove = func(ids map[string]bool) int {
			s.alerts.mu.Lock()
			defer s.alerts.mu.Unlock()
			n := 0
			for id := range ids {
				if _, ok := s.alerts.alerts[id]; ok {
					delete(s.alerts.alerts, id)
					n++
				}
			}
			return n
		}

	case repository.EntitySessions:
		s.sessions.mu.RLock()
		for id, sess := range s.sessions.sessions {
			if sess.ExpiresAt.Before(cutoff) {
				rows = append(rows, aged{id: id, at: sess.ExpiresAt})
			}
		}
		rows, err = batch(entity, rows, limit, func(id string) interface{} { return s.sessions.sessions[id] })
		s.sessions.mu.RUnlock()
		remove = func(ids map[string]bool) int {
			s.sessions.mu.Lock()
			defer s.sessions.mu.Unlock()
			present := make(map[string]bool, len(ids))
			for id := range ids {
				if _, ok := s.sessions.sessions[id]; ok {
					present[id] = true
				}
			}
			s.sessions.deleteLocked(present)
			return len(present)
		}

	case repository.EntitySessionActivities:
		s.sessions.mu.RLock()
		byID := make(map[string]interface{})
		for _, a := range s.sessions.activities {
			if a.CreatedAt.Before(cutoff) {
				rows = append(rows, aged{id: a.ID, at: a.CreatedAt})
				byID[a.ID] = a
			}
		}
		rows, err = batch(entity, rows, limit, func(id string) interface{} { return byID[id] })
		s.sessions.mu.RUnlock()
		remove = func(ids map[string]bool) int {
			s.sessions.mu.Lock()
			defer s.sessions.mu.Unlock()
			kept := s.sessions.activities[:0]
			for _, a := range s.sessions.activities {
				if !ids[a.ID] {
					kept = append(kept, a)
				}
			}
			n := len(s.sessions.activities) - len(kept)
			clear(s.sessions.activities[len(kept):])
			s.sessions.activities = kept
			return n
		}

	default:
		return 0, fmt.Errorf("%w: unknown retention entity %q", repository.ErrInvalidInput, entity)
	}

	if err != nil || len(rows) == 0 {
		return 0, err
	}

	if archive != nil {
		docs := make([]json.RawMessage, 0, len(rows))
		for _, r := range rows {
			docs = append(docs, r.doc)
		}
		if err := archive(ctx, entity, docs); err != nil {
			return 0, fmt.Errorf("failed to archive %s batch: %w", entity, err)
		}
	}

	ids := make(map[string]bool, len(rows))
	for _, r := range rows {
		ids[r.id] = true
	}
	return remove(ids), nil
}

// batch keeps the oldest limit rows and encodes each through lookup.
// Callers hold the owning store's lock.
func batch(entity string, rows []aged, limit int, lookup func(id string) interface{}) ([]aged, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		b, err := json.Marshal(lookup(rows[i].id))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s row: %w", entity, err)
		}
		rows[i].doc = b
	}
	return rows, nil
}
