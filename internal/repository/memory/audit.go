// Package memory provides in-process implementations of the repository stores.
// They back unit tests and the "memory" storage driver for local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/worklog/guard/internal/model"
)

// AuditStore keeps audit entries in memory
type AuditStore struct {
	mu      sync.RWMutex
	entries []*model.AuditEntry
	// FailWith makes Insert return this error, for exercising persistence failures
	FailWith error
}

// NewAuditStore creates an empty AuditStore
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Insert appends an entry
func (s *AuditStore) Insert(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func matchAudit(f model.AuditFilter, e *model.AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (s *AuditStore) matching(f model.AuditFilter) []*model.AuditEntry {
	var out []*model.AuditEntry
	for _, e := range s.entries {
		if matchAudit(f, e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Query returns entries matching filter, newest first
func (s *AuditStore) Query(_ context.Context, filter model.AuditFilter, page model.Page) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.matching(filter), page), nil
}

// Count returns the number of entries matching filter
func (s *AuditStore) Count(_ context.Context, filter model.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(filter))), nil
}

// All returns every stored entry in insertion order
func (s *AuditStore) All() []*model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.AuditEntry(nil), s.entries...)
}

func paginate[T any](items []T, page model.Page) []T {
	start := page.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + page.Size
	if page.Size <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
