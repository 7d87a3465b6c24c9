package memory

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// CounterStore is a fixed-window counter store for a single process
type CounterStore struct {
	mu      sync.Mutex
	windows map[string]*window
	timeNow func() time.Time // For testability
}

// NewCounterStore creates an empty CounterStore
func NewCounterStore() *CounterStore {
	return &CounterStore{windows: make(map[string]*window), timeNow: time.Now}
}

// NewCounterStoreWithClock creates a CounterStore driven by now
func NewCounterStoreWithClock(now func() time.Time) *CounterStore {
	s := NewCounterStore()
	s.timeNow = now
	return s
}

// Increment adds one hit to key and returns the window count and time to reset
func (s *CounterStore) Increment(_ context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Prune drops windows that have already reset and returns how many it dropped
func (s *CounterStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeNow()
	n := 0
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked windows
func (s *CounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
