package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// AlertStore keeps security alerts in memory
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*model.SecurityAlert
}

// NewAlertStore creates an empty AlertStore
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]*model.SecurityAlert)}
}

// Create inserts an alert
func (s *AlertStore) Create(_ context.Context, a *model.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return repository.ErrDuplicate
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

// GetByID retrieves an alert
func (s *AlertStore) GetByID(_ context.Context, id string) (*model.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Transition applies a status change only while the stored status equals from
func (s *AlertStore) Transition(_ context.Context, id string, from, to model.AlertStatus, by string, at time.Time) (*model.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Status != from {
		return nil, repository.ErrConflict
	}
	a.Status = to
	a.UpdatedAt = at
	switch to {
	case model.AlertStatusAcknowledged:
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = &by
	case model.AlertStatusResolved:
		a.ResolvedAt = &at
		a.ResolvedBy = &by
	}
	cp := *a
	return &cp, nil
}

func matchAlert(f model.AlertFilter, a *model.SecurityAlert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.From != nil && a.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !a.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (s *AlertStore) matching(f model.AlertFilter) []*model.SecurityAlert {
	var out []*model.SecurityAlert
	for _, a := range s.alerts {
		if matchAlert(f, a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// List returns alerts matching filter, newest first
func (s *AlertStore) List(_ context.Context, filter model.AlertFilter, page model.Page) ([]*model.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.matching(filter), page), nil
}

// Count returns the number of alerts matching filter
func (s *AlertStore) Count(_ context.Context, filter model.AlertFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(filter))), nil
}

// RuleStore keeps monitoring rules in memory, keyed by name
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*model.MonitoringRule
}

// NewRuleStore creates an empty RuleStore
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string]*model.MonitoringRule)}
}

// Upsert inserts or replaces the rule with the same name
func (s *RuleStore) Upsert(_ context.Context, rule *model.MonitoringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.rules[rule.Name]; ok {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	} else {
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	cp := *rule
	s.rules[rule.Name] = &cp
	return nil
}

// ListEnabled returns the enabled rules ordered by name
func (s *RuleStore) ListEnabled(_ context.Context) ([]*model.MonitoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MonitoringRule
	for _, r := range s.rules {
		if r.Enabled {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
