package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// RuleRepository handles monitoring rule persistence
type RuleRepository struct {
	db *database.Postgres
}

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *database.Postgres) *RuleRepository {
	return &RuleRepository{db: db}
}

// Upsert inserts a rule or updates the existing rule with the same name.
// The rule's ID and timestamps are set from the stored row.
func (r *RuleRepository) Upsert(ctx context.Context, rule *model.MonitoringRule) error {
	query := `
		INSERT INTO monitoring_rules (id, name, event_type, threshold, window_seconds, severity,
		    scope, failures_only, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (name) DO UPDATE SET
		    event_type = EXCLUDED.event_type,
		    threshold = EXCLUDED.threshold,
		    window_seconds = EXCLUDED.window_seconds,
		    severity = EXCLUDED.severity,
		    scope = EXCLUDED.scope,
		    failures_only = EXCLUDED.failures_only,
		    enabled = EXCLUDED.enabled,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.EventType,
		rule.Threshold,
		int64(rule.Window/time.Second),
		rule.Severity,
		rule.Scope,
		rule.FailuresOnly,
		rule.Enabled,
		now,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert monitoring rule: %w", err)
	}
	return nil
}

// ListEnabled returns all enabled rules
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*model.MonitoringRule, error) {
	query := `
		SELECT id, name, event_type, threshold, window_seconds, severity, scope,
		    failures_only, enabled, created_at, updated_at
		FROM monitoring_rules
		WHERE enabled = TRUE
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitoring rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.MonitoringRule
	for rows.Next() {
		var (
			rule    model.MonitoringRule
			seconds int64
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.EventType,
			&rule.Threshold,
			&seconds,
			&rule.Severity,
			&rule.Scope,
			&rule.FailuresOnly,
			&rule.Enabled,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan monitoring rule: %w", err)
		}
		rule.Window = time.Duration(seconds) * time.Second
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitoring rules: %w", err)
	}
	return rules, nil
}
