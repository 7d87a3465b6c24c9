package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// AlertRepository handles security alert persistence
type AlertRepository struct {
	db *database.Postgres
}

// NewAlertRepository creates a new AlertRepository
func NewAlertRepository(db *database.Postgres) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `id, rule_id, rule_name, severity, scope_value, event_count, audit_entry_ids,
	status, created_at, updated_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by`

func scanAlert(s scanner) (*model.SecurityAlert, error) {
	var a model.SecurityAlert
	err := s.Scan(
		&a.ID,
		&a.RuleID,
		&a.RuleName,
		&a.Severity,
		&a.ScopeValue,
		&a.EventCount,
		pq.Array(&a.AuditEntryIDs),
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.AcknowledgedAt,
		&a.AcknowledgedBy,
		&a.ResolvedAt,
		&a.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new alert
func (r *AlertRepository) Create(ctx context.Context, a *model.SecurityAlert) error {
	query := `
		INSERT INTO security_alerts (id, rule_id, rule_name, severity, scope_value, event_count,
		    audit_entry_ids, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.RuleID,
		a.RuleName,
		a.Severity,
		a.ScopeValue,
		a.EventCount,
		pq.Array(a.AuditEntryIDs),
		a.Status,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*model.SecurityAlert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM security_alerts WHERE id = $1", id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// Transition moves an alert from one status to the next.
// The update only applies while the stored status still equals from; otherwise
// ErrConflict is returned (or ErrNotFound when the alert does not exist).
func (r *AlertRepository) Transition(ctx context.Context, id string, from, to model.AlertStatus, by string, at time.Time) (*model.SecurityAlert, error) {
	var set string
	switch to {
	case model.AlertStatusAcknowledged:
		set = "acknowledged_at = $4, acknowledged_by = $5"
	case model.AlertStatusResolved:
		set = "resolved_at = $4, resolved_by = $5"
	default:
		return nil, fmt.Errorf("%w: unsupported target status %s", ErrInvalidInput, to)
	}

	query := `
		UPDATE security_alerts
		SET status = $3, updated_at = $4, ` + set + `
		WHERE id = $1 AND status = $2
		RETURNING ` + alertColumns

	a, err := scanAlert(r.db.QueryRowContext(ctx, query, id, from, to, at, by))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	return a, nil
}

// List returns alerts matching filter, newest first
func (r *AlertRepository) List(ctx context.Context, filter model.AlertFilter, page model.Page) ([]*model.SecurityAlert, error) {
	where, args := alertWhere(filter)
	args = append(args, page.Size, page.Offset())
	query := fmt.Sprintf("SELECT %s FROM security_alerts %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		alertColumns, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

// Count returns the number of alerts matching filter
func (r *AlertRepository) Count(ctx context.Context, filter model.AlertFilter) (int64, error) {
	where, args := alertWhere(filter)
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_alerts "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func alertWhere(f model.AlertFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.RuleID != "" {
		add("rule_id = $%d", f.RuleID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
