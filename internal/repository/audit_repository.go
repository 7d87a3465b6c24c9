package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// AuditRepository handles audit trail persistence
type AuditRepository struct {
	db *database.Postgres
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends an audit entry. Entries are never updated.
func (r *AuditRepository) Insert(ctx context.Context, entry *model.AuditEntry) error {
	metadataJSON, err := model.MarshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_trail (id, actor_id, event_type, resource_type, resource_id,
		    before_state, after_state, source_address, user_agent, endpoint, method,
		    outcome, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.EventType,
		entry.ResourceType,
		entry.ResourceID,
		nullJSON(entry.Before),
		nullJSON(entry.After),
		entry.SourceAddress,
		entry.UserAgent,
		entry.Endpoint,
		entry.Method,
		entry.Outcome,
		entry.ErrorMessage,
		nullJSON(metadataJSON),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching filter, newest first
func (r *AuditRepository) Query(ctx context.Context, filter model.AuditFilter, page model.Page) ([]*model.AuditEntry, error) {
	where, args := auditWhere(filter)
	args = append(args, page.Size, page.Offset())

	query := fmt.Sprintf(`
		SELECT id, actor_id, event_type, resource_type, resource_id, before_state,
		    after_state, source_address, user_agent, endpoint, method, outcome,
		    error_message, metadata, created_at
		FROM audit_trail
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var (
			e                   model.AuditEntry
			before, after, meta []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.EventType,
			&e.ResourceType,
			&e.ResourceID,
			&before,
			&after,
			&e.SourceAddress,
			&e.UserAgent,
			&e.Endpoint,
			&e.Method,
			&e.Outcome,
			&e.ErrorMessage,
			&meta,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Before = rawOrNil(before)
		e.After = rawOrNil(after)
		if e.Metadata, err = model.UnmarshalMetadata(meta); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit trail: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching filter
func (r *AuditRepository) Count(ctx context.Context, filter model.AuditFilter) (int64, error) {
	where, args := auditWhere(filter)
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_trail "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit trail: %w", err)
	}
	return n, nil
}

func auditWhere(f model.AuditFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
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

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// scanner is implemented by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
