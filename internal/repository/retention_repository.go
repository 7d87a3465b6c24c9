package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/worklog/guard/internal/database"
)

// Retention entities
const (
	EntityAuditTrail        = "audit_trail"
	EntitySecurityAlerts    = "security_alerts"
	EntitySessions          = "sessions"
	EntitySessionActivities = "session_activities"
)

// retentionColumns maps each sweepable table to the timestamp its age is measured by
var retentionColumns = map[string]string{
	EntityAuditTrail:        "created_at",
	EntitySecurityAlerts:    "created_at",
	EntitySessions:          "expires_at",
	EntitySessionActivities: "created_at",
}

// ArchiveFunc receives the JSON form of rows about to be deleted.
// Returning an error aborts the batch and nothing is deleted.
type ArchiveFunc func(ctx context.Context, entity string, rows []json.RawMessage) error

// RetentionRepository deletes aged rows in bounded, transactional batches
type RetentionRepository struct {
	db *database.Postgres
}

// NewRetentionRepository creates a new RetentionRepository
func NewRetentionRepository(db *database.Postgres) *RetentionRepository {
	return &RetentionRepository{db: db}
}

// SweepBatch removes up to limit rows of entity strictly older than cutoff.
// Selection, archiving and deletion share one transaction: a failure rolls the
// whole batch back. It returns the number of rows removed; zero means the entity is done.
func (r *RetentionRepository) SweepBatch(ctx context.Context, entity string, cutoff time.Time, limit int, archive ArchiveFunc) (int, error) {
	column, ok := retentionColumns[entity]
	if !ok {
		return 0, fmt.Errorf("%w: unknown retention entity %q", ErrInvalidInput, entity)
	}

	var removed int
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			SELECT t.id::text, row_to_json(t)::text
			FROM %s t
			WHERE t.%s < $1
			ORDER BY t.%s
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, entity, column, column)

		rows, err := tx.QueryContext(ctx, query, cutoff, limit)
		if err != nil {
			return fmt.Errorf("failed to select %s for retention: %w", entity, err)
		}
		var (
			ids     []string
			payload []json.RawMessage
		)
		for rows.Next() {
			var id, doc string
			if err := rows.Scan(&id, &doc); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan %s row: %w", entity, err)
			}
			ids = append(ids, id)
			payload = append(payload, json.RawMessage(doc))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate %s rows: %w", entity, err)
		}
		if len(ids) == 0 {
			return nil
		}

		if archive != nil {
			if err := archive(ctx, entity, payload); err != nil {
				return fmt.Errorf("failed to archive %s batch: %w", entity, err)
			}
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1::uuid[])", entity), pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to delete %s batch: %w", entity, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete %s batch: %w", entity, err)
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
