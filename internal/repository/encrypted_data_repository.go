package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// EncryptedDataRepository persists encrypted secrets. It never sees plaintext.
type EncryptedDataRepository struct {
	db *database.Postgres
}

// NewEncryptedDataRepository creates a new EncryptedDataRepository
func NewEncryptedDataRepository(db *database.Postgres) *EncryptedDataRepository {
	return &EncryptedDataRepository{db: db}
}

// Upsert stores a record, replacing the ciphertext of an existing (owner, name) pair.
// ID and CreatedAt are set from the stored row.
func (r *EncryptedDataRepository) Upsert(ctx context.Context, rec *model.EncryptedRecord) error {
	query := `
		INSERT INTO encrypted_data (id, owner_id, name, ciphertext, nonce, tag, key_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, name) DO UPDATE SET
		    ciphertext = EXCLUDED.ciphertext,
		    nonce = EXCLUDED.nonce,
		    tag = EXCLUDED.tag,
		    key_version = EXCLUDED.key_version,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.Name,
		rec.Field.Ciphertext,
		rec.Field.Nonce,
		rec.Field.Tag,
		rec.Field.KeyVersion,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store encrypted data: %w", err)
	}
	return nil
}

// Get retrieves an owner's record by name
func (r *EncryptedDataRepository) Get(ctx context.Context, ownerID, name string) (*model.EncryptedRecord, error) {
	query := `
		SELECT id, owner_id, name, ciphertext, nonce, tag, key_version, created_at, updated_at
		FROM encrypted_data
		WHERE owner_id = $1 AND name = $2
	`
	var rec model.EncryptedRecord
	err := r.db.QueryRowContext(ctx, query, ownerID, name).Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Name,
		&rec.Field.Ciphertext,
		&rec.Field.Nonce,
		&rec.Field.Tag,
		&rec.Field.KeyVersion,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get encrypted data: %w", err)
	}
	return &rec, nil
}
