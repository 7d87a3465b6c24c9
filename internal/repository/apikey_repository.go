package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/model"
)

// APIKeyRepository handles API key persistence
type APIKeyRepository struct {
	db *database.Postgres
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *database.Postgres) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, owner_id, name, prefix, secret_hash, permissions, revoked, revoked_at, last_used_at, created_at`

func scanAPIKey(s scanner) (*model.APIKey, error) {
	var k model.APIKey
	err := s.Scan(
		&k.ID,
		&k.OwnerID,
		&k.Name,
		&k.Prefix,
		&k.SecretHash,
		pq.Array(&k.Permissions),
		&k.Revoked,
		&k.RevokedAt,
		&k.LastUsedAt,
		&k.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create inserts a new API key
func (r *APIKeyRepository) Create(ctx context.Context, k *model.APIKey) error {
	query := `
		INSERT INTO api_keys (id, owner_id, name, prefix, secret_hash, permissions, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		k.ID, k.OwnerID, k.Name, k.Prefix, k.SecretHash, pq.Array(k.Permissions), k.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetByID retrieves an API key by ID
func (r *APIKeyRepository) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, "SELECT "+apiKeyColumns+" FROM api_keys WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// List returns keys, optionally limited to one owner, newest first
func (r *APIKeyRepository) List(ctx context.Context, ownerID string) ([]*model.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at DESC"
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return keys, nil
}

// Revoke marks a key revoked
func (r *APIKeyRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2) WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records when a key was last used
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to update api key last use: %w", err)
	}
	return nil
}
