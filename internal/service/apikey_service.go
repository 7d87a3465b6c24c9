package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// API key errors
var (
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAPIKeyNotFound   = errors.New("api key not found")
	ErrInvalidKeyInput  = errors.New("invalid api key request")
)

// APIKeyPrefix starts every issued key
const APIKeyPrefix = "wlk_"

const (
	keyIDBytes     = 8
	keySecretBytes = 32
)

// IssuedAPIKey is returned once at creation. Key is never retrievable again.
type IssuedAPIKey struct {
	Key    string        `json:"key"`
	APIKey *model.APIKey `json:"apiKey"`
}

// APIKeyService issues and verifies scoped API keys
type APIKeyService struct {
	store   APIKeyStore
	audit   Auditor
	metrics *metrics.Metrics
	params  *auth.Argon2Params
	log     *logger.Logger
	timeNow func() time.Time // For testability
}

// NewAPIKeyService creates an APIKeyService
func NewAPIKeyService(store APIKeyStore, audit Auditor, m *metrics.Metrics, cfg config.APIKeyConfig, log *logger.Logger) *APIKeyService {
	return &APIKeyService{
		store:   store,
		audit:   audit,
		metrics: m,
		params:  auth.NewParams(cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism),
		log:     log.WithComponent("apikey_service"),
		timeNow: time.Now,
	}
}

// GenerateAPIKey creates a key for ownerID. The plaintext key is only in the result.
func (s *APIKeyService) GenerateAPIKey(ctx context.Context, ownerID, name string, permissions []string) (*IssuedAPIKey, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidKeyInput)
	}
	if err := auth.ValidateKeyName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyInput, err)
	}
	if err := auth.ValidatePermissions(permissions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyInput, err)
	}

	idRaw := make([]byte, keyIDBytes)
	secretRaw := make([]byte, keySecretBytes)
	if _, err := rand.Read(idRaw); err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	if _, err := rand.Read(secretRaw); err != nil {
		return nil, fmt.Errorf("failed to generate key secret: %w", err)
	}
	id := hex.EncodeToString(idRaw)
	secret := base64.RawURLEncoding.EncodeToString(secretRaw)

	hash, err := auth.HashSecret(secret, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to hash key secret: %w", err)
	}

	key := &model.APIKey{
		ID:          id,
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(name),
		Prefix:      APIKeyPrefix + id,
		SecretHash:  hash,
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   s.timeNow().UTC(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store api key: %w", err)
	}

	s.record(ctx, ownerID, model.EventAPIKeyCreated, id, model.OutcomeSuccess, model.APIKeyMetadata{
		KeyID:   id,
		Granted: key.Permissions,
	})
	s.log.Info().Str("key_id", id).Str("owner_id", ownerID).Strs("permissions", permissions).Msg("api key created")

	return &IssuedAPIKey{Key: APIKeyPrefix + id + "_" + secret, APIKey: key}, nil
}

// ParseAPIKey splits a presented key into its id and secret
func ParseAPIKey(presented string) (id, secret string, ok bool) {
	const idLen = keyIDBytes * 2
	rest, found := strings.CutPrefix(presented, APIKeyPrefix)
	if !found || len(rest) < idLen+2 || rest[idLen] != '_' {
		return "", "", false
	}
	id, secret = rest[:idLen], rest[idLen+1:]
	if _, err := hex.DecodeString(id); err != nil {
		return "", "", false
	}
	return id, secret, true
}

// Verify authenticates a presented key and checks it grants required.
// Unknown, malformed, revoked or mismatched keys fail with ErrInvalidAPIKey;
// a valid key without the permission fails with ErrPermissionDenied.
func (s *APIKeyService) Verify(ctx context.Context, presented, required string) (*model.APIKey, error) {
	id, secret, ok := ParseAPIKey(presented)
	if !ok {
		return nil, s.deny(ctx, nil, "", required, "malformed", ErrInvalidAPIKey)
	}

	key, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.deny(ctx, nil, id, required, "unknown", ErrInvalidAPIKey)
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	match, err := auth.VerifySecret(secret, key.SecretHash)
	if err != nil || !match {
		return nil, s.deny(ctx, key, id, required, "secret_mismatch", ErrInvalidAPIKey)
	}
	if key.Revoked {
		return nil, s.deny(ctx, key, id, required, "revoked", ErrInvalidAPIKey)
	}
	if required != "" && !key.HasPermission(required) {
		return nil, s.deny(ctx, key, id, required, "insufficient_scope", ErrPermissionDenied)
	}

	s.metrics.APIKeyChecks.WithLabelValues("allowed").Inc()
	if err := s.store.TouchLastUsed(ctx, key.ID, s.timeNow().UTC()); err != nil {
		s.log.Warn().Err(err).Str("key_id", key.ID).Msg("failed to update api key last use")
	}
	return key, nil
}

func (s *APIKeyService) deny(ctx context.Context, key *model.APIKey, id, required, reason string, result error) error {
	s.metrics.APIKeyChecks.WithLabelValues(reason).Inc()

	actor := actorOr(ctx, model.AnonymousActor)
	meta := model.APIKeyMetadata{KeyID: id, Required: required, DenyReason: reason}
	if key != nil {
		actor = key.OwnerID
		meta.Granted = key.Permissions
	}
	s.record(ctx, actor, model.EventAPIKeyDenied, id, model.OutcomeFailure, meta)
	return result
}

// Revoke disables a key. Revoking twice is not an error.
func (s *APIKeyService) Revoke(ctx context.Context, id, by string) error {
	if err := s.store.Revoke(ctx, id, s.timeNow().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	s.record(ctx, by, model.EventAPIKeyRevoked, id, model.OutcomeSuccess, model.APIKeyMetadata{KeyID: id})
	s.log.Info().Str("key_id", id).Str("by", by).Msg("api key revoked")
	return nil
}

// List returns the keys of ownerID, or every key when ownerID is empty
func (s *APIKeyService) List(ctx context.Context, ownerID string) ([]*model.APIKey, error) {
	keys, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	return keys, nil
}

func (s *APIKeyService) record(ctx context.Context, actor string, event model.EventType, keyID string, outcome model.Outcome, meta model.APIKeyMetadata) {
	s.audit.Record(ctx, AuditEvent{
		ActorID:      actor,
		EventType:    event,
		ResourceType: "api_key",
		ResourceID:   keyID,
		Outcome:      outcome,
		Metadata:     meta,
		Endpoint:     endpointOr(ctx, SystemEndpoint("apikeys")),
		Method:       methodOr(ctx, SystemMethod),
	})
}
