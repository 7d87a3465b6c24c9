package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrInvalidSecret  = errors.New("invalid secret")
)

const maxSecretNameLength = 100

// SecretService stores integration credentials encrypted at rest
type SecretService struct {
	store     SecretStore
	encryptor *auth.Encryptor
	audit     Auditor
	metrics   *metrics.Metrics
	log       *logger.Logger
	timeNow   func() time.Time // For testability
}

// NewSecretService creates a SecretService
func NewSecretService(store SecretStore, encryptor *auth.Encryptor, audit Auditor, m *metrics.Metrics, log *logger.Logger) *SecretService {
	return &SecretService{
		store:     store,
		encryptor: encryptor,
		audit:     audit,
		metrics:   m,
		log:       log.WithComponent("secret_service"),
		timeNow:   time.Now,
	}
}

func validateSecretName(name string) error {
	if name == "" || len(name) > maxSecretNameLength {
		return fmt.Errorf("%w: name must be 1 to %d characters", ErrInvalidSecret, maxSecretNameLength)
	}
	if strings.ContainsAny(name, " /\\\t\n") {
		return fmt.Errorf("%w: name contains invalid characters", ErrInvalidSecret)
	}
	return nil
}

// Put encrypts value under the current key version and stores it as ownerID's secret name
func (s *SecretService) Put(ctx context.Context, ownerID, name, value string) (*model.EncryptedRecord, error) {
	if err := validateSecretName(name); err != nil {
		return nil, err
	}
	if value == "" {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidSecret)
	}

	field, err := s.encryptor.EncryptString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	now := s.timeNow().UTC()
	rec := &model.EncryptedRecord{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		Field:     *field,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store secret: %w", err)
	}

	s.record(ctx, ownerID, model.EventSecretWritten, name, model.OutcomeSuccess, "", field.KeyVersion)
	return rec, nil
}

// Get decrypts ownerID's secret name. A record that fails authentication is
// reported as auth.ErrSecurityIntegrity and audited as an integrity failure.
func (s *SecretService) Get(ctx context.Context, ownerID, name string) (string, error) {
	rec, err := s.store.Get(ctx, ownerID, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}

	value, err := s.encryptor.DecryptString(&rec.Field)
	if err != nil {
		s.metrics.IntegrityFailures.Inc()
		s.log.Error().Str("owner_id", ownerID).Str("secret", name).Str("key_version", rec.Field.KeyVersion).Msg("secret failed integrity check")
		s.record(ctx, ownerID, model.EventIntegrityFailure, name, model.OutcomeError, "integrity check failed", rec.Field.KeyVersion)
		return "", err
	}

	s.record(ctx, ownerID, model.EventSecretRead, name, model.OutcomeSuccess, "", rec.Field.KeyVersion)
	return value, nil
}

func (s *SecretService) record(ctx context.Context, actor string, event model.EventType, name string, outcome model.Outcome, errMsg, keyVersion string) {
	s.audit.Record(ctx, AuditEvent{
		ActorID:      actor,
		EventType:    event,
		ResourceType: "encrypted_data",
		ResourceID:   name,
		Outcome:      outcome,
		ErrorMessage: errMsg,
		Metadata:     model.OpaqueMetadata{"keyVersion": keyVersion},
		Endpoint:     endpointOr(ctx, SystemEndpoint("secrets")),
		Method:       methodOr(ctx, SystemMethod),
	})
}
