package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/repository"
)

// APIKeyStore keeps API keys in memory
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*model.APIKey
}

// NewAPIKeyStore creates an empty APIKeyStore
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]*model.APIKey)}
}

func copyKey(k *model.APIKey) *model.APIKey {
	cp := *k
	cp.Permissions = append([]string(nil), k.Permissions...)
	return &cp
}

// Create inserts a key
func (s *APIKeyStore) Create(_ context.Context, k *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return repository.ErrDuplicate
	}
	s.keys[k.ID] = copyKey(k)
	return nil
}

// GetByID retrieves a key
func (s *APIKeyStore) GetByID(_ context.Context, id string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyKey(k), nil
}

// List returns keys of ownerID, or all keys when ownerID is empty
func (s *APIKeyStore) List(_ context.Context, ownerID string) ([]*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if ownerID == "" || k.OwnerID == ownerID {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Revoke marks a key revoked
func (s *APIKeyStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !k.Revoked {
		k.Revoked = true
		k.RevokedAt = &at
	}
	return nil
}

// TouchLastUsed records the last use of a key
func (s *APIKeyStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return repository.ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

// SecretStore keeps encrypted records in memory
type SecretStore struct {
	mu      sync.RWMutex
	records map[string]*model.EncryptedRecord
}

// NewSecretStore creates an empty SecretStore
func NewSecretStore() *SecretStore {
	return &SecretStore{records: make(map[string]*model.EncryptedRecord)}
}

func secretKey(ownerID, name string) string {
	return ownerID + "\x00" + name
}

// Upsert stores or replaces a record
func (s *SecretStore) Upsert(_ context.Context, rec *model.EncryptedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := secretKey(rec.OwnerID, rec.Name)
	if existing, ok := s.records[key]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	cp := *rec
	s.records[key] = &cp
	return nil
}

// Get retrieves a record
func (s *SecretStore) Get(_ context.Context, ownerID, name string) (*model.EncryptedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[secretKey(ownerID, name)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
