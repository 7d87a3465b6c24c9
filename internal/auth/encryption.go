package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLength is the minimum decoded length of a master key
const MinMasterKeyLength = 32

const (
	dataKeyLength = chacha20poly1305.KeySize
	tagLength     = chacha20poly1305.Overhead
	hkdfInfo      = "worklog-guard/field-encryption/"
)

var (
	// ErrSecurityIntegrity is returned for any decryption failure. It never carries partial plaintext.
	ErrSecurityIntegrity = errors.New("security integrity check failed")
	// ErrEncryptionConfig is returned when key material is missing or malformed
	ErrEncryptionConfig = errors.New("invalid encryption configuration")
)

// Encryptor provides authenticated field-level encryption.
// Each key version has its own data key derived from that version's master key with HKDF-SHA256,
// and the version string is bound into the ciphertext as associated data.
type Encryptor struct {
	current string
	keys    map[string][]byte
}

// ValidateConfig checks that the master key and every retired key decode to enough key material
func ValidateConfig(cfg config.EncryptionConfig) error {
	if cfg.KeyVersion == "" {
		return fmt.Errorf("%w: key_version is required", ErrEncryptionConfig)
	}
	if _, err := decodeMasterKey(cfg.MasterKey); err != nil {
		return fmt.Errorf("%w: master_key: %v", ErrEncryptionConfig, err)
	}
	for version, key := range cfg.PreviousKeys {
		if version == cfg.KeyVersion {
			return fmt.Errorf("%w: previous key %q shadows the current version", ErrEncryptionConfig, version)
		}
		if _, err := decodeMasterKey(key); err != nil {
			return fmt.Errorf("%w: previous key %q: %v", ErrEncryptionConfig, version, err)
		}
	}
	return nil
}

func decodeMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("missing")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("not valid base64")
	}
	if len(raw) < MinMasterKeyLength {
		return nil, fmt.Errorf("must decode to at least %d bytes", MinMasterKeyLength)
	}
	return raw, nil
}

// NewEncryptor validates the configuration and derives the data keys
func NewEncryptor(cfg config.EncryptionConfig) (*Encryptor, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	e := &Encryptor{current: cfg.KeyVersion, keys: make(map[string][]byte, len(cfg.PreviousKeys)+1)}

	versions := map[string]string{cfg.KeyVersion: cfg.MasterKey}
	for v, k := range cfg.PreviousKeys {
		versions[v] = k
	}
	for version, encoded := range versions {
		master, _ := decodeMasterKey(encoded)
		key, err := deriveKey(master, version)
		if err != nil {
			return nil, err
		}
		e.keys[version] = key
	}
	return e, nil
}

func deriveKey(master []byte, version string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo+version))
	key := make([]byte, dataKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}
	return key, nil
}

// KeyVersion returns the version new ciphertexts are written with
func (e *Encryptor) KeyVersion() string {
	return e.current
}

// Encrypt seals plaintext under the current key version with a fresh random nonce
func (e *Encryptor) Encrypt(plaintext []byte) (*model.EncryptedField, error) {
	aead, err := chacha20poly1305.NewX(e.keys[e.current])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte(e.current))
	split := len(sealed) - tagLength

	return &model.EncryptedField{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		KeyVersion: e.current,
	}, nil
}

// Decrypt opens a field. Unknown key versions, malformed input and tag mismatches
// all fail with ErrSecurityIntegrity.
func (e *Encryptor) Decrypt(field *model.EncryptedField) ([]byte, error) {
	if field == nil {
		return nil, ErrSecurityIntegrity
	}
	key, ok := e.keys[field.KeyVersion]
	if !ok {
		return nil, ErrSecurityIntegrity
	}
	if len(field.Nonce) != chacha20poly1305.NonceSizeX || len(field.Tag) != tagLength {
		return nil, ErrSecurityIntegrity
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrSecurityIntegrity
	}

	sealed := make([]byte, 0, len(field.Ciphertext)+tagLength)
	sealed = append(sealed, field.Ciphertext...)
	sealed = append(sealed, field.Tag...)

	plaintext, err := aead.Open(nil, field.Nonce, sealed, []byte(field.KeyVersion))
	if err != nil {
		return nil, ErrSecurityIntegrity
	}
	return plaintext, nil
}

// EncryptString encrypts a UTF-8 string
func (e *Encryptor) EncryptString(s string) (*model.EncryptedField, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString decrypts a field produced by EncryptString
func (e *Encryptor) DecryptString(field *model.EncryptedField) (string, error) {
	b, err := e.Decrypt(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncryptJSON encrypts the JSON encoding of v
func (e *Encryptor) EncryptJSON(v interface{}) (*model.EncryptedField, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return e.Encrypt(b)
}

// DecryptJSON decrypts a field and unmarshals it into v
func (e *Encryptor) DecryptJSON(field *model.EncryptedField, v interface{}) error {
	b, err := e.Decrypt(field)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted value: %w", err)
	}
	return nil
}

// GenerateMasterKey returns a new random base64 master key
func GenerateMasterKey() (string, error) {
	raw := make([]byte, MinMasterKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
