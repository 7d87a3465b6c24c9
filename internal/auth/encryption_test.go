package auth

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklog/guard/internal/config"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(rune(b)), MinMasterKeyLength)))
}

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	enc, err := NewEncryptor(config.EncryptionConfig{MasterKey: testKey('a'), KeyVersion: "v1"})
	require.NoError(t, err)
	return enc
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.EncryptionConfig
		ok   bool
	}{
		{"valid", config.EncryptionConfig{MasterKey: testKey('a'), KeyVersion: "v1"}, true},
		{"missing key", config.EncryptionConfig{KeyVersion: "v1"}, false},
		{"not base64", config.EncryptionConfig{MasterKey: "%%%", KeyVersion: "v1"}, false},
		{"too short", config.EncryptionConfig{MasterKey: base64.StdEncoding.EncodeToString([]byte("short")), KeyVersion: "v1"}, false},
		{"missing version", config.EncryptionConfig{MasterKey: testKey('a')}, false},
		{"bad previous key", config.EncryptionConfig{MasterKey: testKey('a'), KeyVersion: "v2", PreviousKeys: map[string]string{"v1": "nope"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrEncryptionConfig)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	field, err := enc.EncryptString("jira-token-123")
	require.NoError(t, err)
	assert.Equal(t, "v1", field.KeyVersion)
	assert.Len(t, field.Tag, 16)
	assert.Len(t, field.Nonce, 24)
	assert.NotContains(t, string(field.Ciphertext), "jira-token-123")

	plain, err := enc.DecryptString(field)
	require.NoError(t, err)
	assert.Equal(t, "jira-token-123", plain)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc := newTestEncryptor(t)
	a, err := enc.EncryptString("same")
	require.NoError(t, err)
	b, err := enc.EncryptString("same")
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptFailsClosed(t *testing.T) {
	enc := newTestEncryptor(t)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		field, err := enc.EncryptString("payload")
		require.NoError(t, err)
		field.Ciphertext[0] ^= 0x01
		out, err := enc.Decrypt(field)
		assert.ErrorIs(t, err, ErrSecurityIntegrity)
		assert.Nil(t, out)
	})

	t.Run("flipped tag bit", func(t *testing.T) {
		field, err := enc.EncryptString("payload")
		require.NoError(t, err)
		field.Tag[len(field.Tag)-1] ^= 0x80
		_, err = enc.Decrypt(field)
		assert.ErrorIs(t, err, ErrSecurityIntegrity)
	})

	t.Run("unknown key version", func(t *testing.T) {
		field, err := enc.EncryptString("payload")
		require.NoError(t, err)
		field.KeyVersion = "v9"
		_, err = enc.Decrypt(field)
		assert.ErrorIs(t, err, ErrSecurityIntegrity)
	})

	t.Run("truncated nonce", func(t *testing.T) {
		field, err := enc.EncryptString("payload")
		require.NoError(t, err)
		field.Nonce = field.Nonce[:12]
		_, err = enc.Decrypt(field)
		assert.ErrorIs(t, err, ErrSecurityIntegrity)
	})

	t.Run("nil field", func(t *testing.T) {
		_, err := enc.Decrypt(nil)
		assert.ErrorIs(t, err, ErrSecurityIntegrity)
	})
}

func TestKeyRotation(t *testing.T) {
	old, err := NewEncryptor(config.EncryptionConfig{MasterKey: testKey('a'), KeyVersion: "v1"})
	require.NoError(t, err)
	field, err := old.EncryptJSON(map[string]string{"user": "svc"})
	require.NoError(t, err)

	rotated, err := NewEncryptor(config.EncryptionConfig{
		MasterKey:    testKey('b'),
		KeyVersion:   "v2",
		PreviousKeys: map[string]string{"v1": testKey('a')},
	})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, rotated.DecryptJSON(field, &out))
	assert.Equal(t, "svc", out["user"])

	fresh, err := rotated.EncryptString("x")
	require.NoError(t, err)
	assert.Equal(t, "v2", fresh.KeyVersion)

	// The version is bound as associated data, so relabelling fails.
	fresh.KeyVersion = "v1"
	_, err = rotated.Decrypt(fresh)
	assert.ErrorIs(t, err, ErrSecurityIntegrity)
}
