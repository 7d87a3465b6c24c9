package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifySecret(t *testing.T) {
	params := NewParams(1024, 1, 1)

	hash, err := HashSecret("s3cr3t-value", params)
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")
	assert.NotContains(t, hash, "s3cr3t-value")

	ok, err := VerifySecret("s3cr3t-value", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("other", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySecretRejectsMalformedHash(t *testing.T) {
	_, err := VerifySecret("x", "$bcrypt$nope")
	assert.Error(t, err)
	_, err = VerifySecret("x", "$argon2i$v=19$m=1,t=1,p=1$AA$AA")
	assert.Error(t, err)
}

func TestGenerateSessionToken(t *testing.T) {
	token, hash, err := GenerateSessionToken()
	require.NoError(t, err)
	assert.Len(t, token, 43) // 32 bytes, unpadded base64url
	assert.Equal(t, HashToken(token), hash)
	assert.NotEqual(t, token, hash)

	other, _, err := GenerateSessionToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestValidatePermissions(t *testing.T) {
	assert.NoError(t, ValidatePermissions([]string{"audit:read", "alerts:write"}))
	assert.Error(t, ValidatePermissions(nil))
	assert.Error(t, ValidatePermissions([]string{"audit:delete"}))
	assert.Error(t, ValidatePermissions([]string{"audit:read", "audit:read"}))
}
