package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	service := NewTokenService("test-secret", time.Hour)

	raw, err := service.IssueToken("mgr-user", false)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	identity, err := service.ValidateToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "mgr-user", identity.Username)
	assert.False(t, identity.Admin)
}

func TestIssueTokenAdminFlag(t *testing.T) {
	service := NewTokenService("test-secret", time.Hour)

	raw, err := service.IssueToken("ops-admin", true)
	require.NoError(t, err)

	identity, err := service.ValidateToken(raw)
	require.NoError(t, err)
	assert.True(t, identity.Admin)
}

func TestIssueTokenEmptyUsername(t *testing.T) {
	service := NewTokenService("test-secret", time.Hour)

	_, err := service.IssueToken("", false)
	assert.Error(t, err)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-one", time.Hour)
	verifier := NewTokenService("secret-two", time.Hour)

	raw, err := issuer.IssueToken("mgr-user", false)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(raw)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	service := NewTokenService("test-secret", -time.Minute)

	raw, err := service.IssueToken("mgr-user", false)
	require.NoError(t, err)

	_, err = service.ValidateToken(raw)
	assert.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	service := NewTokenService("test-secret", time.Hour)

	_, err := service.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestDefaultExpiration(t *testing.T) {
	service := NewTokenService("test-secret", 0)
	assert.Equal(t, 24*time.Hour, service.expiration)
}
