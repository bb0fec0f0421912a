package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("cluster-ops-2026")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))

	assert.NoError(t, VerifyPassword(hash, "cluster-ops-2026"))
	assert.Error(t, VerifyPassword(hash, "wrong-password"))
}

func TestHashPasswordEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	first, err := HashPassword("same-password")
	require.NoError(t, err)
	second, err := HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NoError(t, VerifyPassword(first, "same-password"))
	assert.NoError(t, VerifyPassword(second, "same-password"))
}
