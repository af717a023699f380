package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerIssueValidate(t *testing.T) {
	m, err := NewManager("s3cret", "lobbycast", time.Hour)
	require.NoError(t, err)

	token, err := m.Issue("42", "ada", RoleService)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, "ada", claims.Username)
	assert.True(t, claims.HasRole(RoleService))
	assert.False(t, claims.HasRole("admin"))
}

func TestManagerRejectsForeignAndExpiredTokens(t *testing.T) {
	m, err := NewManager("s3cret", "lobbycast", time.Hour)
	require.NoError(t, err)
	other, err := NewManager("different", "lobbycast", time.Hour)
	require.NoError(t, err)

	token, err := other.Issue("42", "ada")
	require.NoError(t, err)
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }
	old, err := m.Issue("42", "ada")
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.Validate(old)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager("", "lobbycast", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
