package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/models"
)

func testManager(accessTTL time.Duration) *Manager {
	return NewManager(config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: time.Hour,
	})
}

func TestTokenRoundTrip(t *testing.T) {
	assert := require.New(t)
	m := testManager(time.Minute)

	tenantID := uuid.New()
	user := &models.User{
		ID:       uuid.New(),
		Email:    "admin@example.com",
		IsAdmin:  true,
		TenantID: &tenantID,
	}

	access, refresh, err := m.GenerateTokenPair(user)
	assert.NoError(err)
	assert.NotEmpty(access)
	assert.NotEmpty(refresh)

	claims, err := m.ValidateToken(access)
	assert.NoError(err)
	assert.Equal(user.ID, claims.UserID)
	assert.Equal(user.Email, claims.Email)
	assert.True(claims.IsAdmin)
	assert.Equal(tenantID, *claims.TenantID)

	userID, err := m.ValidateRefreshToken(refresh)
	assert.NoError(err)
	assert.Equal(user.ID, userID)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	assert := require.New(t)
	m := testManager(-time.Minute)

	access, _, err := m.GenerateTokenPair(&models.User{ID: uuid.New()})
	assert.NoError(err)

	_, err = m.ValidateToken(access)
	assert.ErrorIs(err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	assert := require.New(t)

	access, _, err := testManager(time.Minute).GenerateTokenPair(&models.User{ID: uuid.New()})
	require.NoError(t, err)

	other := NewManager(config.JWTConfig{Secret: "other", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	_, err = other.ValidateToken(access)
	assert.ErrorIs(err, ErrInvalidToken)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	m := testManager(time.Minute)

	access, _, err := m.GenerateTokenPair(&models.User{ID: uuid.New()})
	require.NoError(t, err)

	// An access token passes refresh validation by subject only; a
	// garbage string must not.
	_, err = m.ValidateRefreshToken(access)
	require.NoError(t, err)

	_, err = m.ValidateRefreshToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
