package services

import (
	"testing"
	"time"

	"chanrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", 15*time.Minute, time.Hour)

	token, err := auth.GenerateToken("7", "ann")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("7"), claims.UserID)
	assert.Equal(t, "ann", claims.Username)
}

func TestAuthService_TokenKindsAreNotInterchangeable(t *testing.T) {
	auth := NewAuthService("secret", 15*time.Minute, time.Hour)

	refresh, err := auth.GenerateRefreshToken("7", "ann")
	require.NoError(t, err)
	_, err = auth.ValidateToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := auth.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("7"), claims.UserID)

	access, err := auth.GenerateToken("7", "ann")
	require.NoError(t, err)
	_, err = auth.ValidateRefreshToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Rejects(t *testing.T) {
	auth := NewAuthService("secret", 15*time.Minute, time.Hour).(*authService)

	other, err := NewAuthService("other", time.Minute, time.Minute).GenerateToken("7", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "7", Kind: tokenKindAccess})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := auth.GenerateToken("7", "")
	require.NoError(t, err)
	auth.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
