package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret")

	userID := uuid.New()
	permissions := []string{"events:publish", "events:subscribe"}

	start := time.Now()
	token, err := tm.GenerateToken(userID, permissions, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, permissions, claims.Permissions)
	assert.Equal(t, userID.String(), claims.Subject)

	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, start.Add(time.Hour), claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_RejectsExpiredToken(t *testing.T) {
	tm := NewTokenManager("test-secret")

	token, err := tm.GenerateToken(uuid.New(), nil, -time.Minute)
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_RejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("test-secret")
	other := NewTokenManager("other-secret")

	token, err := tm.GenerateToken(uuid.New(), nil, time.Hour)
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_RejectsUnexpectedSigningMethod(t *testing.T) {
	tm := NewTokenManager("test-secret")

	// An unsigned token must not validate even though its payload parses.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: uuid.New()})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenManager_RejectsGarbage(t *testing.T) {
	tm := NewTokenManager("test-secret")

	_, err := tm.ValidateToken("not-a-token")
	assert.Error(t, err)
}
