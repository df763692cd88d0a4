package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-characters"

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "contracthub")
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)

	token, err := v.GenerateToken("user-1", true, time.Hour)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.ActorID)
	assert.True(t, claims.Admin)
	assert.Equal(t, "contracthub", claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	signer, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)
	token, err := signer.GenerateToken("user-1", false, time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier("a-completely-different-signing-key", "contracthub")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	signer, err := NewVerifier(testSecret, "someone-else")
	require.NoError(t, err)
	token, err := signer.GenerateToken("user-1", false, time.Hour)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	v, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)

	token, err := v.GenerateToken("user-1", false, -time.Minute)
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateTokenRejectsUnsignedAlgorithm(t *testing.T) {
	v, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		ActorID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "contracthub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestGenerateTokenDefaultExpiry(t *testing.T) {
	v, err := NewVerifier(testSecret, "contracthub")
	require.NoError(t, err)

	token, err := v.GenerateToken("user-1", false, 0)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}
