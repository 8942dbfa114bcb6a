package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewSignerFromKey(key)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	signer := testSigner(t)

	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	var parsed jwt.RegisteredClaims
	require.NoError(t, signer.Verify(token, &parsed))
	assert.Equal(t, "user-1", parsed.Subject)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	signer := testSigner(t)

	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	var parsed jwt.RegisteredClaims
	err = signer.Verify(token, &parsed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsForeignKey(t *testing.T) {
	signer := testSigner(t)
	other := testSigner(t)

	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	var parsed jwt.RegisteredClaims
	err = other.Verify(token, &parsed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsUnsignedAlgorithm(t *testing.T) {
	signer := testSigner(t)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	var parsed jwt.RegisteredClaims
	err = signer.Verify(token, &parsed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	signer := testSigner(t)

	var parsed jwt.RegisteredClaims
	assert.ErrorIs(t, signer.Verify("not-a-token", &parsed), ErrInvalidToken)
}
