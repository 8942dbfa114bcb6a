package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"whispr-auth/internal/config"
	"whispr-auth/internal/util"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// algorithm, malformed token, or expiry.
var ErrInvalidToken = errors.New("invalid token")

// Signer signs and verifies ES256 JWTs. Verification only needs the public
// key, so distributed verifiers can run without the signing secret.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
}

// NewSigner loads the EC P-256 key pair from the configured PEM files. When
// no paths are configured it generates an ephemeral key pair, which is only
// acceptable outside production: tokens do not survive a restart.
func NewSigner(cfg *config.Config) (*Signer, error) {
	authCfg := cfg.Auth

	if authCfg.JWTPrivateKeyPath == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("JWT_PRIVATE_KEY_PATH is required in production")
		}
		util.Warn("No JWT key configured - generating ephemeral signing key")
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return NewSignerFromKey(key), nil
	}

	privBytes, err := os.ReadFile(authCfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseECPrivateKeyFromPEM(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	publicKey := &privKey.PublicKey
	if authCfg.JWTPublicKeyPath != "" {
		pubBytes, err := os.ReadFile(authCfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pubKey, err := jwt.ParseECPublicKeyFromPEM(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		publicKey = pubKey
	}

	return &Signer{privateKey: privKey, publicKey: publicKey}, nil
}

// NewSignerFromKey wraps an in-memory key pair. Used by tests and the
// ephemeral development path.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: key, publicKey: &key.PublicKey}
}

// Sign produces a compact ES256 JWT for the given claims.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(s.privateKey)
}

// Verify parses a token into claims, rejecting anything not signed ES256 by
// our key or past its expiry.
func (s *Signer) Verify(tokenStr string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
