package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"whispr-auth/internal/config"
	"whispr-auth/internal/models"
	"whispr-auth/internal/signing"
	"whispr-auth/internal/util"
)

// AccessClaims is the payload of short-lived access tokens.
type AccessClaims struct {
	DeviceID    string `json:"deviceId"`
	Scope       string `json:"scope"`
	Fingerprint string `json:"fingerprint,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of refresh tokens. The registered ID (jti)
// doubles as the key of the server-side refresh record.
type RefreshClaims struct {
	DeviceID  string `json:"deviceId"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenService issues, rotates, and revokes the access/refresh token pairs.
// Every refresh token has a server-side record bound to a device fingerprint;
// losing the record, by expiry or revocation, kills the token.
type TokenService struct {
	signer *signing.Signer
	store  TokenStore
	config *config.AuthConfig
	now    func() time.Time
}

func NewTokenService(signer *signing.Signer, store TokenStore, cfg *config.AuthConfig) *TokenService {
	return &TokenService{
		signer: signer,
		store:  store,
		config: cfg,
		now:    time.Now,
	}
}

// FingerprintHash derives the stable fingerprint for a device context. Only
// the first 12 hex characters are kept.
func FingerprintHash(fp *models.DeviceFingerprint) string {
	if fp == nil {
		return ""
	}
	raw := fmt.Sprintf("%s:%s:%s:%d", fp.UserAgent, fp.IPAddress, fp.DeviceType, fp.Timestamp)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:12]
}

// GenerateTokenPair issues a fresh access token and refresh token for the
// user on the given device, recording the refresh token server side.
func (s *TokenService) GenerateTokenPair(ctx context.Context, userID, deviceID string, fp *models.DeviceFingerprint) (*models.TokenPair, error) {
	now := s.now()
	fingerprint := FingerprintHash(fp)

	access := AccessClaims{
		DeviceID:    deviceID,
		Scope:       "user",
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)),
		},
	}
	accessToken, err := s.signer.Sign(access)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	tokenID := uuid.NewString()
	refresh := RefreshClaims{
		DeviceID:  deviceID,
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.RefreshTokenTTL)),
		},
	}
	refreshToken, err := s.signer.Sign(refresh)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}

	record := &models.RefreshTokenRecord{
		UserID:          userID,
		DeviceID:        deviceID,
		FingerprintHash: fingerprint,
	}
	if err := s.store.PutRefresh(ctx, tokenID, record, s.config.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("storing refresh record: %w", err)
	}

	return &models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// RefreshAccessToken rotates a refresh token: the presented token is retired
// and a new pair bound to the same device record is issued. A fingerprint
// mismatch revokes the token outright.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshToken string, fp *models.DeviceFingerprint) (*models.TokenPair, error) {
	var claims RefreshClaims
	if err := s.signer.Verify(refreshToken, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.TokenType != "refresh" || claims.ID == "" {
		return nil, ErrUnauthorized
	}

	record, err := s.store.GetRefresh(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("loading refresh record: %w", err)
	}
	if record == nil {
		return nil, ErrTokenRevoked
	}
	revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("checking revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	if fingerprint := FingerprintHash(fp); record.FingerprintHash != fingerprint {
		util.Warn("refresh fingerprint mismatch",
			util.String("user_id", record.UserID),
			util.String("device_id", record.DeviceID))
		if err := s.revoke(ctx, claims.ID); err != nil {
			util.Error("revoking mismatched token", util.ErrorField(err))
		}
		return nil, ErrFingerprintMismatch
	}

	if err := s.revoke(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("retiring refresh token: %w", err)
	}
	return s.GenerateTokenPair(ctx, record.UserID, record.DeviceID, fp)
}

// RevokeRefreshToken invalidates a single refresh token.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	var claims RefreshClaims
	if err := s.signer.Verify(refreshToken, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ID == "" {
		return ErrUnauthorized
	}
	return s.revoke(ctx, claims.ID)
}

// RevokeAllTokensForDevice flags the device so any token carrying its id is
// rejected, regardless of when it was issued.
func (s *TokenService) RevokeAllTokensForDevice(ctx context.Context, deviceID string) error {
	return s.store.MarkDeviceRevoked(ctx, deviceID, s.config.RefreshTokenTTL)
}

// ValidateToken verifies an access token and checks the revocation flags for
// both the token and its device.
func (s *TokenService) ValidateToken(ctx context.Context, accessToken string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.signer.Verify(accessToken, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ID != "" {
		revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("checking revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	if claims.DeviceID != "" {
		revoked, err := s.store.IsDeviceRevoked(ctx, claims.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("checking device revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return &claims, nil
}

func (s *TokenService) revoke(ctx context.Context, tokenID string) error {
	if err := s.store.DeleteRefresh(ctx, tokenID); err != nil {
		return err
	}
	return s.store.MarkTokenRevoked(ctx, tokenID, s.config.RefreshTokenTTL)
}
