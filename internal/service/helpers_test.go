package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whispr-auth/internal/config"
	"whispr-auth/internal/encryption"
	"whispr-auth/internal/signing"
)

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		VerificationTTL:      15 * time.Minute,
		MaxVerifyAttempts:    5,
		RateLimitWindow:      time.Hour,
		MaxRequestsPerWindow: 5,
		BcryptCost:           4,
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		QRChallengeTTL:       5 * time.Minute,
		TOTPIssuer:           "Whispr",
		BackupCodeCount:      10,
	}
}

// fixture wires every service over in-memory stores and a fake clock.
type fixture struct {
	clock         *fakeClock
	cfg           *config.AuthConfig
	verifications *memVerificationStore
	tokens        *memTokenStore
	challenges    *memChallengeStore
	users         *memUserStore
	devices       *memDeviceStore
	backupCodes   *memBackupCodeStore
	sender        *captureSender
	publisher     *capturePublisher

	verificationSvc *VerificationService
	tokenSvc        *TokenService
	deviceSvc       *DeviceService
	twoFactorSvc    *TwoFactorService
	auth            *AuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer := signing.NewSignerFromKey(key)

	clock := newFakeClock()
	cfg := testAuthConfig()
	f := &fixture{
		clock:         clock,
		cfg:           cfg,
		verifications: newMemVerificationStore(clock),
		tokens:        newMemTokenStore(clock),
		challenges:    newMemChallengeStore(clock),
		users:         newMemUserStore(),
		devices:       newMemDeviceStore(),
		backupCodes:   newMemBackupCodeStore(),
		sender:        &captureSender{},
		publisher:     &capturePublisher{},
	}

	crypto := encryption.NewManager(&config.Config{}, nil)

	f.verificationSvc = NewVerificationService(f.verifications, f.sender, cfg, true)
	f.verificationSvc.now = clock.Now
	f.tokenSvc = NewTokenService(signer, f.tokens, cfg)
	f.tokenSvc.now = clock.Now
	f.deviceSvc = NewDeviceService(f.devices, f.challenges, signer, cfg)
	f.deviceSvc.now = clock.Now
	f.twoFactorSvc = NewTwoFactorService(f.users, f.backupCodes, crypto, cfg, f.publisher)
	f.twoFactorSvc.now = clock.Now
	f.auth = NewAuthService(f.verificationSvc, f.tokenSvc, f.deviceSvc, f.twoFactorSvc, f.users, f.publisher)
	f.auth.now = clock.Now

	return f
}
