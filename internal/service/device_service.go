package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"whispr-auth/internal/config"
	"whispr-auth/internal/models"
	"whispr-auth/internal/signing"
	"whispr-auth/internal/util"
)

// ChallengeClaims is the payload of the QR login challenge token displayed
// to an authenticated device.
type ChallengeClaims struct {
	ChallengeID string `json:"challengeId"`
	DeviceID    string `json:"deviceId"`
	jwt.RegisteredClaims
}

// DeviceService manages the per-user device registry and the cross-device
// QR login challenges. Devices are identified by (name, type) per user, so
// re-registering the same device updates it in place.
type DeviceService struct {
	devices    DeviceStore
	challenges ChallengeStore
	signer     *signing.Signer
	config     *config.AuthConfig
	now        func() time.Time
}

func NewDeviceService(devices DeviceStore, challenges ChallengeStore, signer *signing.Signer, cfg *config.AuthConfig) *DeviceService {
	return &DeviceService{
		devices:    devices,
		challenges: challenges,
		signer:     signer,
		config:     cfg,
		now:        time.Now,
	}
}

// RegisterDevice upserts a device for the user. An existing device with the
// same name and type keeps its id; only the mutable fields are refreshed.
func (s *DeviceService) RegisterDevice(ctx context.Context, userID, deviceName, deviceType, publicKey, ipAddress string) (*models.Device, error) {
	existing, err := s.devices.FindByIdentity(ctx, userID, deviceName, deviceType)
	if err != nil {
		return nil, fmt.Errorf("looking up device: %w", err)
	}

	now := s.now()
	device := existing
	if device == nil {
		device = &models.Device{
			ID:         uuid.NewString(),
			UserID:     userID,
			DeviceName: deviceName,
			DeviceType: deviceType,
			CreatedAt:  now,
		}
	}
	device.PublicKey = publicKey
	device.IPAddress = ipAddress
	device.LastActive = now
	device.IsVerified = true
	device.IsActive = true

	if err := s.devices.Save(ctx, device); err != nil {
		return nil, fmt.Errorf("saving device: %w", err)
	}
	util.Info("device registered",
		util.String("user_id", userID),
		util.String("device_id", device.ID),
		util.String("device_type", deviceType))
	return device, nil
}

// GetUserDevices lists the user's devices, most recently active first.
func (s *DeviceService) GetUserDevices(ctx context.Context, userID string) ([]*models.Device, error) {
	return s.devices.ListByUser(ctx, userID)
}

// GetDevice loads a single device by id.
func (s *DeviceService) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// RevokeDevice removes the device from the registry.
func (s *DeviceService) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("looking up device: %w", err)
	}
	if device == nil || device.UserID != userID {
		return ErrDeviceNotFound
	}
	if err := s.devices.Delete(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

// UpdateLastActive bumps the device's activity timestamp. Failures are
// logged, not surfaced; activity tracking must never break a login.
func (s *DeviceService) UpdateLastActive(ctx context.Context, deviceID string) {
	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil || device == nil {
		return
	}
	device.LastActive = s.now()
	if err := s.devices.Save(ctx, device); err != nil {
		util.Warn("updating device activity",
			util.String("device_id", deviceID),
			util.ErrorField(err))
	}
}

// UpdateFCMToken stores the push-notification token for a device.
func (s *DeviceService) UpdateFCMToken(ctx context.Context, userID, deviceID, fcmToken string) error {
	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("looking up device: %w", err)
	}
	if device == nil || device.UserID != userID {
		return ErrDeviceNotFound
	}
	device.FCMToken = fcmToken
	return s.devices.Save(ctx, device)
}

// GetDeviceStats counts the user's registered and currently active devices.
// A device counts as active when seen within the last 30 days.
func (s *DeviceService) GetDeviceStats(ctx context.Context, userID string) (*models.DeviceStats, error) {
	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &models.DeviceStats{Total: len(devices)}
	cutoff := s.now().Add(-30 * 24 * time.Hour)
	for _, d := range devices {
		if d.IsActive && d.LastActive.After(cutoff) {
			stats.Active++
		}
	}
	return stats, nil
}

// GenerateQRChallenge creates a single-use challenge for logging the given
// unauthenticated device in from an already-authenticated session. The
// returned token is what gets rendered as a QR code.
func (s *DeviceService) GenerateQRChallenge(ctx context.Context, userID, deviceID, publicKey string) (string, error) {
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if device.UserID != userID {
		return "", ErrDeviceNotFound
	}

	now := s.now()
	challengeID := uuid.NewString()

	claims := ChallengeClaims{
		ChallengeID: challengeID,
		DeviceID:    deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.QRChallengeTTL)),
		},
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("signing challenge: %w", err)
	}

	challenge := &models.QRChallenge{
		UserID:    userID,
		DeviceID:  deviceID,
		PublicKey: publicKey,
		ExpiresAt: now.Add(s.config.QRChallengeTTL),
	}
	if err := s.challenges.Put(ctx, challengeID, challenge, s.config.QRChallengeTTL); err != nil {
		return "", fmt.Errorf("storing challenge: %w", err)
	}
	return token, nil
}

// ValidateQRChallenge consumes a scanned challenge token. The challenge must
// still exist, must not have expired, and must have been issued for the
// device presenting it. Validation deletes the challenge either way once it
// is matched, so a token can only ever be redeemed once.
func (s *DeviceService) ValidateQRChallenge(ctx context.Context, token, deviceID string) (*models.QRChallenge, error) {
	var claims ChallengeClaims
	if err := s.signer.Verify(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if claims.ChallengeID == "" {
		return nil, ErrInvalidChallenge
	}

	challenge, err := s.challenges.Get(ctx, claims.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	if challenge == nil {
		return nil, ErrInvalidChallenge
	}
	if challenge.DeviceID != deviceID {
		return nil, ErrChallengeForbidden
	}
	if err := s.challenges.Delete(ctx, claims.ChallengeID); err != nil {
		util.Warn("deleting challenge", util.ErrorField(err))
	}
	if s.now().After(challenge.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return challenge, nil
}
