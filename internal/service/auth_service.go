package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"whispr-auth/internal/events"
	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

// AuthService orchestrates the registration, login, and session flows over
// the verification, token, device, and two-factor services.
type AuthService struct {
	verifications *VerificationService
	tokens        *TokenService
	devices       *DeviceService
	twoFactor     *TwoFactorService
	users         UserStore
	publisher     EventPublisher
	now           func() time.Time
}

// AuthResult is the common response for flows that end in a session.
type AuthResult struct {
	UserID   string            `json:"userId"`
	DeviceID string            `json:"deviceId"`
	Tokens   *models.TokenPair `json:"tokens"`
	Device   *models.Device    `json:"device,omitempty"`
}

// DeviceInfo describes the device a client is authenticating from. A zero
// value stands for a browser session without a registered device.
type DeviceInfo struct {
	Name      string `json:"deviceName"`
	Type      string `json:"deviceType"`
	PublicKey string `json:"publicKey"`
}

func NewAuthService(
	verifications *VerificationService,
	tokens *TokenService,
	devices *DeviceService,
	twoFactor *TwoFactorService,
	users UserStore,
	publisher EventPublisher,
) *AuthService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &AuthService{
		verifications: verifications,
		tokens:        tokens,
		devices:       devices,
		twoFactor:     twoFactor,
		users:         users,
		publisher:     publisher,
		now:           time.Now,
	}
}

// RequestRegistrationVerification starts a registration by sending a code to
// a phone number that must not already belong to a user.
func (s *AuthService) RequestRegistrationVerification(ctx context.Context, phoneNumber string) (*VerificationResult, error) {
	normalized, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}
	existing, err := s.users.FindByPhone(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("checking phone: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}
	return s.verifications.RequestVerification(ctx, normalized, models.PurposeRegistration)
}

// RequestLoginVerification starts a login by sending a code to the phone of
// an existing user.
func (s *AuthService) RequestLoginVerification(ctx context.Context, phoneNumber string) (*VerificationResult, error) {
	normalized, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}
	existing, err := s.users.FindByPhone(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("checking phone: %w", err)
	}
	if existing == nil {
		return nil, ErrUserNotFound
	}
	return s.verifications.RequestVerification(ctx, normalized, models.PurposeLogin)
}

// ConfirmRegistrationVerification checks the submitted code without creating
// the user yet, so the client can collect device details before Register.
func (s *AuthService) ConfirmRegistrationVerification(ctx context.Context, verificationID, code string) error {
	_, err := s.verifyForPurpose(ctx, verificationID, code, models.PurposeRegistration)
	return err
}

// ConfirmLoginVerification checks the code and reports whether the user will
// also need a 2FA code to complete the login.
func (s *AuthService) ConfirmLoginVerification(ctx context.Context, verificationID, code string) (requires2FA bool, err error) {
	record, err := s.verifyForPurpose(ctx, verificationID, code, models.PurposeLogin)
	if err != nil {
		return false, err
	}
	user, err := s.users.FindByPhone(ctx, record.PhoneNumber)
	if err != nil {
		return false, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return false, ErrUserNotFound
	}
	return user.TwoFactorEnabled, nil
}

// Register creates a user for a verified phone number, registers the first
// device, and issues a token pair. The code may be empty when the phone was
// already verified through ConfirmRegistrationVerification.
func (s *AuthService) Register(ctx context.Context, verificationID, code string, device DeviceInfo, fp *models.DeviceFingerprint) (*AuthResult, error) {
	record, err := s.verifyForPurpose(ctx, verificationID, code, models.PurposeRegistration)
	if err != nil {
		return nil, err
	}
	existing, err := s.users.FindByPhone(ctx, record.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("checking phone: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	now := s.now()
	user := &models.User{
		PhoneNumber:         record.PhoneNumber,
		CreatedAt:           now,
		LastAuthenticatedAt: now,
	}
	if err := s.users.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	result, err := s.establishSession(ctx, user, device, fp)
	if err != nil {
		return nil, err
	}
	if err := s.verifications.ConsumeVerification(ctx, verificationID); err != nil {
		util.Warn("consuming verification", util.ErrorField(err))
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeUserRegistered,
		UserID:    user.ID,
		DeviceID:  result.DeviceID,
		IPAddress: fpIP(fp),
		Timestamp: now,
	})
	return result, nil
}

// Login authenticates an existing user with a verified code. When the user
// has 2FA enabled, twoFactorCode must carry a valid TOTP or backup code; an
// empty one yields ErrTwoFactorRequired so clients can prompt for it.
func (s *AuthService) Login(ctx context.Context, verificationID, code, twoFactorCode string, device DeviceInfo, fp *models.DeviceFingerprint) (*AuthResult, error) {
	record, err := s.verifyForPurpose(ctx, verificationID, code, models.PurposeLogin)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByPhone(ctx, record.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if user.TwoFactorEnabled {
		if twoFactorCode == "" {
			return nil, ErrTwoFactorRequired
		}
		if err := s.twoFactor.Verify(ctx, user.ID, twoFactorCode); err != nil {
			if err == ErrInvalidTwoFactorCode {
				return nil, ErrUnauthorized
			}
			return nil, err
		}
	}

	now := s.now()
	user.LastAuthenticatedAt = now
	if err := s.users.Save(ctx, user); err != nil {
		util.Warn("updating last authenticated", util.ErrorField(err))
	}

	result, err := s.establishSession(ctx, user, device, fp)
	if err != nil {
		return nil, err
	}
	if err := s.verifications.ConsumeVerification(ctx, verificationID); err != nil {
		util.Warn("consuming verification", util.ErrorField(err))
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeUserLogin,
		UserID:    user.ID,
		DeviceID:  result.DeviceID,
		IPAddress: fpIP(fp),
		Timestamp: now,
	})
	return result, nil
}

// ScanLogin completes a cross-device login: the scanning client presents the
// challenge token rendered by an authenticated device, registers itself with
// the public key carried in the challenge, and receives its own token pair.
func (s *AuthService) ScanLogin(ctx context.Context, challengeToken, authenticatedDeviceID string, device DeviceInfo, fp *models.DeviceFingerprint) (*AuthResult, error) {
	challenge, err := s.devices.ValidateQRChallenge(ctx, challengeToken, authenticatedDeviceID)
	if err != nil {
		return nil, err
	}

	deviceID := models.WebSessionDeviceID
	var registered *models.Device
	if device.Name != "" && device.Type != "" {
		registered, err = s.devices.RegisterDevice(ctx, challenge.UserID, device.Name, device.Type, challenge.PublicKey, fpIP(fp))
		if err != nil {
			return nil, err
		}
		deviceID = registered.ID
	}

	user, err := s.users.FindByID(ctx, challenge.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	now := s.now()
	user.LastAuthenticatedAt = now
	if err := s.users.Save(ctx, user); err != nil {
		util.Warn("updating last authenticated", util.ErrorField(err))
	}

	pair, err := s.tokens.GenerateTokenPair(ctx, user.ID, deviceID, fp)
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeQRLogin,
		UserID:    user.ID,
		DeviceID:  deviceID,
		IPAddress: fpIP(fp),
		Timestamp: now,
	})
	return &AuthResult{UserID: user.ID, DeviceID: deviceID, Tokens: pair, Device: registered}, nil
}

// RefreshToken rotates a refresh token into a new pair.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string, fp *models.DeviceFingerprint) (*models.TokenPair, error) {
	pair, err := s.tokens.RefreshAccessToken(ctx, refreshToken, fp)
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeTokenRefreshed,
		IPAddress: fpIP(fp),
		Timestamp: s.now(),
	})
	return pair, nil
}

// Logout revokes every token issued to the device and touches its activity
// timestamp.
func (s *AuthService) Logout(ctx context.Context, userID, deviceID string) error {
	if err := s.tokens.RevokeAllTokensForDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("revoking device tokens: %w", err)
	}
	if deviceID != models.WebSessionDeviceID {
		s.devices.UpdateLastActive(ctx, deviceID)
	}
	util.Info("user logged out",
		util.String("user_id", userID),
		util.String("device_id", deviceID))
	return nil
}

// RevokeDevice removes a device and invalidates every token issued to it.
func (s *AuthService) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.devices.RevokeDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	if err := s.tokens.RevokeAllTokensForDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("revoking device tokens: %w", err)
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeDeviceRevoked,
		UserID:    userID,
		DeviceID:  deviceID,
		Timestamp: s.now(),
	})
	return nil
}

// RevokeAllDevices removes every device the user has, except an optional
// device to keep, revoking each device's tokens in parallel.
func (s *AuthService) RevokeAllDevices(ctx context.Context, userID, keepDeviceID string) (int, error) {
	devices, err := s.devices.GetUserDevices(ctx, userID)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	revoked := 0
	for _, d := range devices {
		if d.ID == keepDeviceID {
			continue
		}
		revoked++
		deviceID := d.ID
		g.Go(func() error {
			return s.RevokeDevice(gctx, userID, deviceID)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return revoked, nil
}

// GetUserDevices lists the user's registered devices.
func (s *AuthService) GetUserDevices(ctx context.Context, userID string) ([]*models.Device, error) {
	return s.devices.GetUserDevices(ctx, userID)
}

// establishSession registers (or refreshes) the device and issues tokens.
// Sessions without device details get the shared web-session device id and
// no registry entry.
func (s *AuthService) establishSession(ctx context.Context, user *models.User, info DeviceInfo, fp *models.DeviceFingerprint) (*AuthResult, error) {
	deviceID := models.WebSessionDeviceID
	var device *models.Device
	if info.Name != "" && info.Type != "" {
		registered, err := s.devices.RegisterDevice(ctx, user.ID, info.Name, info.Type, info.PublicKey, fpIP(fp))
		if err != nil {
			return nil, err
		}
		device = registered
		deviceID = registered.ID
	}

	pair, err := s.tokens.GenerateTokenPair(ctx, user.ID, deviceID, fp)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		UserID:   user.ID,
		DeviceID: deviceID,
		Tokens:   pair,
		Device:   device,
	}, nil
}

// verifyForPurpose checks the code and rejects records minted for a
// different flow.
func (s *AuthService) verifyForPurpose(ctx context.Context, verificationID, code, purpose string) (*models.VerificationRecord, error) {
	record, err := s.verifications.VerifyCode(ctx, verificationID, code)
	if err != nil {
		return nil, err
	}
	if record.Purpose != purpose {
		return nil, ErrInvalidPurpose
	}
	return record, nil
}

func fpIP(fp *models.DeviceFingerprint) string {
	if fp == nil {
		return ""
	}
	return fp.IPAddress
}
