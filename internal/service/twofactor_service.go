package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"

	"whispr-auth/internal/config"
	"whispr-auth/internal/encryption"
	"whispr-auth/internal/events"
	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

// TwoFactorService manages TOTP enrollment and verification. Secrets are
// stored encrypted on the user record; verification accepts a window of two
// steps either side of the current time. Single-use backup codes cover the
// lost-authenticator case.
type TwoFactorService struct {
	users       UserStore
	backupCodes BackupCodeStore
	crypto      *encryption.Manager
	config      *config.AuthConfig
	publisher   EventPublisher
	now         func() time.Time
}

// TwoFactorSetup is returned from Setup for the client to render.
type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	QRCodeImage string   `json:"qrCodeImage"`
	BackupCodes []string `json:"backupCodes"`
}

func NewTwoFactorService(users UserStore, backupCodes BackupCodeStore, crypto *encryption.Manager, cfg *config.AuthConfig, publisher EventPublisher) *TwoFactorService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &TwoFactorService{
		users:       users,
		backupCodes: backupCodes,
		crypto:      crypto,
		config:      cfg,
		publisher:   publisher,
		now:         time.Now,
	}
}

// Setup generates a TOTP secret and backup codes for the user. Enrollment is
// two-phase: nothing about the secret is persisted here, the client holds it
// and hands it back to Enable once the authenticator produces matching codes.
// The backup codes are stored hashed but stay inert until 2FA is enabled.
// Calling Setup again before enabling replaces the pending codes.
func (s *TwoFactorService) Setup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.TOTPIssuer,
		AccountName: user.PhoneNumber,
		SecretSize:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}

	plainCodes, hashedCodes, err := s.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := s.backupCodes.Replace(ctx, userID, hashedCodes); err != nil {
		return nil, fmt.Errorf("storing backup codes: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("rendering qr code: %w", err)
	}

	return &TwoFactorSetup{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCodeImage: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		BackupCodes: plainCodes,
	}, nil
}

// Enable turns 2FA on once the user proves their authenticator works by
// submitting a valid code for the secret issued at Setup. The secret is only
// persisted, encrypted, at this point.
func (s *TwoFactorService) Enable(ctx context.Context, userID, secret, code string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}
	if secret == "" {
		return ErrTwoFactorNotConfigured
	}
	if !s.validateTOTP(code, secret) {
		return ErrInvalidTwoFactorCode
	}

	encrypted, err := s.crypto.EncryptString(ctx, secret)
	if err != nil {
		return fmt.Errorf("encrypting secret: %w", err)
	}
	user.TwoFactorSecret = encrypted
	user.TwoFactorEnabled = true
	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeTwoFactorEnabled,
		UserID:    userID,
		Timestamp: s.now(),
	})
	util.Info("two-factor enabled", util.String("user_id", userID))
	return nil
}

// Verify checks a TOTP code, falling back to the user's single-use backup
// codes when the TOTP check fails.
func (s *TwoFactorService) Verify(ctx context.Context, userID, code string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		return ErrTwoFactorNotConfigured
	}

	secret, err := s.crypto.DecryptString(ctx, user.TwoFactorSecret)
	if err != nil {
		return fmt.Errorf("decrypting secret: %w", err)
	}
	if s.validateTOTP(code, secret) {
		return nil
	}
	return s.consumeBackupCode(ctx, userID, code)
}

// Disable turns 2FA off. The caller must prove possession of a valid code
// first; the stored secret and remaining backup codes are discarded.
func (s *TwoFactorService) Disable(ctx context.Context, userID, code string) error {
	if err := s.Verify(ctx, userID, code); err != nil {
		if err == ErrInvalidTwoFactorCode {
			return ErrUnauthorized
		}
		return err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	if err := s.backupCodes.DeleteAll(ctx, userID); err != nil {
		util.Warn("deleting backup codes", util.ErrorField(err))
	}
	s.publisher.Publish(events.SecurityEvent{
		Type:      events.TypeTwoFactorDisabled,
		UserID:    userID,
		Timestamp: s.now(),
	})
	util.Info("two-factor disabled", util.String("user_id", userID))
	return nil
}

// RegenerateBackupCodes replaces the user's backup codes with a fresh set.
// Requires a valid 2FA code.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	if err := s.Verify(ctx, userID, code); err != nil {
		return nil, err
	}
	plainCodes, hashedCodes, err := s.generateBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := s.backupCodes.Replace(ctx, userID, hashedCodes); err != nil {
		return nil, fmt.Errorf("storing backup codes: %w", err)
	}
	return plainCodes, nil
}

// IsEnabled reports whether the user has 2FA turned on.
func (s *TwoFactorService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user != nil && user.TwoFactorEnabled, nil
}

func (s *TwoFactorService) validateTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      2,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *TwoFactorService) consumeBackupCode(ctx context.Context, userID, code string) error {
	codes, err := s.backupCodes.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading backup codes: %w", err)
	}
	for _, bc := range codes {
		if bc.Used {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(bc.CodeHash), []byte(code)) == nil {
			if err := s.backupCodes.MarkUsed(ctx, userID, bc.CodeHash); err != nil {
				return fmt.Errorf("consuming backup code: %w", err)
			}
			util.Info("backup code used", util.String("user_id", userID))
			return nil
		}
	}
	return ErrInvalidTwoFactorCode
}

func (s *TwoFactorService) generateBackupCodes(userID string) ([]string, []*models.BackupCode, error) {
	now := s.now()
	plain := make([]string, 0, s.config.BackupCodeCount)
	hashed := make([]*models.BackupCode, 0, s.config.BackupCodeCount)
	for i := 0; i < s.config.BackupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), s.config.BcryptCost)
		if err != nil {
			return nil, nil, fmt.Errorf("hashing backup code: %w", err)
		}
		plain = append(plain, code)
		hashed = append(hashed, &models.BackupCode{
			UserID:    userID,
			CodeHash:  string(hash),
			Used:      false,
			CreatedAt: now,
		})
	}
	return plain, hashed, nil
}

func generateBackupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
