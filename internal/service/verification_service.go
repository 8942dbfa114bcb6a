package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/crypto/bcrypt"

	"whispr-auth/internal/config"
	"whispr-auth/internal/models"
	"whispr-auth/internal/sms"
	"whispr-auth/internal/util"
)

// VerificationService issues and checks one-time phone verification codes.
// Each request mints a fresh opaque verification id; the record lives in the
// TTL store under that id, and the rate counter under the phone number.
type VerificationService struct {
	store  VerificationStore
	sender sms.Sender
	config *config.AuthConfig
	demo   bool
	now    func() time.Time
}

// VerificationResult is returned from RequestVerification. Code is only
// populated in demo mode.
type VerificationResult struct {
	VerificationID string        `json:"verificationId"`
	PhoneNumber    string        `json:"phoneNumber"`
	Purpose        string        `json:"purpose"`
	ExpiresIn      time.Duration `json:"expiresIn"`
	Code           string        `json:"code,omitempty"`
}

func NewVerificationService(store VerificationStore, sender sms.Sender, cfg *config.AuthConfig, demo bool) *VerificationService {
	return &VerificationService{
		store:  store,
		sender: sender,
		config: cfg,
		demo:   demo,
		now:    time.Now,
	}
}

// NormalizePhoneNumber parses the input and returns its E.164 form. Numbers
// without a country prefix are rejected.
func NormalizePhoneNumber(raw string) (string, error) {
	parsed, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhoneNumber, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", ErrInvalidPhoneNumber
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// RequestVerification generates a fresh 6-digit code for the phone number,
// stores its bcrypt hash, and dispatches the SMS out of band. Requests beyond
// the per-window limit are rejected before any code is generated.
func (s *VerificationService) RequestVerification(ctx context.Context, phoneNumber, purpose string) (*VerificationResult, error) {
	normalized, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}
	if !validPurpose(purpose) {
		return nil, ErrInvalidPurpose
	}

	count, err := s.store.RequestCount(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("checking request count: %w", err)
	}
	if count >= int64(s.config.MaxRequestsPerWindow) {
		util.Warn("verification rate limit hit",
			util.String("phone", normalized),
			util.String("purpose", purpose))
		return nil, ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generating code: %w", err)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing code: %w", err)
	}

	verificationID := uuid.NewString()
	record := &models.VerificationRecord{
		ID:          verificationID,
		PhoneNumber: normalized,
		HashedCode:  string(hashed),
		Purpose:     purpose,
		Attempts:    0,
		ExpiresAt:   s.now().Add(s.config.VerificationTTL),
		Verified:    false,
	}
	if err := s.store.Put(ctx, verificationID, record, s.config.VerificationTTL); err != nil {
		return nil, fmt.Errorf("storing verification: %w", err)
	}
	if _, err := s.store.IncrementRequests(ctx, normalized, s.config.RateLimitWindow); err != nil {
		util.Warn("incrementing request counter", util.ErrorField(err))
	}

	go func(phone, code, purpose string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sender.Send(ctx, phone, code, purpose); err != nil {
			util.Error("sending verification code",
				util.String("phone", phone),
				util.ErrorField(err))
		}
	}(normalized, code, purpose)

	result := &VerificationResult{
		VerificationID: verificationID,
		PhoneNumber:    normalized,
		Purpose:        purpose,
		ExpiresIn:      s.config.VerificationTTL,
	}
	if s.demo {
		result.Code = code
	}
	return result, nil
}

// VerifyCode checks a submitted code against the pending record and returns
// the record unconsumed. A correct code marks the record verified but leaves
// it in place, so a later call with an empty code succeeds until the record
// is consumed or expires. Each wrong code burns one of the five attempts.
func (s *VerificationService) VerifyCode(ctx context.Context, verificationID, code string) (*models.VerificationRecord, error) {
	record, err := s.store.Get(ctx, verificationID)
	if err != nil {
		return nil, fmt.Errorf("loading verification: %w", err)
	}
	if record == nil {
		return nil, ErrVerificationNotFound
	}
	if record.Verified && code == "" {
		return record, nil
	}
	if record.Attempts >= s.config.MaxVerifyAttempts {
		if err := s.store.Delete(ctx, verificationID); err != nil {
			util.Warn("deleting exhausted verification", util.ErrorField(err))
		}
		return nil, ErrTooManyAttempts
	}

	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil, ErrVerificationNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(record.HashedCode), []byte(code)) != nil {
		record.Attempts++
		if err := s.store.Put(ctx, verificationID, record, ttl); err != nil {
			util.Warn("recording failed attempt", util.ErrorField(err))
		}
		return nil, ErrInvalidCode
	}

	record.Verified = true
	if err := s.store.Put(ctx, verificationID, record, ttl); err != nil {
		return nil, fmt.Errorf("marking verification: %w", err)
	}
	return record, nil
}

// ConsumeVerification removes the record once the flow that required it has
// completed.
func (s *VerificationService) ConsumeVerification(ctx context.Context, verificationID string) error {
	return s.store.Delete(ctx, verificationID)
}

func validPurpose(purpose string) bool {
	switch purpose {
	case models.PurposeRegistration, models.PurposeLogin, models.PurposeRecovery:
		return true
	}
	return false
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
