package service

import "errors"

// Sentinel errors returned by the services. The HTTP layer maps these to
// status codes; everything else surfaces as an internal error.
var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrInvalidPurpose     = errors.New("invalid verification purpose")
	ErrRateLimited        = errors.New("too many verification requests")

	ErrVerificationNotFound = errors.New("verification not found or expired")
	ErrTooManyAttempts      = errors.New("too many verification attempts")
	ErrInvalidCode          = errors.New("invalid verification code")

	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrUnauthorized = errors.New("unauthorized")

	ErrTokenRevoked        = errors.New("token revoked")
	ErrFingerprintMismatch = errors.New("token fingerprint mismatch")

	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidChallenge   = errors.New("invalid login challenge")
	ErrChallengeForbidden = errors.New("challenge issued for another device")
	ErrChallengeExpired   = errors.New("login challenge expired")

	ErrTwoFactorRequired       = errors.New("two-factor code required")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	ErrTwoFactorNotConfigured  = errors.New("two-factor not configured")
	ErrInvalidTwoFactorCode    = errors.New("invalid two-factor code")
)
