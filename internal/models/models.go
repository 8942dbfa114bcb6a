package models

import "time"

// Verification purposes. A code issued for one purpose cannot be consumed
// under another.
const (
	PurposeRegistration = "registration"
	PurposeLogin        = "login"
	PurposeRecovery     = "recovery"
)

// WebSessionDeviceID is the synthetic device id used when a client
// authenticates without registering a physical device.
const WebSessionDeviceID = "web-session"

// User is the authentication identity bound to a phone number.
type User struct {
	ID                  string     `json:"id"`
	PhoneNumber         string     `json:"phone_number"`
	TwoFactorSecret     string     `json:"-"`
	TwoFactorEnabled    bool       `json:"two_factor_enabled"`
	LastAuthenticatedAt time.Time  `json:"last_authenticated_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

// Device is a registered client belonging to a user. A user may hold many
// devices; the logical identity is (UserID, DeviceName, DeviceType).
type Device struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	DeviceName string    `json:"device_name"`
	DeviceType string    `json:"device_type"`
	PublicKey  string    `json:"public_key"`
	IPAddress  string    `json:"ip_address,omitempty"`
	FCMToken   string    `json:"-"`
	LastActive time.Time `json:"last_active"`
	IsVerified bool      `json:"is_verified"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// VerificationRecord is a pending one-time phone verification, stored in the
// TTL cache keyed by an opaque verification id.
type VerificationRecord struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	HashedCode  string    `json:"hashed_code"`
	Purpose     string    `json:"purpose"`
	Attempts    int       `json:"attempts"`
	ExpiresAt   time.Time `json:"expires_at"`
	Verified    bool      `json:"verified"`
}

// RefreshTokenRecord is the server-side record backing a refresh token,
// keyed by the token id embedded in the JWT. Its absence means the token was
// rotated, revoked, or expired.
type RefreshTokenRecord struct {
	UserID          string `json:"user_id"`
	DeviceID        string `json:"device_id"`
	FingerprintHash string `json:"fingerprint"`
}

// QRChallenge is a pending cross-device login challenge, created by an
// authenticated device and redeemed exactly once by a scanning device.
type QRChallenge struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	PublicKey string    `json:"public_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BackupCode is a single-use 2FA fallback code. Only the bcrypt hash is
// stored.
type BackupCode struct {
	UserID    string    `json:"user_id"`
	CodeHash  string    `json:"code_hash"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenPair is the access/refresh pair returned by every successful
// authentication flow.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// DeviceFingerprint is the request metadata hashed into issued tokens to
// detect replay from a different client context.
type DeviceFingerprint struct {
	UserAgent  string `json:"user_agent"`
	IPAddress  string `json:"ip_address"`
	DeviceType string `json:"device_type"`
	Timestamp  int64  `json:"timestamp"`
}

// DeviceStats summarizes a user's device fleet.
type DeviceStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}
