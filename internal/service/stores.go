package service

import (
	"context"
	"time"

	"whispr-auth/internal/events"
	"whispr-auth/internal/models"
)

// The services depend on these narrow collaborator interfaces rather than on
// the Redis and Scylla repositories directly. Store lookups signal absence by
// returning (nil, nil); absence of a TTL-bound record means it expired.

// VerificationStore holds pending verification records keyed by opaque id,
// plus the per-phone request counters.
type VerificationStore interface {
	Put(ctx context.Context, verificationID string, record *models.VerificationRecord, ttl time.Duration) error
	Get(ctx context.Context, verificationID string) (*models.VerificationRecord, error)
	Delete(ctx context.Context, verificationID string) error
	IncrementRequests(ctx context.Context, phoneNumber string, window time.Duration) (int64, error)
	RequestCount(ctx context.Context, phoneNumber string) (int64, error)
}

// TokenStore holds refresh-token side records and revocation flags.
type TokenStore interface {
	PutRefresh(ctx context.Context, tokenID string, record *models.RefreshTokenRecord, ttl time.Duration) error
	GetRefresh(ctx context.Context, tokenID string) (*models.RefreshTokenRecord, error)
	DeleteRefresh(ctx context.Context, tokenID string) error
	MarkTokenRevoked(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
	MarkDeviceRevoked(ctx context.Context, deviceID string, ttl time.Duration) error
	IsDeviceRevoked(ctx context.Context, deviceID string) (bool, error)
}

// ChallengeStore holds pending QR login challenges.
type ChallengeStore interface {
	Put(ctx context.Context, challengeID string, challenge *models.QRChallenge, ttl time.Duration) error
	Get(ctx context.Context, challengeID string) (*models.QRChallenge, error)
	Delete(ctx context.Context, challengeID string) error
}

// UserStore is the credential-store boundary for users.
type UserStore interface {
	Save(ctx context.Context, user *models.User) error
	FindByPhone(ctx context.Context, phoneNumber string) (*models.User, error)
	FindByID(ctx context.Context, userID string) (*models.User, error)
}

// DeviceStore is the credential-store boundary for devices.
type DeviceStore interface {
	Save(ctx context.Context, device *models.Device) error
	FindByID(ctx context.Context, deviceID string) (*models.Device, error)
	FindByIdentity(ctx context.Context, userID, deviceName, deviceType string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Device, error)
	Delete(ctx context.Context, userID, deviceID string) error
}

// BackupCodeStore persists single-use 2FA fallback codes.
type BackupCodeStore interface {
	Replace(ctx context.Context, userID string, codes []*models.BackupCode) error
	List(ctx context.Context, userID string) ([]*models.BackupCode, error)
	MarkUsed(ctx context.Context, userID, codeHash string) error
	DeleteAll(ctx context.Context, userID string) error
}

// EventPublisher emits security events after a state transition commits.
// Implementations must never block or fail the calling flow.
type EventPublisher interface {
	Publish(event events.SecurityEvent)
}

// NopPublisher discards events. Used when Kafka is disabled and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(events.SecurityEvent) {}
