package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"whispr-auth/internal/client"
	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

const (
	verificationPrefix = "verification:"
	rateLimitPrefix    = "rate_limit:"
)

// VerificationCache stores pending verification records and the per-phone
// request counters. Expiry is handled entirely by Redis TTLs.
type VerificationCache struct {
	client *client.RedisClient
}

func NewVerificationCache(client *client.RedisClient) *VerificationCache {
	return &VerificationCache{client: client}
}

func (c *VerificationCache) Put(ctx context.Context, verificationID string, record *models.VerificationRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal verification record: %w", err)
	}

	key := verificationPrefix + verificationID
	if err := c.client.Set(ctx, key, data, ttl); err != nil {
		util.Error("Failed to store verification record",
			zap.String("verification_id", verificationID),
			zap.Error(err))
		return fmt.Errorf("failed to store verification record: %w", err)
	}

	util.Debug("Verification record cached",
		zap.String("verification_id", verificationID),
		zap.String("purpose", record.Purpose),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns nil without error when the record is absent or expired.
func (c *VerificationCache) Get(ctx context.Context, verificationID string) (*models.VerificationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, verificationPrefix+verificationID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read verification record: %w", err)
	}

	var record models.VerificationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupt verification record: %w", err)
	}
	return &record, nil
}

func (c *VerificationCache) Delete(ctx context.Context, verificationID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, verificationPrefix+verificationID); err != nil {
		util.Error("Failed to delete verification record",
			zap.String("verification_id", verificationID),
			zap.Error(err))
		return fmt.Errorf("failed to delete verification record: %w", err)
	}
	return nil
}

// IncrementRequests bumps the request counter for a phone and refreshes the
// window expiry, returning the new count.
func (c *VerificationCache) IncrementRequests(ctx context.Context, phoneNumber string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+phoneNumber, window)
	if err != nil {
		return 0, fmt.Errorf("failed to increment request counter: %w", err)
	}
	return count, nil
}

// RequestCount returns the current counter for a phone, zero when absent.
func (c *VerificationCache) RequestCount(ctx context.Context, phoneNumber string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, rateLimitPrefix+phoneNumber)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read request counter: %w", err)
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request counter format: %w", err)
	}
	return count, nil
}
