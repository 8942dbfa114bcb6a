package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"whispr-auth/internal/client"
	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

const (
	refreshTokenPrefix  = "refresh_token:"
	revokedTokenPrefix  = "revoked:"
	revokedDevicePrefix = "revoked_device:"
)

// TokenCache stores refresh-token side records and revocation flags. A
// refresh token is live exactly as long as its side record exists.
type TokenCache struct {
	client *client.RedisClient
}

func NewTokenCache(client *client.RedisClient) *TokenCache {
	return &TokenCache{client: client}
}

func (c *TokenCache) PutRefresh(ctx context.Context, tokenID string, record *models.RefreshTokenRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	if err := c.client.Set(ctx, refreshTokenPrefix+tokenID, data, ttl); err != nil {
		util.Error("Failed to store refresh token record",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to store refresh token record: %w", err)
	}
	return nil
}

// GetRefresh returns nil without error when the record is absent: the token
// was rotated, revoked, or aged out.
func (c *TokenCache) GetRefresh(ctx context.Context, tokenID string) (*models.RefreshTokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, refreshTokenPrefix+tokenID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read refresh token record: %w", err)
	}

	var record models.RefreshTokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	return &record, nil
}

func (c *TokenCache) DeleteRefresh(ctx context.Context, tokenID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, refreshTokenPrefix+tokenID); err != nil {
		return fmt.Errorf("failed to delete refresh token record: %w", err)
	}
	return nil
}

// MarkTokenRevoked flags an individual token id until its natural expiry.
func (c *TokenCache) MarkTokenRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, revokedTokenPrefix+tokenID, time.Now().Unix(), ttl); err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	return nil
}

func (c *TokenCache) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists, nil
}

// MarkDeviceRevoked sets the coarse per-device revocation flag. There is no
// reverse index from device to token ids; validation consults this flag
// instead.
func (c *TokenCache) MarkDeviceRevoked(ctx context.Context, deviceID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, revokedDevicePrefix+deviceID, "true", ttl); err != nil {
		util.Error("Failed to mark device revoked",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to mark device revoked: %w", err)
	}

	util.Info("Device tokens revoked", zap.String("device_id", deviceID))
	return nil
}

func (c *TokenCache) IsDeviceRevoked(ctx context.Context, deviceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, revokedDevicePrefix+deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to check device revocation: %w", err)
	}
	return exists, nil
}
