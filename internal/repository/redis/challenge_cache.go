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

const qrChallengePrefix = "qr_challenge:"

// ChallengeCache stores pending QR login challenges, single-use and
// TTL-bounded.
type ChallengeCache struct {
	client *client.RedisClient
}

func NewChallengeCache(client *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{client: client}
}

func (c *ChallengeCache) Put(ctx context.Context, challengeID string, challenge *models.QRChallenge, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal QR challenge: %w", err)
	}

	if err := c.client.Set(ctx, qrChallengePrefix+challengeID, data, ttl); err != nil {
		util.Error("Failed to store QR challenge",
			zap.String("challenge_id", challengeID),
			zap.Error(err))
		return fmt.Errorf("failed to store QR challenge: %w", err)
	}

	util.Debug("QR challenge cached",
		zap.String("challenge_id", challengeID),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns nil without error when the challenge is absent or expired.
func (c *ChallengeCache) Get(ctx context.Context, challengeID string) (*models.QRChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, qrChallengePrefix+challengeID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read QR challenge: %w", err)
	}

	var challenge models.QRChallenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		return nil, fmt.Errorf("corrupt QR challenge: %w", err)
	}
	return &challenge, nil
}

func (c *ChallengeCache) Delete(ctx context.Context, challengeID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, qrChallengePrefix+challengeID); err != nil {
		return fmt.Errorf("failed to delete QR challenge: %w", err)
	}
	return nil
}
