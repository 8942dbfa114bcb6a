package scylla

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

// BackupCodeRepository persists 2FA backup code hashes, clustered under the
// owning user.
type BackupCodeRepository struct {
	client *ScyllaClient
}

func NewBackupCodeRepository(client *ScyllaClient) *BackupCodeRepository {
	return &BackupCodeRepository{client: client}
}

// Replace atomically swaps a user's backup code set for a new batch.
func (r *BackupCodeRepository) Replace(ctx context.Context, userID string, codes []*models.BackupCode) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeleteBackupCodes.Statement(), userID)
	for _, code := range codes {
		batch.Query(r.client.Prepared.InsertBackupCode.Statement(),
			userID, code.CodeHash, code.Used, code.CreatedAt)
	}

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to replace backup codes",
			zap.String("user_id", userID),
			zap.Int("count", len(codes)),
			zap.Error(err))
		return fmt.Errorf("failed to replace backup codes: %w", err)
	}

	return nil
}

func (r *BackupCodeRepository) List(ctx context.Context, userID string) ([]*models.BackupCode, error) {
	iter := r.client.Prepared.GetBackupCodes.WithContext(ctx).Bind(userID).Iter()

	var codes []*models.BackupCode
	for {
		c := &models.BackupCode{UserID: userID}
		if !iter.Scan(&c.CodeHash, &c.Used, &c.CreatedAt) {
			break
		}
		codes = append(codes, c)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	return codes, nil
}

func (r *BackupCodeRepository) MarkUsed(ctx context.Context, userID, codeHash string) error {
	q := r.client.Prepared.MarkBackupCodeUsed.WithContext(ctx).Bind(userID, codeHash)
	if err := q.Exec(); err != nil {
		return fmt.Errorf("failed to mark backup code used: %w", err)
	}
	return nil
}

func (r *BackupCodeRepository) DeleteAll(ctx context.Context, userID string) error {
	q := r.client.Prepared.DeleteBackupCodes.WithContext(ctx).Bind(userID)
	if err := q.Exec(); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	return nil
}
