package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

// UserRepository persists users in the users_by_phone and users_by_id tables.
// Both tables are written in a logged batch so a user is always reachable by
// either key.
type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) Save(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
		user.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	user.UpdatedAt = &now

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.InsertUserByPhone.Statement(),
		user.PhoneNumber, user.ID, user.TwoFactorSecret, user.TwoFactorEnabled,
		user.LastAuthenticatedAt, user.CreatedAt, user.UpdatedAt)

	batch.Query(r.client.Prepared.InsertUserByID.Statement(),
		user.ID, user.PhoneNumber, user.TwoFactorSecret, user.TwoFactorEnabled,
		user.LastAuthenticatedAt, user.CreatedAt, user.UpdatedAt)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save user",
			zap.String("user_id", user.ID),
			zap.Error(err))
		return fmt.Errorf("failed to save user: %w", err)
	}

	return nil
}

// FindByPhone returns nil without error when no user holds the number.
func (r *UserRepository) FindByPhone(ctx context.Context, phoneNumber string) (*models.User, error) {
	user := &models.User{}

	query := r.client.Prepared.GetUserByPhone.WithContext(ctx).Bind(phoneNumber)
	err := query.Scan(
		&user.ID, &user.PhoneNumber, &user.TwoFactorSecret, &user.TwoFactorEnabled,
		&user.LastAuthenticatedAt, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get user by phone",
			zap.String("phone_number", phoneNumber),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by phone: %w", err)
	}

	return user, nil
}

// FindByID returns nil without error when the user does not exist.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (*models.User, error) {
	user := &models.User{}

	query := r.client.Prepared.GetUserByID.WithContext(ctx).Bind(userID)
	err := query.Scan(
		&user.ID, &user.PhoneNumber, &user.TwoFactorSecret, &user.TwoFactorEnabled,
		&user.LastAuthenticatedAt, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get user by ID",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}
