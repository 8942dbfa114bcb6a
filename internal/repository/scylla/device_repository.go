package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whispr-auth/internal/bucketing"
	"whispr-auth/internal/models"
	"whispr-auth/internal/util"
)

// DeviceRepository persists devices partitioned by (user_bucket, user_id),
// with a device_id lookup table for reverse resolution. Buckets keep wide
// user partitions spread across the cluster.
type DeviceRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.Manager
}

func NewDeviceRepository(client *ScyllaClient, bucketing *bucketing.Manager) *DeviceRepository {
	return &DeviceRepository{
		client:    client,
		bucketing: bucketing,
	}
}

func (r *DeviceRepository) Save(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		device.ID = uuid.New().String()
		device.CreatedAt = time.Now().UTC()
	}

	bucket := r.bucketing.UserBucket(device.UserID)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.UpsertDevice.Statement(),
		bucket, device.UserID, device.ID, device.DeviceName, device.DeviceType,
		device.PublicKey, device.IPAddress, device.FCMToken, device.LastActive,
		device.IsVerified, device.IsActive, device.CreatedAt)

	batch.Query(r.client.Prepared.InsertDeviceLookup.Statement(),
		device.ID, device.UserID, bucket)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save device",
			zap.String("user_id", device.UserID),
			zap.String("device_id", device.ID),
			zap.Error(err))
		return fmt.Errorf("failed to save device: %w", err)
	}

	return nil
}

// FindByID resolves a device through the lookup table. Returns nil without
// error when the device does not exist.
func (r *DeviceRepository) FindByID(ctx context.Context, deviceID string) (*models.Device, error) {
	var userID string
	var bucket int

	err := r.client.Prepared.GetDeviceLookup.WithContext(ctx).Bind(deviceID).Scan(&userID, &bucket)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	devices, err := r.listPartition(ctx, bucket, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return d, nil
		}
	}
	return nil, nil
}

// FindByIdentity returns the device matching the logical identity
// (userID, deviceName, deviceType), or nil when none exists.
func (r *DeviceRepository) FindByIdentity(ctx context.Context, userID, deviceName, deviceType string) (*models.Device, error) {
	devices, err := r.listPartition(ctx, r.bucketing.UserBucket(userID), userID)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.DeviceName == deviceName && d.DeviceType == deviceType {
			return d, nil
		}
	}
	return nil, nil
}

// ListByUser returns all of a user's devices ordered by last_active
// descending.
func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	devices, err := r.listPartition(ctx, r.bucketing.UserBucket(userID), userID)
	if err != nil {
		return nil, err
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastActive.After(devices[j].LastActive)
	})
	return devices, nil
}

func (r *DeviceRepository) Delete(ctx context.Context, userID, deviceID string) error {
	bucket := r.bucketing.UserBucket(userID)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.DeleteDevice.Statement(), bucket, userID, deviceID)
	batch.Query(r.client.Prepared.DeleteDeviceLookup.Statement(), deviceID)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete device",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to delete device: %w", err)
	}

	return nil
}

func (r *DeviceRepository) listPartition(ctx context.Context, bucket int, userID string) ([]*models.Device, error) {
	iter := r.client.Prepared.GetDevicesByUser.WithContext(ctx).Bind(bucket, userID).Iter()

	var devices []*models.Device
	for {
		d := &models.Device{UserID: userID}
		if !iter.Scan(&d.ID, &d.DeviceName, &d.DeviceType, &d.PublicKey,
			&d.IPAddress, &d.FCMToken, &d.LastActive, &d.IsVerified,
			&d.IsActive, &d.CreatedAt) {
			break
		}
		devices = append(devices, d)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}
