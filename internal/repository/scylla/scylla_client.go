package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"whispr-auth/internal/config"
	"whispr-auth/internal/util"
)

// PreparedStatements holds every statement the repositories execute.
type PreparedStatements struct {
	InsertUserByPhone *gocql.Query
	InsertUserByID    *gocql.Query
	GetUserByPhone    *gocql.Query
	GetUserByID       *gocql.Query

	UpsertDevice       *gocql.Query
	InsertDeviceLookup *gocql.Query
	GetDeviceLookup    *gocql.Query
	GetDevicesByUser   *gocql.Query
	DeleteDevice       *gocql.Query
	DeleteDeviceLookup *gocql.Query

	InsertBackupCode   *gocql.Query
	GetBackupCodes     *gocql.Query
	MarkBackupCodeUsed *gocql.Query
	DeleteBackupCodes  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	s.Prepared = &PreparedStatements{
		InsertUserByPhone: s.Session.Query(`
			INSERT INTO users_by_phone (phone_number, user_id, two_factor_secret,
				two_factor_enabled, last_authenticated_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		InsertUserByID: s.Session.Query(`
			INSERT INTO users_by_id (user_id, phone_number, two_factor_secret,
				two_factor_enabled, last_authenticated_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		GetUserByPhone: s.Session.Query(`
			SELECT user_id, phone_number, two_factor_secret, two_factor_enabled,
				last_authenticated_at, created_at, updated_at
			FROM users_by_phone WHERE phone_number = ?`),
		GetUserByID: s.Session.Query(`
			SELECT user_id, phone_number, two_factor_secret, two_factor_enabled,
				last_authenticated_at, created_at, updated_at
			FROM users_by_id WHERE user_id = ?`),

		UpsertDevice: s.Session.Query(`
			INSERT INTO devices_by_user (user_bucket, user_id, device_id, device_name,
				device_type, public_key, ip_address, fcm_token, last_active,
				is_verified, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		InsertDeviceLookup: s.Session.Query(`
			INSERT INTO device_to_user (device_id, user_id, user_bucket)
			VALUES (?, ?, ?)`),
		GetDeviceLookup: s.Session.Query(`
			SELECT user_id, user_bucket FROM device_to_user WHERE device_id = ?`),
		GetDevicesByUser: s.Session.Query(`
			SELECT device_id, device_name, device_type, public_key, ip_address,
				fcm_token, last_active, is_verified, is_active, created_at
			FROM devices_by_user WHERE user_bucket = ? AND user_id = ?`),
		DeleteDevice: s.Session.Query(`
			DELETE FROM devices_by_user
			WHERE user_bucket = ? AND user_id = ? AND device_id = ?`),
		DeleteDeviceLookup: s.Session.Query(`
			DELETE FROM device_to_user WHERE device_id = ?`),

		InsertBackupCode: s.Session.Query(`
			INSERT INTO backup_codes_by_user (user_id, code_hash, used, created_at)
			VALUES (?, ?, ?, ?)`),
		GetBackupCodes: s.Session.Query(`
			SELECT code_hash, used, created_at
			FROM backup_codes_by_user WHERE user_id = ?`),
		MarkBackupCodeUsed: s.Session.Query(`
			UPDATE backup_codes_by_user SET used = true
			WHERE user_id = ? AND code_hash = ?`),
		DeleteBackupCodes: s.Session.Query(`
			DELETE FROM backup_codes_by_user WHERE user_id = ?`),
	}

	s.isPrepared = true
	return nil
}

// ExecuteBatch runs a logged batch with a bounded context.
func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Session.ExecuteBatch(batch.WithContext(ctx))
}

func (s *ScyllaClient) HealthCheck() error {
	return s.Session.Query(`SELECT now() FROM system.local`).Exec()
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
	}
}
