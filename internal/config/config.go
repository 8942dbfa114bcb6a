package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. It is loaded once at startup and
// passed explicitly to every component that needs it.
type Config struct {
	Environment string

	Server  ServerConfig
	Redis   RedisConfig
	Scylla  ScyllaConfig
	Kafka   KafkaConfig
	KMS     KMSConfig
	Auth    AuthConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// AuthConfig carries the credential-lifecycle constants. Defaults match the
// production values; tests shorten them freely.
type AuthConfig struct {
	VerificationTTL      time.Duration
	MaxVerifyAttempts    int
	RateLimitWindow      time.Duration
	MaxRequestsPerWindow int
	BcryptCost           int

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	QRChallengeTTL  time.Duration

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string

	TOTPIssuer      string
	BackupCodeCount int

	// DemoMode returns verification codes in API responses instead of relying
	// on SMS delivery. Never enable in production.
	DemoMode bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, loading a .env file
// first if one is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitAndTrim(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "whispr_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Brokers: splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "auth.security-events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "eu-west-3"),
		},
		Auth: AuthConfig{
			VerificationTTL:      getEnvDuration("VERIFICATION_TTL", 15*time.Minute),
			MaxVerifyAttempts:    getEnvInt("VERIFICATION_MAX_ATTEMPTS", 5),
			RateLimitWindow:      getEnvDuration("VERIFICATION_RATE_WINDOW", time.Hour),
			MaxRequestsPerWindow: getEnvInt("VERIFICATION_RATE_MAX", 5),
			BcryptCost:           getEnvInt("BCRYPT_COST", 10),
			AccessTokenTTL:       getEnvDuration("ACCESS_TOKEN_TTL", time.Hour),
			RefreshTokenTTL:      getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			QRChallengeTTL:       getEnvDuration("QR_CHALLENGE_TTL", 5*time.Minute),
			JWTPrivateKeyPath:    getEnv("JWT_PRIVATE_KEY_PATH", ""),
			JWTPublicKeyPath:     getEnv("JWT_PUBLIC_KEY_PATH", ""),
			TOTPIssuer:           getEnv("TOTP_ISSUER", "Whispr"),
			BackupCodeCount:      getEnvInt("BACKUP_CODE_COUNT", 10),
			DemoMode:             getEnvBool("DEMO_MODE", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
