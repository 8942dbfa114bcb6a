package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"whispr-auth/internal/bucketing"
	"whispr-auth/internal/client"
	"whispr-auth/internal/config"
	"whispr-auth/internal/encryption"
	"whispr-auth/internal/events"
	redisrepo "whispr-auth/internal/repository/redis"
	"whispr-auth/internal/repository/scylla"
	"whispr-auth/internal/service"
	"whispr-auth/internal/signing"
	"whispr-auth/internal/sms"
	"whispr-auth/internal/util"
)

const deviceBuckets = 64

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	kafkaProducer *client.KafkaProducer

	signer            *signing.Signer
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	publisher         *events.Publisher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes every client and manager.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("initializing clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		return nil, fmt.Errorf("initializing managers: %w", err)
	}

	util.Info("factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("redis client initialized")
		}
	}

	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("scylla client initialized")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("kafka producer unavailable, events disabled", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("kafka producer initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

func (f *Factory) initializeManagers() error {
	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewManager(deviceBuckets)
	f.publisher = events.NewPublisher(f.kafkaProducer, f.config, util.Get())

	signer, err := signing.NewSigner(f.config)
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}
	f.signer = signer
	return nil
}

func (f *Factory) Config() *config.Config { return f.config }

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var publisher service.EventPublisher = service.NopPublisher{}
		if f.kafkaProducer != nil {
			publisher = f.publisher
		}
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.signer,
			f.encryptionManager,
			sms.NewLogSender(util.Get()),
			publisher,
			redisrepo.NewVerificationCache(f.redisClient),
			redisrepo.NewTokenCache(f.redisClient),
			redisrepo.NewChallengeCache(f.redisClient),
			scylla.NewUserRepository(f.scyllaClient),
			scylla.NewDeviceRepository(f.scyllaClient, f.bucketingManager),
			scylla.NewBackupCodeRepository(f.scyllaClient),
		)
	}
	return f.serviceFactory
}

// HealthCheck probes every initialized client and reports per-name errors.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// Close shuts down every client. Safe to call more than once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Warn("closing kafka producer", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Warn("closing redis client", util.ErrorField(err))
			}
		}
		util.Info("factory closed")
		util.Sync()
	})
}
