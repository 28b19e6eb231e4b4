package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"auth-engine/internal/audit"
	"auth-engine/internal/bucketing"
	"auth-engine/internal/client"
	"auth-engine/internal/config"
	"auth-engine/internal/encryption"
	"auth-engine/internal/hashing"
	redisrepo "auth-engine/internal/repository/redis"
	"auth-engine/internal/repository/scylla"
	"auth-engine/internal/service"
	"auth-engine/internal/tls"
	"auth-engine/internal/token"
	"auth-engine/internal/totp"
	"auth-engine/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenManager      *token.Manager
	totpManager       *totp.Manager

	// Repositories and caches
	accountRepository      *scylla.AccountRepository
	deviceRepository       *scylla.DeviceRepository
	sessionRepository      *scylla.SessionRepository
	secondFactorRepository *scylla.SecondFactorRepository
	projectionCache        *redisrepo.ProjectionCache
	challengeCache         *redisrepo.ChallengeCache
	rateLimitCache         *redisrepo.RateLimitCache
	accountLocker          *redisrepo.AccountLocker

	// Audit and services
	auditRecorder    *audit.Recorder
	sessionService   *service.SessionService
	deviceService    *service.DeviceService
	challengeService *service.ChallengeService
	recoveryService  *service.RecoveryService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients brings up external service clients with health checks.
// In development a missing backend degrades to a warning; production fails
// hard.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Audit fan-out is best effort, so Kafka never blocks startup.
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = c
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		kmsClient = nil // resolved lazily by the encryption manager
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.tokenManager = token.NewManager(f.config)
	f.totpManager = totp.NewManager(
		f.config.Challenge.TOTPIssuer,
		f.config.Challenge.TOTPPeriod,
		f.config.Challenge.TOTPDigits,
		f.config.Challenge.TOTPSkew,
	)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// ==============================
// Repositories and caches
// ==============================

func (f *Factory) AccountRepository() *scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.ScyllaClient(), f.BucketingManager())
	}
	return f.accountRepository
}

func (f *Factory) DeviceRepository() *scylla.DeviceRepository {
	if f.deviceRepository == nil {
		f.deviceRepository = scylla.NewDeviceRepository(f.ScyllaClient())
	}
	return f.deviceRepository
}

func (f *Factory) SessionRepository() *scylla.SessionRepository {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.ScyllaClient())
	}
	return f.sessionRepository
}

func (f *Factory) SecondFactorRepository() *scylla.SecondFactorRepository {
	if f.secondFactorRepository == nil {
		f.secondFactorRepository = scylla.NewSecondFactorRepository(f.ScyllaClient())
	}
	return f.secondFactorRepository
}

func (f *Factory) ProjectionCache() *redisrepo.ProjectionCache {
	if f.projectionCache == nil {
		f.projectionCache = redisrepo.NewProjectionCache(f.redisClient)
	}
	return f.projectionCache
}

func (f *Factory) ChallengeCache() *redisrepo.ChallengeCache {
	if f.challengeCache == nil {
		f.challengeCache = redisrepo.NewChallengeCache(f.redisClient)
	}
	return f.challengeCache
}

func (f *Factory) RateLimitCache() *redisrepo.RateLimitCache {
	if f.rateLimitCache == nil {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient)
	}
	return f.rateLimitCache
}

func (f *Factory) AccountLocker() *redisrepo.AccountLocker {
	if f.accountLocker == nil {
		f.accountLocker = redisrepo.NewAccountLocker(f.redisClient)
	}
	return f.accountLocker
}

// ==============================
// Audit and services
// ==============================

func (f *Factory) AuditRecorder() (*audit.Recorder, error) {
	if f.auditRecorder == nil {
		recorder, err := audit.NewRecorder(
			f.config,
			f.clickhouseClient,
			f.kafkaProducer,
			f.esClient,
			f.BucketingManager(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit recorder: %w", err)
		}
		f.auditRecorder = recorder
	}
	return f.auditRecorder, nil
}

func (f *Factory) SessionService() (*service.SessionService, error) {
	if f.sessionService == nil {
		recorder, err := f.AuditRecorder()
		if err != nil {
			return nil, err
		}
		f.sessionService = service.NewSessionService(
			f.config,
			f.AccountRepository(),
			f.DeviceRepository(),
			f.SessionRepository(),
			f.ProjectionCache(),
			f.AccountLocker(),
			recorder,
			f.tokenManager,
			f.hasher,
		)
	}
	return f.sessionService, nil
}

func (f *Factory) DeviceService() (*service.DeviceService, error) {
	if f.deviceService == nil {
		recorder, err := f.AuditRecorder()
		if err != nil {
			return nil, err
		}
		f.deviceService = service.NewDeviceService(
			f.config,
			f.DeviceRepository(),
			f.SessionRepository(),
			f.ProjectionCache(),
			f.AccountLocker(),
			recorder,
		)
	}
	return f.deviceService, nil
}

func (f *Factory) ChallengeService() (*service.ChallengeService, error) {
	if f.challengeService == nil {
		recorder, err := f.AuditRecorder()
		if err != nil {
			return nil, err
		}
		f.challengeService = service.NewChallengeService(
			f.config,
			f.AccountRepository(),
			f.SecondFactorRepository(),
			f.ChallengeCache(),
			f.RateLimitCache(),
			f.ProjectionCache(),
			service.NewLoggingNotifier(),
			service.NewStubPasskeyVerifier(),
			recorder,
			f.hasher,
			f.totpManager,
			f.encryptionManager,
		)
	}
	return f.challengeService, nil
}

func (f *Factory) RecoveryService() (*service.RecoveryService, error) {
	if f.recoveryService == nil {
		recorder, err := f.AuditRecorder()
		if err != nil {
			return nil, err
		}
		f.recoveryService = service.NewRecoveryService(
			f.config,
			f.AccountRepository(),
			f.SessionRepository(),
			f.SecondFactorRepository(),
			f.ChallengeCache(),
			f.RateLimitCache(),
			f.ProjectionCache(),
			service.NewLoggingNotifier(),
			recorder,
			f.hasher,
			f.encryptionManager,
		)
	}
	return f.recoveryService, nil
}

// ==============================
// Health checks
// ==============================

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

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

// IsHealthy ignores Kafka: the audit fan-out degrades without it but the
// engine keeps serving.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) TokenManager() *token.Manager {
	return f.tokenManager
}
