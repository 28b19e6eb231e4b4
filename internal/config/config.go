package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Session       SessionConfig
	Challenge     ChallengeConfig
	Recovery      RecoveryConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
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
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

// SessionConfig carries the trust-tier expiry policy. Trusted devices get
// the long window; untrusted or deviceless sessions get the short one.
type SessionConfig struct {
	TrustedTTL      time.Duration
	UntrustedTTL    time.Duration
	TokenSigningKey string
	TokenIssuer     string
}

type ChallengeConfig struct {
	CodeTTL     time.Duration
	CodeDigits  int
	MaxAttempts int
	IssueLimit  int
	IssueWindow time.Duration
	SetupTTL    time.Duration
	BackupCodes int
	TOTPIssuer  string
	TOTPPeriod  int
	TOTPDigits  int
	TOTPSkew    int
}

type RecoveryConfig struct {
	GrantTTL      time.Duration
	WindowLimit   int
	Window        time.Duration
	LockoutPeriod time.Duration
	MaxFailures   int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var global *Config

// Get returns the last loaded configuration. Callers that cannot thread
// the config through (health checks, loggers) use this.
func Get() *Config {
	if global == nil {
		global = LoadConfig()
	}
	return global
}

// LoadConfig reads configuration from the environment, with a .env file as
// a development convenience. Missing values fall back to dev defaults.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
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
			Nodes:    splitList(getEnv("SCYLLA_NODES", "127.0.0.1")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "auth_engine"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_audit"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
			PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 90),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 256),
			EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
		},
		Session: SessionConfig{
			TrustedTTL:      getEnvDuration("SESSION_TRUSTED_TTL", 150*24*time.Hour),
			UntrustedTTL:    getEnvDuration("SESSION_UNTRUSTED_TTL", 20*24*time.Hour),
			TokenSigningKey: getEnv("SESSION_TOKEN_KEY", "dev-only-signing-key-change-me"),
			TokenIssuer:     getEnv("SESSION_TOKEN_ISSUER", "auth-engine"),
		},
		Challenge: ChallengeConfig{
			CodeTTL:     getEnvDuration("CHALLENGE_CODE_TTL", 5*time.Minute),
			CodeDigits:  getEnvInt("CHALLENGE_CODE_DIGITS", 6),
			MaxAttempts: getEnvInt("CHALLENGE_MAX_ATTEMPTS", 5),
			IssueLimit:  getEnvInt("CHALLENGE_ISSUE_LIMIT", 5),
			IssueWindow: getEnvDuration("CHALLENGE_ISSUE_WINDOW", 15*time.Minute),
			SetupTTL:    getEnvDuration("CHALLENGE_SETUP_TTL", 10*time.Minute),
			BackupCodes: getEnvInt("CHALLENGE_BACKUP_CODES", 10),
			TOTPIssuer:  getEnv("TOTP_ISSUER", "auth-engine"),
			TOTPPeriod:  getEnvInt("TOTP_PERIOD", 30),
			TOTPDigits:  getEnvInt("TOTP_DIGITS", 6),
			TOTPSkew:    getEnvInt("TOTP_SKEW", 1),
		},
		Recovery: RecoveryConfig{
			GrantTTL:      getEnvDuration("RECOVERY_GRANT_TTL", 15*time.Minute),
			WindowLimit:   getEnvInt("RECOVERY_WINDOW_LIMIT", 10),
			Window:        getEnvDuration("RECOVERY_WINDOW", time.Hour),
			LockoutPeriod: getEnvDuration("RECOVERY_LOCKOUT_PERIOD", 30*time.Minute),
			MaxFailures:   getEnvInt("RECOVERY_MAX_FAILURES", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	global = cfg
	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
