package service

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"auth-engine/internal/client"
	"auth-engine/internal/config"
	"auth-engine/internal/encryption"
	"auth-engine/internal/hashing"
	redisrepo "auth-engine/internal/repository/redis"
	"auth-engine/internal/token"
	"auth-engine/internal/totp"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
		Bucketing: config.BucketingConfig{
			AccountBuckets: 16,
			EventBuckets:   16,
		},
		Session: config.SessionConfig{
			TrustedTTL:      150 * 24 * time.Hour,
			UntrustedTTL:    20 * 24 * time.Hour,
			TokenSigningKey: "test-signing-key-not-for-production",
			TokenIssuer:     "auth-engine-test",
		},
		Challenge: config.ChallengeConfig{
			CodeTTL:     5 * time.Minute,
			CodeDigits:  6,
			MaxAttempts: 5,
			IssueLimit:  10,
			IssueWindow: time.Hour,
			SetupTTL:    10 * time.Minute,
			BackupCodes: 10,
			TOTPIssuer:  "AuthEngineTest",
			TOTPPeriod:  30,
			TOTPDigits:  6,
			TOTPSkew:    1,
		},
		Recovery: config.RecoveryConfig{
			GrantTTL:      15 * time.Minute,
			WindowLimit:   10,
			Window:        time.Hour,
			LockoutPeriod: 30 * time.Minute,
			MaxFailures:   3,
		},
	}
}

type testEnv struct {
	cfg      *config.Config
	accounts *fakeAccountRepo
	devices  *fakeDeviceRepo
	sessions *fakeSessionRepo
	factors  *fakeSecondFactorRepo
	audit    *fakeAudit
	notifier *captureNotifier

	hasher *hashing.Hasher
	tokens *token.Manager
	totp   *totp.Manager

	sessionService   *SessionService
	deviceService    *DeviceService
	challengeService *ChallengeService
	recoveryService  *RecoveryService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, newTestConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	env := &testEnv{
		cfg:      cfg,
		accounts: newFakeAccountRepo(),
		devices:  newFakeDeviceRepo(),
		sessions: newFakeSessionRepo(),
		factors:  newFakeSecondFactorRepo(),
		audit:    &fakeAudit{},
		notifier: &captureNotifier{},
		hasher:   hashing.NewHasher(cfg),
		tokens:   token.NewManager(cfg),
		totp: totp.NewManager(
			cfg.Challenge.TOTPIssuer,
			cfg.Challenge.TOTPPeriod,
			cfg.Challenge.TOTPDigits,
			cfg.Challenge.TOTPSkew,
		),
	}

	projections := redisrepo.NewProjectionCache(redisClient)
	challenges := redisrepo.NewChallengeCache(redisClient)
	limits := redisrepo.NewRateLimitCache(redisClient)
	locker := redisrepo.NewAccountLocker(redisClient)
	enc := encryption.NewEncryptionManager(cfg, nil)

	env.sessionService = NewSessionService(
		cfg, env.accounts, env.devices, env.sessions,
		projections, locker, env.audit, env.tokens, env.hasher,
	)
	env.deviceService = NewDeviceService(
		cfg, env.devices, env.sessions, projections, locker, env.audit,
	)
	env.challengeService = NewChallengeService(
		cfg, env.accounts, env.factors, challenges, limits, projections,
		env.notifier, NewStubPasskeyVerifier(), env.audit,
		env.hasher, env.totp, enc,
	)
	env.recoveryService = NewRecoveryService(
		cfg, env.accounts, env.sessions, env.factors, challenges,
		limits, projections, env.notifier, env.audit, env.hasher, enc,
	)

	return env
}
