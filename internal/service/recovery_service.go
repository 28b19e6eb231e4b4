package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-engine/internal/config"
	"auth-engine/internal/encryption"
	"auth-engine/internal/hashing"
	"auth-engine/internal/model"
	"auth-engine/internal/repository/scylla"
	"auth-engine/internal/util"
)

// methodRecovery namespaces recovery codes in the challenge cache away
// from the login second-factor challenges of the same account.
const methodRecovery = model.SecondFactorMethod("recovery")

// RecoveryAck is the uniform response to an initiation request. It is
// identical whether or not the submitted email resolves to an account.
type RecoveryAck struct {
	Accepted          bool   `json:"accepted"`
	MaskedDestination string `json:"masked_destination"`
	ExpiresInSeconds  int    `json:"expires_in_seconds"`
}

// RecoveryGrantTicket carries the grant and its plaintext token, returned
// exactly once on successful code verification.
type RecoveryGrantTicket struct {
	GrantID   string    `json:"grant_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RecoveryService controls the lost-credential flow: initiate delivers a
// code, verify trades the code for a single-use grant, consume redeems
// the grant for a password reset and revokes every session.
type RecoveryService struct {
	accounts   model.AccountRepository
	sessions   model.SessionRepository
	factors    model.SecondFactorRepository
	challenges model.ChallengeCache
	limits     model.RateLimitCache
	cache      model.ProjectionCache
	notifier   model.NotificationSender
	audit      model.AuditRecorder
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	config     *config.Config
}

func NewRecoveryService(
	cfg *config.Config,
	accounts model.AccountRepository,
	sessions model.SessionRepository,
	factors model.SecondFactorRepository,
	challenges model.ChallengeCache,
	limits model.RateLimitCache,
	cache model.ProjectionCache,
	notifier model.NotificationSender,
	audit model.AuditRecorder,
	hasher *hashing.Hasher,
	enc *encryption.EncryptionManager,
) *RecoveryService {
	return &RecoveryService{
		accounts:   accounts,
		sessions:   sessions,
		factors:    factors,
		challenges: challenges,
		limits:     limits,
		cache:      cache,
		notifier:   notifier,
		audit:      audit,
		hasher:     hasher,
		encryption: enc,
		config:     cfg,
	}
}

// Initiate starts recovery for an email address. The acknowledgment is
// byte-for-byte identical whether the account exists, the account is
// rate-limited, or delivery fails: existence is never disclosed.
func (s *RecoveryService) Initiate(ctx context.Context, email string) (*RecoveryAck, error) {
	normalized := util.NormalizeEmail(email)
	ack := &RecoveryAck{
		Accepted:          true,
		MaskedDestination: util.MaskEmail(normalized),
		ExpiresInSeconds:  int(s.config.Challenge.CodeTTL.Seconds()),
	}
	if normalized == "" {
		return ack, nil
	}

	emailHash := s.hasher.DigestToken(normalized)

	// The sliding window is keyed by email hash so it also throttles
	// probing of addresses that have no account.
	allowed, _, err := s.limits.SlidingWindowAllow(ctx, "recovery:init:"+emailHash, s.config.Recovery.WindowLimit, s.config.Recovery.Window)
	if err != nil {
		util.Warn("Recovery rate limiter unavailable", zap.Error(err))
		return ack, nil
	}
	if !allowed {
		return ack, nil
	}

	account, err := s.accounts.GetAccountByEmail(ctx, emailHash)
	if err != nil {
		if !errors.Is(err, scylla.ErrNotFound) {
			util.Warn("Recovery account lookup failed", zap.Error(err))
		}
		return ack, nil
	}

	channel, destination, err := s.recoveryDestination(ctx, account)
	if err != nil {
		util.Warn("Recovery destination unavailable",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return ack, nil
	}

	code, err := numericCode(s.config.Challenge.CodeDigits)
	if err != nil {
		return ack, nil
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return ack, nil
	}

	now := time.Now().UTC()
	challenge := &model.Challenge{
		AccountID:   account.AccountID,
		Method:      methodRecovery,
		CodeHash:    codeHash.Hash + ":" + codeHash.Salt,
		HashVersion: codeHash.PepperVersion,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.Challenge.CodeTTL),
		MaxAttempts: s.config.Challenge.MaxAttempts,
	}
	if err := s.challenges.PutChallenge(ctx, challenge, s.config.Challenge.CodeTTL); err != nil {
		util.Warn("Failed to store recovery challenge",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return ack, nil
	}

	if err := s.notifier.SendCode(ctx, channel, destination, code); err != nil {
		util.Warn("Recovery code delivery failed",
			zap.String("account_id", account.AccountID),
			zap.String("channel", channel),
			zap.Error(err))
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventRecoveryInitiated,
		RiskScore: 20,
	})
	return ack, nil
}

// VerifyCode trades a delivered recovery code for a single-use grant.
// Every attempt, right or wrong, burns the per-account sliding window
// that survives reissued codes; crossing its ceiling locks recovery for
// the cooldown period. Each code additionally carries its own attempt
// ceiling, and an exhausted code stays dead until a fresh initiation.
func (s *RecoveryService) VerifyCode(ctx context.Context, email, code string) (*RecoveryGrantTicket, error) {
	normalized := util.NormalizeEmail(email)
	emailHash := s.hasher.DigestToken(normalized)
	lockKey := "recovery:verify:" + emailHash

	locked, err := s.limits.IsLocked(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	if locked {
		ttl, terr := s.limits.LockTTL(ctx, lockKey)
		if terr != nil {
			return nil, terr
		}
		return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, ttl.Round(time.Second))
	}

	// Window accounting happens before any lookup, so guessing at unknown
	// addresses spends the same budget as guessing codes.
	s.noteAttempt(ctx, emailHash, lockKey)

	account, err := s.accounts.GetAccountByEmail(ctx, emailHash)
	if err != nil {
		// Indistinguishable from a wrong code.
		return nil, ErrUnverified
	}

	challenge, err := s.challenges.GetChallenge(ctx, account.AccountID, methodRecovery)
	if err != nil {
		return nil, ErrUnverified
	}

	now := time.Now().UTC()
	if challenge.ExpiredAt(now) {
		_ = s.challenges.DeleteChallenge(ctx, account.AccountID, methodRecovery)
		return nil, ErrUnverified
	}

	attempts, err := s.challenges.IncrementAttempts(ctx, account.AccountID, methodRecovery, s.config.Challenge.CodeTTL)
	if err != nil {
		return nil, err
	}
	if attempts > challenge.MaxAttempts {
		return nil, ErrChallengeExhausted
	}

	parts := strings.SplitN(challenge.CodeHash, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed recovery challenge")
	}
	ok, err := s.hasher.VerifyCode(code, &hashing.CodeHash{
		Hash:          parts[0],
		Salt:          parts[1],
		PepperVersion: challenge.HashVersion,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		if attempts >= challenge.MaxAttempts {
			s.recordEvent(ctx, &model.AuditEvent{
				AccountID: account.AccountID,
				EventType: model.EventChallengeExhausted,
				RiskScore: 40,
				Details:   string(methodRecovery),
			})
			return nil, ErrChallengeExhausted
		}
		return nil, ErrUnverified
	}

	if err := s.challenges.DeleteChallenge(ctx, account.AccountID, methodRecovery); err != nil {
		return nil, err
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate grant token: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(tokenBytes)

	grant := &model.RecoveryGrant{
		GrantID:   uuid.New().String(),
		AccountID: account.AccountID,
		TokenHash: s.hasher.DigestToken(plaintext),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.Recovery.GrantTTL),
	}
	if err := s.factors.CreateGrant(ctx, grant); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventRecoveryVerified,
		RiskScore: 30,
	})

	return &RecoveryGrantTicket{
		GrantID:   grant.GrantID,
		Token:     plaintext,
		ExpiresAt: grant.ExpiresAt,
	}, nil
}

// Consume redeems a grant for a password reset. The new password must
// differ from the old, and every session dies with the reset. A grant
// spent by a consumption that failed before the credential rotated is
// released again; once the rotation lands it stays burned.
func (s *RecoveryService) Consume(ctx context.Context, grantID, token, newPassword string) error {
	grant, err := s.factors.GetGrant(ctx, grantID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrGrantInvalid
		}
		return err
	}

	if s.hasher.DigestToken(token) != grant.TokenHash {
		return ErrGrantInvalid
	}

	now := time.Now().UTC()
	if now.After(grant.ExpiresAt) {
		return ErrGrantExpired
	}
	if grant.ConsumedAt != nil {
		return ErrGrantInvalid
	}

	if len(newPassword) < 8 {
		return fmt.Errorf("%w: password too short", ErrWeakCredential)
	}

	account, err := s.accounts.GetAccountByID(ctx, grant.AccountID)
	if err != nil {
		return err
	}

	if account.PasswordHash != "" {
		same, verr := s.hasher.VerifyPassword(newPassword, account.PasswordHash)
		if verr == nil && same {
			return ErrSameAsOld
		}
	}

	newHash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return err
	}

	// The conditional update is the single-use gate: two racing consumers
	// cannot both see it apply.
	applied, err := s.factors.ConsumeGrant(ctx, grantID, now)
	if err != nil {
		return err
	}
	if !applied {
		return ErrGrantInvalid
	}

	if err := s.accounts.UpdatePasswordHash(ctx, account.AccountID, newHash); err != nil {
		// Nothing rotated yet: hand the grant back so the caller can retry
		// without restarting the whole flow.
		if rerr := s.factors.ReleaseGrant(ctx, grantID); rerr != nil {
			util.Error("Failed to release recovery grant after rotation failure",
				zap.String("grant_id", grantID),
				zap.Error(rerr))
		}
		return fmt.Errorf("credential rotation failed: %w", err)
	}

	revoked, err := s.sessions.RevokeAll(ctx, account.AccountID, "recovery", "")
	if err != nil {
		return fmt.Errorf("credential reset but session revocation failed: %w", err)
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventRecoveryConsumed,
		RiskScore: 50,
		Details:   fmt.Sprintf("revoked %d sessions", revoked),
	})

	if err := s.cache.InvalidateAccount(ctx, account.AccountID); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

// recoveryDestination prefers the envelope-encrypted recovery contact and
// falls back to the primary email.
func (s *RecoveryService) recoveryDestination(ctx context.Context, account *model.Account) (string, string, error) {
	if len(account.RecoveryEmailEncrypted) > 0 {
		email, err := s.encryption.DecryptField(ctx, &encryption.EncryptedField{
			Ciphertext:   account.RecoveryEmailEncrypted,
			EncryptedDEK: account.RecoveryEmailDEK,
			KeyID:        account.RecoveryEmailKeyID,
		})
		if err == nil {
			return "email", email, nil
		}
		util.Warn("Failed to decrypt recovery email, falling back to primary",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}
	if account.Email == "" {
		return "", "", fmt.Errorf("no reachable recovery contact")
	}
	return "email", account.Email, nil
}

// noteAttempt burns one unit of the sliding window and, at the ceiling,
// arms the cooldown lock.
func (s *RecoveryService) noteAttempt(ctx context.Context, emailHash, lockKey string) {
	allowed, _, err := s.limits.SlidingWindowAllow(ctx, "recovery:fail:"+emailHash, s.config.Recovery.MaxFailures, s.config.Recovery.Window)
	if err != nil {
		util.Warn("Recovery failure window unavailable", zap.Error(err))
		return
	}
	if !allowed {
		if lerr := s.limits.SetTemporaryLock(ctx, lockKey, s.config.Recovery.LockoutPeriod); lerr != nil {
			util.Warn("Failed to arm recovery lockout", zap.Error(lerr))
		}
	}
}

func (s *RecoveryService) recordEvent(ctx context.Context, event *model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		util.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}
