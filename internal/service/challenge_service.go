package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-engine/internal/config"
	"auth-engine/internal/encryption"
	"auth-engine/internal/hashing"
	"auth-engine/internal/model"
	"auth-engine/internal/totp"
	"auth-engine/internal/util"
)

// backupAlphabet is base32 without padding ambiguity; codes read cleanly
// over the phone.
const backupAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// ChallengeTicket is what Issue hands back. Delivered is false on a
// degraded success: the challenge stands but the code may not have
// arrived, and a resend path exists.
type ChallengeTicket struct {
	Method            model.SecondFactorMethod `json:"method"`
	ExpiresAt         time.Time                `json:"expires_at"`
	Delivered         bool                     `json:"delivered"`
	MaskedDestination string                   `json:"masked_destination,omitempty"`
	Options           []byte                   `json:"options,omitempty"` // webauthn assertion options
}

// ChallengeService issues and verifies second-factor challenges across
// totp, email, sms, webauthn and backup codes. One outstanding challenge
// per (account, method); issuing again replaces it and resets attempts.
type ChallengeService struct {
	accounts   model.AccountRepository
	factors    model.SecondFactorRepository
	challenges model.ChallengeCache
	limits     model.RateLimitCache
	cache      model.ProjectionCache
	notifier   model.NotificationSender
	verifier   model.PasskeyVerifier
	audit      model.AuditRecorder
	hasher     *hashing.Hasher
	totp       *totp.Manager
	encryption *encryption.EncryptionManager
	config     *config.Config
}

func NewChallengeService(
	cfg *config.Config,
	accounts model.AccountRepository,
	factors model.SecondFactorRepository,
	challenges model.ChallengeCache,
	limits model.RateLimitCache,
	cache model.ProjectionCache,
	notifier model.NotificationSender,
	verifier model.PasskeyVerifier,
	audit model.AuditRecorder,
	hasher *hashing.Hasher,
	totpManager *totp.Manager,
	enc *encryption.EncryptionManager,
) *ChallengeService {
	return &ChallengeService{
		accounts:   accounts,
		factors:    factors,
		challenges: challenges,
		limits:     limits,
		cache:      cache,
		notifier:   notifier,
		verifier:   verifier,
		audit:      audit,
		hasher:     hasher,
		totp:       totpManager,
		encryption: enc,
		config:     cfg,
	}
}

// Issue creates a challenge for the method. TOTP needs none: the shared
// secret was established at enrollment and verification is stateless.
func (s *ChallengeService) Issue(ctx context.Context, accountID string, method model.SecondFactorMethod) (*ChallengeTicket, error) {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, ErrAccountNotFound
	}

	now := time.Now().UTC()
	if account.Locked(now) {
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, account.LockedUntil.Format(time.RFC3339))
	}

	switch method {
	case model.MethodEmail, model.MethodSMS:
		return s.issueDeliveredCode(ctx, account, method, now)
	case model.MethodWebAuthn:
		return s.issueWebAuthn(ctx, account, now)
	case model.MethodTOTP:
		return nil, fmt.Errorf("%w: totp requires no issuance", ErrMethodUnavailable)
	case model.MethodBackupCode:
		return nil, fmt.Errorf("%w: backup codes are pre-generated", ErrMethodUnavailable)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrMethodUnavailable, method)
	}
}

func (s *ChallengeService) issueDeliveredCode(ctx context.Context, account *model.Account, method model.SecondFactorMethod, now time.Time) (*ChallengeTicket, error) {
	// Issuance triggers an outbound send, so it gets its own sliding
	// window per account on top of the verify-side attempt ceiling.
	allowed, _, err := s.limits.SlidingWindowAllow(ctx, "challenge:issue:"+account.AccountID, s.config.Challenge.IssueLimit, s.config.Challenge.IssueWindow)
	if err != nil {
		return nil, fmt.Errorf("issuance rate limiter unavailable: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	channel := "email"
	destination := account.Email
	masked := util.MaskEmail(account.Email)

	if method == model.MethodSMS {
		channel = "sms"
		if len(account.RecoveryPhoneEncrypted) == 0 {
			return nil, fmt.Errorf("%w: no verified phone on record", ErrMethodUnavailable)
		}
		phone, err := s.encryption.DecryptField(ctx, &encryption.EncryptedField{
			Ciphertext:   account.RecoveryPhoneEncrypted,
			EncryptedDEK: account.RecoveryPhoneDEK,
			KeyID:        account.RecoveryPhoneKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt recovery phone: %w", err)
		}
		destination = phone
		masked = util.MaskPhone(phone)
	}

	code, err := numericCode(s.config.Challenge.CodeDigits)
	if err != nil {
		return nil, err
	}
	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return nil, err
	}

	challenge := &model.Challenge{
		AccountID:   account.AccountID,
		Method:      method,
		CodeHash:    codeHash.Hash + ":" + codeHash.Salt,
		HashVersion: codeHash.PepperVersion,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.Challenge.CodeTTL),
		MaxAttempts: s.config.Challenge.MaxAttempts,
		Meta: model.ChallengeMeta{
			Delivery: &model.DeliveryChallengeMeta{
				Channel:           channel,
				MaskedDestination: masked,
			},
		},
	}

	if err := s.challenges.PutChallenge(ctx, challenge, s.config.Challenge.CodeTTL); err != nil {
		return nil, err
	}

	// Delivery failure downgrades to success-with-warning; the challenge
	// stands and a resend path exists.
	delivered := true
	if err := s.notifier.SendCode(ctx, channel, destination, code); err != nil {
		delivered = false
		util.Warn("Code delivery failed, challenge stands",
			zap.String("account_id", account.AccountID),
			zap.String("channel", channel),
			zap.Error(err))
	}
	challenge.Meta.Delivery.Delivered = delivered

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventChallengeIssued,
		Details:   string(method),
	})

	return &ChallengeTicket{
		Method:            method,
		ExpiresAt:         challenge.ExpiresAt,
		Delivered:         delivered,
		MaskedDestination: masked,
	}, nil
}

func (s *ChallengeService) issueWebAuthn(ctx context.Context, account *model.Account, now time.Time) (*ChallengeTicket, error) {
	credentials, err := s.factors.ListPasskeys(ctx, account.AccountID)
	if err != nil {
		return nil, err
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("%w: no passkeys registered", ErrMethodUnavailable)
	}

	nonce, options, err := s.verifier.GenerateAuthenticationOptions(ctx, account.AccountID, credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to generate authentication options: %w", err)
	}

	credentialIDs := make([]string, 0, len(credentials))
	for _, c := range credentials {
		credentialIDs = append(credentialIDs, base32.StdEncoding.EncodeToString(c.CredentialID))
	}

	challenge := &model.Challenge{
		AccountID:   account.AccountID,
		Method:      model.MethodWebAuthn,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.Challenge.CodeTTL),
		MaxAttempts: s.config.Challenge.MaxAttempts,
		Meta: model.ChallengeMeta{
			WebAuthn: &model.WebAuthnChallengeMeta{
				Nonce:         nonce,
				CredentialIDs: credentialIDs,
			},
		},
	}
	if err := s.challenges.PutChallenge(ctx, challenge, s.config.Challenge.CodeTTL); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventChallengeIssued,
		Details:   string(model.MethodWebAuthn),
	})

	return &ChallengeTicket{
		Method:    model.MethodWebAuthn,
		ExpiresAt: challenge.ExpiresAt,
		Delivered: true,
		Options:   options,
	}, nil
}

// Verify consumes one proof attempt. Consumption is single-shot: success
// deletes the challenge, so a replayed correct value reads as not found.
// An exhausted challenge keeps answering Exhausted until a fresh one is
// issued, even to the correct value.
func (s *ChallengeService) Verify(ctx context.Context, accountID string, method model.SecondFactorMethod, presented string) error {
	switch method {
	case model.MethodTOTP:
		return s.verifyTOTP(ctx, accountID, presented)
	case model.MethodEmail, model.MethodSMS:
		return s.verifyDeliveredCode(ctx, accountID, method, presented)
	case model.MethodWebAuthn:
		return s.verifyWebAuthn(ctx, accountID, presented)
	case model.MethodBackupCode:
		return s.verifyBackupCode(ctx, accountID, presented)
	default:
		return fmt.Errorf("%w: unknown method %q", ErrMethodUnavailable, method)
	}
}

func (s *ChallengeService) verifyDeliveredCode(ctx context.Context, accountID string, method model.SecondFactorMethod, presented string) error {
	challenge, err := s.challenges.GetChallenge(ctx, accountID, method)
	if err != nil {
		return ErrChallengeNotFound
	}

	now := time.Now().UTC()
	if challenge.ExpiredAt(now) {
		// Expired challenges are inert data, indistinguishable from absent.
		_ = s.challenges.DeleteChallenge(ctx, accountID, method)
		return ErrChallengeNotFound
	}

	attempts, err := s.challenges.IncrementAttempts(ctx, accountID, method, s.config.Challenge.CodeTTL)
	if err != nil {
		return err
	}
	if attempts > challenge.MaxAttempts {
		return ErrChallengeExhausted
	}

	parts := strings.SplitN(challenge.CodeHash, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed challenge hash")
	}
	ok, err := s.hasher.VerifyCode(presented, &hashing.CodeHash{
		Hash:          parts[0],
		Salt:          parts[1],
		PepperVersion: challenge.HashVersion,
	})
	if err != nil {
		return err
	}

	if !ok {
		if attempts >= challenge.MaxAttempts {
			s.recordEvent(ctx, &model.AuditEvent{
				AccountID: accountID,
				EventType: model.EventChallengeExhausted,
				RiskScore: 40,
				Details:   string(method),
			})
			return ErrChallengeExhausted
		}
		return ErrUnverified
	}

	if err := s.challenges.DeleteChallenge(ctx, accountID, method); err != nil {
		return err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventChallengeVerified,
		Details:   string(method),
	})
	return nil
}

func (s *ChallengeService) verifyTOTP(ctx context.Context, accountID, presented string) error {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return ErrAccountNotFound
	}
	if account.TOTPSecret == "" {
		return fmt.Errorf("%w: totp not enrolled", ErrMethodUnavailable)
	}

	// Stateless verification still gets an attempt ceiling per window.
	attempts, err := s.challenges.IncrementAttempts(ctx, accountID, model.MethodTOTP, s.config.Challenge.CodeTTL)
	if err != nil {
		return err
	}
	if attempts > s.config.Challenge.MaxAttempts {
		return ErrChallengeExhausted
	}

	secret, err := totp.DecodeSecret(account.TOTPSecret)
	if err != nil {
		return fmt.Errorf("failed to decode totp secret: %w", err)
	}

	ok, err := s.totp.VerifyCode(secret, presented, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if attempts >= s.config.Challenge.MaxAttempts {
			s.recordEvent(ctx, &model.AuditEvent{
				AccountID: accountID,
				EventType: model.EventChallengeExhausted,
				RiskScore: 40,
				Details:   string(model.MethodTOTP),
			})
			return ErrChallengeExhausted
		}
		return ErrUnverified
	}

	_ = s.challenges.DeleteChallenge(ctx, accountID, model.MethodTOTP)

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventChallengeVerified,
		Details:   string(model.MethodTOTP),
	})
	return nil
}

func (s *ChallengeService) verifyWebAuthn(ctx context.Context, accountID, presented string) error {
	challenge, err := s.challenges.GetChallenge(ctx, accountID, model.MethodWebAuthn)
	if err != nil {
		return ErrChallengeNotFound
	}

	now := time.Now().UTC()
	if challenge.ExpiredAt(now) {
		_ = s.challenges.DeleteChallenge(ctx, accountID, model.MethodWebAuthn)
		return ErrChallengeNotFound
	}
	if challenge.Meta.WebAuthn == nil {
		return fmt.Errorf("malformed webauthn challenge")
	}

	attempts, err := s.challenges.IncrementAttempts(ctx, accountID, model.MethodWebAuthn, s.config.Challenge.CodeTTL)
	if err != nil {
		return err
	}
	if attempts > challenge.MaxAttempts {
		return ErrChallengeExhausted
	}

	credentials, err := s.factors.ListPasskeys(ctx, accountID)
	if err != nil {
		return err
	}

	ok, credentialID, signCount, err := s.verifier.VerifyAuthentication(ctx, accountID, challenge.Meta.WebAuthn.Nonce, credentials, []byte(presented))
	if err != nil {
		return fmt.Errorf("webauthn verification failed: %w", err)
	}
	if !ok {
		if attempts >= challenge.MaxAttempts {
			s.recordEvent(ctx, &model.AuditEvent{
				AccountID: accountID,
				EventType: model.EventChallengeExhausted,
				RiskScore: 40,
				Details:   string(model.MethodWebAuthn),
			})
			return ErrChallengeExhausted
		}
		return ErrUnverified
	}

	if err := s.factors.UpdatePasskeySignCount(ctx, accountID, credentialID, signCount, now); err != nil {
		util.Warn("Failed to update passkey sign count",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	if err := s.challenges.DeleteChallenge(ctx, accountID, model.MethodWebAuthn); err != nil {
		return err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventChallengeVerified,
		Details:   string(model.MethodWebAuthn),
	})
	return nil
}

func (s *ChallengeService) verifyBackupCode(ctx context.Context, accountID, presented string) error {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(presented), "-", ""))
	codeHash := s.hasher.DigestToken(normalized)

	consumed, err := s.factors.ConsumeBackupCode(ctx, accountID, codeHash)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrUnverified
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventBackupCodeConsumed,
		RiskScore: 20,
	})
	return nil
}

// -------------------- TOTP enrollment --------------------

// SetupTOTP generates a secret into the temporary holding area and
// returns the provisioning URI. Nothing on the account changes until the
// first successful VerifyTOTPSetup; an abandoned setup evaporates.
func (s *ChallengeService) SetupTOTP(ctx context.Context, accountID string) (string, string, error) {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", "", ErrAccountNotFound
	}

	_, secretBase32, err := s.totp.GenerateSecret()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate totp secret: %w", err)
	}

	if err := s.challenges.PutPendingTOTPSecret(ctx, accountID, secretBase32, s.config.Challenge.SetupTTL); err != nil {
		return "", "", err
	}

	uri := s.totp.ProvisionURI(secretBase32, account.Email)
	return secretBase32, uri, nil
}

// VerifyTOTPSetup promotes the pending secret to the account's permanent
// second factor on the first successful proof of possession.
func (s *ChallengeService) VerifyTOTPSetup(ctx context.Context, accountID, presented string) error {
	pending, err := s.challenges.GetPendingTOTPSecret(ctx, accountID)
	if err != nil {
		return ErrChallengeNotFound
	}

	secret, err := totp.DecodeSecret(pending)
	if err != nil {
		return fmt.Errorf("failed to decode pending secret: %w", err)
	}

	ok, err := s.totp.VerifyCode(secret, presented, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnverified
	}

	if err := s.accounts.UpdateSecondFactor(ctx, accountID, true, model.MethodTOTP, pending); err != nil {
		return err
	}
	if err := s.challenges.DeletePendingTOTPSecret(ctx, accountID); err != nil {
		util.Warn("Failed to clear pending totp secret",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventSecondFactorEnabled,
		Details:   string(model.MethodTOTP),
	})

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

// DisableSecondFactor requires a valid current proof before turning the
// flag off.
func (s *ChallengeService) DisableSecondFactor(ctx context.Context, accountID string, method model.SecondFactorMethod, proof string) error {
	if err := s.Verify(ctx, accountID, method, proof); err != nil {
		return err
	}

	if err := s.accounts.UpdateSecondFactor(ctx, accountID, false, "", ""); err != nil {
		return err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventSecondFactorDisabled,
		RiskScore: 30,
	})

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

// -------------------- Backup codes --------------------

// GenerateBackupCodes mints a fresh batch and returns the plaintext codes
// exactly once. Unspent codes of the previous batch die with it.
func (s *ChallengeService) GenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	if _, err := s.accounts.GetAccountByID(ctx, accountID); err != nil {
		return nil, ErrAccountNotFound
	}

	count := s.config.Challenge.BackupCodes
	batchID := uuid.New().String()
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)

	for i := 0; i < count; i++ {
		code, err := backupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code[:5]+"-"+code[5:])
		hashes = append(hashes, s.hasher.DigestToken(code))
	}

	if err := s.factors.ReplaceBackupCodes(ctx, accountID, batchID, hashes); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventBackupCodesGenerated,
		Details:   fmt.Sprintf("batch %s, %d codes", batchID, count),
	})

	return codes, nil
}

// -------------------- Passkey enrollment --------------------

func (s *ChallengeService) BeginPasskeyRegistration(ctx context.Context, accountID string) ([]byte, error) {
	if _, err := s.accounts.GetAccountByID(ctx, accountID); err != nil {
		return nil, ErrAccountNotFound
	}
	options, err := s.verifier.GenerateRegistrationOptions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration options: %w", err)
	}
	return options, nil
}

func (s *ChallengeService) FinishPasskeyRegistration(ctx context.Context, accountID string, response []byte, deviceName string) (*model.PasskeyCredential, error) {
	credential, err := s.verifier.VerifyRegistration(ctx, accountID, response)
	if err != nil {
		return nil, fmt.Errorf("passkey registration failed: %w", err)
	}
	credential.AccountID = accountID
	credential.DeviceName = deviceName

	if err := s.factors.AddPasskey(ctx, credential); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventSecondFactorEnabled,
		Details:   string(model.MethodWebAuthn),
	})

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("cache invalidation failed: %w", err)
	}
	return credential, nil
}

func (s *ChallengeService) recordEvent(ctx context.Context, event *model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		util.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

func numericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func backupCode() (string, error) {
	const length = 10
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate backup code: %w", err)
		}
		b.WriteByte(backupAlphabet[n.Int64()])
	}
	return b.String(), nil
}
