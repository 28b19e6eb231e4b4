package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-engine/internal/config"
	"auth-engine/internal/hashing"
	"auth-engine/internal/model"
	"auth-engine/internal/repository/scylla"
	"auth-engine/internal/token"
	"auth-engine/internal/util"
)

const accountLockTTL = 10 * time.Second

// SessionService owns session issuance, refresh and revocation, plus the
// account bootstrap and password verification that feed them. Expiry
// always derives from the live trust flag of the bound device.
type SessionService struct {
	accounts model.AccountRepository
	devices  model.DeviceRepository
	sessions model.SessionRepository
	cache    model.ProjectionCache
	locker   model.AccountLocker
	audit    model.AuditRecorder
	tokens   *token.Manager
	hasher   *hashing.Hasher
	config   *config.Config
}

func NewSessionService(
	cfg *config.Config,
	accounts model.AccountRepository,
	devices model.DeviceRepository,
	sessions model.SessionRepository,
	cache model.ProjectionCache,
	locker model.AccountLocker,
	audit model.AuditRecorder,
	tokens *token.Manager,
	hasher *hashing.Hasher,
) *SessionService {
	return &SessionService{
		accounts: accounts,
		devices:  devices,
		sessions: sessions,
		cache:    cache,
		locker:   locker,
		audit:    audit,
		tokens:   tokens,
		hasher:   hasher,
		config:   cfg,
	}
}

// RegisterAccount bootstraps an account together with its first, trusted
// device in one durable write. Password may be empty for accounts that
// authenticate through a second factor alone.
func (s *SessionService) RegisterAccount(ctx context.Context, email, password, userAgent, platform string, hints ...string) (*model.Account, *model.Device, error) {
	normalized := util.NormalizeEmail(email)
	if normalized == "" {
		return nil, nil, fmt.Errorf("%w: email required", ErrWeakCredential)
	}
	emailHash := s.hasher.DigestToken(normalized)

	if _, err := s.accounts.GetAccountByEmail(ctx, emailHash); err == nil {
		return nil, nil, ErrAccountExists
	} else if !errors.Is(err, scylla.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to check account existence: %w", err)
	}

	account := &model.Account{
		Email:     normalized,
		EmailHash: emailHash,
	}
	if password != "" {
		if len(password) < 8 {
			return nil, nil, fmt.Errorf("%w: password too short", ErrWeakCredential)
		}
		hash, err := s.hasher.HashPassword(password)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash password: %w", err)
		}
		account.PasswordHash = hash
	}

	firstDevice := &model.Device{
		Fingerprint: util.DeviceFingerprint(userAgent, hints...),
		UserAgent:   userAgent,
		Platform:    platform,
	}

	if err := s.accounts.CreateAccount(ctx, account, firstDevice); err != nil {
		return nil, nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: account.AccountID,
		EventType: model.EventDeviceRegistered,
		DeviceID:  firstDevice.DeviceID,
		Details:   "account bootstrap, first device trusted",
	})

	return account, firstDevice, nil
}

// VerifyPassword checks the primary factor and drives the lockout
// counter. Wrong password and unknown account return the same error.
func (s *SessionService) VerifyPassword(ctx context.Context, email, password string) (*model.Account, error) {
	emailHash := s.hasher.DigestToken(util.NormalizeEmail(email))

	account, err := s.accounts.GetAccountByEmail(ctx, emailHash)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	now := time.Now().UTC()
	if account.Locked(now) {
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, account.LockedUntil.Format(time.RFC3339))
	}
	if account.PasswordHash == "" {
		return nil, ErrUnauthenticated
	}

	ok, err := s.hasher.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		failures := account.FailedAttempts + 1
		var lockedUntil *time.Time
		if failures >= s.config.Recovery.MaxFailures {
			until := now.Add(s.config.Recovery.LockoutPeriod)
			lockedUntil = &until
			s.recordEvent(ctx, &model.AuditEvent{
				AccountID: account.AccountID,
				EventType: model.EventAccountLocked,
				RiskScore: 60,
				Details:   fmt.Sprintf("locked after %d failed password attempts", failures),
			})
		}
		if uerr := s.accounts.UpdateLockout(ctx, account.AccountID, failures, lockedUntil); uerr != nil {
			util.Error("Failed to persist lockout state",
				zap.String("account_id", account.AccountID),
				zap.Error(uerr))
		}
		if lockedUntil != nil {
			return nil, fmt.Errorf("%w until %s", ErrAccountLocked, lockedUntil.Format(time.RFC3339))
		}
		return nil, ErrUnauthenticated
	}

	if account.FailedAttempts > 0 || account.LockedUntil != nil {
		if uerr := s.accounts.UpdateLockout(ctx, account.AccountID, 0, nil); uerr != nil {
			util.Warn("Failed to reset lockout counter",
				zap.String("account_id", account.AccountID),
				zap.Error(uerr))
		}
	}

	return account, nil
}

// IssueSession creates a session once both factors are satisfied. The
// expiry tier comes from the bound device's trust flag; a missing or
// unspecified device falls to the short tier.
func (s *SessionService) IssueSession(ctx context.Context, accountID, deviceID string, primaryFactorOK, secondFactorOK bool) (*model.Session, string, error) {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, "", ErrAccountNotFound
		}
		return nil, "", fmt.Errorf("failed to load account: %w", err)
	}

	now := time.Now().UTC()
	if account.Locked(now) {
		return nil, "", fmt.Errorf("%w until %s", ErrAccountLocked, account.LockedUntil.Format(time.RFC3339))
	}
	if !primaryFactorOK {
		return nil, "", ErrUnauthenticated
	}
	if account.SecondFactorEnabled && !secondFactorOK {
		return nil, "", ErrUnverified
	}

	ttl := s.config.Session.UntrustedTTL
	boundDeviceID := ""
	if deviceID != "" {
		device, derr := s.devices.GetDevice(ctx, accountID, deviceID)
		switch {
		case derr == nil:
			boundDeviceID = device.DeviceID
			if device.Trusted {
				ttl = s.config.Session.TrustedTTL
			}
			if terr := s.devices.Touch(ctx, accountID, deviceID, now); terr != nil {
				util.Warn("Failed to touch device on issue",
					zap.String("device_id", deviceID),
					zap.Error(terr))
			}
		case errors.Is(derr, scylla.ErrNotFound):
			// Unknown device: issue deviceless on the short tier.
		default:
			return nil, "", fmt.Errorf("failed to load device: %w", derr)
		}
	}

	session := &model.Session{
		AccountID:    accountID,
		DeviceID:     boundDeviceID,
		RefreshToken: newOpaqueToken(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, "", err
	}

	bearer, err := s.tokens.Issue(session.AccountID, session.SessionID, boundDeviceID, session.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventSessionIssued,
		DeviceID:  boundDeviceID,
		SessionID: session.SessionID,
	})

	if err := s.cache.InvalidateSessions(ctx, accountID); err != nil {
		return nil, "", fmt.Errorf("cache invalidation failed: %w", err)
	}

	return session, bearer, nil
}

// RefreshSession recomputes expiry from the live device trust state under
// the per-account advisory lock, so a concurrent trust flip cannot be
// half-observed. Session identity is preserved; the rotation token is not.
func (s *SessionService) RefreshSession(ctx context.Context, sessionID, refreshToken string) (*model.Session, string, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}

	now := time.Now().UTC()
	if !session.Active {
		return nil, "", ErrSessionRevoked
	}
	if session.Expired(now) {
		return nil, "", ErrSessionExpired
	}
	if session.RefreshToken != refreshToken {
		return nil, "", ErrUnauthenticated
	}

	acquired, err := s.locker.Acquire(ctx, session.AccountID, accountLockTTL)
	if err != nil {
		return nil, "", err
	}
	if !acquired {
		return nil, "", ErrConflict
	}
	defer func() {
		if rerr := s.locker.Release(context.Background(), session.AccountID); rerr != nil {
			util.Warn("Failed to release account lock", zap.Error(rerr))
		}
	}()

	ttl := s.config.Session.UntrustedTTL
	if session.DeviceID != "" {
		device, derr := s.devices.GetDevice(ctx, session.AccountID, session.DeviceID)
		switch {
		case derr == nil:
			if device.Trusted {
				ttl = s.config.Session.TrustedTTL
			}
		case errors.Is(derr, scylla.ErrNotFound):
			// Device forgotten since issuance: fall back to the short tier.
		default:
			return nil, "", fmt.Errorf("failed to load device: %w", derr)
		}
	}

	session.ExpiresAt = now.Add(ttl)
	session.RefreshToken = newOpaqueToken()
	session.LastRefreshed = &now

	if err := s.sessions.UpdateExpiry(ctx, session.AccountID, session.SessionID, session.ExpiresAt, session.RefreshToken, now); err != nil {
		return nil, "", err
	}

	bearer, err := s.tokens.Issue(session.AccountID, session.SessionID, session.DeviceID, session.ExpiresAt)
	if err != nil {
		return nil, "", err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: session.AccountID,
		EventType: model.EventSessionRefreshed,
		DeviceID:  session.DeviceID,
		SessionID: session.SessionID,
	})

	if err := s.cache.InvalidateSessions(ctx, session.AccountID); err != nil {
		return nil, "", fmt.Errorf("cache invalidation failed: %w", err)
	}

	return session, bearer, nil
}

// RevokeSession flips the session inactive. Revoking an already revoked
// session is a no-op success.
func (s *SessionService) RevokeSession(ctx context.Context, accountID, sessionID, reason string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.AccountID != accountID {
		return ErrSessionNotFound
	}
	if !session.Active {
		return nil
	}

	if reason == "" {
		reason = "logout"
	}
	if err := s.sessions.Revoke(ctx, accountID, sessionID, reason); err != nil {
		return err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventSessionRevoked,
		SessionID: sessionID,
		Details:   reason,
	})

	if err := s.cache.InvalidateSessions(ctx, accountID); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

// RevokeAllExceptCurrent revokes every other active session; the caller's
// own presented session is never touched here.
func (s *SessionService) RevokeAllExceptCurrent(ctx context.Context, accountID, currentSessionID string) (int, error) {
	revoked, err := s.sessions.RevokeAll(ctx, accountID, "revoke_others", currentSessionID)
	if err != nil {
		return 0, err
	}

	if revoked > 0 {
		s.recordEvent(ctx, &model.AuditEvent{
			AccountID: accountID,
			EventType: model.EventSessionRevoked,
			SessionID: currentSessionID,
			Details:   fmt.Sprintf("revoked %d other sessions", revoked),
		})
	}

	if err := s.cache.InvalidateSessions(ctx, accountID); err != nil {
		return 0, fmt.Errorf("cache invalidation failed: %w", err)
	}
	return revoked, nil
}

// ListSessions reads through the projection cache.
func (s *SessionService) ListSessions(ctx context.Context, accountID string) ([]*model.Session, error) {
	if cached, ok := s.cache.GetSessionList(ctx, accountID); ok {
		return cached, nil
	}

	sessions, err := s.sessions.ListSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetSessionList(ctx, accountID, sessions); err != nil {
		util.Warn("Failed to cache session list",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	return sessions, nil
}

// SessionValid resolves a bearer token to its account if and only if the
// backing session row is still live.
func (s *SessionService) SessionValid(ctx context.Context, bearer string) (string, *model.Session, error) {
	claims, err := s.tokens.Parse(bearer)
	if err != nil {
		return "", nil, ErrUnauthenticated
	}

	session, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return "", nil, ErrUnauthenticated
	}
	if session.AccountID != claims.AccountID {
		return "", nil, ErrUnauthenticated
	}
	if !session.Active || session.Expired(time.Now().UTC()) {
		return "", nil, ErrUnauthenticated
	}

	return session.AccountID, session, nil
}

// ResolveToken locates the session row for a presented token even when
// the token has expired. Used for logout bookkeeping only; it never
// authorizes anything.
func (s *SessionService) ResolveToken(ctx context.Context, bearer string) (*model.Session, error) {
	claims, err := s.tokens.ParseAllowExpired(bearer)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	session, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.AccountID != claims.AccountID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionService) recordEvent(ctx context.Context, event *model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		util.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

func newOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate opaque token", zap.Error(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
