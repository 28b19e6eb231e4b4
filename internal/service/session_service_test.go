package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-engine/internal/model"
)

func registerAccount(t *testing.T, env *testEnv, email, password string) (*model.Account, *model.Device) {
	t.Helper()
	account, device, err := env.sessionService.RegisterAccount(
		context.Background(), email, password, "Mozilla/5.0 test", "linux")
	require.NoError(t, err)

	// RegisterAccount persists the first device through the account batch;
	// the fake mirrors that by writing it into the device registry here.
	env.devices.mu.Lock()
	env.devices.put(device)
	env.devices.mu.Unlock()

	return account, device
}

func TestRegisterAccountBootstrapsTrustedDevice(t *testing.T) {
	env := newTestEnv(t)

	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	assert.NotEmpty(t, account.AccountID)
	assert.Equal(t, "alice@example.com", account.Email)
	assert.True(t, device.Trusted, "first device must be trusted from birth")
	assert.Equal(t, account.AccountID, device.AccountID)
}

func TestRegisterAccountDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)

	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, _, err := env.sessionService.RegisterAccount(
		context.Background(), "Alice@Example.com", "other-password", "ua", "linux")
	assert.ErrorIs(t, err, ErrAccountExists, "email comparison must be case-folded")
}

func TestRegisterAccountWeakPassword(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.sessionService.RegisterAccount(
		context.Background(), "bob@example.com", "short", "ua", "linux")
	assert.ErrorIs(t, err, ErrWeakCredential)
}

func TestVerifyPassword(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	account, err := env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, account.AccountID)

	_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Unknown account reads identically to a wrong password.
	_, err = env.sessionService.VerifyPassword(context.Background(), "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyPasswordLockout(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	var err error
	for i := 0; i < env.cfg.Recovery.MaxFailures; i++ {
		_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "wrong")
	}
	assert.ErrorIs(t, err, ErrAccountLocked, "crossing the failure ceiling locks the account")

	// The right password does not bypass an active lockout.
	_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrAccountLocked)

	locked := env.audit.eventsOfType(model.EventAccountLocked)
	assert.Len(t, locked, 1)
}

func TestIssueSessionTrustTiers(t *testing.T) {
	env := newTestEnv(t)
	account, trusted := registerAccount(t, env, "alice@example.com", "correct-horse")

	untrusted := &model.Device{AccountID: account.AccountID, Fingerprint: "fp2", Trusted: false}
	require.NoError(t, env.devices.CreateDevice(context.Background(), untrusted))

	now := time.Now().UTC()

	session, bearer, err := env.sessionService.IssueSession(context.Background(), account.AccountID, trusted.DeviceID, true, false)
	require.NoError(t, err)
	assert.NotEmpty(t, bearer)
	assert.WithinDuration(t, now.Add(env.cfg.Session.TrustedTTL), session.ExpiresAt, time.Minute)

	session, _, err = env.sessionService.IssueSession(context.Background(), account.AccountID, untrusted.DeviceID, true, false)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(env.cfg.Session.UntrustedTTL), session.ExpiresAt, time.Minute)

	// Deviceless sessions always get the short tier.
	session, _, err = env.sessionService.IssueSession(context.Background(), account.AccountID, "", true, false)
	require.NoError(t, err)
	assert.Empty(t, session.DeviceID)
	assert.WithinDuration(t, now.Add(env.cfg.Session.UntrustedTTL), session.ExpiresAt, time.Minute)
}

func TestIssueSessionRequiresPrimaryFactor(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, false, false)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssueSessionSecondFactorGate(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	require.NoError(t, env.accounts.UpdateSecondFactor(context.Background(), account.AccountID, true, model.MethodTOTP, "SECRET"))

	_, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	assert.ErrorIs(t, err, ErrUnverified, "enabled second factor must block issuance until satisfied")

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, true)
	require.NoError(t, err)
	assert.True(t, session.Active)
}

func TestRefreshSessionRecomputesFromLiveTrust(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	device := &model.Device{AccountID: account.AccountID, Fingerprint: "fp2", Trusted: false}
	require.NoError(t, env.devices.CreateDevice(context.Background(), device))

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)
	shortExpiry := session.ExpiresAt
	oldRefresh := session.RefreshToken

	// Trust flips between issue and refresh; refresh must see the new state.
	require.NoError(t, env.devices.SetTrust(context.Background(), account.AccountID, device.DeviceID, true))

	refreshed, bearer, err := env.sessionService.RefreshSession(context.Background(), session.SessionID, oldRefresh)
	require.NoError(t, err)
	assert.NotEmpty(t, bearer)
	assert.Equal(t, session.SessionID, refreshed.SessionID, "refresh preserves session identity")
	assert.NotEqual(t, oldRefresh, refreshed.RefreshToken, "refresh rotates the refresh token")
	assert.True(t, refreshed.ExpiresAt.After(shortExpiry.Add(24*time.Hour)), "expiry must jump to the trusted tier")

	_, _, err = env.sessionService.RefreshSession(context.Background(), session.SessionID, oldRefresh)
	assert.ErrorIs(t, err, ErrUnauthenticated, "a rotated-out refresh token is dead")
}

func TestRefreshRevokedSession(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)

	require.NoError(t, env.sessionService.RevokeSession(context.Background(), account.AccountID, session.SessionID, "logout"))

	_, _, err = env.sessionService.RefreshSession(context.Background(), session.SessionID, session.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.NotErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)

	env.sessions.mu.Lock()
	env.sessions.sessions[session.SessionID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	env.sessions.mu.Unlock()

	_, _, err = env.sessionService.RefreshSession(context.Background(), session.SessionID, session.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.NotErrorIs(t, err, ErrSessionRevoked)
}

func TestRevokeSessionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)

	require.NoError(t, env.sessionService.RevokeSession(context.Background(), account.AccountID, session.SessionID, "logout"))
	require.NoError(t, env.sessionService.RevokeSession(context.Background(), account.AccountID, session.SessionID, "logout"))

	stored, err := env.sessions.GetSession(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, "logout", stored.RevokedReason, "revocation is a flag flip, the row survives")
}

func TestRevokeAllExceptCurrent(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	var current *model.Session
	for i := 0; i < 3; i++ {
		session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
		require.NoError(t, err)
		current = session
	}

	revoked, err := env.sessionService.RevokeAllExceptCurrent(context.Background(), account.AccountID, current.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	kept, err := env.sessions.GetSession(context.Background(), current.SessionID)
	require.NoError(t, err)
	assert.True(t, kept.Active)
}

func TestSessionValidAndExpiredResolution(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	session, bearer, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)

	accountID, live, err := env.sessionService.SessionValid(context.Background(), bearer)
	require.NoError(t, err)
	assert.Equal(t, account.AccountID, accountID)
	assert.Equal(t, session.SessionID, live.SessionID)

	// An expired bearer still resolves its row but never authorizes.
	expiredBearer, err := env.tokens.Issue(account.AccountID, session.SessionID, device.DeviceID, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, _, err = env.sessionService.SessionValid(context.Background(), expiredBearer)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	resolved, err := env.sessionService.ResolveToken(context.Background(), expiredBearer)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, resolved.SessionID)
}
