package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateDoesNotDiscloseExistence(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	known, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	sentAfterKnown := env.notifier.sent

	unknown, err := env.recoveryService.Initiate(context.Background(), "nobody@example.com")
	require.NoError(t, err)

	// Same shape either way; only the delivery differs, and the caller
	// cannot observe that.
	assert.True(t, known.Accepted)
	assert.True(t, unknown.Accepted)
	assert.Equal(t, known.ExpiresInSeconds, unknown.ExpiresInSeconds)
	assert.Equal(t, 1, sentAfterKnown)
	assert.Equal(t, sentAfterKnown, env.notifier.sent, "unknown address must trigger no delivery")
}

func TestRecoveryCodeToGrant(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	code := env.notifier.last()
	require.NotEmpty(t, code)

	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", wrong)
	assert.ErrorIs(t, err, ErrUnverified)

	ticket, err := env.recoveryService.VerifyCode(context.Background(), "alice@example.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.GrantID)
	assert.NotEmpty(t, ticket.Token)

	// The code died with the grant issuance.
	_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", code)
	assert.ErrorIs(t, err, ErrUnverified)
}

func TestConsumeResetsPasswordAndRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	account, device := registerAccount(t, env, "alice@example.com", "correct-horse")

	session, _, err := env.sessionService.IssueSession(context.Background(), account.AccountID, device.DeviceID, true, false)
	require.NoError(t, err)

	_, err = env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	ticket, err := env.recoveryService.VerifyCode(context.Background(), "alice@example.com", env.notifier.last())
	require.NoError(t, err)

	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, "not-the-token", "fresh-password")
	assert.ErrorIs(t, err, ErrGrantInvalid)

	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "short")
	assert.ErrorIs(t, err, ErrWeakCredential)

	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "correct-horse")
	assert.ErrorIs(t, err, ErrSameAsOld)

	require.NoError(t, env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "fresh-password"))

	_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "fresh-password")
	require.NoError(t, err)
	_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	stored, err := env.sessions.GetSession(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "a reset kills every outstanding session")
	assert.Equal(t, "recovery", stored.RevokedReason)

	// The grant is spent.
	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "another-password")
	assert.ErrorIs(t, err, ErrGrantInvalid)
}

func TestConsumeUnknownGrant(t *testing.T) {
	env := newTestEnv(t)

	err := env.recoveryService.Consume(context.Background(), "no-such-grant", "token", "fresh-password")
	assert.ErrorIs(t, err, ErrGrantInvalid)
}

func TestConsumeExpiredGrant(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	ticket, err := env.recoveryService.VerifyCode(context.Background(), "alice@example.com", env.notifier.last())
	require.NoError(t, err)

	env.factors.mu.Lock()
	env.factors.grants[ticket.GrantID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	env.factors.mu.Unlock()

	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "fresh-password")
	assert.ErrorIs(t, err, ErrGrantExpired)
}

func TestRecoveryCodeAttemptCeiling(t *testing.T) {
	cfg := newTestConfig()
	// Window far above the per-code ceiling so only the ceiling can bite.
	cfg.Recovery.MaxFailures = 100
	env := newTestEnvWithConfig(t, cfg)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	code := env.notifier.last()
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}

	for i := 0; i < cfg.Challenge.MaxAttempts-1; i++ {
		_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", wrong)
		assert.ErrorIs(t, err, ErrUnverified)
	}
	_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", wrong)
	assert.ErrorIs(t, err, ErrChallengeExhausted)

	// The correct code is dead too; only a fresh initiation revives the flow.
	_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", code)
	assert.ErrorIs(t, err, ErrChallengeExhausted, "exhaustion must survive the right answer")

	_, err = env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	ticket, err := env.recoveryService.VerifyCode(context.Background(), "alice@example.com", env.notifier.last())
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.Token)
}

func TestConsumeRetriesAfterRotationFailure(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	ticket, err := env.recoveryService.VerifyCode(context.Background(), "alice@example.com", env.notifier.last())
	require.NoError(t, err)

	env.accounts.mu.Lock()
	env.accounts.failPasswordUpdates = 1
	env.accounts.mu.Unlock()

	err = env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "fresh-password")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGrantInvalid)

	// The grant was handed back, so the same ticket still redeems.
	require.NoError(t, env.recoveryService.Consume(context.Background(), ticket.GrantID, ticket.Token, "fresh-password"))

	_, err = env.sessionService.VerifyPassword(context.Background(), "alice@example.com", "fresh-password")
	require.NoError(t, err)
}

func TestRecoveryVerifyLockout(t *testing.T) {
	env := newTestEnv(t)
	registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.recoveryService.Initiate(context.Background(), "alice@example.com")
	require.NoError(t, err)
	code := env.notifier.last()
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}

	// Each wrong code burns the failure window; one past the ceiling arms
	// the cooldown lock.
	for i := 0; i <= env.cfg.Recovery.MaxFailures; i++ {
		_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", wrong)
		assert.ErrorIs(t, err, ErrUnverified)
	}

	_, err = env.recoveryService.VerifyCode(context.Background(), "alice@example.com", code)
	assert.ErrorIs(t, err, ErrRateLimited, "even the correct code is refused while locked")
}

func TestRecoveryUnknownEmailStillBurnsWindow(t *testing.T) {
	env := newTestEnv(t)

	var err error
	for i := 0; i <= env.cfg.Recovery.MaxFailures; i++ {
		_, err = env.recoveryService.VerifyCode(context.Background(), "nobody@example.com", "123456")
		assert.ErrorIs(t, err, ErrUnverified)
	}

	_, err = env.recoveryService.VerifyCode(context.Background(), "nobody@example.com", "123456")
	assert.ErrorIs(t, err, ErrRateLimited)
}
