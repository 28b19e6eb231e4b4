package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-engine/internal/model"
	"auth-engine/internal/totp"
)

func TestEmailChallengeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	ticket, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	require.NoError(t, err)
	assert.True(t, ticket.Delivered)
	assert.Equal(t, "a***@example.com", ticket.MaskedDestination)

	code := env.notifier.last()
	require.Len(t, code, env.cfg.Challenge.CodeDigits)

	err = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, "000000")
	if code == "000000" {
		t.Skip("generated code collided with the guess")
	}
	assert.ErrorIs(t, err, ErrUnverified)

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, code))

	// Consumption is single-shot: the same correct code is now dead.
	err = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, code)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestIssueChallengeRateLimited(t *testing.T) {
	cfg := newTestConfig()
	cfg.Challenge.IssueLimit = 2
	env := newTestEnvWithConfig(t, cfg)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	for i := 0; i < cfg.Challenge.IssueLimit; i++ {
		_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
		require.NoError(t, err)
	}

	// One more send in the window is refused outright; nothing goes out.
	sentBefore := env.notifier.sent
	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, sentBefore, env.notifier.sent)
}

func TestChallengeExhaustion(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	require.NoError(t, err)
	code := env.notifier.last()

	wrong := "999999"
	if code == wrong {
		wrong = "888888"
	}

	var lastErr error
	for i := 0; i < env.cfg.Challenge.MaxAttempts; i++ {
		lastErr = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, wrong)
	}
	assert.ErrorIs(t, lastErr, ErrChallengeExhausted)

	// Even the correct code fails after exhaustion.
	err = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, code)
	assert.ErrorIs(t, err, ErrChallengeExhausted)

	assert.NotEmpty(t, env.audit.eventsOfType(model.EventChallengeExhausted))
}

func TestReissueResetsAttempts(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	require.NoError(t, err)
	for i := 0; i < env.cfg.Challenge.MaxAttempts; i++ {
		_ = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, "000001")
	}

	// A fresh challenge replaces the exhausted one and its counter.
	_, err = env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	require.NoError(t, err)
	code := env.notifier.last()

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodEmail, code))
}

func TestChallengeDeliveryFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	env.notifier.fail = true
	ticket, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodEmail)
	require.NoError(t, err, "delivery failure must not fail issuance")
	assert.False(t, ticket.Delivered)
}

func TestSMSChallengeWithoutPhone(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodSMS)
	assert.ErrorIs(t, err, ErrMethodUnavailable)
}

func TestTOTPEnrollmentAndVerify(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	secretBase32, uri, err := env.challengeService.SetupTOTP(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, secretBase32)

	// Nothing on the account changes until the proof of possession.
	stored, err := env.accounts.GetAccountByID(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.False(t, stored.SecondFactorEnabled)

	secret, err := totp.DecodeSecret(secretBase32)
	require.NoError(t, err)

	err = env.challengeService.VerifyTOTPSetup(context.Background(), account.AccountID, "000000")
	assert.Error(t, err)

	code, err := env.totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.challengeService.VerifyTOTPSetup(context.Background(), account.AccountID, code))

	stored, err = env.accounts.GetAccountByID(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.True(t, stored.SecondFactorEnabled)
	assert.Equal(t, model.MethodTOTP, stored.PrimaryMethod)
	assert.Equal(t, secretBase32, stored.TOTPSecret)

	// The enrolled secret now verifies login challenges.
	code, err = env.totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodTOTP, code))
}

func TestDisableSecondFactorRequiresProof(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	secretBase32, _, err := env.challengeService.SetupTOTP(context.Background(), account.AccountID)
	require.NoError(t, err)
	secret, err := totp.DecodeSecret(secretBase32)
	require.NoError(t, err)
	code, err := env.totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.challengeService.VerifyTOTPSetup(context.Background(), account.AccountID, code))

	err = env.challengeService.DisableSecondFactor(context.Background(), account.AccountID, model.MethodTOTP, "000000")
	assert.Error(t, err, "disable without a valid proof must fail")

	code, err = env.totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, env.challengeService.DisableSecondFactor(context.Background(), account.AccountID, model.MethodTOTP, code))

	stored, err := env.accounts.GetAccountByID(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.False(t, stored.SecondFactorEnabled)
	assert.Empty(t, stored.TOTPSecret)
}

func TestBackupCodesSingleUse(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	codes, err := env.challengeService.GenerateBackupCodes(context.Background(), account.AccountID)
	require.NoError(t, err)
	require.Len(t, codes, env.cfg.Challenge.BackupCodes)
	for _, code := range codes {
		assert.Len(t, code, 11, "codes are formatted XXXXX-XXXXX")
	}

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodBackupCode, codes[0]))

	err = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodBackupCode, codes[0])
	assert.ErrorIs(t, err, ErrUnverified, "a spent code never verifies again")

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodBackupCode, codes[1]))

	assert.Len(t, env.audit.eventsOfType(model.EventBackupCodeConsumed), 2)
}

func TestBackupCodeBatchReplacement(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	first, err := env.challengeService.GenerateBackupCodes(context.Background(), account.AccountID)
	require.NoError(t, err)

	second, err := env.challengeService.GenerateBackupCodes(context.Background(), account.AccountID)
	require.NoError(t, err)

	err = env.challengeService.Verify(context.Background(), account.AccountID, model.MethodBackupCode, first[0])
	assert.ErrorIs(t, err, ErrUnverified, "a new batch kills every unspent code of the old one")

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodBackupCode, second[0]))
}

func TestPasskeyRegistrationAndAssertion(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	options, err := env.challengeService.BeginPasskeyRegistration(context.Background(), account.AccountID)
	require.NoError(t, err)
	assert.NotEmpty(t, options)

	registration := fmt.Sprintf(`{"credential_id":%q,"public_key":%q,"transports":["internal"]}`,
		"Y3JlZC1pZA==", "cHVibGljLWtleQ==")
	credential, err := env.challengeService.FinishPasskeyRegistration(context.Background(), account.AccountID, []byte(registration), "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", credential.DeviceName)

	ticket, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodWebAuthn)
	require.NoError(t, err)
	require.NotEmpty(t, ticket.Options)

	var issued struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(ticket.Options, &issued))

	assertion, err := json.Marshal(map[string]interface{}{
		"nonce":         issued.Challenge,
		"credential_id": credential.CredentialID,
		"sign_count":    1,
	})
	require.NoError(t, err)

	require.NoError(t, env.challengeService.Verify(context.Background(), account.AccountID, model.MethodWebAuthn, string(assertion)))

	stored, err := env.factors.ListPasskeys(context.Background(), account.AccountID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, uint32(1), stored[0].SignCount)
}

func TestWebAuthnChallengeWithoutPasskeys(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodWebAuthn)
	assert.ErrorIs(t, err, ErrMethodUnavailable)
}

func TestTOTPIssueRejected(t *testing.T) {
	env := newTestEnv(t)
	account, _ := registerAccount(t, env, "alice@example.com", "correct-horse")

	_, err := env.challengeService.Issue(context.Background(), account.AccountID, model.MethodTOTP)
	assert.ErrorIs(t, err, ErrMethodUnavailable)
}
