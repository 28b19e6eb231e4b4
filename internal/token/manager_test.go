package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-engine/internal/config"
)

func newTestManager(key string) *Manager {
	return NewManager(&config.Config{
		Session: config.SessionConfig{
			TokenSigningKey: key,
			TokenIssuer:     "auth-engine-test",
		},
	})
}

func TestIssueAndParse(t *testing.T) {
	m := newTestManager("test-signing-key")

	signed, err := m.Issue("account-1", "session-1", "device-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := m.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "account-1", claims.AccountID)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, "device-1", claims.DeviceID)
}

func TestParseExpired(t *testing.T) {
	m := newTestManager("test-signing-key")

	signed, err := m.Issue("account-1", "session-1", "", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = m.Parse(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// The refresh path still resolves the claims.
	claims, err := m.ParseAllowExpired(signed)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.SessionID)
}

func TestParseWrongKey(t *testing.T) {
	m := newTestManager("test-signing-key")
	other := newTestManager("a-different-key")

	signed, err := m.Issue("account-1", "session-1", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = other.Parse(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = other.ParseAllowExpired(signed)
	assert.Error(t, err, "expiry tolerance never tolerates a bad signature")
}

func TestParseTampered(t *testing.T) {
	m := newTestManager("test-signing-key")

	signed, err := m.Issue("account-1", "session-1", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	tampered := signed[:len(signed)-4] + "AAAA"
	_, err = m.Parse(tampered)
	assert.Error(t, err)
}

func TestParseMalformed(t *testing.T) {
	m := newTestManager("test-signing-key")

	_, err := m.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestParseMissingClaims(t *testing.T) {
	m := newTestManager("test-signing-key")

	signed, err := m.Issue("", "", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = m.Parse(signed)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
