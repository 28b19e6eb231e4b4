package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B vectors: SHA1, 8 digits, 30 second period.
var rfcSecret = []byte("12345678901234567890")

func TestGenerateCodeReferenceVectors(t *testing.T) {
	m := NewManager("Test", 30, 8, 0)

	vectors := []struct {
		unix int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, v := range vectors {
		code, err := m.GenerateCode(rfcSecret, time.Unix(v.unix, 0).UTC())
		require.NoError(t, err)
		assert.Equal(t, v.code, code, "T=%d", v.unix)
	}
}

func TestVerifyCode(t *testing.T) {
	m := NewManager("Test", 30, 6, 0)
	now := time.Unix(1111111111, 0).UTC()

	code, err := m.GenerateCode(rfcSecret, now)
	require.NoError(t, err)

	ok, err := m.VerifyCode(rfcSecret, code, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifyCode(rfcSecret, "000000", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong length and non-numeric input fail before any crypto.
	ok, err = m.VerifyCode(rfcSecret, "12345", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.VerifyCode(rfcSecret, "abcdef", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCodeSkew(t *testing.T) {
	now := time.Unix(1111111111, 0).UTC()
	previous := now.Add(-30 * time.Second)

	strict := NewManager("Test", 30, 6, 0)
	lenient := NewManager("Test", 30, 6, 1)

	stale, err := strict.GenerateCode(rfcSecret, previous)
	require.NoError(t, err)

	ok, err := strict.VerifyCode(rfcSecret, stale, now)
	require.NoError(t, err)
	assert.False(t, ok, "zero skew rejects the previous step")

	ok, err = lenient.VerifyCode(rfcSecret, stale, now)
	require.NoError(t, err)
	assert.True(t, ok, "one step of skew accepts the previous step")

	ancient, err := strict.GenerateCode(rfcSecret, now.Add(-90*time.Second))
	require.NoError(t, err)
	ok, err = lenient.VerifyCode(rfcSecret, ancient, now)
	require.NoError(t, err)
	assert.False(t, ok, "skew is bounded")
}

func TestSecretRoundtrip(t *testing.T) {
	m := NewManager("Test", 30, 6, 1)

	raw, encoded, err := m.GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, raw, secretBytes)
	assert.NotContains(t, encoded, "=")

	decoded, err := DecodeSecret(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	// Two secrets never collide.
	_, other, err := m.GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other)
}

func TestVerifyCodeEmptySecret(t *testing.T) {
	m := NewManager("Test", 30, 6, 1)

	_, err := m.VerifyCode(nil, "123456", time.Now())
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = m.GenerateCode(nil, time.Now())
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestProvisionURI(t *testing.T) {
	m := NewManager("Acme", 30, 6, 1)

	uri := m.ProvisionURI("JBSWY3DPEHPK3PXP", "alice@example.com")
	assert.Contains(t, uri, "otpauth://totp/Acme:alice@example.com")
	assert.Contains(t, uri, "secret=JBSWY3DPEHPK3PXP")
	assert.Contains(t, uri, "issuer=Acme")
	assert.Contains(t, uri, "period=30")
	assert.Contains(t, uri, "digits=6")
	assert.Contains(t, uri, "algorithm=SHA1")
}
