package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-engine/internal/config"
)

func newTestHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   8 * 1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 30,
		},
	})
}

func TestPasswordRoundtrip(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashPassword("correct-horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := h.VerifyPassword("correct-horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong-password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h := newTestHasher()

	first, err := h.HashPassword("correct-horse")
	require.NoError(t, err)
	second, err := h.HashPassword("correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	h := newTestHasher()

	_, err := h.VerifyPassword("whatever", "not-an-encoded-hash")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyPassword("whatever", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestCodeHashRoundtrip(t *testing.T) {
	h := newTestHasher()

	stored, err := h.HashCode("483921")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Salt)
	assert.Equal(t, 1, stored.PepperVersion)

	ok, err := h.VerifyCode("483921", stored)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("000000", stored)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodeHashSurvivesPepperRotation(t *testing.T) {
	h := newTestHasher()

	stored, err := h.HashCode("483921")
	require.NoError(t, err)

	h.rotatePepper()

	// The old pepper is retained, so in-flight codes stay verifiable.
	ok, err := h.VerifyCode("483921", stored)
	require.NoError(t, err)
	assert.True(t, ok)

	fresh, err := h.HashCode("483921")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.PepperVersion)
}

func TestVerifyCodeUnknownPepperVersion(t *testing.T) {
	h := newTestHasher()

	stored, err := h.HashCode("483921")
	require.NoError(t, err)
	stored.PepperVersion = 99

	ok, err := h.VerifyCode("483921", stored)
	require.NoError(t, err)
	assert.False(t, ok, "an aged-out pepper makes the code unverifiable, not an error")
}

func TestDigestTokenDeterministic(t *testing.T) {
	h := newTestHasher()

	assert.Equal(t, h.DigestToken("ABCDE12345"), h.DigestToken("ABCDE12345"))
	assert.NotEqual(t, h.DigestToken("ABCDE12345"), h.DigestToken("ABCDE12346"))
	assert.Len(t, h.DigestToken("x"), 64)
}
