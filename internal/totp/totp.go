// Package totp implements RFC 6238 time-based one-time passwords for the
// authenticator-app second factor. Secrets are generated here; storage and
// attempt accounting live with the caller.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const secretBytes = 20

var ErrEmptySecret = errors.New("empty totp secret")

type Manager struct {
	issuer string
	period int
	digits int
	skew   int
}

func NewManager(issuer string, period, digits, skew int) *Manager {
	if period <= 0 {
		period = 30
	}
	if digits <= 0 {
		digits = 6
	}
	return &Manager{issuer: issuer, period: period, digits: digits, skew: skew}
}

// GenerateSecret returns a fresh secret and its base32 form for the
// provisioning URI.
func (m *Manager) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI encoded into the setup QR code.
func (m *Manager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.issuer)
	v.Set("period", strconv.Itoa(m.period))
	v.Set("digits", strconv.Itoa(m.digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// GenerateCode produces the code for the step containing now. Used by
// provisioning previews and by callers that need a known-good code.
func (m *Manager) GenerateCode(secret []byte, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	return hotpCode(secret, now.Unix()/int64(m.period), m.digits), nil
}

// VerifyCode checks a candidate against the current step and the configured
// skew on either side. Comparison is constant time per step.
func (m *Manager) VerifyCode(secret []byte, code string, now time.Time) (bool, error) {
	if len(code) != m.digits || !isNumeric(code) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, ErrEmptySecret
	}

	baseCounter := now.Unix() / int64(m.period)
	for step := -m.skew; step <= m.skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated := hotpCode(secret, counter, m.digits)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// DecodeSecret reverses the base32 form stored on the account row.
func DecodeSecret(secretBase32 string) ([]byte, error) {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return enc.DecodeString(secretBase32)
}

func hotpCode(secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
