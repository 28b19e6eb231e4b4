package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceFingerprint derives a stable identifier from the user agent and
// client hints. It correlates requests to a physical device and is not a
// security boundary; trust is tracked separately per device.
func DeviceFingerprint(userAgent string, hints ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(userAgent))
	for _, h := range hints {
		b.WriteByte('|')
		b.WriteString(strings.TrimSpace(strings.ToLower(h)))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail case-folds and trims an address so uniqueness checks and
// hashes are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail keeps the first character of the local part and the domain:
// j***@example.com.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskPhone keeps only the last two digits: ********21.
func MaskPhone(phone string) string {
	if len(phone) < 2 {
		return "**"
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
