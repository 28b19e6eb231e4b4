package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceFingerprint(t *testing.T) {
	first := DeviceFingerprint("Mozilla/5.0", "macOS")
	assert.Len(t, first, 64)

	// Stable across whitespace and hint casing.
	assert.Equal(t, first, DeviceFingerprint("  Mozilla/5.0  ", "MACOS"))

	assert.NotEqual(t, first, DeviceFingerprint("Mozilla/5.0", "linux"))
	assert.NotEqual(t, first, DeviceFingerprint("curl/8.0", "macOS"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
	assert.Equal(t, "***", MaskEmail("@example.com"))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "*********21", MaskPhone("+4915550021"))
	assert.Equal(t, "**", MaskPhone("1"))
}
