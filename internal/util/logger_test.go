package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"auth-engine/internal/config"
)

func TestInitHonorsLoggingConfig(t *testing.T) {
	logger := Init("test", config.LoggingConfig{Level: "warn", Format: "console"})
	require.NotNil(t, logger)

	core := logger.Core()
	assert.False(t, core.Enabled(zapcore.InfoLevel))
	assert.True(t, core.Enabled(zapcore.WarnLevel))

	assert.Same(t, logger, Get(), "Get returns the instance Init built")
	assert.Same(t, logger, Init("test", config.LoggingConfig{Level: "debug"}), "first Init wins")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("nonsense"), "unknown levels fall back to info")
}
