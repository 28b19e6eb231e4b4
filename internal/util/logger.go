package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"auth-engine/internal/config"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process-wide logger from the logging section of the
// configuration. The first call wins; later calls return the same
// instance.
func Init(environment string, cfg config.LoggingConfig) *zap.Logger {
	once.Do(func() {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		if environment == "production" {
			zcfg = zap.NewProductionConfig()
			zcfg.EncoderConfig.TimeKey = "timestamp"
			zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			zcfg.DisableStacktrace = true
			zcfg.Sampling = &zap.SamplingConfig{
				Initial:    100,
				Thereafter: 100,
			}
		}

		zcfg.Level = zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))
		zcfg.Encoding = "console"
		if cfg.Format == "json" {
			zcfg.Encoding = "json"
		}

		// Containers collect stdout; files are never written directly.
		zcfg.OutputPaths = []string{"stdout"}
		zcfg.ErrorOutputPaths = []string{"stderr"}

		logger, err := zcfg.Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}

		globalLogger = logger
		zap.ReplaceGlobals(logger)
	})

	return globalLogger
}

// Get returns the global logger, initializing it from the loaded
// configuration if nothing called Init yet.
func Get() *zap.Logger {
	if globalLogger == nil {
		cfg := config.Get()
		return Init(cfg.Environment, cfg.Logging)
	}
	return globalLogger
}

// Sync flushes any buffered log entries.
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

// Field helpers so call sites need no zap import of their own.
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

// ErrorField avoids colliding with the Error logging function.
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}
