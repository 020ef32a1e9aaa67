// DPROD Logging
// Process-wide zap logger shared by every pipeline component. Production
// emits JSON with ISO-8601 timestamps for the log shipper; everything
// else gets the colored development encoder. LOG_LEVEL overrides the
// encoder's default level.

// Package logging holds the platform's shared zap logger.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init builds the global logger from the environment. Safe to call more
// than once; later calls are no-ops.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("ENVIRONMENT") == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		if raw := os.Getenv("LOG_LEVEL"); raw != "" {
			if level, err := zapcore.ParseLevel(raw); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(level)
			}
		}

		var err error
		logger, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
		sugar = logger.Sugar()
	})
}

// L returns the global structured logger.
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init()
	}
	return sugar
}

// Sync flushes any buffered entries. Called on process exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithWorker returns a sugared logger stamped with the worker identity,
// so every entry a worker process writes carries its worker_id.
func WithWorker(workerID string) *zap.SugaredLogger {
	return S().With("worker_id", workerID)
}
