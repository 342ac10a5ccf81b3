package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. LOG_LEVEL picks the level and
// LOG_FORMAT=console switches to human-readable output.
func New() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := zap.ParseAtomicLevel(v); err == nil {
			cfg.Level = lvl
		}
	}

	if os.Getenv("LOG_FORMAT") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return l.With(zap.String("app", "approval-gate"))
}
