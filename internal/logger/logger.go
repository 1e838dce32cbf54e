// Package logger builds the zap logger used across the crawler.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger configured for the given environment.
// env "prod" selects the JSON production encoder, anything else
// the human-readable development encoder.
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch env {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Nop returns a no-op logger for components that accept nil loggers.
func Nop() *zap.Logger {
	return zap.NewNop()
}
