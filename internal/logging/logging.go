// Package logging builds the single *zap.Logger shared by the Operations
// process and every internal/ subpackage, each scoped with .Named(...) at
// construction. No component reaches for the stdlib log package.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for level (debug, info, warn, error — anything
// else falls back to info), following the same NewDevelopmentConfig/
// NewProductionConfig split the teacher's buildLogger uses: debug gets
// human-readable console output, everything else gets JSON.
func New(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(levelFor(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

func levelFor(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
