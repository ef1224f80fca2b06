package logging

import (
	"fmt"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production builds emit JSON at info level;
// debug builds use the console encoder at debug level.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Telego adapts a zap logger to telego's logger interface.
func Telego(logger *zap.Logger) telego.Logger {
	return logger.Named("telego").WithOptions(zap.AddCallerSkip(1)).Sugar()
}
