// Package logging builds the zap logger shared by the CLI, the conversation
// tree, the stores and the provider clients. Logs go to stderr so command
// output on stdout stays clean.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ishandhanani/forky/internal/config"
)

// New builds a logger for the given mode ("production" or "development")
// at the given level.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	switch strings.ToLower(cfg.Mode) {
	case "prod", "production":
		zcfg = zap.NewProductionConfig()
	default:
		zcfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}

// RedactKey shortens a secret so it can appear in logs.
func RedactKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "[REDACTED]"
	}
	return key[:4] + "..." + key[len(key)-2:]
}
