// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/jobcore/internal/config"
)

const (
	envLevel = "JOBCORE_LOG_LEVEL"
	envFile  = "JOBCORE_LOG_FILE"
)

// New builds a JSON logger from cfg. JOBCORE_LOG_LEVEL and JOBCORE_LOG_FILE
// override the configured level and output.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	if cfg.Development {
		conf = zap.NewDevelopmentConfig()
	}
	conf.Sampling = nil
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	conf.EncoderConfig.TimeKey = "@timestamp"

	level := cfg.Level
	if env := os.Getenv(envLevel); env != "" {
		level = env
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		conf.Level = zap.NewAtomicLevelAt(lvl)
	}

	output := cfg.File
	if env := os.Getenv(envFile); env != "" {
		output = env
	}
	if output != "" {
		conf.OutputPaths = []string{output}
		conf.ErrorOutputPaths = []string{output}
	}

	logger, err := conf.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("jobcore"), nil
}
