// Package logging builds the process-wide zap logger and the field helpers
// that keep orchestration entity keys consistent across subsystems.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger. Development mode uses the console encoder
// with colored levels; production emits JSON with stacktraces on errors.
func New(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Command tags an entry with the command id.
func Command(id string) zap.Field { return zap.String("command_id", id) }

// Session tags an entry with the session id.
func Session(id string) zap.Field { return zap.String("session_id", id) }

// Target tags an entry with the target id.
func Target(id string) zap.Field { return zap.String("target_id", id) }

// Worker tags an entry with the worker id.
func Worker(id string) zap.Field { return zap.String("worker_id", id) }

// Schedule tags an entry with the schedule id.
func Schedule(id string) zap.Field { return zap.String("schedule_id", id) }
