// Package sinks provides Sink implementations for the orchestration event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
)

// LogSink emits structured logs for debugging the orchestration event stream.
// It is useful during development or audits where a durable store is
// unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			logging.Worker(evt.WorkerID),
			logging.Command(evt.CommandID),
			logging.Session(evt.SessionID),
			logging.Target(evt.TargetID),
			zap.String("command_status", string(evt.CommandStatus)),
			zap.String("session_status", string(evt.SessionStatus)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("orchestration event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
