// Package events defines the orchestration event stream emitted as commands
// and sessions change state.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindWorkerOnline  Kind = "WORKER_ONLINE"
	KindWorkerOffline Kind = "WORKER_OFFLINE"
	KindCommandState  Kind = "COMMAND_STATE"
	KindSessionStatus Kind = "SESSION_STATUS"
	KindSessionLog    Kind = "SESSION_LOG"
	KindSessionResult Kind = "SESSION_RESULT"
)

// Event captures a single orchestration milestone. Every event is keyed by
// session and/or command id so consumers can reconcile without polling.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind denotes which milestone occurred.
	Kind Kind `json:"kind"`
	// WorkerID scopes worker liveness and assignment events.
	WorkerID string `json:"workerId,omitempty"`
	// CommandID scopes command state changes.
	CommandID string `json:"commandId,omitempty"`
	// SessionID scopes session status/log/result events.
	SessionID string `json:"sessionId,omitempty"`
	// TargetID identifies the scrape source involved, when known.
	TargetID string `json:"targetId,omitempty"`
	// CommandStatus carries the new state for COMMAND_STATE events.
	CommandStatus orchestrator.CommandStatus `json:"commandStatus,omitempty"`
	// SessionStatus carries the new state for SESSION_STATUS events.
	SessionStatus orchestrator.SessionStatus `json:"sessionStatus,omitempty"`
	// Level and Message carry SESSION_LOG payloads.
	Level   orchestrator.LogLevel `json:"level,omitempty"`
	Message string                `json:"message,omitempty"`
	// Results carries the aggregate for SESSION_RESULT events.
	Results *orchestrator.Results `json:"results,omitempty"`
	// Dur captures execution latency for terminal session events.
	Dur time.Duration `json:"durationMs,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindWorkerOnline, KindWorkerOffline:
		if e.WorkerID == "" {
			return errors.New("worker event requires worker id")
		}
	case KindCommandState:
		if e.CommandID == "" {
			return errors.New("command event requires command id")
		}
		if e.CommandStatus == "" {
			return errors.New("command event requires status")
		}
	case KindSessionStatus:
		if e.SessionID == "" {
			return errors.New("session event requires session id")
		}
		if e.SessionStatus == "" {
			return errors.New("session event requires status")
		}
	case KindSessionLog:
		if e.SessionID == "" {
			return errors.New("session log requires session id")
		}
		if e.Level == "" {
			return errors.New("session log requires level")
		}
	case KindSessionResult:
		if e.SessionID == "" {
			return errors.New("session result requires session id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
