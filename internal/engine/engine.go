// Package engine coordinates schedule fires, command dispatch, session
// lifecycle, and the retry policy between failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/dispatch"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	"github.com/pulsewatch/scrape-orchestrator/internal/session"
)

// Config controls engine behavior.
type Config struct {
	// TerminalTopic is where terminal-session summaries are published.
	TerminalTopic string
	// BackfillGrace matches the session manager's late-report window. The
	// command-to-session link is kept alive this long after the session
	// turns terminal so late agent reports still resolve.
	BackfillGrace time.Duration
}

const (
	defaultTerminalTopic = "sessions.terminal"
	defaultBackfillGrace = 30 * time.Second
	callbackTimeout      = 10 * time.Second
)

// TerminalSummary is the payload published for every terminal session.
type TerminalSummary struct {
	SessionID  string                     `json:"sessionId"`
	CommandID  string                     `json:"commandId"`
	TargetID   string                     `json:"targetId"`
	TargetURL  string                     `json:"targetUrl"`
	Status     orchestrator.SessionStatus `json:"status"`
	Trigger    orchestrator.TriggerType   `json:"triggerType"`
	Attempt    int                        `json:"attempt"`
	DurationMs int64                      `json:"durationMs"`
	Results    *orchestrator.Results      `json:"results,omitempty"`
	Error      *orchestrator.ExecError    `json:"error,omitempty"`
}

// retryState is one armed resubmission: a delay timer, optionally also a
// reconnect trigger. Whichever fires first wins; the loser sees the fired
// flag and backs off.
type retryState struct {
	template    orchestrator.Command
	fired       atomic.Bool
	timer       *time.Timer
	onReconnect bool
}

// Engine is the orchestration facade. The API layer and the cron scheduler
// both drive it; it owns no state machine of its own but moves commands and
// sessions through theirs.
type Engine struct {
	cfg        Config
	schedules  orchestrator.ScheduleStore
	targets    orchestrator.TargetStore
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	publisher  orchestrator.Publisher
	clock      orchestrator.Clock
	idGen      orchestrator.IDGenerator
	logger     *zap.Logger

	mu               sync.Mutex
	sessionByCommand map[string]string
	sentEarly        map[string]orchestrator.Command
	retries          map[string]*retryState
}

// New constructs an Engine and wires it into the dispatcher and session
// manager callbacks.
func New(
	cfg Config,
	schedules orchestrator.ScheduleStore,
	targets orchestrator.TargetStore,
	dispatcher *dispatch.Dispatcher,
	sessions *session.Manager,
	publisher orchestrator.Publisher,
	clock orchestrator.Clock,
	idGen orchestrator.IDGenerator,
	logger *zap.Logger,
) *Engine {
	if cfg.TerminalTopic == "" {
		cfg.TerminalTopic = defaultTerminalTopic
	}
	if cfg.BackfillGrace <= 0 {
		cfg.BackfillGrace = defaultBackfillGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:              cfg,
		schedules:        schedules,
		targets:          targets,
		dispatcher:       dispatcher,
		sessions:         sessions,
		publisher:        publisher,
		clock:            clock,
		idGen:            idGen,
		logger:           logger,
		sessionByCommand: make(map[string]string),
		sentEarly:        make(map[string]orchestrator.Command),
		retries:          make(map[string]*retryState),
	}
	dispatcher.OnSent(e.handleSent)
	dispatcher.OnQueueTimeout(e.handleQueueTimeout)
	sessions.OnTerminal(e.handleTerminal)
	return e
}

// HandleScheduleFire fans a due schedule out to its targets. Busy targets are
// skipped, not queued: the next fire will catch up.
func (e *Engine) HandleScheduleFire(ctx context.Context, schedule orchestrator.Schedule, fireTime time.Time) {
	for _, targetID := range schedule.TargetIDs {
		target, err := e.targets.GetTarget(ctx, targetID)
		if err != nil {
			e.logger.Warn("schedule references missing target",
				logging.Schedule(schedule.ID),
				logging.Target(targetID),
				zap.Error(err))
			continue
		}
		var scheduleOverride *orchestrator.SettingsOverride
		if override, ok := schedule.TargetOverrides[targetID]; ok {
			scheduleOverride = &override
		}
		settings := orchestrator.ResolveSettings(target.Settings, scheduleOverride, nil)
		_, err = e.enqueue(ctx, dispatchRequest{
			target:     target,
			scheduleID: schedule.ID,
			trigger:    orchestrator.TriggerScheduled,
			attempt:    1,
			settings:   settings,
			retry:      schedule.RetrySettings,
		})
		if errors.Is(err, orchestrator.ErrTargetBusy) {
			e.logger.Info("schedule fire skipped busy target",
				logging.Schedule(schedule.ID),
				logging.Target(targetID),
				zap.Time("fire_time", fireTime))
			continue
		}
		if err != nil {
			e.logger.Error("schedule fire failed for target",
				logging.Schedule(schedule.ID),
				logging.Target(targetID),
				zap.Error(err))
		}
	}
}

// TriggerSchedule fires a schedule immediately, outside its cron cadence.
// The run override layers on top of the schedule's stored target overrides.
func (e *Engine) TriggerSchedule(ctx context.Context, scheduleID string, runOverride *orchestrator.SettingsOverride) error {
	schedule, err := e.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	for _, targetID := range schedule.TargetIDs {
		target, err := e.targets.GetTarget(ctx, targetID)
		if err != nil {
			e.logger.Warn("manual schedule fire skipped missing target",
				logging.Target(targetID), zap.Error(err))
			continue
		}
		var scheduleOverride *orchestrator.SettingsOverride
		if override, ok := schedule.TargetOverrides[targetID]; ok {
			scheduleOverride = &override
		}
		settings := orchestrator.ResolveSettings(target.Settings, scheduleOverride, runOverride)
		_, err = e.enqueue(ctx, dispatchRequest{
			target:     target,
			scheduleID: schedule.ID,
			trigger:    orchestrator.TriggerManual,
			attempt:    1,
			settings:   settings,
			retry:      schedule.RetrySettings,
		})
		if err != nil && !errors.Is(err, orchestrator.ErrTargetBusy) {
			return err
		}
	}
	return nil
}

// TriggerOptions customizes a manual target dispatch.
type TriggerOptions struct {
	// ScraperID requests a specific worker for this run, overriding the
	// target's stored preference.
	ScraperID string
	// Override is the run-level settings layer.
	Override *orchestrator.SettingsOverride
	// Trigger defaults to manual.
	Trigger orchestrator.TriggerType
	// QueueBehind admits the command behind the target's active command
	// instead of rejecting with TargetBusy.
	QueueBehind bool
}

// TriggerTarget dispatches a single target immediately.
func (e *Engine) TriggerTarget(ctx context.Context, targetID string, opts TriggerOptions) (orchestrator.Command, error) {
	target, err := e.targets.GetTarget(ctx, targetID)
	if err != nil {
		return orchestrator.Command{}, fmt.Errorf("load target: %w", err)
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = orchestrator.TriggerManual
	}
	settings := orchestrator.ResolveSettings(target.Settings, nil, opts.Override)
	return e.enqueue(ctx, dispatchRequest{
		target:      target,
		trigger:     trigger,
		attempt:     1,
		settings:    settings,
		retry:       orchestrator.DefaultRetrySettings(),
		scraperID:   opts.ScraperID,
		queueBehind: opts.QueueBehind,
	})
}

// StartCommand records the worker's acknowledgement: the command moves to
// in_progress and the session starts its watchdog.
func (e *Engine) StartCommand(ctx context.Context, commandID string) (orchestrator.Session, error) {
	sessionID, ok := e.sessionFor(commandID)
	if !ok {
		return orchestrator.Session{}, fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	if err := e.dispatcher.MarkInProgress(commandID, sessionID); err != nil {
		return orchestrator.Session{}, err
	}
	if err := e.sessions.Start(ctx, sessionID); err != nil {
		return orchestrator.Session{}, err
	}
	return e.sessions.Get(ctx, sessionID)
}

// CompleteCommand ingests the worker's terminal report for a command.
func (e *Engine) CompleteCommand(ctx context.Context, commandID string, report session.CompletionReport) error {
	sessionID, ok := e.sessionFor(commandID)
	if !ok {
		return fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	return e.sessions.Complete(ctx, sessionID, report)
}

// SessionForCommand resolves the session attached to a command.
func (e *Engine) SessionForCommand(commandID string) (string, bool) {
	return e.sessionFor(commandID)
}

// Cancel aborts a command. Queued commands just leave the queue; in-flight
// commands also force their session into failed/CANCELLED. Idempotent.
func (e *Engine) Cancel(ctx context.Context, commandID string) error {
	cmd, err := e.dispatcher.Cancel(commandID)
	if err != nil {
		return err
	}
	sessionID, ok := e.sessionFor(commandID)
	if !ok {
		sessionID = cmd.SessionID
	}
	if sessionID == "" {
		return nil
	}
	err = e.sessions.Fail(ctx, sessionID, orchestrator.NewExecError(orchestrator.CodeCancelled, "cancelled by operator"))
	if err != nil && !errors.Is(err, orchestrator.ErrSessionTerminal) {
		return err
	}
	return nil
}

// RetryCommand resubmits a failed command as a fresh attempt.
func (e *Engine) RetryCommand(ctx context.Context, commandID string) (orchestrator.Command, error) {
	cmd, err := e.dispatcher.Get(commandID)
	if err != nil {
		return orchestrator.Command{}, err
	}
	if cmd.Status != orchestrator.CommandFailed {
		return orchestrator.Command{}, fmt.Errorf("command %s is %s, only failed commands can be retried", commandID, cmd.Status)
	}
	target, err := e.targets.GetTarget(ctx, cmd.TargetID)
	if err != nil {
		return orchestrator.Command{}, fmt.Errorf("load target: %w", err)
	}
	return e.enqueue(ctx, dispatchRequest{
		target:     target,
		scheduleID: cmd.ScheduleID,
		trigger:    orchestrator.TriggerRetry,
		attempt:    cmd.Attempt + 1,
		settings:   cmd.Settings,
		retry:      cmd.Retry,
		scraperID:  cmd.ScraperID,
	})
}

// HandleWorkerOnline reacts to a worker liveness transition: queued commands
// are redispatched and reconnect-armed retries fire immediately.
func (e *Engine) HandleWorkerOnline(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	e.dispatcher.RedispatchQueued(ctx)

	e.mu.Lock()
	var due []*retryState
	for targetID, state := range e.retries {
		if state.onReconnect {
			due = append(due, state)
			delete(e.retries, targetID)
		}
	}
	e.mu.Unlock()
	if len(due) > 0 {
		e.logger.Info("worker reconnect releases retries",
			logging.Worker(workerID),
			zap.Int("count", len(due)))
	}
	for _, state := range due {
		e.fireRetry(state, "worker reconnect")
	}
}

// HandleWorkerOffline fails the sessions of every command in flight on the
// lost worker; the terminal path then decides whether to retry.
func (e *Engine) HandleWorkerOffline(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	for _, cmd := range e.dispatcher.CommandsForWorker(workerID) {
		if cmd.Status != orchestrator.CommandSent && cmd.Status != orchestrator.CommandInProgress {
			continue
		}
		sessionID, ok := e.sessionFor(cmd.ID)
		if !ok {
			continue
		}
		e.logger.Warn("failing session for lost worker",
			logging.Worker(workerID),
			logging.Command(cmd.ID),
			logging.Session(sessionID))
		err := e.sessions.Fail(ctx, sessionID, orchestrator.NewExecError(orchestrator.CodeWorkerLost, "worker went offline mid-command"))
		if err != nil && !errors.Is(err, orchestrator.ErrSessionTerminal) {
			e.logger.Error("fail session for lost worker", logging.Session(sessionID), zap.Error(err))
		}
	}
}

// dispatchRequest carries everything needed to mint and admit a command.
type dispatchRequest struct {
	target      orchestrator.Target
	scheduleID  string
	trigger     orchestrator.TriggerType
	attempt     int
	settings    orchestrator.ExecutionScrapeSettings
	retry       orchestrator.RetrySettings
	scraperID   string
	queueBehind bool
}

func (e *Engine) enqueue(ctx context.Context, req dispatchRequest) (orchestrator.Command, error) {
	id, err := e.idGen.NewID()
	if err != nil {
		return orchestrator.Command{}, fmt.Errorf("generate command id: %w", err)
	}
	cmd := orchestrator.Command{
		ID:          id,
		TargetID:    req.target.ID,
		ScheduleID:  req.scheduleID,
		ScraperID:   req.scraperID,
		QueueBehind: req.queueBehind,
		Trigger:     req.trigger,
		Attempt:     req.attempt,
		Settings:    req.settings,
		Retry:       req.retry,
		CreatedAt:   e.clock.Now(),
	}
	admitted, err := e.dispatcher.Enqueue(ctx, cmd)
	if err != nil {
		return orchestrator.Command{}, err
	}

	sess, err := e.sessions.Create(ctx, admitted, req.target, "")
	if err != nil {
		e.mu.Lock()
		delete(e.sentEarly, admitted.ID)
		e.mu.Unlock()
		return admitted, fmt.Errorf("create session: %w", err)
	}
	e.mu.Lock()
	e.sessionByCommand[admitted.ID] = sess.ID
	early, wasSentEarly := e.sentEarly[admitted.ID]
	delete(e.sentEarly, admitted.ID)
	e.mu.Unlock()

	switch {
	case admitted.Status == orchestrator.CommandSent:
		if err := e.sessions.MarkSent(ctx, sess.ID, admitted.WorkerID, ""); err != nil {
			e.logger.Error("mark session sent", logging.Session(sess.ID), zap.Error(err))
		}
	case wasSentEarly:
		// A redispatch outran the session bind; settle the sent transition
		// it could not apply and pick up the dispatched snapshot.
		if err := e.sessions.MarkSent(ctx, sess.ID, early.WorkerID, ""); err != nil {
			e.logger.Error("mark session sent", logging.Session(sess.ID), zap.Error(err))
		}
		if refreshed, err := e.dispatcher.Get(admitted.ID); err == nil {
			admitted = refreshed
		}
	}
	admitted.SessionID = sess.ID
	return admitted, nil
}

// handleSent covers redispatch: the session was created while the command
// sat in the queue, so it moves to sent here.
func (e *Engine) handleSent(cmd orchestrator.Command) {
	e.mu.Lock()
	sessionID, ok := e.sessionByCommand[cmd.ID]
	if !ok {
		// Dispatch beat the session bind. enqueue drains this entry once
		// the session exists.
		e.sentEarly[cmd.ID] = cmd
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil || sess.Status != orchestrator.SessionPending {
		return
	}
	if err := e.sessions.MarkSent(ctx, sessionID, cmd.WorkerID, ""); err != nil {
		e.logger.Error("mark session sent on redispatch", logging.Session(sessionID), zap.Error(err))
	}
}

func (e *Engine) handleQueueTimeout(cmd orchestrator.Command) {
	sessionID, ok := e.sessionFor(cmd.ID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	err := e.sessions.Fail(ctx, sessionID, orchestrator.NewExecError(orchestrator.CodeNoWorkerOnline, "no worker came online within the queue wait"))
	if err != nil && !errors.Is(err, orchestrator.ErrSessionTerminal) {
		e.logger.Error("fail session on queue timeout", logging.Session(sessionID), zap.Error(err))
	}
}

// handleTerminal is the single convergence point for every session ending:
// it settles the command, publishes the summary, and arms retries.
func (e *Engine) handleTerminal(sess orchestrator.Session) {
	cmdStatus := orchestrator.CommandCompleted
	if sess.Status == orchestrator.SessionFailed || sess.Status == orchestrator.SessionTimeout {
		cmdStatus = orchestrator.CommandFailed
	}
	if sess.Error != nil && sess.Error.Code == orchestrator.CodeCancelled {
		cmdStatus = orchestrator.CommandCancelled
	}
	if err := e.dispatcher.Complete(sess.CommandID, cmdStatus); err != nil && !errors.Is(err, orchestrator.ErrNotFound) {
		e.logger.Error("settle command", logging.Command(sess.CommandID), zap.Error(err))
	}

	// The command-to-session link outlives the session by the back-fill
	// window so late agent log/item reports still resolve. The session
	// manager enforces the actual write cutoff.
	time.AfterFunc(e.cfg.BackfillGrace, func() {
		e.mu.Lock()
		if e.sessionByCommand[sess.CommandID] == sess.ID {
			delete(e.sessionByCommand, sess.CommandID)
		}
		e.mu.Unlock()
	})

	e.publishSummary(sess)

	if sess.Status != orchestrator.SessionFailed && sess.Status != orchestrator.SessionTimeout {
		return
	}
	if sess.Error != nil && sess.Error.Code == orchestrator.CodeCancelled {
		return
	}
	cmd, err := e.dispatcher.Get(sess.CommandID)
	if err != nil {
		return
	}
	decision := orchestrator.DecideRetry(cmd.Retry, cmd.Attempt, sess.Error)
	if !decision.Retry {
		e.logger.Info("session stays failed, no retry",
			logging.Session(sess.ID),
			zap.Int("attempt", cmd.Attempt))
		return
	}
	e.armRetry(cmd, decision)
}

func (e *Engine) publishSummary(sess orchestrator.Session) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	summary := TerminalSummary{
		SessionID:  sess.ID,
		CommandID:  sess.CommandID,
		TargetID:   sess.TargetID,
		TargetURL:  sess.TargetURL,
		Status:     sess.Status,
		Trigger:    sess.Trigger,
		Attempt:    sess.Attempt,
		DurationMs: sess.DurationMs,
		Results:    sess.Results,
		Error:      sess.Error,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.TerminalTopic, summary); err != nil {
		e.logger.Error("publish terminal summary", logging.Session(sess.ID), zap.Error(err))
	}
}

// armRetry schedules the resubmission. The delay timer always arms; when the
// decision allows reconnect-triggered retries, a worker online transition can
// preempt the timer. Only one retry may be pending per target.
func (e *Engine) armRetry(cmd orchestrator.Command, decision orchestrator.RetryDecision) {
	template := cmd
	template.Attempt = decision.NextAttempt
	template.Trigger = orchestrator.TriggerRetry

	state := &retryState{template: template, onReconnect: decision.OnReconnect}

	e.mu.Lock()
	if _, pending := e.retries[cmd.TargetID]; pending {
		e.mu.Unlock()
		e.logger.Info("retry already pending for target", logging.Target(cmd.TargetID))
		return
	}
	e.retries[cmd.TargetID] = state
	e.mu.Unlock()

	e.logger.Info("retry armed",
		logging.Target(cmd.TargetID),
		zap.Int("next_attempt", decision.NextAttempt),
		zap.Duration("delay", decision.Delay),
		zap.Bool("on_reconnect", decision.OnReconnect))

	state.timer = time.AfterFunc(decision.Delay, func() {
		e.mu.Lock()
		if e.retries[template.TargetID] == state {
			delete(e.retries, template.TargetID)
		}
		e.mu.Unlock()
		e.fireRetry(state, "delay elapsed")
	})
}

func (e *Engine) fireRetry(state *retryState, reason string) {
	if !state.fired.CompareAndSwap(false, true) {
		return
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	target, err := e.targets.GetTarget(ctx, state.template.TargetID)
	if err != nil {
		e.logger.Error("retry target lookup", logging.Target(state.template.TargetID), zap.Error(err))
		return
	}
	e.logger.Info("retry firing",
		logging.Target(target.ID),
		zap.Int("attempt", state.template.Attempt),
		zap.String("reason", reason))
	_, err = e.enqueue(ctx, dispatchRequest{
		target:     target,
		scheduleID: state.template.ScheduleID,
		trigger:    orchestrator.TriggerRetry,
		attempt:    state.template.Attempt,
		settings:   state.template.Settings,
		retry:      state.template.Retry,
	})
	if err != nil && !errors.Is(err, orchestrator.ErrTargetBusy) {
		e.logger.Error("retry enqueue", logging.Target(target.ID), zap.Error(err))
	}
}

func (e *Engine) sessionFor(commandID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessionID, ok := e.sessionByCommand[commandID]
	return sessionID, ok
}
