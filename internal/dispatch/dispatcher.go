// Package dispatch owns the command queue: one in-flight command per target,
// worker hand-off, and queued commands waiting for a worker to come online.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// WorkerPool is the registry surface the dispatcher needs.
type WorkerPool interface {
	SelectWorker(target orchestrator.Target) (orchestrator.Worker, error)
	Deliver(workerID string, cmd orchestrator.Command) error
	AcquireSlot(workerID string)
	ReleaseSlot(workerID string)
}

// Config controls queue behavior.
type Config struct {
	// MaxQueueWait bounds how long a command may wait for a worker before
	// failing with NO_WORKER_ONLINE.
	MaxQueueWait time.Duration
}

const defaultMaxQueueWait = 30 * time.Minute

// QueueTimeoutFunc observes a queued command expiring without a worker.
type QueueTimeoutFunc func(cmd orchestrator.Command)

// SentFunc observes a command reaching a worker, including redispatches.
type SentFunc func(cmd orchestrator.Command)

// Dispatcher tracks every command and enforces the one-in-flight-per-target
// rule. Commands that cannot reach a worker park in the waiting queue and are
// redispatched when a worker transitions online.
type Dispatcher struct {
	cfg     Config
	targets orchestrator.TargetStore
	pool    WorkerPool
	clock   orchestrator.Clock
	hub     events.Emitter
	logger  *zap.Logger

	mu             sync.Mutex
	commands       map[string]*orchestrator.Command
	order          []string
	activeByTarget map[string]string
	waiting        []string
	waitTimers     map[string]*time.Timer

	cbMu      sync.RWMutex
	onTimeout []QueueTimeoutFunc
	onSent    []SentFunc
}

// New constructs a Dispatcher.
func New(cfg Config, targets orchestrator.TargetStore, pool WorkerPool, clock orchestrator.Clock, hub events.Emitter, logger *zap.Logger) *Dispatcher {
	if cfg.MaxQueueWait <= 0 {
		cfg.MaxQueueWait = defaultMaxQueueWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:            cfg,
		targets:        targets,
		pool:           pool,
		clock:          clock,
		hub:            hub,
		logger:         logger,
		commands:       make(map[string]*orchestrator.Command),
		activeByTarget: make(map[string]string),
		waitTimers:     make(map[string]*time.Timer),
	}
}

// OnQueueTimeout registers a callback fired when a queued command gives up
// waiting for a worker.
func (d *Dispatcher) OnQueueTimeout(fn QueueTimeoutFunc) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onTimeout = append(d.onTimeout, fn)
}

// OnSent registers a callback fired whenever a command is handed to a worker.
func (d *Dispatcher) OnSent(fn SentFunc) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onSent = append(d.onSent, fn)
}

// Enqueue admits a command for its target and attempts immediate dispatch.
// A target with an active command rejects new work with ErrTargetBusy unless
// the command asks to queue behind it. Returns the command in its
// post-admission state: sent when a worker took it, queued when none is
// online or the target is still busy.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd orchestrator.Command) (orchestrator.Command, error) {
	if cmd.ID == "" {
		return orchestrator.Command{}, fmt.Errorf("command id is required")
	}
	now := d.clock.Now()
	d.mu.Lock()
	if activeID, busy := d.activeByTarget[cmd.TargetID]; busy {
		if !cmd.QueueBehind {
			d.mu.Unlock()
			return orchestrator.Command{}, fmt.Errorf("target %s has active command %s: %w", cmd.TargetID, activeID, orchestrator.ErrTargetBusy)
		}
		cmd.Status = orchestrator.CommandQueued
		cmd.QueuedAt = &now
		cmd.UpdatedAt = now
		stored := cmd
		d.commands[cmd.ID] = &stored
		d.order = append(d.order, cmd.ID)
		d.waiting = append(d.waiting, cmd.ID)
		d.waitTimers[cmd.ID] = time.AfterFunc(d.cfg.MaxQueueWait, func() {
			d.expireQueued(cmd.ID)
		})
		d.mu.Unlock()

		d.logger.Info("command queued behind active command",
			logging.Command(cmd.ID),
			logging.Target(cmd.TargetID),
			zap.String("active_command_id", activeID))
		d.emitState(stored)
		return stored, nil
	}
	cmd.Status = orchestrator.CommandPending
	cmd.UpdatedAt = now
	stored := cmd
	d.commands[cmd.ID] = &stored
	d.order = append(d.order, cmd.ID)
	d.activeByTarget[cmd.TargetID] = cmd.ID
	d.mu.Unlock()

	d.emitState(stored)
	return d.tryDispatch(ctx, cmd.ID)
}

// tryDispatch attempts to hand the command to a worker, parking it in the
// waiting queue when none is online.
func (d *Dispatcher) tryDispatch(ctx context.Context, commandID string) (orchestrator.Command, error) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok || cmd.Status.Terminal() {
		snapshot := orchestrator.Command{}
		if ok {
			snapshot = *cmd
		}
		d.mu.Unlock()
		return snapshot, nil
	}
	// A command queued behind another stays parked until the target frees.
	if activeID, busy := d.activeByTarget[cmd.TargetID]; busy && activeID != commandID {
		snapshot := *cmd
		d.mu.Unlock()
		return snapshot, nil
	}
	d.activeByTarget[cmd.TargetID] = commandID
	targetID := cmd.TargetID
	scraperID := cmd.ScraperID
	d.mu.Unlock()

	target, err := d.targets.GetTarget(ctx, targetID)
	if err != nil {
		return orchestrator.Command{}, fmt.Errorf("load target: %w", err)
	}
	if scraperID != "" {
		target.PreferredScraperID = scraperID
	}
	worker, err := d.pool.SelectWorker(target)
	if errors.Is(err, orchestrator.ErrNoWorkerAvailable) {
		return d.park(commandID), nil
	}
	if err != nil {
		return orchestrator.Command{}, fmt.Errorf("select worker: %w", err)
	}

	now := d.clock.Now()
	d.mu.Lock()
	cmd, ok = d.commands[commandID]
	if !ok || cmd.Status.Terminal() {
		d.mu.Unlock()
		return orchestrator.Command{}, nil
	}
	cmd.WorkerID = worker.ID
	cmd.Status = orchestrator.CommandSent
	cmd.SentAt = &now
	cmd.UpdatedAt = now
	d.stopWaitTimerLocked(commandID)
	d.removeWaitingLocked(commandID)
	snapshot := *cmd
	d.mu.Unlock()

	d.pool.AcquireSlot(worker.ID)
	if err := d.pool.Deliver(worker.ID, snapshot); err != nil {
		d.pool.ReleaseSlot(worker.ID)
		d.logger.Warn("command delivery failed, parking",
			logging.Command(commandID),
			logging.Worker(worker.ID),
			zap.Error(err))
		return d.park(commandID), nil
	}

	d.logger.Info("command dispatched",
		logging.Command(commandID),
		logging.Target(snapshot.TargetID),
		logging.Worker(worker.ID))
	d.emitState(snapshot)

	d.cbMu.RLock()
	callbacks := append([]SentFunc(nil), d.onSent...)
	d.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(snapshot)
	}
	return snapshot, nil
}

// park moves a command into the waiting queue and arms its wait timer.
func (d *Dispatcher) park(commandID string) orchestrator.Command {
	now := d.clock.Now()
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok || cmd.Status.Terminal() {
		d.mu.Unlock()
		return orchestrator.Command{}
	}
	if cmd.Status != orchestrator.CommandQueued {
		cmd.Status = orchestrator.CommandQueued
		cmd.WorkerID = ""
		cmd.QueuedAt = &now
		cmd.UpdatedAt = now
		d.waiting = append(d.waiting, commandID)
		if _, armed := d.waitTimers[commandID]; !armed {
			d.waitTimers[commandID] = time.AfterFunc(d.cfg.MaxQueueWait, func() {
				d.expireQueued(commandID)
			})
		}
	}
	snapshot := *cmd
	d.mu.Unlock()

	d.logger.Info("command queued, no worker online", logging.Command(commandID))
	d.emitState(snapshot)
	return snapshot
}

// expireQueued fails a command that waited past MaxQueueWait.
func (d *Dispatcher) expireQueued(commandID string) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok || cmd.Status != orchestrator.CommandQueued {
		d.mu.Unlock()
		return
	}
	cmd.Status = orchestrator.CommandFailed
	cmd.UpdatedAt = d.clock.Now()
	if d.activeByTarget[cmd.TargetID] == commandID {
		delete(d.activeByTarget, cmd.TargetID)
	}
	d.removeWaitingLocked(commandID)
	d.stopWaitTimerLocked(commandID)
	snapshot := *cmd
	d.mu.Unlock()

	d.logger.Warn("queued command expired without a worker", logging.Command(commandID))
	d.emitState(snapshot)

	d.cbMu.RLock()
	callbacks := append([]QueueTimeoutFunc(nil), d.onTimeout...)
	d.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(snapshot)
	}
	d.promote(snapshot.TargetID)
}

// RedispatchQueued retries every waiting command in FIFO order. Wired to the
// registry's online transition so queued work reacts to reconnects instead of
// polling.
func (d *Dispatcher) RedispatchQueued(ctx context.Context) {
	d.mu.Lock()
	pending := append([]string(nil), d.waiting...)
	d.mu.Unlock()
	for _, commandID := range pending {
		if _, err := d.tryDispatch(ctx, commandID); err != nil {
			d.logger.Error("redispatch failed", logging.Command(commandID), zap.Error(err))
		}
	}
}

// MarkInProgress records the worker's acknowledgement of a command.
func (d *Dispatcher) MarkInProgress(commandID, sessionID string) error {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	if cmd.Status != orchestrator.CommandSent {
		d.mu.Unlock()
		return fmt.Errorf("command %s is %s, expected sent", commandID, cmd.Status)
	}
	cmd.Status = orchestrator.CommandInProgress
	cmd.SessionID = sessionID
	cmd.UpdatedAt = d.clock.Now()
	snapshot := *cmd
	d.mu.Unlock()

	d.emitState(snapshot)
	return nil
}

// Complete moves a command to a terminal state, frees the target for new
// work, and releases the worker slot.
func (d *Dispatcher) Complete(commandID string, status orchestrator.CommandStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("complete with non-terminal status %q", status)
	}
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	if cmd.Status.Terminal() {
		d.mu.Unlock()
		return nil
	}
	cmd.Status = status
	cmd.UpdatedAt = d.clock.Now()
	if d.activeByTarget[cmd.TargetID] == commandID {
		delete(d.activeByTarget, cmd.TargetID)
	}
	d.removeWaitingLocked(commandID)
	d.stopWaitTimerLocked(commandID)
	workerID := cmd.WorkerID
	snapshot := *cmd
	d.mu.Unlock()

	if workerID != "" {
		d.pool.ReleaseSlot(workerID)
	}
	d.emitState(snapshot)
	d.promote(snapshot.TargetID)
	return nil
}

// Cancel moves a command to cancelled. Idempotent: cancelling a command that
// is already terminal is a no-op. An in-flight command is redelivered to its
// worker with the cancelled status so the agent aborts the run. Returns the
// command snapshot so callers can fail the attached session.
func (d *Dispatcher) Cancel(commandID string) (orchestrator.Command, error) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok {
		d.mu.Unlock()
		return orchestrator.Command{}, fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	if cmd.Status.Terminal() {
		snapshot := *cmd
		d.mu.Unlock()
		return snapshot, nil
	}
	wasInFlight := cmd.Status == orchestrator.CommandSent || cmd.Status == orchestrator.CommandInProgress
	cmd.Status = orchestrator.CommandCancelled
	cmd.UpdatedAt = d.clock.Now()
	if d.activeByTarget[cmd.TargetID] == commandID {
		delete(d.activeByTarget, cmd.TargetID)
	}
	d.removeWaitingLocked(commandID)
	d.stopWaitTimerLocked(commandID)
	workerID := cmd.WorkerID
	snapshot := *cmd
	d.mu.Unlock()

	if workerID != "" {
		d.pool.ReleaseSlot(workerID)
		if wasInFlight {
			if err := d.pool.Deliver(workerID, snapshot); err != nil {
				d.logger.Warn("cancel notification not delivered",
					logging.Command(commandID),
					logging.Worker(workerID),
					zap.Error(err))
			}
		}
	}
	d.logger.Info("command cancelled", logging.Command(commandID))
	d.emitState(snapshot)
	d.promote(snapshot.TargetID)
	return snapshot, nil
}

// ClearFailed drops failed commands from the queue view and reports how many
// were removed.
func (d *Dispatcher) ClearFailed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	kept := d.order[:0]
	for _, id := range d.order {
		if cmd := d.commands[id]; cmd != nil && cmd.Status == orchestrator.CommandFailed {
			delete(d.commands, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
	return removed
}

// Get returns one command snapshot.
func (d *Dispatcher) Get(commandID string) (orchestrator.Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[commandID]
	if !ok {
		return orchestrator.Command{}, fmt.Errorf("command %s: %w", commandID, orchestrator.ErrNotFound)
	}
	return *cmd, nil
}

// ActiveCommand returns the target's current non-terminal command, if any.
func (d *Dispatcher) ActiveCommand(targetID string) (orchestrator.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.activeByTarget[targetID]
	if !ok {
		return orchestrator.Command{}, false
	}
	return *d.commands[id], true
}

// Commands returns every tracked command in admission order.
func (d *Dispatcher) Commands() []orchestrator.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]orchestrator.Command, 0, len(d.order))
	for _, id := range d.order {
		if cmd, ok := d.commands[id]; ok {
			out = append(out, *cmd)
		}
	}
	return out
}

// CommandsForWorker returns the worker's non-terminal commands, oldest first.
func (d *Dispatcher) CommandsForWorker(workerID string) []orchestrator.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []orchestrator.Command
	for _, id := range d.order {
		cmd, ok := d.commands[id]
		if ok && cmd.WorkerID == workerID && !cmd.Status.Terminal() {
			out = append(out, *cmd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats summarizes the queue.
func (d *Dispatcher) Stats() orchestrator.QueueStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := orchestrator.QueueStats{}
	for _, cmd := range d.commands {
		switch cmd.Status {
		case orchestrator.CommandPending, orchestrator.CommandQueued:
			stats.Pending++
		case orchestrator.CommandSent, orchestrator.CommandInProgress:
			stats.InProgress++
		case orchestrator.CommandFailed:
			stats.Failed++
		}
	}
	return stats
}

// promote hands the target to its oldest queued-behind command once the
// active command reached a terminal state.
func (d *Dispatcher) promote(targetID string) {
	d.mu.Lock()
	if _, busy := d.activeByTarget[targetID]; busy {
		d.mu.Unlock()
		return
	}
	var nextID string
	for _, id := range d.waiting {
		if cmd := d.commands[id]; cmd != nil && cmd.TargetID == targetID {
			nextID = id
			break
		}
	}
	if nextID == "" {
		d.mu.Unlock()
		return
	}
	d.activeByTarget[targetID] = nextID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.tryDispatch(ctx, nextID); err != nil {
		d.logger.Error("promote queued command", logging.Command(nextID), zap.Error(err))
	}
}

func (d *Dispatcher) removeWaitingLocked(commandID string) {
	for i, id := range d.waiting {
		if id == commandID {
			d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) stopWaitTimerLocked(commandID string) {
	if timer, ok := d.waitTimers[commandID]; ok {
		timer.Stop()
		delete(d.waitTimers, commandID)
	}
}

func (d *Dispatcher) emitState(cmd orchestrator.Command) {
	if d.hub == nil {
		return
	}
	d.hub.Emit(events.Event{
		TS:            d.clock.Now(),
		Kind:          events.KindCommandState,
		CommandID:     cmd.ID,
		TargetID:      cmd.TargetID,
		WorkerID:      cmd.WorkerID,
		SessionID:     cmd.SessionID,
		CommandStatus: cmd.Status,
	})
}
