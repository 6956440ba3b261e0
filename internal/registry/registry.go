// Package registry tracks scraper workers, their heartbeat-derived liveness,
// and command delivery mailboxes.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// Config controls liveness detection and command delivery.
type Config struct {
	// HeartbeatInterval is the expected beat cadence from workers.
	HeartbeatInterval time.Duration
	// LivenessMultiplier scales the interval into the offline window: a
	// worker silent for HeartbeatInterval×LivenessMultiplier is offline.
	LivenessMultiplier int
	// MailboxDepth bounds undelivered commands per worker.
	MailboxDepth int
}

const (
	defaultHeartbeatInterval  = 10 * time.Second
	defaultLivenessMultiplier = 2
	defaultMailboxDepth       = 16
)

// TransitionFunc observes a single worker liveness transition.
type TransitionFunc func(workerID string)

type workerState struct {
	mu       sync.Mutex
	info     orchestrator.Worker
	seq      int
	online   atomic.Bool
	lastBeat atomic.Int64
	inFlight atomic.Int32
	mailbox  chan orchestrator.Command
}

// Registry is the single source of truth for worker liveness. Heartbeats,
// explicit disconnects, and the sweeper all transition the per-worker online
// flag through compare-and-set so concurrent triggers cannot race into an
// inconsistent state.
type Registry struct {
	cfg    Config
	clock  orchestrator.Clock
	hub    events.Emitter
	logger *zap.Logger

	mu      sync.RWMutex
	workers map[string]*workerState
	nextSeq int

	cbMu      sync.RWMutex
	onOnline  []TransitionFunc
	onOffline []TransitionFunc
}

// New constructs a Registry.
func New(cfg Config, clock orchestrator.Clock, hub events.Emitter, logger *zap.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.LivenessMultiplier <= 0 {
		cfg.LivenessMultiplier = defaultLivenessMultiplier
	}
	if cfg.MailboxDepth <= 0 {
		cfg.MailboxDepth = defaultMailboxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		hub:     hub,
		logger:  logger,
		workers: make(map[string]*workerState),
	}
}

// LivenessWindow returns how long a worker may stay silent before it is
// marked offline.
func (r *Registry) LivenessWindow() time.Duration {
	return r.cfg.HeartbeatInterval * time.Duration(r.cfg.LivenessMultiplier)
}

// OnOnline registers a callback fired on every offline→online transition.
func (r *Registry) OnOnline(fn TransitionFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onOnline = append(r.onOnline, fn)
}

// OnOffline registers a callback fired on every online→offline transition.
func (r *Registry) OnOffline(fn TransitionFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onOffline = append(r.onOffline, fn)
}

// Register adds (or revives) a worker and marks it online.
func (r *Registry) Register(worker orchestrator.Worker) orchestrator.Worker {
	now := r.clock.Now()
	r.mu.Lock()
	state, exists := r.workers[worker.ID]
	if !exists {
		state = &workerState{
			seq:     r.nextSeq,
			mailbox: make(chan orchestrator.Command, r.cfg.MailboxDepth),
		}
		r.nextSeq++
		r.workers[worker.ID] = state
	}
	r.mu.Unlock()

	state.mu.Lock()
	worker.RegisteredAt = now
	if exists {
		worker.RegisteredAt = state.info.RegisteredAt
	}
	worker.LastSeenAt = now
	state.info = worker
	state.mu.Unlock()

	state.lastBeat.Store(now.UnixNano())
	if state.online.CompareAndSwap(false, true) {
		r.notifyOnline(worker.ID, now)
	}
	return r.snapshot(worker.ID, state)
}

// Heartbeat refreshes a worker's liveness. Unknown workers are rejected so
// the registry stays authoritative over registration.
func (r *Registry) Heartbeat(workerID string) error {
	state, ok := r.get(workerID)
	if !ok {
		return fmt.Errorf("heartbeat from unknown worker %q: %w", workerID, orchestrator.ErrNotFound)
	}
	now := r.clock.Now()
	state.lastBeat.Store(now.UnixNano())
	state.mu.Lock()
	state.info.LastSeenAt = now
	state.mu.Unlock()
	if state.online.CompareAndSwap(false, true) {
		r.notifyOnline(workerID, now)
	}
	return nil
}

// Disconnect explicitly marks a worker offline.
func (r *Registry) Disconnect(workerID string) error {
	state, ok := r.get(workerID)
	if !ok {
		return fmt.Errorf("disconnect from unknown worker %q: %w", workerID, orchestrator.ErrNotFound)
	}
	if state.online.CompareAndSwap(true, false) {
		r.notifyOffline(workerID, r.clock.Now())
	}
	return nil
}

// Run sweeps for silent workers until the context finishes. A worker whose
// last beat is older than the liveness window transitions offline, which in
// turn makes its in-flight commands visible to the retry path.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.clock.Now()
	cutoff := now.Add(-r.LivenessWindow()).UnixNano()
	r.mu.RLock()
	states := make(map[string]*workerState, len(r.workers))
	for id, state := range r.workers {
		states[id] = state
	}
	r.mu.RUnlock()

	for id, state := range states {
		if state.lastBeat.Load() >= cutoff {
			continue
		}
		if state.online.CompareAndSwap(true, false) {
			r.logger.Warn("worker missed liveness window", logging.Worker(id))
			r.notifyOffline(id, now)
		}
	}
}

// SelectWorker picks an eligible worker for the target: its preferred scraper
// when online, otherwise the online worker with the fewest in-flight commands
// (registration order breaks ties). Returns ErrNoWorkerAvailable when every
// worker is offline.
func (r *Registry) SelectWorker(target orchestrator.Target) (orchestrator.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target.PreferredScraperID != "" {
		if state, ok := r.workers[target.PreferredScraperID]; ok && state.online.Load() {
			return r.snapshot(target.PreferredScraperID, state), nil
		}
	}

	type candidate struct {
		id    string
		state *workerState
	}
	var online []candidate
	for id, state := range r.workers {
		if state.online.Load() {
			online = append(online, candidate{id: id, state: state})
		}
	}
	if len(online) == 0 {
		return orchestrator.Worker{}, orchestrator.ErrNoWorkerAvailable
	}
	sort.Slice(online, func(i, j int) bool {
		li, lj := online[i].state.inFlight.Load(), online[j].state.inFlight.Load()
		if li != lj {
			return li < lj
		}
		return online[i].state.seq < online[j].state.seq
	})
	pick := online[0]
	return r.snapshot(pick.id, pick.state), nil
}

// AcquireSlot records one more in-flight command for the worker.
func (r *Registry) AcquireSlot(workerID string) {
	if state, ok := r.get(workerID); ok {
		state.inFlight.Add(1)
	}
}

// ReleaseSlot records completion of an in-flight command.
func (r *Registry) ReleaseSlot(workerID string) {
	if state, ok := r.get(workerID); ok && state.inFlight.Load() > 0 {
		state.inFlight.Add(-1)
	}
}

// Deliver places a command in the worker's mailbox.
func (r *Registry) Deliver(workerID string, cmd orchestrator.Command) error {
	state, ok := r.get(workerID)
	if !ok {
		return fmt.Errorf("deliver to unknown worker %q: %w", workerID, orchestrator.ErrNotFound)
	}
	select {
	case state.mailbox <- cmd:
		return nil
	default:
		return fmt.Errorf("worker %q mailbox full", workerID)
	}
}

// NextCommand blocks until a command is available for the worker or the
// context finishes. This backs the agent long-poll endpoint.
func (r *Registry) NextCommand(ctx context.Context, workerID string) (orchestrator.Command, error) {
	state, ok := r.get(workerID)
	if !ok {
		return orchestrator.Command{}, fmt.Errorf("poll from unknown worker %q: %w", workerID, orchestrator.ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return orchestrator.Command{}, fmt.Errorf("command poll canceled: %w", ctx.Err())
	case cmd := <-state.mailbox:
		return cmd, nil
	}
}

// GetWorker returns a snapshot of one worker.
func (r *Registry) GetWorker(workerID string) (orchestrator.Worker, error) {
	state, ok := r.get(workerID)
	if !ok {
		return orchestrator.Worker{}, orchestrator.ErrNotFound
	}
	return r.snapshot(workerID, state), nil
}

// ListWorkers returns snapshots of every known worker in registration order.
func (r *Registry) ListWorkers() []orchestrator.Worker {
	r.mu.RLock()
	type entry struct {
		id    string
		state *workerState
	}
	entries := make([]entry, 0, len(r.workers))
	for id, state := range r.workers {
		entries = append(entries, entry{id: id, state: state})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].state.seq < entries[j].state.seq })
	out := make([]orchestrator.Worker, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e.id, e.state))
	}
	return out
}

func (r *Registry) get(workerID string) (*workerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.workers[workerID]
	return state, ok
}

func (r *Registry) snapshot(id string, state *workerState) orchestrator.Worker {
	state.mu.Lock()
	info := state.info
	state.mu.Unlock()
	info.ID = id
	info.Online = state.online.Load()
	info.InFlight = int(state.inFlight.Load())
	return info
}

func (r *Registry) notifyOnline(workerID string, at time.Time) {
	r.logger.Info("worker online", logging.Worker(workerID))
	if r.hub != nil {
		r.hub.Emit(events.Event{TS: at, Kind: events.KindWorkerOnline, WorkerID: workerID})
	}
	r.cbMu.RLock()
	callbacks := append([]TransitionFunc(nil), r.onOnline...)
	r.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(workerID)
	}
}

func (r *Registry) notifyOffline(workerID string, at time.Time) {
	r.logger.Info("worker offline", logging.Worker(workerID))
	if r.hub != nil {
		r.hub.Emit(events.Event{TS: at, Kind: events.KindWorkerOffline, WorkerID: workerID})
	}
	r.cbMu.RLock()
	callbacks := append([]TransitionFunc(nil), r.onOffline...)
	r.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(workerID)
	}
}
