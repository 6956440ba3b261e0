// Package session owns the session state machine, log ordering, and result
// aggregation as workers report progress.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// Config controls watchdog and back-fill behavior.
type Config struct {
	// WatchdogTimeout bounds how long a session may stay in_progress
	// without a terminal report before it is forced into timeout.
	WatchdogTimeout time.Duration
	// BackfillGrace is how long after a terminal transition late log/item
	// reports are still accepted.
	BackfillGrace time.Duration
}

const (
	defaultWatchdogTimeout = 10 * time.Minute
	defaultBackfillGrace   = 30 * time.Second
)

// CompletionReport is the worker's terminal report for a session.
type CompletionReport struct {
	// ItemsFound is the raw count the worker claims, independent of dedup.
	ItemsFound int
	// Err is nil for a clean run; a recoverable error alongside collected
	// items yields a partial session.
	Err *orchestrator.ExecError
}

// IncomingItem is one content unit reported by a worker before dedup.
type IncomingItem struct {
	ExternalID     string                  `json:"externalId,omitempty"`
	Kind           orchestrator.ItemKind   `json:"kind"`
	URL            string                  `json:"url,omitempty"`
	Author         string                  `json:"author,omitempty"`
	Content        string                  `json:"content"`
	PostedAt       *time.Time              `json:"postedAt,omitempty"`
	Engagement     orchestrator.Engagement `json:"engagement"`
	Screenshot     []byte                  `json:"screenshot,omitempty"`
	ScreenshotType string                  `json:"screenshotType,omitempty"`
}

// TerminalFunc observes sessions reaching a terminal state.
type TerminalFunc func(session orchestrator.Session)

type runtime struct {
	mu         sync.Mutex
	logSeq     int64
	lastLogTS  time.Time
	watchdog   *time.Timer
	terminalAt time.Time
}

// Manager drives every session from creation to its terminal state. Log
// appends go through a per-session lock so entries keep insertion order even
// under concurrent emitters.
type Manager struct {
	cfg        Config
	sessions   orchestrator.SessionStore
	items      orchestrator.ItemStore
	blobs      orchestrator.BlobStore
	prints     orchestrator.Fingerprinter
	clock      orchestrator.Clock
	idGen      orchestrator.IDGenerator
	hub        events.Emitter
	logger     *zap.Logger
	onTerminal []TerminalFunc
	cbMu       sync.RWMutex

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// NewManager constructs a Manager.
func NewManager(
	cfg Config,
	sessions orchestrator.SessionStore,
	items orchestrator.ItemStore,
	blobs orchestrator.BlobStore,
	prints orchestrator.Fingerprinter,
	clock orchestrator.Clock,
	idGen orchestrator.IDGenerator,
	hub events.Emitter,
	logger *zap.Logger,
) *Manager {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.BackfillGrace <= 0 {
		cfg.BackfillGrace = defaultBackfillGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		items:    items,
		blobs:    blobs,
		prints:   prints,
		clock:    clock,
		idGen:    idGen,
		hub:      hub,
		logger:   logger,
		runtimes: make(map[string]*runtime),
	}
}

// OnTerminal registers a callback fired once per session on its terminal
// transition.
func (m *Manager) OnTerminal(fn TerminalFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onTerminal = append(m.onTerminal, fn)
}

// Create opens a session record for a command attempt.
func (m *Manager) Create(ctx context.Context, cmd orchestrator.Command, target orchestrator.Target, scraperName string) (orchestrator.Session, error) {
	id, err := m.idGen.NewID()
	if err != nil {
		return orchestrator.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.clock.Now()
	session := orchestrator.Session{
		ID:          id,
		CommandID:   cmd.ID,
		TargetID:    target.ID,
		TargetURL:   target.URL,
		TargetType:  target.Platform,
		WorkerID:    cmd.WorkerID,
		ScraperName: scraperName,
		Trigger:     cmd.Trigger,
		Attempt:     cmd.Attempt,
		Status:      orchestrator.SessionPending,
		CreatedAt:   now,
		Version:     1,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return orchestrator.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.mu.Lock()
	m.runtimes[id] = &runtime{}
	m.mu.Unlock()
	m.emitStatus(session, 0)
	return session, nil
}

// MarkSent records that the command was handed to a worker.
func (m *Manager) MarkSent(ctx context.Context, sessionID, workerID, scraperName string) error {
	return m.transition(ctx, sessionID, orchestrator.SessionSent, func(s *orchestrator.Session) {
		s.WorkerID = workerID
		if scraperName != "" {
			s.ScraperName = scraperName
		}
	})
}

// Start records the worker's acknowledgement and arms the watchdog.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	now := m.clock.Now()
	err := m.transition(ctx, sessionID, orchestrator.SessionInProgress, func(s *orchestrator.Session) {
		s.StartedAt = &now
	})
	if err != nil {
		return err
	}
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	rt.watchdog = time.AfterFunc(m.cfg.WatchdogTimeout, func() {
		m.expire(sessionID)
	})
	rt.mu.Unlock()
	return nil
}

// AppendLog appends one entry to the session's ordered log. Timestamps are
// forced monotonic per session so consumers can read the log as a stable
// sequence even while the session is running.
func (m *Manager) AppendLog(ctx context.Context, sessionID string, level orchestrator.LogLevel, event, message string, metadata map[string]any) error {
	if err := m.checkWritable(ctx, sessionID); err != nil {
		return err
	}
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	ts := m.clock.Now()
	if !ts.After(rt.lastLogTS) {
		ts = rt.lastLogTS.Add(time.Microsecond)
	}
	rt.lastLogTS = ts
	rt.logSeq++
	entry := orchestrator.SessionLogEntry{
		SessionID: sessionID,
		Seq:       rt.logSeq,
		Timestamp: ts,
		Level:     level,
		Event:     event,
		Message:   message,
		Metadata:  metadata,
	}
	if err := m.sessions.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	m.hub.Emit(events.Event{
		TS:        ts,
		Kind:      events.KindSessionLog,
		SessionID: sessionID,
		Level:     level,
		Message:   message,
	})
	return nil
}

// IngestItems deduplicates and stores a batch of worker-reported items,
// updating the session's running result counters.
func (m *Manager) IngestItems(ctx context.Context, sessionID string, incoming []IncomingItem) (orchestrator.Results, error) {
	if err := m.checkWritable(ctx, sessionID); err != nil {
		return orchestrator.Results{}, err
	}
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return orchestrator.Results{}, fmt.Errorf("load session: %w", err)
	}

	rt := m.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delta := orchestrator.Results{}
	for _, in := range incoming {
		delta.ItemsFound++
		if in.Kind == orchestrator.ItemComment {
			delta.CommentsCollected++
		}
		if err := m.ingestOne(ctx, session, in, &delta); err != nil {
			return delta, err
		}
	}

	results := orchestrator.Results{}
	if session.Results != nil {
		results = *session.Results
	}
	results.ItemsFound += delta.ItemsFound
	results.NewItems += delta.NewItems
	results.UpdatedItems += delta.UpdatedItems
	results.SkippedItems += delta.SkippedItems
	results.CommentsCollected += delta.CommentsCollected
	session.Results = &results
	session.Version++
	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return delta, fmt.Errorf("update session results: %w", err)
	}
	m.hub.Emit(events.Event{
		TS:        m.clock.Now(),
		Kind:      events.KindSessionResult,
		SessionID: sessionID,
		TargetID:  session.TargetID,
		Results:   &results,
	})
	return delta, nil
}

func (m *Manager) ingestOne(ctx context.Context, session orchestrator.Session, in IncomingItem, delta *orchestrator.Results) error {
	fingerprint := m.prints.Fingerprint(session.TargetType, in.ExternalID, in.URL, in.PostedAt)
	existing, err := m.items.GetByFingerprint(ctx, session.TargetID, fingerprint)
	switch {
	case err == nil && existing.Content == in.Content:
		delta.SkippedItems++
		return nil
	case err == nil:
		existing.Content = in.Content
		existing.Author = in.Author
		existing.Engagement = in.Engagement
		existing.SessionID = session.ID
		existing.CollectedAt = m.clock.Now()
		if err := m.items.UpdateItem(ctx, existing); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		delta.UpdatedItems++
		return nil
	case !errors.Is(err, orchestrator.ErrNotFound):
		return fmt.Errorf("fingerprint lookup: %w", err)
	}

	id, err := m.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate item id: %w", err)
	}
	item := orchestrator.ScrapedItem{
		ID:          id,
		SessionID:   session.ID,
		TargetID:    session.TargetID,
		Fingerprint: fingerprint,
		ExternalID:  in.ExternalID,
		Kind:        in.Kind,
		URL:         in.URL,
		Author:      in.Author,
		Content:     in.Content,
		PostedAt:    in.PostedAt,
		Engagement:  in.Engagement,
		CollectedAt: m.clock.Now(),
	}
	if len(in.Screenshot) > 0 && m.blobs != nil {
		item.ScreenshotID, err = m.storeScreenshot(ctx, session.ID, id, in)
		if err != nil {
			m.logger.Warn("screenshot store failed",
				logging.Session(session.ID), zap.Error(err))
		}
	}
	if err := m.items.InsertItem(ctx, item); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	delta.NewItems++
	return nil
}

// Complete ingests the worker's terminal report and derives the final state:
// success with no error, partial when a recoverable error accompanies
// collected items, failed otherwise. The reported itemsFound is folded into
// the aggregate: it is the worker's raw count and wins when it exceeds what
// the ingest batches already accounted for.
func (m *Manager) Complete(ctx context.Context, sessionID string, report CompletionReport) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	var results *orchestrator.Results
	if session.Results != nil {
		copied := *session.Results
		results = &copied
	}
	if report.ItemsFound > 0 {
		if results == nil {
			results = &orchestrator.Results{}
		}
		if report.ItemsFound > results.ItemsFound {
			results.ItemsFound = report.ItemsFound
		}
	}
	status := orchestrator.SessionSuccess
	switch {
	case report.Err == nil:
	case report.Err.Recoverable && results != nil && results.ItemsFound > 0:
		// Duplicates count as collected: an all-skipped run still proved
		// the target reachable.
		status = orchestrator.SessionPartial
	default:
		status = orchestrator.SessionFailed
	}
	return m.finish(ctx, sessionID, status, report.Err, results)
}

// Fail forces the session into failed with the supplied execution error.
// Used for cancellation and worker-loss, which never come from the worker.
func (m *Manager) Fail(ctx context.Context, sessionID string, execErr *orchestrator.ExecError) error {
	return m.finish(ctx, sessionID, orchestrator.SessionFailed, execErr, nil)
}

// expire is the watchdog path: a session still in_progress past the timeout
// becomes terminal timeout, always recoverable.
func (m *Manager) expire(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil || session.Status != orchestrator.SessionInProgress {
		return
	}
	m.logger.Warn("session watchdog expired", logging.Session(sessionID))
	execErr := &orchestrator.ExecError{
		Code:        orchestrator.CodeNetworkTimeout,
		Message:     "no terminal report from worker within watchdog timeout",
		Recoverable: true,
	}
	if err := m.finish(ctx, sessionID, orchestrator.SessionTimeout, execErr, nil); err != nil {
		m.logger.Error("watchdog finish failed", logging.Session(sessionID), zap.Error(err))
	}
}

func (m *Manager) finish(ctx context.Context, sessionID string, status orchestrator.SessionStatus, execErr *orchestrator.ExecError, results *orchestrator.Results) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	now := m.clock.Now()
	var finished orchestrator.Session
	err := m.transition(ctx, sessionID, status, func(s *orchestrator.Session) {
		s.CompletedAt = &now
		base := s.CreatedAt
		if s.StartedAt != nil {
			base = *s.StartedAt
		}
		s.DurationMs = now.Sub(base).Milliseconds()
		s.Error = execErr
		if results != nil {
			s.Results = results
		}
		finished = *s
	})
	if err != nil {
		return err
	}

	rt := m.runtime(sessionID)
	rt.mu.Lock()
	rt.terminalAt = now
	if rt.watchdog != nil {
		rt.watchdog.Stop()
		rt.watchdog = nil
	}
	rt.mu.Unlock()

	// Runtime state is only needed through the back-fill window; the extra
	// second keeps boundary writes from racing the cleanup.
	time.AfterFunc(m.cfg.BackfillGrace+time.Second, func() {
		m.mu.Lock()
		delete(m.runtimes, sessionID)
		m.mu.Unlock()
	})

	m.cbMu.RLock()
	callbacks := append([]TerminalFunc(nil), m.onTerminal...)
	m.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(finished)
	}
	return nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (orchestrator.Session, error) {
	return m.sessions.GetSession(ctx, sessionID)
}

var validNext = map[orchestrator.SessionStatus][]orchestrator.SessionStatus{
	orchestrator.SessionPending:    {orchestrator.SessionSent, orchestrator.SessionFailed},
	orchestrator.SessionSent:       {orchestrator.SessionInProgress, orchestrator.SessionFailed, orchestrator.SessionTimeout},
	orchestrator.SessionInProgress: {orchestrator.SessionSuccess, orchestrator.SessionPartial, orchestrator.SessionFailed, orchestrator.SessionTimeout},
}

func (m *Manager) transition(ctx context.Context, sessionID string, next orchestrator.SessionStatus, mutate func(*orchestrator.Session)) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s already %s: %w", sessionID, session.Status, orchestrator.ErrSessionTerminal)
	}
	if !allowed(session.Status, next) {
		return fmt.Errorf("invalid session transition %s → %s", session.Status, next)
	}
	session.Status = next
	session.Version++
	if mutate != nil {
		mutate(&session)
	}
	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	m.emitStatus(session, session.DurationMs)
	return nil
}

func allowed(from, to orchestrator.SessionStatus) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (m *Manager) checkWritable(ctx context.Context, sessionID string) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !session.Status.Terminal() {
		return nil
	}
	rt := m.runtime(sessionID)
	rt.mu.Lock()
	terminalAt := rt.terminalAt
	rt.mu.Unlock()
	// Late log/item back-fill is tolerated shortly after completion.
	if !terminalAt.IsZero() && m.clock.Now().Sub(terminalAt) <= m.cfg.BackfillGrace {
		return nil
	}
	return fmt.Errorf("session %s: %w", sessionID, orchestrator.ErrSessionTerminal)
}

func (m *Manager) storeScreenshot(ctx context.Context, sessionID, itemID string, in IncomingItem) (string, error) {
	contentType := in.ScreenshotType
	if contentType == "" {
		contentType = "image/png"
	}
	path := fmt.Sprintf("sessions/%s/screenshots/%s", sessionID, itemID)
	if _, err := m.blobs.PutObject(ctx, path, contentType, bytes.NewReader(in.Screenshot)); err != nil {
		return "", fmt.Errorf("put screenshot: %w", err)
	}
	return itemID, nil
}

func (m *Manager) runtime(sessionID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	if !ok {
		rt = &runtime{}
		m.runtimes[sessionID] = rt
	}
	return rt
}

func (m *Manager) emitStatus(session orchestrator.Session, durationMs int64) {
	m.hub.Emit(events.Event{
		TS:            m.clock.Now(),
		Kind:          events.KindSessionStatus,
		SessionID:     session.ID,
		CommandID:     session.CommandID,
		TargetID:      session.TargetID,
		SessionStatus: session.Status,
		Dur:           time.Duration(durationMs) * time.Millisecond,
	})
}
