package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/scrape-orchestrator/internal/events"
	sha256print "github.com/pulsewatch/scrape-orchestrator/internal/fingerprint/sha256"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	"github.com/pulsewatch/scrape-orchestrator/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type stubEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *stubEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

type fixture struct {
	manager  *Manager
	sessions *memory.SessionStore
	items    *memory.ItemStore
	clock    *fakeClock
	emitter  *stubEmitter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := newFakeClock()
	sessions := memory.NewSessionStore()
	items := memory.NewItemStore()
	emitter := &stubEmitter{}
	manager := NewManager(
		cfg,
		sessions,
		items,
		memory.NewBlobStore(),
		sha256print.New(),
		clock,
		&seqIDGen{},
		emitter,
		nil,
	)
	return &fixture{manager: manager, sessions: sessions, items: items, clock: clock, emitter: emitter}
}

func (f *fixture) createStarted(t *testing.T) orchestrator.Session {
	t.Helper()
	ctx := context.Background()
	session, err := f.manager.Create(ctx, orchestrator.Command{
		ID:      "cmd-1",
		Trigger: orchestrator.TriggerManual,
		Attempt: 1,
	}, orchestrator.Target{
		ID:       "t1",
		URL:      "https://reddit.com/r/golang",
		Platform: orchestrator.PlatformReddit,
	}, "scraper-east")
	require.NoError(t, err)
	require.NoError(t, f.manager.MarkSent(ctx, session.ID, "w1", "scraper-east"))
	require.NoError(t, f.manager.Start(ctx, session.ID))
	return session
}

func TestLifecycleSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	f.clock.Advance(3 * time.Second)
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{}))

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.SessionSuccess, got.Status)
	require.Equal(t, int64(3000), got.DurationMs)
	require.NotNil(t, got.CompletedAt)
	require.Greater(t, got.Version, int64(1), "version increments on every mutation")
}

func TestCompleteBeforeStartRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session, err := f.manager.Create(ctx, orchestrator.Command{ID: "cmd-1"}, orchestrator.Target{ID: "t1"}, "")
	require.NoError(t, err)

	err = f.manager.Complete(ctx, session.ID, CompletionReport{})
	require.Error(t, err, "success requires the worker to have started")
}

func TestTerminalSessionsAreImmutable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BackfillGrace: time.Minute})
	ctx := context.Background()
	session := f.createStarted(t)
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{}))

	err := f.manager.MarkSent(ctx, session.ID, "w2", "")
	require.ErrorIs(t, err, orchestrator.ErrSessionTerminal)

	// Log back-fill inside the grace window is accepted.
	require.NoError(t, f.manager.AppendLog(ctx, session.ID, orchestrator.LogInfo, "late", "trailing log", nil))

	// Past the grace window, back-fill is rejected too.
	f.clock.Advance(2 * time.Minute)
	err = f.manager.AppendLog(ctx, session.ID, orchestrator.LogInfo, "late", "too late", nil)
	require.ErrorIs(t, err, orchestrator.ErrSessionTerminal)
}

func TestAppendLogOrdering(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.manager.AppendLog(ctx, session.ID, orchestrator.LogInfo, "step", fmt.Sprintf("step %d", i), nil))
	}

	logs, err := f.sessions.ListLogs(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i, entry := range logs {
		require.Equal(t, int64(i+1), entry.Seq)
		if i > 0 {
			require.True(t, entry.Timestamp.After(logs[i-1].Timestamp),
				"timestamps stay strictly monotonic even with a frozen clock")
		}
	}
}

func TestIngestItemsDedup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	batch := []IncomingItem{
		{ExternalID: "t3_a", Kind: orchestrator.ItemPost, Content: "first post"},
		{ExternalID: "t3_b", Kind: orchestrator.ItemPost, Content: "second post"},
		{ExternalID: "t3_a-c1", Kind: orchestrator.ItemComment, Content: "a comment"},
	}
	delta, err := f.manager.IngestItems(ctx, session.ID, batch)
	require.NoError(t, err)
	require.Equal(t, 3, delta.ItemsFound)
	require.Equal(t, 3, delta.NewItems)
	require.Equal(t, 1, delta.CommentsCollected)

	// Replaying the identical batch skips everything.
	delta, err = f.manager.IngestItems(ctx, session.ID, batch)
	require.NoError(t, err)
	require.Equal(t, 3, delta.SkippedItems)
	require.Zero(t, delta.NewItems)

	// An edited item counts as updated, not new.
	batch[0].Content = "first post (edited)"
	delta, err = f.manager.IngestItems(ctx, session.ID, batch[:1])
	require.NoError(t, err)
	require.Equal(t, 1, delta.UpdatedItems)

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 7, got.Results.ItemsFound)
	require.Equal(t, 3, got.Results.NewItems)
	require.Equal(t, 1, got.Results.UpdatedItems)
	require.Equal(t, 3, got.Results.SkippedItems)
}

func TestCompletePartialOnRecoverableErrorWithItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	_, err := f.manager.IngestItems(ctx, session.ID, []IncomingItem{
		{ExternalID: "x1", Kind: orchestrator.ItemPost, Content: "post"},
	})
	require.NoError(t, err)

	execErr := orchestrator.NewExecError(orchestrator.CodeRateLimited, "throttled mid-run")
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{Err: execErr}))

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.SessionPartial, got.Status)
	require.NotNil(t, got.Error)
	require.True(t, got.Error.Recoverable)
}

func TestCompleteFailedOnUnrecoverableError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	_, err := f.manager.IngestItems(ctx, session.ID, []IncomingItem{
		{ExternalID: "x1", Kind: orchestrator.ItemPost, Content: "post"},
	})
	require.NoError(t, err)

	execErr := orchestrator.NewExecError(orchestrator.CodeAuthRequired, "login wall")
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{Err: execErr}))

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.SessionFailed, got.Status, "unrecoverable errors never yield partial")
}

func TestWatchdogTimesOutStalledSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{WatchdogTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	session := f.createStarted(t)

	require.Eventually(t, func() bool {
		got, err := f.manager.Get(ctx, session.ID)
		return err == nil && got.Status == orchestrator.SessionTimeout
	}, time.Second, 5*time.Millisecond)

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.True(t, got.Error.Recoverable, "timeouts are always retryable")
}

func TestOnTerminalFiresOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	var terminal []orchestrator.Session
	var mu sync.Mutex
	f.manager.OnTerminal(func(s orchestrator.Session) {
		mu.Lock()
		defer mu.Unlock()
		terminal = append(terminal, s)
	})

	session := f.createStarted(t)
	require.NoError(t, f.manager.Fail(ctx, session.ID, orchestrator.NewExecError(orchestrator.CodeCancelled, "cancelled by operator")))

	// A second terminal attempt is rejected and must not re-fire.
	require.Error(t, f.manager.Fail(ctx, session.ID, orchestrator.NewExecError(orchestrator.CodeCancelled, "again")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, terminal, 1)
	require.Equal(t, orchestrator.SessionFailed, terminal[0].Status)
}

func TestCompleteMergesReportedItemCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{ItemsFound: 7}))

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Results)
	require.Equal(t, 7, got.Results.ItemsFound, "worker-reported count survives when no batches arrived")
}

func TestCompleteKeepsLargerIngestedCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	session := f.createStarted(t)

	_, err := f.manager.IngestItems(ctx, session.ID, []IncomingItem{
		{ExternalID: "x1", Kind: orchestrator.ItemPost, Content: "one"},
		{ExternalID: "x2", Kind: orchestrator.ItemPost, Content: "two"},
	})
	require.NoError(t, err)

	// The worker under-reports; the ingest-derived aggregate wins.
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{ItemsFound: 1}))

	got, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Results.ItemsFound)
}

func TestCompletePartialWhenEverythingWasDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	first := f.createStarted(t)

	batch := []IncomingItem{{ExternalID: "x1", Kind: orchestrator.ItemPost, Content: "post"}}
	_, err := f.manager.IngestItems(ctx, first.ID, batch)
	require.NoError(t, err)
	require.NoError(t, f.manager.Complete(ctx, first.ID, CompletionReport{}))

	// A second run over the same target collects only known items, then
	// hits a recoverable error. The run still proved the target reachable,
	// so it lands partial rather than failed.
	second, err := f.manager.Create(ctx, orchestrator.Command{
		ID:      "cmd-2",
		Trigger: orchestrator.TriggerManual,
		Attempt: 1,
	}, orchestrator.Target{
		ID:       "t1",
		URL:      "https://reddit.com/r/golang",
		Platform: orchestrator.PlatformReddit,
	}, "scraper-east")
	require.NoError(t, err)
	require.NoError(t, f.manager.MarkSent(ctx, second.ID, "w1", "scraper-east"))
	require.NoError(t, f.manager.Start(ctx, second.ID))

	delta, err := f.manager.IngestItems(ctx, second.ID, batch)
	require.NoError(t, err)
	require.Equal(t, 1, delta.SkippedItems)
	require.Zero(t, delta.NewItems)

	execErr := orchestrator.NewExecError(orchestrator.CodeRateLimited, "throttled mid-run")
	require.NoError(t, f.manager.Complete(ctx, second.ID, CompletionReport{Err: execErr}))

	got, err := f.manager.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.SessionPartial, got.Status)
}

func TestRuntimeStateReleasedAfterBackfillWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BackfillGrace: 10 * time.Millisecond})
	ctx := context.Background()
	session := f.createStarted(t)
	require.NoError(t, f.manager.Complete(ctx, session.ID, CompletionReport{}))

	require.Eventually(t, func() bool {
		f.manager.mu.Lock()
		_, held := f.manager.runtimes[session.ID]
		f.manager.mu.Unlock()
		return !held
	}, time.Second, 5*time.Millisecond, "runtime bookkeeping released after the window")
}
