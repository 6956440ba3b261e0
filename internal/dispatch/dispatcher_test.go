package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	"github.com/pulsewatch/scrape-orchestrator/internal/storage/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type fakePool struct {
	mu        sync.Mutex
	online    bool
	workerID  string
	delivered []orchestrator.Command
	slots     int
}

func (p *fakePool) SelectWorker(orchestrator.Target) (orchestrator.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return orchestrator.Worker{}, orchestrator.ErrNoWorkerAvailable
	}
	return orchestrator.Worker{ID: p.workerID, Online: true}, nil
}

func (p *fakePool) Deliver(workerID string, cmd orchestrator.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, cmd)
	return nil
}

func (p *fakePool) AcquireSlot(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots++
}

func (p *fakePool) ReleaseSlot(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots--
}

func (p *fakePool) deliveredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

func (p *fakePool) setOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

func newTestDispatcher(t *testing.T, pool *fakePool, cfg Config) (*Dispatcher, *memory.TargetStore) {
	t.Helper()
	targets := memory.NewTargetStore()
	require.NoError(t, targets.CreateTarget(context.Background(), orchestrator.Target{
		ID:       "t1",
		Platform: orchestrator.PlatformWebsite,
		URL:      "https://example.com",
	}))
	return New(cfg, targets, pool, realClock{}, nil, nil), targets
}

func TestEnqueueDispatchesToOnlineWorker(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{})

	cmd, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandSent, cmd.Status)
	require.Equal(t, "w1", cmd.WorkerID)
	require.NotNil(t, cmd.SentAt)
	require.Equal(t, 1, pool.deliveredCount())
}

func TestEnqueueRejectsBusyTarget(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1"})
	require.ErrorIs(t, err, orchestrator.ErrTargetBusy)

	// The target frees up once the first command reaches a terminal state.
	require.NoError(t, d.Complete("c1", orchestrator.CommandCompleted))
	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1"})
	require.NoError(t, err)
}

func TestEnqueueParksWhenNoWorkerOnline(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{})

	cmd, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandQueued, cmd.Status)
	require.NotNil(t, cmd.QueuedAt)
	require.Zero(t, pool.deliveredCount())

	stats := d.Stats()
	require.Equal(t, 1, stats.Pending)
}

func TestRedispatchQueuedOnWorkerOnline(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	pool.setOnline(true)
	pool.mu.Lock()
	pool.workerID = "w1"
	pool.mu.Unlock()
	d.RedispatchQueued(context.Background())

	cmd, err := d.Get("c1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandSent, cmd.Status)
	require.Equal(t, 1, pool.deliveredCount())
}

func TestQueuedCommandExpires(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{MaxQueueWait: 20 * time.Millisecond})

	var expired []orchestrator.Command
	var mu sync.Mutex
	d.OnQueueTimeout(func(cmd orchestrator.Command) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, cmd)
	})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cmd, err := d.Get("c1")
		return err == nil && cmd.Status == orchestrator.CommandFailed
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, expired, 1)

	// The target is free again after expiry.
	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1"})
	require.NoError(t, err)
}

func TestCancelQueuedCommand(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	cancelled, err := d.Cancel("c1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandCancelled, cancelled.Status)

	// Cancelling again is a no-op.
	again, err := d.Cancel("c1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandCancelled, again.Status)

	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1"})
	require.NoError(t, err, "cancellation releases the target")
}

func TestCancelInFlightReleasesSlot(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.NoError(t, d.MarkInProgress("c1", "s1"))

	cancelled, err := d.Cancel("c1")
	require.NoError(t, err)
	require.Equal(t, "s1", cancelled.SessionID)
	require.Equal(t, "w1", cancelled.WorkerID)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.Zero(t, pool.slots, "worker slot released on cancel")
}

func TestMarkInProgressRequiresSent(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.Error(t, d.MarkInProgress("c1", "s1"), "queued command cannot start")
	require.ErrorIs(t, d.MarkInProgress("ghost", "s1"), orchestrator.ErrNotFound)
}

func TestClearFailed(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, targets := newTestDispatcher(t, pool, Config{})
	require.NoError(t, targets.CreateTarget(context.Background(), orchestrator.Target{ID: "t2"}))

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.NoError(t, d.Complete("c1", orchestrator.CommandFailed))

	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t2"})
	require.NoError(t, err)

	require.Equal(t, 1, d.ClearFailed())
	require.Len(t, d.Commands(), 1)
	_, err = d.Get("c1")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestStatsBuckets(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, targets := newTestDispatcher(t, pool, Config{})
	ctx := context.Background()
	require.NoError(t, targets.CreateTarget(ctx, orchestrator.Target{ID: "t2"}))
	require.NoError(t, targets.CreateTarget(ctx, orchestrator.Target{ID: "t3"}))

	_, err := d.Enqueue(ctx, orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	pool.setOnline(false)
	_, err = d.Enqueue(ctx, orchestrator.Command{ID: "c2", TargetID: "t2"})
	require.NoError(t, err)

	pool.setOnline(true)
	_, err = d.Enqueue(ctx, orchestrator.Command{ID: "c3", TargetID: "t3"})
	require.NoError(t, err)
	require.NoError(t, d.Complete("c3", orchestrator.CommandFailed))

	stats := d.Stats()
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.InProgress)
	require.Equal(t, 1, stats.Failed)
}

func TestQueueBehindParksUntilTargetFrees(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	queued, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1", QueueBehind: true})
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandQueued, queued.Status)
	require.Equal(t, 1, pool.deliveredCount(), "queued command does not dispatch while the target is busy")

	// A redispatch sweep must not jump the queued command past the active one.
	d.RedispatchQueued(context.Background())
	got, err := d.Get("c2")
	require.NoError(t, err)
	require.Equal(t, orchestrator.CommandQueued, got.Status)

	require.NoError(t, d.Complete("c1", orchestrator.CommandCompleted))

	require.Eventually(t, func() bool {
		cmd, err := d.Get("c2")
		return err == nil && cmd.Status == orchestrator.CommandSent
	}, time.Second, 5*time.Millisecond, "queued command promoted once the target frees")
	require.Equal(t, 2, pool.deliveredCount())
}

func TestQueueBehindExpiryFreesOnlyItsOwnClaim(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{MaxQueueWait: 20 * time.Millisecond})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c2", TargetID: "t1", QueueBehind: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cmd, err := d.Get("c2")
		return err == nil && cmd.Status == orchestrator.CommandFailed
	}, time.Second, 5*time.Millisecond, "queued command times out behind a long-running one")

	// The active command still owns the target.
	_, err = d.Enqueue(context.Background(), orchestrator.Command{ID: "c3", TargetID: "t1"})
	require.ErrorIs(t, err, orchestrator.ErrTargetBusy)
}

func TestCancelInFlightNotifiesWorker(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: true, workerID: "w1"}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)
	require.NoError(t, d.MarkInProgress("c1", "s1"))
	require.Equal(t, 1, pool.deliveredCount())

	_, err = d.Cancel("c1")
	require.NoError(t, err)

	// The agent sees the abort as a redelivery carrying the terminal status.
	pool.mu.Lock()
	defer pool.mu.Unlock()
	require.Len(t, pool.delivered, 2)
	require.Equal(t, "c1", pool.delivered[1].ID)
	require.Equal(t, orchestrator.CommandCancelled, pool.delivered[1].Status)
}

func TestCancelQueuedCommandSkipsWorkerNotice(t *testing.T) {
	t.Parallel()

	pool := &fakePool{online: false}
	d, _ := newTestDispatcher(t, pool, Config{})

	_, err := d.Enqueue(context.Background(), orchestrator.Command{ID: "c1", TargetID: "t1"})
	require.NoError(t, err)

	_, err = d.Cancel("c1")
	require.NoError(t, err)
	require.Zero(t, pool.deliveredCount(), "nothing was in flight, nothing to abort")
}
