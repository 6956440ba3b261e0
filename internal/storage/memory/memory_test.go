package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

func TestScheduleStoreCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScheduleStore()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	first := orchestrator.Schedule{ID: "s1", Name: "weekday-morning", Enabled: true, CreatedAt: base}
	second := orchestrator.Schedule{ID: "s2", Name: "nightly", Enabled: false, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, store.CreateSchedule(ctx, first))
	require.NoError(t, store.CreateSchedule(ctx, second))
	require.Error(t, store.CreateSchedule(ctx, first), "duplicate id rejected")

	all, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "s1", all[0].ID, "creation order preserved")

	enabled, err := store.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "s1", enabled[0].ID)

	first.Name = "weekday-early"
	require.NoError(t, store.UpdateSchedule(ctx, first))
	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "weekday-early", got.Name)

	require.NoError(t, store.DeleteSchedule(ctx, "s2"))
	_, err = store.GetSchedule(ctx, "s2")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestScheduleStoreSetRunTimes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScheduleStore()
	require.NoError(t, store.CreateSchedule(ctx, orchestrator.Schedule{ID: "s1"}))

	last := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	require.NoError(t, store.SetRunTimes(ctx, "s1", &last, &next))

	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, &last, got.LastRunAt)
	require.Equal(t, &next, got.NextRunAt)

	require.ErrorIs(t, store.SetRunTimes(ctx, "missing", &last, &next), orchestrator.ErrNotFound)
}

func TestTargetStoreCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTargetStore()
	target := orchestrator.Target{
		ID:       "t1",
		Platform: orchestrator.PlatformReddit,
		URL:      "https://reddit.com/r/golang",
		Settings: orchestrator.RedditSettings{SortBy: "top"},
	}
	require.NoError(t, store.CreateTarget(ctx, target))

	got, err := store.GetTarget(ctx, "t1")
	require.NoError(t, err)
	settings, ok := got.Settings.(orchestrator.RedditSettings)
	require.True(t, ok, "concrete settings type survives round-trip")
	require.Equal(t, "top", settings.SortBy)

	require.NoError(t, store.DeleteTarget(ctx, "t1"))
	require.ErrorIs(t, store.UpdateTarget(ctx, target), orchestrator.ErrNotFound)
}

func TestSessionStoreListFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []orchestrator.SessionStatus{
		orchestrator.SessionSuccess,
		orchestrator.SessionFailed,
		orchestrator.SessionSuccess,
	} {
		require.NoError(t, store.CreateSession(ctx, orchestrator.Session{
			ID:        string(rune('a' + i)),
			TargetID:  "t1",
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CreateSession(ctx, orchestrator.Session{
		ID: "other", TargetID: "t2", Status: orchestrator.SessionSuccess, CreatedAt: base,
	}))

	success := orchestrator.SessionSuccess
	got, err := store.ListSessions(ctx, orchestrator.SessionFilter{TargetID: "t1", Status: &success})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].ID, "newest first")

	paged, err := store.ListSessions(ctx, orchestrator.SessionFilter{TargetID: "t1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, "b", paged[0].ID)
}

func TestSessionStoreLogsAppendOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSessionStore()
	require.NoError(t, store.CreateSession(ctx, orchestrator.Session{ID: "s1"}))

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, store.AppendLog(ctx, orchestrator.SessionLogEntry{
			SessionID: "s1", Seq: seq, Message: "entry",
		}))
	}
	require.ErrorIs(t, store.AppendLog(ctx, orchestrator.SessionLogEntry{SessionID: "ghost"}), orchestrator.ErrNotFound)

	logs, err := store.ListLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, entry := range logs {
		require.Equal(t, int64(i+1), entry.Seq)
	}
}

func TestItemStoreFingerprintIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewItemStore()
	item := orchestrator.ScrapedItem{
		ID: "i1", SessionID: "s1", TargetID: "t1", Fingerprint: "fp1", Content: "hello",
	}
	require.NoError(t, store.InsertItem(ctx, item))
	require.Error(t, store.InsertItem(ctx, orchestrator.ScrapedItem{
		ID: "i2", SessionID: "s1", TargetID: "t1", Fingerprint: "fp1",
	}), "duplicate fingerprint per target rejected")

	got, err := store.GetByFingerprint(ctx, "t1", "fp1")
	require.NoError(t, err)
	require.Equal(t, "i1", got.ID)

	_, err = store.GetByFingerprint(ctx, "t2", "fp1")
	require.ErrorIs(t, err, orchestrator.ErrNotFound, "fingerprints are scoped per target")

	item.SessionID = "s2"
	item.Content = "hello edited"
	require.NoError(t, store.UpdateItem(ctx, item))
	inSecond, err := store.ListBySession(ctx, "s2", 0, 0)
	require.NoError(t, err)
	require.Len(t, inSecond, 1)
	require.Equal(t, "hello edited", inSecond[0].Content)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	uri, err := store.PutObject(ctx, "sessions/s1/screenshots/i1", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "memory://sessions/s1/screenshots/i1", uri)

	data, contentType, err := store.GetObject(ctx, "sessions/s1/screenshots/i1")
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(data))
	require.Equal(t, "image/png", contentType)

	_, _, err = store.GetObject(ctx, "missing")
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
}
