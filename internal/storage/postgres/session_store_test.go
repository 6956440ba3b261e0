package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

func TestCreateSessionInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	session := orchestrator.Session{
		ID:         "uuid-v7",
		CommandID:  "cmd-1",
		TargetID:   "t-1",
		TargetURL:  "https://reddit.com/r/golang",
		TargetType: orchestrator.PlatformReddit,
		Trigger:    orchestrator.TriggerScheduled,
		Attempt:    1,
		Status:     orchestrator.SessionPending,
		CreatedAt:  now,
		Version:    1,
	}

	mock.ExpectExec("INSERT INTO scrape_sessions").
		WithArgs(
			session.ID,
			session.CommandID,
			session.TargetID,
			session.TargetURL,
			"reddit",
			"",
			"",
			"scheduled",
			1,
			"pending",
			now,
			session.StartedAt,
			session.CompletedAt,
			int64(0),
			[]byte(nil),
			[]byte(nil),
			int64(1),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSession(context.Background(), session))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSessionRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)
	require.Error(t, store.CreateSession(context.Background(), orchestrator.Session{}))
}

func TestUpdateSessionNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE scrape_sessions").
		WithArgs("ghost", "", "", "failed", (*time.Time)(nil), (*time.Time)(nil), int64(0), []byte(nil), []byte(nil), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateSession(context.Background(), orchestrator.Session{
		ID:      "ghost",
		Status:  orchestrator.SessionFailed,
		Version: 2,
	})
	require.ErrorIs(t, err, orchestrator.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionRoundTrip(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"id", "command_id", "target_id", "target_url", "target_type",
		"worker_id", "scraper_name", "trigger_type", "attempt", "status",
		"created_at", "started_at", "completed_at", "duration_ms",
		"results", "error", "version",
	}
	mock.ExpectQuery("SELECT (.+) FROM scrape_sessions WHERE id").
		WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"s-1", "cmd-1", "t-1", "https://example.com", "website",
			"w-1", "scraper-east", "manual", 1, "success",
			now, &now, &now, int64(4200),
			[]byte(`{"itemsFound":5,"newItems":3,"updatedItems":1,"skippedItems":1,"commentsCollected":0}`),
			[]byte(nil), int64(4),
		))

	session, err := store.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, orchestrator.SessionSuccess, session.Status)
	require.Equal(t, orchestrator.PlatformWebsite, session.TargetType)
	require.NotNil(t, session.Results)
	require.Equal(t, 3, session.Results.NewItems)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionsAppliesFilter(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	columns := []string{
		"id", "command_id", "target_id", "target_url", "target_type",
		"worker_id", "scraper_name", "trigger_type", "attempt", "status",
		"created_at", "started_at", "completed_at", "duration_ms",
		"results", "error", "version",
	}
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM scrape_sessions WHERE target_id = \\$1 AND status = \\$2").
		WithArgs("t-1", "failed").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"s-2", "cmd-2", "t-1", "https://example.com", "website",
			"", "", "scheduled", 2, "failed",
			now, (*time.Time)(nil), (*time.Time)(nil), int64(0),
			[]byte(nil), []byte(`{"code":"NETWORK_TIMEOUT","message":"timed out","recoverable":true}`), int64(3),
		))

	failed := orchestrator.SessionFailed
	sessions, err := store.ListSessions(context.Background(), orchestrator.SessionFilter{
		TargetID: "t-1",
		Status:   &failed,
	})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Error)
	require.True(t, sessions[0].Error.Recoverable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndListLogs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSessionStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := orchestrator.SessionLogEntry{
		SessionID: "s-1",
		Seq:       1,
		Timestamp: now,
		Level:     orchestrator.LogInfo,
		Event:     "navigation",
		Message:   "opened target page",
	}
	mock.ExpectExec("INSERT INTO scrape_session_logs").
		WithArgs("s-1", int64(1), now, "info", "navigation", "opened target page", []byte(`null`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.AppendLog(context.Background(), entry))

	mock.ExpectQuery("SELECT (.+) FROM scrape_session_logs").
		WithArgs("s-1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "seq", "ts", "level", "event", "message", "metadata"}).
			AddRow("s-1", int64(1), now, "info", "navigation", "opened target page", []byte(nil)))

	logs, err := store.ListLogs(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, int64(1), logs[0].Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
