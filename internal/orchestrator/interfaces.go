package orchestrator

import (
	"context"
	"io"
	"time"
)

// ScheduleStore persists schedules and their run bookkeeping.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule Schedule) error
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	// DeleteSchedule removes the schedule and its target associations but
	// never cascades to recorded sessions.
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)
	// SetRunTimes persists lastRunAt/nextRunAt; the scheduler calls this
	// before dispatching so a crash cannot cause a duplicate fire.
	SetRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
}

// TargetStore persists scrape targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, target Target) error
	UpdateTarget(ctx context.Context, target Target) error
	DeleteTarget(ctx context.Context, id string) error
	GetTarget(ctx context.Context, id string) (Target, error)
	ListTargets(ctx context.Context) ([]Target, error)
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	TargetID string
	Status   *SessionStatus
	Limit    int
	Offset   int
}

// SessionStore persists sessions and their append-only logs.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	UpdateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	AppendLog(ctx context.Context, entry SessionLogEntry) error
	ListLogs(ctx context.Context, sessionID string) ([]SessionLogEntry, error)
}

// ItemStore persists scraped items and supports fingerprint lookups per
// target for deduplication.
type ItemStore interface {
	InsertItem(ctx context.Context, item ScrapedItem) error
	UpdateItem(ctx context.Context, item ScrapedItem) error
	GetByFingerprint(ctx context.Context, targetID, fingerprint string) (ScrapedItem, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]ScrapedItem, error)
}

// BlobStore persists binary artifacts (screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, string, error)
}

// Publisher pushes terminal-session summaries to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fingerprinter computes the stable content fingerprint used for dedup.
type Fingerprinter interface {
	Fingerprint(platform Platform, externalID, url string, postedAt *time.Time) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
