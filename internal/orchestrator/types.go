// Package orchestrator defines core types shared across subsystems.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the kind of scrape source a Target points at.
type Platform string

// Supported target platforms.
const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformReddit   Platform = "reddit"
	PlatformWebsite  Platform = "website"
)

// Priority orders targets when several compete for the same worker.
type Priority string

// Target priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ScrapingMode tunes how aggressively a worker collects from a target.
type ScrapingMode string

// Supported scraping modes.
const (
	ModeConservative ScrapingMode = "conservative"
	ModeBalanced     ScrapingMode = "balanced"
	ModeAggressive   ScrapingMode = "aggressive"
)

// ExecutionScrapeSettings is the fully resolved configuration handed to a
// worker for one command. Extra carries platform passthrough fields (e.g.
// Reddit's sortBy) that the orchestrator does not interpret.
type ExecutionScrapeSettings struct {
	MaxItems          int            `json:"maxItems"`
	ScrapingMode      ScrapingMode   `json:"scrapingMode"`
	EnableComments    bool           `json:"enableComments"`
	EnableScreenshots bool           `json:"enableScreenshots"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// SettingsOverride is one precedence layer of scrape settings. Nil fields are
// unset and fall through to the next lower layer.
type SettingsOverride struct {
	MaxItems          *int           `json:"maxItems,omitempty"`
	ScrapingMode      *ScrapingMode  `json:"scrapingMode,omitempty"`
	EnableComments    *bool          `json:"enableComments,omitempty"`
	EnableScreenshots *bool          `json:"enableScreenshots,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// TargetSettings is the tagged union of per-platform stored settings. The tag
// is the owning Target's platform; interpretation happens via CommonOverride.
type TargetSettings interface {
	Platform() Platform
}

// LinkedInSettings stores per-target knobs for LinkedIn profiles.
type LinkedInSettings struct {
	MaxItems          *int          `json:"maxItems,omitempty"`
	ScrapingMode      *ScrapingMode `json:"scrapingMode,omitempty"`
	EnableComments    *bool         `json:"enableComments,omitempty"`
	EnableScreenshots *bool         `json:"enableScreenshots,omitempty"`
	IncludeReposts    bool          `json:"includeReposts,omitempty"`
	IncludeReactions  bool          `json:"includeReactions,omitempty"`
}

// Platform returns the union tag.
func (LinkedInSettings) Platform() Platform { return PlatformLinkedIn }

// RedditSettings stores per-target knobs for subreddits.
type RedditSettings struct {
	MaxItems          *int          `json:"maxItems,omitempty"`
	ScrapingMode      *ScrapingMode `json:"scrapingMode,omitempty"`
	EnableComments    *bool         `json:"enableComments,omitempty"`
	EnableScreenshots *bool         `json:"enableScreenshots,omitempty"`
	SortBy            string        `json:"sortBy,omitempty"`
	TimeWindow        string        `json:"timeWindow,omitempty"`
	IncludeStickied   bool          `json:"includeStickied,omitempty"`
}

// Platform returns the union tag.
func (RedditSettings) Platform() Platform { return PlatformReddit }

// WebsiteSettings stores per-target knobs for generic websites.
type WebsiteSettings struct {
	MaxItems          *int          `json:"maxItems,omitempty"`
	ScrapingMode      *ScrapingMode `json:"scrapingMode,omitempty"`
	EnableComments    *bool         `json:"enableComments,omitempty"`
	EnableScreenshots *bool         `json:"enableScreenshots,omitempty"`
	CSSSelector       string        `json:"cssSelector,omitempty"`
	FollowPagination  bool          `json:"followPagination,omitempty"`
	MaxDepth          int           `json:"maxDepth,omitempty"`
}

// Platform returns the union tag.
func (WebsiteSettings) Platform() Platform { return PlatformWebsite }

// Target is a single scrape source.
type Target struct {
	ID                 string         `json:"id"`
	Platform           Platform       `json:"platform"`
	URL                string         `json:"url"`
	TargetName         string         `json:"targetName"`
	Priority           Priority       `json:"priority"`
	Settings           TargetSettings `json:"settings,omitempty"`
	PreferredScraperID string         `json:"preferredScraperId,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// targetAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type targetAlias Target

type targetWire struct {
	targetAlias
	Settings json.RawMessage `json:"settings,omitempty"`
}

// UnmarshalJSON decodes the settings payload into the concrete type selected
// by the platform tag.
func (t *Target) UnmarshalJSON(data []byte) error {
	var wire targetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode target: %w", err)
	}
	*t = Target(wire.targetAlias)
	if len(wire.Settings) == 0 {
		t.Settings = nil
		return nil
	}
	settings, err := decodeSettings(t.Platform, wire.Settings)
	if err != nil {
		return err
	}
	t.Settings = settings
	return nil
}

// MarshalJSON re-embeds the concrete settings under the common key.
func (t Target) MarshalJSON() ([]byte, error) {
	wire := targetWire{targetAlias: targetAlias(t)}
	wire.targetAlias.Settings = nil
	if t.Settings != nil {
		raw, err := json.Marshal(t.Settings)
		if err != nil {
			return nil, fmt.Errorf("encode target settings: %w", err)
		}
		wire.Settings = raw
	}
	return json.Marshal(wire)
}

func decodeSettings(platform Platform, raw json.RawMessage) (TargetSettings, error) {
	switch platform {
	case PlatformLinkedIn:
		var s LinkedInSettings
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode linkedin settings: %w", err)
		}
		return s, nil
	case PlatformReddit:
		var s RedditSettings
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode reddit settings: %w", err)
		}
		return s, nil
	case PlatformWebsite:
		var s WebsiteSettings
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode website settings: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

// RetrySettings governs automatic resubmission of failed sessions.
type RetrySettings struct {
	MaxRetries         int  `json:"maxRetries"`
	RetryDelayMinutes  int  `json:"retryDelayMinutes"`
	ExponentialBackoff bool `json:"exponentialBackoff"`
	RetryOnReconnect   bool `json:"retryOnReconnect"`
}

// Schedule is a cron-triggered recurring definition that dispatches commands
// against its targets.
type Schedule struct {
	ID              string                      `json:"id"`
	Name            string                      `json:"name"`
	Description     string                      `json:"description,omitempty"`
	CronExpression  string                      `json:"cronExpression"`
	Timezone        string                      `json:"timezone"`
	Enabled         bool                        `json:"enabled"`
	RetrySettings   RetrySettings               `json:"retrySettings"`
	TargetIDs       []string                    `json:"targetIds"`
	TargetOverrides map[string]SettingsOverride `json:"targetOverrides,omitempty"`
	LastRunAt       *time.Time                  `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time                  `json:"nextRunAt,omitempty"`
	CreatedAt       time.Time                   `json:"createdAt"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

// TargetCount reports how many targets the schedule fans out to.
func (s Schedule) TargetCount() int { return len(s.TargetIDs) }

// Worker is a remote scraper agent tracked for liveness.
type Worker struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Capabilities []Platform `json:"capabilities,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastSeenAt   time.Time  `json:"lastSeenAt"`
	Online       bool       `json:"isOnlineNow"`
	InFlight     int        `json:"inFlight"`
}

// CommandStatus is the queue-side lifecycle state of a dispatch unit.
type CommandStatus string

// Command statuses in lifecycle order.
const (
	CommandPending    CommandStatus = "pending"
	CommandQueued     CommandStatus = "queued"
	CommandSent       CommandStatus = "sent"
	CommandInProgress CommandStatus = "in_progress"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandCancelled  CommandStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records what initiated an execution.
type TriggerType string

// Supported trigger types.
const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerSearch    TriggerType = "search"
	TriggerRetry     TriggerType = "retry"
)

// Command is one dispatch unit: a target, its resolved settings, the assigned
// worker, and the attempt number.
type Command struct {
	ID         string `json:"id"`
	TargetID   string `json:"targetId"`
	ScheduleID string `json:"scheduleId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	WorkerID   string `json:"workerId,omitempty"`
	// ScraperID requests a specific worker for this run, overriding the
	// target's stored preference.
	ScraperID string `json:"scraperId,omitempty"`
	// QueueBehind admits the command behind the target's active command
	// instead of rejecting with TargetBusy.
	QueueBehind bool                    `json:"queueBehind,omitempty"`
	Trigger     TriggerType             `json:"triggerType"`
	Attempt     int                     `json:"attempt"`
	Status      CommandStatus           `json:"status"`
	Settings    ExecutionScrapeSettings `json:"settings"`
	Retry       RetrySettings           `json:"retrySettings"`
	CreatedAt   time.Time               `json:"createdAt"`
	QueuedAt    *time.Time              `json:"queuedAt,omitempty"`
	SentAt      *time.Time              `json:"sentAt,omitempty"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// QueueStats summarizes the dispatcher queue for operator inspection.
type QueueStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Failed     int `json:"failed"`
}

// SessionStatus is the execution-side lifecycle state.
type SessionStatus string

// Session statuses.
const (
	SessionPending    SessionStatus = "pending"
	SessionSent       SessionStatus = "sent"
	SessionInProgress SessionStatus = "in_progress"
	SessionSuccess    SessionStatus = "success"
	SessionPartial    SessionStatus = "partial"
	SessionFailed     SessionStatus = "failed"
	SessionTimeout    SessionStatus = "timeout"
)

// Terminal reports whether the session has reached a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionSuccess, SessionPartial, SessionFailed, SessionTimeout:
		return true
	default:
		return false
	}
}

// Results aggregates what one session collected.
type Results struct {
	ItemsFound        int `json:"itemsFound"`
	NewItems          int `json:"newItems"`
	UpdatedItems      int `json:"updatedItems"`
	SkippedItems      int `json:"skippedItems"`
	CommentsCollected int `json:"commentsCollected"`
}

// ExecError is the structured execution error carried on a terminal session.
type ExecError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// Session is the execution record produced by one command attempt.
type Session struct {
	ID          string        `json:"id"`
	CommandID   string        `json:"commandId"`
	TargetID    string        `json:"targetId"`
	TargetURL   string        `json:"targetUrl"`
	TargetType  Platform      `json:"targetType"`
	WorkerID    string        `json:"workerId,omitempty"`
	ScraperName string        `json:"scraperName,omitempty"`
	Trigger     TriggerType   `json:"triggerType"`
	Attempt     int           `json:"attempt"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	DurationMs  int64         `json:"durationMs,omitempty"`
	Results     *Results      `json:"results,omitempty"`
	Error       *ExecError    `json:"error,omitempty"`
	// Version increments on every mutation so consumers can reconcile
	// out-of-order updates.
	Version int64 `json:"version"`
}

// LogLevel grades session log entries.
type LogLevel string

// Session log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// SessionLogEntry is one append-only log line scoped to a session.
type SessionLogEntry struct {
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Event     string         `json:"event,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ItemKind classifies a collected content unit.
type ItemKind string

// Supported item kinds.
const (
	ItemPost    ItemKind = "post"
	ItemComment ItemKind = "comment"
	ItemArticle ItemKind = "article"
)

// Engagement is a point-in-time interaction snapshot for an item.
type Engagement struct {
	Likes    int `json:"likes"`
	Comments int `json:"comments"`
	Shares   int `json:"shares"`
}

// ScrapedItem is one collected unit of content tied to a session, deduplicated
// per target by Fingerprint.
type ScrapedItem struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"sessionId"`
	TargetID     string     `json:"targetId"`
	Fingerprint  string     `json:"fingerprint"`
	ExternalID   string     `json:"externalId,omitempty"`
	Kind         ItemKind   `json:"kind"`
	URL          string     `json:"url,omitempty"`
	Author       string     `json:"author,omitempty"`
	Content      string     `json:"content"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	Engagement   Engagement `json:"engagement"`
	ScreenshotID string     `json:"screenshotId,omitempty"`
	CollectedAt  time.Time  `json:"collectedAt"`
}
