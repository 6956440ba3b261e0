// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// SessionStoreConfig controls the Postgres connection pool used for session rows.
type SessionStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SessionStore persists sessions and their append-only logs in Postgres.
type SessionStore struct {
	pool querier
}

// NewSessionStore creates a Postgres-backed SessionStore using the provided config.
func NewSessionStore(ctx context.Context, cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SessionStore{pool: pool}, nil
}

// NewSessionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSessionStoreWithPool(pool querier) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SessionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const sessionColumns = `
	id,
	command_id,
	target_id,
	target_url,
	target_type,
	worker_id,
	scraper_name,
	trigger_type,
	attempt,
	status,
	created_at,
	started_at,
	completed_at,
	duration_ms,
	results,
	error,
	version`

// CreateSession inserts a session row.
func (s *SessionStore) CreateSession(ctx context.Context, session orchestrator.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	resultsJSON, errJSON, err := marshalSessionJSON(session)
	if err != nil {
		return err
	}
	query := `
INSERT INTO scrape_sessions (` + sessionColumns + `
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)`
	args := []any{
		session.ID,
		session.CommandID,
		session.TargetID,
		session.TargetURL,
		string(session.TargetType),
		session.WorkerID,
		session.ScraperName,
		string(session.Trigger),
		session.Attempt,
		string(session.Status),
		session.CreatedAt,
		session.StartedAt,
		session.CompletedAt,
		session.DurationMs,
		resultsJSON,
		errJSON,
		session.Version,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession replaces the mutable columns of a session row.
func (s *SessionStore) UpdateSession(ctx context.Context, session orchestrator.Session) error {
	resultsJSON, errJSON, err := marshalSessionJSON(session)
	if err != nil {
		return err
	}
	query := `
UPDATE scrape_sessions SET
	worker_id = $2,
	scraper_name = $3,
	status = $4,
	started_at = $5,
	completed_at = $6,
	duration_ms = $7,
	results = $8,
	error = $9,
	version = $10
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		session.ID,
		session.WorkerID,
		session.ScraperName,
		string(session.Status),
		session.StartedAt,
		session.CompletedAt,
		session.DurationMs,
		resultsJSON,
		errJSON,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, orchestrator.ErrNotFound)
	}
	return nil
}

// GetSession fetches one session row.
func (s *SessionStore) GetSession(ctx context.Context, id string) (orchestrator.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM scrape_sessions WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Session{}, fmt.Errorf("session %s: %w", id, orchestrator.ErrNotFound)
	}
	if err != nil {
		return orchestrator.Session{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest-first after applying the filter.
func (s *SessionStore) ListSessions(ctx context.Context, filter orchestrator.SessionFilter) ([]orchestrator.Session, error) {
	var conditions []string
	var args []any
	if filter.TargetID != "" {
		args = append(args, filter.TargetID)
		conditions = append(conditions, fmt.Sprintf("target_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + sessionColumns + ` FROM scrape_sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendLog inserts one log entry for a session.
func (s *SessionStore) AppendLog(ctx context.Context, entry orchestrator.SessionLogEntry) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}
	query := `
INSERT INTO scrape_session_logs (
	session_id, seq, ts, level, event, message, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = s.pool.Exec(ctx, query,
		entry.SessionID,
		entry.Seq,
		entry.Timestamp,
		string(entry.Level),
		entry.Event,
		entry.Message,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert session log: %w", err)
	}
	return nil
}

// ListLogs returns a session's log entries ordered by sequence.
func (s *SessionStore) ListLogs(ctx context.Context, sessionID string) ([]orchestrator.SessionLogEntry, error) {
	query := `
SELECT session_id, seq, ts, level, event, message, metadata
FROM scrape_session_logs WHERE session_id = $1 ORDER BY seq ASC`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select session logs: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.SessionLogEntry
	for rows.Next() {
		var entry orchestrator.SessionLogEntry
		var level string
		var metadataJSON []byte
		if err := rows.Scan(&entry.SessionID, &entry.Seq, &entry.Timestamp, &level, &entry.Event, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		entry.Level = orchestrator.LogLevel(level)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session logs: %w", err)
	}
	return out, nil
}

func marshalSessionJSON(session orchestrator.Session) (resultsJSON, errJSON []byte, err error) {
	if session.Results != nil {
		resultsJSON, err = json.Marshal(session.Results)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal session results: %w", err)
		}
	}
	if session.Error != nil {
		errJSON, err = json.Marshal(session.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal session error: %w", err)
		}
	}
	return resultsJSON, errJSON, nil
}

func scanSession(row pgx.Row) (orchestrator.Session, error) {
	var session orchestrator.Session
	var targetType, trigger, status string
	var resultsJSON, errJSON []byte
	err := row.Scan(
		&session.ID,
		&session.CommandID,
		&session.TargetID,
		&session.TargetURL,
		&targetType,
		&session.WorkerID,
		&session.ScraperName,
		&trigger,
		&session.Attempt,
		&status,
		&session.CreatedAt,
		&session.StartedAt,
		&session.CompletedAt,
		&session.DurationMs,
		&resultsJSON,
		&errJSON,
		&session.Version,
	)
	if err != nil {
		return orchestrator.Session{}, err
	}
	session.TargetType = orchestrator.Platform(targetType)
	session.Trigger = orchestrator.TriggerType(trigger)
	session.Status = orchestrator.SessionStatus(status)
	if len(resultsJSON) > 0 {
		session.Results = &orchestrator.Results{}
		if err := json.Unmarshal(resultsJSON, session.Results); err != nil {
			return orchestrator.Session{}, fmt.Errorf("unmarshal session results: %w", err)
		}
	}
	if len(errJSON) > 0 {
		session.Error = &orchestrator.ExecError{}
		if err := json.Unmarshal(errJSON, session.Error); err != nil {
			return orchestrator.Session{}, fmt.Errorf("unmarshal session error: %w", err)
		}
	}
	return session, nil
}
