// Package cron evaluates schedule cron expressions and fires dispatch
// callbacks when schedules come due.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pulsewatch/scrape-orchestrator/internal/logging"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// five-field expressions only (minute hour dom month dow)
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// DispatchFunc receives a schedule that has come due.
type DispatchFunc func(ctx context.Context, schedule orchestrator.Schedule, fireTime time.Time)

// Config controls the scheduler tick cadence.
type Config struct {
	// TickInterval is how often due schedules are evaluated. Expressions
	// have minute granularity, so anything at or under a minute works.
	TickInterval time.Duration
}

const defaultTickInterval = 30 * time.Second

// Scheduler evaluates enabled schedules against their cron expressions. Run
// bookkeeping is persisted before dispatch so a crash between the two cannot
// produce a duplicate fire.
type Scheduler struct {
	cfg      Config
	store    orchestrator.ScheduleStore
	clock    orchestrator.Clock
	dispatch DispatchFunc
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config, store orchestrator.ScheduleStore, clock orchestrator.Clock, dispatch DispatchFunc, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		dispatch: dispatch,
		logger:   logger,
	}
}

// Validate checks a cron expression and timezone pair. Called at schedule
// creation so malformed expressions are rejected before they are stored.
func Validate(expression, timezone string) error {
	if _, err := parser.Parse(expression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return nil
}

// NextRun computes the next fire time for a schedule after the given instant.
func NextRun(schedule orchestrator.Schedule, after time.Time) (time.Time, error) {
	expr, err := parser.Parse(schedule.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}
	loc := time.UTC
	if schedule.Timezone != "" {
		loc, err = time.LoadLocation(schedule.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone: %w", err)
		}
	}
	return expr.Next(after.In(loc)), nil
}

// Run evaluates schedules on every tick until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once, firing those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("list enabled schedules", zap.Error(err))
		return
	}
	now := s.clock.Now()
	for _, schedule := range schedules {
		if err := s.evaluate(ctx, schedule, now); err != nil {
			s.logger.Error("evaluate schedule",
				logging.Schedule(schedule.ID),
				zap.String("cron", schedule.CronExpression),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, schedule orchestrator.Schedule, now time.Time) error {
	// First sighting: seed next_run_at without firing, so freshly created
	// or re-enabled schedules wait for their next slot instead of firing
	// immediately.
	if schedule.NextRunAt == nil {
		next, err := NextRun(schedule, now)
		if err != nil {
			return err
		}
		return s.store.SetRunTimes(ctx, schedule.ID, schedule.LastRunAt, &next)
	}
	if now.Before(*schedule.NextRunAt) {
		return nil
	}

	fireTime := *schedule.NextRunAt
	next, err := NextRun(schedule, now)
	if err != nil {
		return err
	}
	// Persist before dispatching: a crash after this point skips the fire
	// rather than repeating it.
	if err := s.store.SetRunTimes(ctx, schedule.ID, &fireTime, &next); err != nil {
		return fmt.Errorf("persist run times: %w", err)
	}
	s.logger.Info("schedule fired",
		logging.Schedule(schedule.ID),
		zap.Time("fire_time", fireTime),
		zap.Time("next_run", next),
		zap.Int("targets", schedule.TargetCount()))
	s.dispatch(ctx, schedule, fireTime)
	return nil
}
