// Package registry owns the catalog of named recurring tasks: registration,
// run-state transitions and missed-run detection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cronflow/internal/cronclock"
	"cronflow/internal/domain"
	"cronflow/internal/store"
)

type Registry struct {
	store    store.Store
	now      func() time.Time
	fallback time.Duration
	loc      *time.Location
	log      zerolog.Logger
}

type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocation sets the zone cron fields are read in. Defaults to time.Local.
// Stored times stay UTC regardless.
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithFallback sets the delay used when a cron expression cannot be parsed.
func WithFallback(d time.Duration) Option {
	return func(r *Registry) { r.fallback = d }
}

func New(st store.Store, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    st,
		now:      time.Now,
		fallback: cronclock.DefaultFallback,
		loc:      time.Local,
		log:      log.With().Str("comp", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock truncated to the store's precision.
func (r *Registry) Now() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

func (r *Registry) nextTrigger(expr string, from time.Time) time.Time {
	return cronclock.NextTriggerOr(expr, from.In(r.loc), r.fallback, r.log).UTC().Truncate(time.Millisecond)
}

// Register creates the task or reconciles its schedule. Calling it again with
// the same expression writes nothing, so it is safe on every startup. A changed
// expression takes effect from now rather than from the last run.
func (r *Registry) Register(ctx context.Context, name, cronExpr, description string) (domain.ScheduledTask, error) {
	name = strings.TrimSpace(name)
	cronExpr = strings.TrimSpace(cronExpr)
	if name == "" {
		return domain.ScheduledTask{}, errors.New("task name is required")
	}

	existing, err := r.store.GetTask(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := r.Now()
		t := domain.ScheduledTask{
			Name:           name,
			CronExpression: cronExpr,
			Description:    description,
			Enabled:        true,
			LastRunStatus:  domain.StatusNever,
			NextRunAt:      r.nextTrigger(cronExpr, now),
			UpdatedAt:      now,
		}
		created, err := r.store.InsertTask(ctx, t)
		if err != nil {
			r.log.Error().Err(err).Str("task", name).Msg("failed to insert task")
			return domain.ScheduledTask{}, fmt.Errorf("register %s: %w", name, err)
		}
		if created {
			r.log.Info().Str("task", name).Str("cron_expr", cronExpr).Time("next_run", t.NextRunAt).Msg("task registered")
			return t, nil
		}
		// Lost an insert race; reconcile against the winner.
		return r.Register(ctx, name, cronExpr, description)
	case err != nil:
		r.log.Error().Err(err).Str("task", name).Msg("failed to read task")
		return domain.ScheduledTask{}, fmt.Errorf("register %s: %w", name, err)
	}

	if existing.CronExpression != cronExpr {
		now := r.Now()
		next := r.nextTrigger(cronExpr, now)
		if err := r.store.UpdateSchedule(ctx, name, cronExpr, description, next, now); err != nil {
			r.log.Error().Err(err).Str("task", name).Msg("failed to update task schedule")
			return domain.ScheduledTask{}, fmt.Errorf("register %s: %w", name, err)
		}
		r.log.Info().
			Str("task", name).
			Str("old_cron_expr", existing.CronExpression).
			Str("cron_expr", cronExpr).
			Time("next_run", next).
			Msg("task schedule changed")
		existing.CronExpression = cronExpr
		existing.Description = description
		existing.NextRunAt = next
		existing.UpdatedAt = now
		return existing, nil
	}

	if existing.Description != description {
		now := r.Now()
		if err := r.store.UpdateDescription(ctx, name, description, now); err != nil {
			return domain.ScheduledTask{}, fmt.Errorf("register %s: %w", name, err)
		}
		existing.Description = description
		existing.UpdatedAt = now
	}
	return existing, nil
}

// RecordRun persists a run-state transition. Entering running only flips the
// status; finishing stamps last_run_at and recomputes next_run_at in one write.
func (r *Registry) RecordRun(ctx context.Context, name string, status domain.RunStatus, errMsg string) error {
	switch status {
	case domain.StatusRunning:
		if err := r.store.SetRunning(ctx, name, r.Now()); err != nil {
			r.log.Error().Err(err).Str("task", name).Msg("failed to record run start")
			return fmt.Errorf("record running %s: %w", name, err)
		}
		return nil
	case domain.StatusSuccess, domain.StatusFailed:
	default:
		return fmt.Errorf("record run %s: invalid status %q", name, status)
	}

	t, err := r.store.GetTask(ctx, name)
	if err != nil {
		r.log.Error().Err(err).Str("task", name).Msg("failed to read task for run completion")
		return fmt.Errorf("record %s %s: %w", status, name, err)
	}
	now := r.Now()
	next := r.nextTrigger(t.CronExpression, now)

	var msg *string
	if status == domain.StatusFailed {
		msg = &errMsg
	}
	if err := r.store.FinishRun(ctx, name, status, msg, now, next); err != nil {
		r.log.Error().Err(err).Str("task", name).Str("status", string(status)).Msg("failed to record run completion")
		return fmt.Errorf("record %s %s: %w", status, name, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, name string) (domain.ScheduledTask, error) {
	return r.store.GetTask(ctx, name)
}

func (r *Registry) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	return r.store.ListTasks(ctx)
}

// Due lists enabled tasks whose next run is at or before now.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return r.store.DueTasks(ctx, now)
}

// SetEnabled is an administrative toggle; it does not touch run state.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := r.store.SetEnabled(ctx, name, enabled, r.Now()); err != nil {
		return fmt.Errorf("set enabled %s: %w", name, err)
	}
	r.log.Info().Str("task", name).Bool("enabled", enabled).Msg("task enabled flag changed")
	return nil
}

func (r *Registry) Runs(ctx context.Context, name string, limit int) ([]domain.TaskRun, error) {
	return r.store.ListRuns(ctx, name, limit)
}

// OpenRun starts a history entry for one execution and returns its id.
func (r *Registry) OpenRun(ctx context.Context, name, trigger string) (string, error) {
	run := domain.TaskRun{
		ID:        "run_" + uuid.NewString(),
		TaskName:  name,
		Trigger:   trigger,
		StartedAt: r.Now(),
		Status:    domain.StatusRunning,
	}
	if err := r.store.StartRun(ctx, run); err != nil {
		return "", fmt.Errorf("open run %s: %w", name, err)
	}
	return run.ID, nil
}

// CloseRun finishes the history entry opened by OpenRun.
func (r *Registry) CloseRun(ctx context.Context, id string, status domain.RunStatus, errMsg string) error {
	var msg *string
	if status == domain.StatusFailed {
		msg = &errMsg
	}
	if err := r.store.CompleteRun(ctx, id, status, msg, r.Now()); err != nil {
		return fmt.Errorf("close run %s: %w", id, err)
	}
	return nil
}
