// Package store persists scheduled tasks and their run history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronflow/internal/domain"
)

var ErrNotFound = errors.New("task not found")

// Store is the persistence contract used by the registry and the runner.
// Every mutating call touches a single row.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetTask(ctx context.Context, name string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)

	// InsertTask inserts t unless a row with the same name exists.
	// It reports whether a row was created.
	InsertTask(ctx context.Context, t domain.ScheduledTask) (bool, error)
	UpdateSchedule(ctx context.Context, name, cronExpr, description string, nextRun, now time.Time) error
	UpdateDescription(ctx context.Context, name, description string, now time.Time) error
	SetEnabled(ctx context.Context, name string, enabled bool, now time.Time) error

	SetRunning(ctx context.Context, name string, now time.Time) error
	FinishRun(ctx context.Context, name string, status domain.RunStatus, errMsg *string, finishedAt, nextRun time.Time) error
	// RecoverStale closes runs left in the running state by a previous process.
	RecoverStale(ctx context.Context, now time.Time) (int, error)

	StartRun(ctx context.Context, run domain.TaskRun) error
	CompleteRun(ctx context.Context, id string, status domain.RunStatus, errMsg *string, finishedAt time.Time) error
	ListRuns(ctx context.Context, name string, limit int) ([]domain.TaskRun, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// InterruptedError is recorded for runs that were still running when the
// previous process exited.
const InterruptedError = "interrupted: process exited during run"

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		st, err = OpenSQLite(cfg.Path)
	case "postgres", "postgresql":
		st, err = OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, nil
}

func checkAffected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
