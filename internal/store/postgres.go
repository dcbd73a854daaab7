package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"cronflow/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  name TEXT PRIMARY KEY,
  cron_expression TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  last_run_at TIMESTAMPTZ,
  last_run_status TEXT NOT NULL DEFAULT 'never' CHECK (last_run_status IN ('never','running','success','failed')),
  last_run_error TEXT,
  next_run_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(enabled, next_run_at);
CREATE TABLE IF NOT EXISTS task_runs (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL REFERENCES scheduled_tasks(name),
  triggered_by TEXT NOT NULL DEFAULT '',
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ,
  status TEXT NOT NULL,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_name, started_at DESC);
`

type postgresStore struct{ db *sql.DB }

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an already opened database handle.
func NewPostgres(db *sql.DB) Store { return &postgresStore{db: db} }

func (s *postgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *postgresStore) Close() error { return s.db.Close() }

func scanPostgresTask(row rowScanner) (domain.ScheduledTask, error) {
	var (
		t       domain.ScheduledTask
		lastRun sql.NullTime
		lastErr sql.NullString
		status  string
	)
	if err := row.Scan(&t.Name, &t.CronExpression, &t.Description, &t.Enabled, &lastRun, &status, &lastErr, &t.NextRunAt, &t.UpdatedAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	if lastRun.Valid {
		lr := lastRun.Time.UTC()
		t.LastRunAt = &lr
	}
	t.LastRunStatus = domain.RunStatus(status)
	t.LastRunError = strPtr(lastErr)
	t.NextRunAt = t.NextRunAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *postgresStore) GetTask(ctx context.Context, name string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE name=$1`, name)
	t, err := scanPostgresTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, err
}

func (s *postgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *postgresStore) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
}

func (s *postgresStore) DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE enabled AND next_run_at <= $1 ORDER BY next_run_at`, now)
}

func (s *postgresStore) InsertTask(ctx context.Context, t domain.ScheduledTask) (bool, error) {
	if t.LastRunStatus == "" {
		t.LastRunStatus = domain.StatusNever
	}
	var lastRun any
	if t.LastRunAt != nil {
		lastRun = *t.LastRunAt
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (name) DO NOTHING`,
		t.Name, t.CronExpression, t.Description, t.Enabled, lastRun, string(t.LastRunStatus),
		nullStr(t.LastRunError), t.NextRunAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) UpdateSchedule(ctx context.Context, name, cronExpr, description string, nextRun, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET cron_expression=$1, description=$2, next_run_at=$3, updated_at=$4 WHERE name=$5`,
		cronExpr, description, nextRun, now, name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *postgresStore) UpdateDescription(ctx context.Context, name, description string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET description=$1, updated_at=$2 WHERE name=$3`,
		description, now, name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *postgresStore) SetEnabled(ctx context.Context, name string, enabled bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled=$1, updated_at=$2 WHERE name=$3`,
		enabled, now, name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *postgresStore) SetRunning(ctx context.Context, name string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_status='running', updated_at=$1 WHERE name=$2`,
		now, name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *postgresStore) FinishRun(ctx context.Context, name string, status domain.RunStatus, errMsg *string, finishedAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET last_run_at=$1, last_run_status=$2, last_run_error=$3, next_run_at=$4, updated_at=$1
WHERE name=$5`,
		finishedAt, string(status), nullStr(errMsg), nextRun, name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *postgresStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run_status='failed', last_run_error=$1, updated_at=$2
WHERE last_run_status='running'`, InterruptedError, now)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE task_runs SET status='failed', error=$1, finished_at=$2 WHERE status='running'`, InterruptedError, now); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) StartRun(ctx context.Context, run domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs (id, task_name, triggered_by, started_at, status) VALUES ($1,$2,$3,$4,$5)`,
		run.ID, run.TaskName, run.Trigger, run.StartedAt, string(domain.StatusRunning))
	return err
}

func (s *postgresStore) CompleteRun(ctx context.Context, id string, status domain.RunStatus, errMsg *string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_runs SET status=$1, error=$2, finished_at=$3 WHERE id=$4`,
		string(status), nullStr(errMsg), finishedAt, id)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

func (s *postgresStore) ListRuns(ctx context.Context, name string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_name, triggered_by, started_at, finished_at, status, error
FROM task_runs WHERE task_name=$1 ORDER BY started_at DESC LIMIT $2`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		var (
			r        domain.TaskRun
			finished sql.NullTime
			status   string
			errMsg   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskName, &r.Trigger, &r.StartedAt, &finished, &status, &errMsg); err != nil {
			return nil, err
		}
		r.StartedAt = r.StartedAt.UTC()
		if finished.Valid {
			f := finished.Time.UTC()
			r.FinishedAt = &f
		}
		r.Status = domain.RunStatus(status)
		r.Error = strPtr(errMsg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
