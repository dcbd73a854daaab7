package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cronflow/internal/domain"
)

// Timestamps are stored as unix milliseconds so ordering and comparisons
// stay in SQL and round-trips are exact.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  name TEXT PRIMARY KEY,
  cron_expression TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at INTEGER,
  last_run_status TEXT NOT NULL CHECK(last_run_status IN ('never','running','success','failed')) DEFAULT 'never',
  last_run_error TEXT,
  next_run_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(enabled, next_run_at);
CREATE TABLE IF NOT EXISTS task_runs (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL,
  triggered_by TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  status TEXT NOT NULL,
  error TEXT,
  FOREIGN KEY(task_name) REFERENCES scheduled_tasks(name)
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_name, started_at DESC);
`

const taskColumns = `name,cron_expression,description,enabled,last_run_at,last_run_status,last_run_error,next_run_at,updated_at`

type sqliteStore struct{ db *sql.DB }

// OpenSQLite opens (or creates) a database file. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetMaxIdleConns(1)
	return NewSQLite(db), nil
}

// NewSQLite wraps an already opened database handle.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (domain.ScheduledTask, error) {
	var (
		t       domain.ScheduledTask
		enabled int
		lastRun sql.NullInt64
		lastErr sql.NullString
		status  string
		nextRun int64
		updated int64
	)
	if err := row.Scan(&t.Name, &t.CronExpression, &t.Description, &enabled, &lastRun, &status, &lastErr, &nextRun, &updated); err != nil {
		return domain.ScheduledTask{}, err
	}
	t.Enabled = enabled != 0
	if lastRun.Valid {
		lr := fromMillis(lastRun.Int64)
		t.LastRunAt = &lr
	}
	t.LastRunStatus = domain.RunStatus(status)
	t.LastRunError = strPtr(lastErr)
	t.NextRunAt = fromMillis(nextRun)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, name string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE name=?`, name)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, err
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
}

func (s *sqliteStore) DueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE enabled=1 AND next_run_at <= ? ORDER BY next_run_at`, toMillis(now))
}

func (s *sqliteStore) InsertTask(ctx context.Context, t domain.ScheduledTask) (bool, error) {
	if t.LastRunStatus == "" {
		t.LastRunStatus = domain.StatusNever
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO NOTHING`,
		t.Name, t.CronExpression, t.Description, t.Enabled, nullMillis(t.LastRunAt), string(t.LastRunStatus),
		nullStr(t.LastRunError), toMillis(t.NextRunAt), toMillis(t.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, name, cronExpr, description string, nextRun, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET cron_expression=?, description=?, next_run_at=?, updated_at=? WHERE name=?`,
		cronExpr, description, toMillis(nextRun), toMillis(now), name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *sqliteStore) UpdateDescription(ctx context.Context, name, description string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET description=?, updated_at=? WHERE name=?`,
		description, toMillis(now), name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, name string, enabled bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled=?, updated_at=? WHERE name=?`,
		enabled, toMillis(now), name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *sqliteStore) SetRunning(ctx context.Context, name string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_status='running', updated_at=? WHERE name=?`,
		toMillis(now), name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *sqliteStore) FinishRun(ctx context.Context, name string, status domain.RunStatus, errMsg *string, finishedAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET last_run_at=?, last_run_status=?, last_run_error=?, next_run_at=?, updated_at=?
WHERE name=?`,
		toMillis(finishedAt), string(status), nullStr(errMsg), toMillis(nextRun), toMillis(finishedAt), name)
	if err != nil {
		return err
	}
	return checkAffected(res, name)
}

func (s *sqliteStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run_status='failed', last_run_error=?, updated_at=?
WHERE last_run_status='running'`, InterruptedError, toMillis(now))
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE task_runs SET status='failed', error=?, finished_at=? WHERE status='running'`, InterruptedError, toMillis(now)); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) StartRun(ctx context.Context, run domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs (id, task_name, triggered_by, started_at, status) VALUES (?,?,?,?,?)`,
		run.ID, run.TaskName, run.Trigger, toMillis(run.StartedAt), string(domain.StatusRunning))
	return err
}

func (s *sqliteStore) CompleteRun(ctx context.Context, id string, status domain.RunStatus, errMsg *string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_runs SET status=?, error=?, finished_at=? WHERE id=?`,
		string(status), nullStr(errMsg), toMillis(finishedAt), id)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

func (s *sqliteStore) ListRuns(ctx context.Context, name string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_name, triggered_by, started_at, finished_at, status, error
FROM task_runs WHERE task_name=? ORDER BY started_at DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		var (
			r        domain.TaskRun
			started  int64
			finished sql.NullInt64
			status   string
			errMsg   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskName, &r.Trigger, &started, &finished, &status, &errMsg); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		if finished.Valid {
			f := fromMillis(finished.Int64)
			r.FinishedAt = &f
		}
		r.Status = domain.RunStatus(status)
		r.Error = strPtr(errMsg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
