package domain

import "time"

type RunStatus string

const (
	StatusNever   RunStatus = "never"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// Valid reports whether s is one of the persisted run states.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusNever, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Finished reports whether s closes a run (success or failed).
func (s RunStatus) Finished() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ScheduledTask is one row of the scheduled_tasks table.
type ScheduledTask struct {
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Description    string     `json:"description,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  RunStatus  `json:"last_run_status"`
	LastRunError   *string    `json:"last_run_error,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskRun is a history entry for a single execution of a scheduled task.
type TaskRun struct {
	ID         string     `json:"id"`
	TaskName   string     `json:"task_name"`
	Trigger    string     `json:"trigger"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      *string    `json:"error,omitempty"`
}
