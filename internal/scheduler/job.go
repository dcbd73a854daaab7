// Package scheduler drives registered jobs: a ticker loop fires due tasks,
// a startup pass catches up missed ones, and every execution goes through
// the Runner's run-state bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"
)

// JobFunc is a job body. A returned error marks the run failed.
type JobFunc func(ctx context.Context) error

// Job describes one named recurring task.
type Job struct {
	Name        string
	Cron        string
	Description string
	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration
	Run     JobFunc
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if j.Run == nil {
		return errors.New("job " + j.Name + ": run func is nil")
	}
	return nil
}

// Trigger kinds recorded in the run history.
const (
	TriggerSchedule = "schedule"
	TriggerCatchUp  = "catchup"
	TriggerManual   = "manual"
)
