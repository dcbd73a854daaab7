package registry

import (
	"context"
	"fmt"
	"time"

	"cronflow/internal/domain"
)

// Missed describes a task that should have fired while the process was down.
type Missed struct {
	Name           string
	CronExpression string
	LastRunAt      *time.Time
}

// FindMissed reports every enabled task that never ran or whose next trigger
// after its last run is already due. Several missed ticks count as one: the
// caller runs each task once, not once per tick.
func (r *Registry) FindMissed(ctx context.Context, now time.Time) ([]Missed, error) {
	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("catch-up: failed to list tasks")
		return nil, fmt.Errorf("find missed: %w", err)
	}
	var missed []Missed
	for _, t := range tasks {
		if r.isMissed(t, now) {
			missed = append(missed, Missed{Name: t.Name, CronExpression: t.CronExpression, LastRunAt: t.LastRunAt})
		}
	}
	return missed, nil
}

func (r *Registry) isMissed(t domain.ScheduledTask, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.LastRunAt == nil {
		return true
	}
	expected := r.nextTrigger(t.CronExpression, *t.LastRunAt)
	return !expected.After(now)
}
