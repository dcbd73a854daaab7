// Package handlers turns task definitions into scheduler jobs. Each task type
// maps to a Handler that receives the task's JSON payload.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"cronflow/internal/config"
	"cronflow/internal/scheduler"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Set maps a task type to its handler.
type Set map[string]Handler

// Job binds def to the handler for its type.
func (s Set) Job(def config.TaskDef) (scheduler.Job, error) {
	h, ok := s[def.Type]
	if !ok {
		return scheduler.Job{}, fmt.Errorf("task %s: no handler for type %q", def.Name, def.Type)
	}
	payload := def.Payload
	return scheduler.Job{
		Name:        def.Name,
		Cron:        def.Cron,
		Description: def.Description,
		Timeout:     def.Timeout,
		Run: func(ctx context.Context) error {
			return h.Handle(ctx, payload)
		},
	}, nil
}
