// Package fanout expands one scheduled trigger into per-entity work. Each
// entity gets its own work item on the dispatch pool, and each item sends a
// prompt through the request batcher.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cronflow/internal/worker"
)

// Completer is the batcher's submit side.
type Completer interface {
	Submit(ctx context.Context, payload, model string) (string, error)
}

// Dispatcher runs a group of items and waits for them.
type Dispatcher interface {
	Submit(ctx context.Context, items ...worker.Item) (worker.BatchResult, error)
}

type Fanout struct {
	Pool      Dispatcher
	Completer Completer
	Client    *http.Client
	Log       zerolog.Logger
}

type Payload struct {
	Entities []string `json:"entities"`
	// Prompt may reference the entity as {entity}.
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	// Deliver, when set, receives one POST per entity with the result.
	Deliver string `json:"deliver"`
}

// Result is what gets delivered for one entity.
type Result struct {
	Entity string    `json:"entity"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

func (f Fanout) Handle(ctx context.Context, payload json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid fanout payload: %w", err)
	}
	if len(p.Entities) == 0 {
		return errors.New("fanout: no entities")
	}
	if p.Prompt == "" {
		return errors.New("fanout: prompt is required")
	}

	// Results are keyed by entity, so each one is processed once.
	seen := make(map[string]struct{}, len(p.Entities))
	items := make([]worker.Item, 0, len(p.Entities))
	for _, entity := range p.Entities {
		if _, dup := seen[entity]; dup {
			continue
		}
		seen[entity] = struct{}{}
		items = append(items, worker.Item{
			EntityID: entity,
			Run: func(ctx context.Context) error {
				return f.process(ctx, p, entity)
			},
		})
	}

	res, err := f.Pool.Submit(ctx, items...)
	if err != nil {
		return fmt.Errorf("fanout: %w", err)
	}
	f.Log.Info().Int("entities", res.Total).Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("fanout finished")
	if res.Failed > 0 {
		failed := make([]string, 0, len(res.Errors))
		for id := range res.Errors {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		return fmt.Errorf("fanout: %d of %d entities failed: %s", res.Failed, res.Total, strings.Join(failed, ", "))
	}
	return nil
}

func (f Fanout) process(ctx context.Context, p Payload, entity string) error {
	prompt := strings.ReplaceAll(p.Prompt, "{entity}", entity)
	text, err := f.Completer.Submit(ctx, prompt, p.Model)
	if err != nil {
		return err
	}
	if p.Deliver == "" {
		f.Log.Debug().Str("entity", entity).Int("chars", len(text)).Msg("completion received")
		return nil
	}
	return f.deliver(ctx, p.Deliver, Result{Entity: entity, Text: text, At: time.Now().UTC()})
}

func (f Fanout) deliver(ctx context.Context, url string, r Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", r.Entity, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("deliver %s: HTTP %d", r.Entity, resp.StatusCode)
	}
	return nil
}
