// Package worker runs independent work items with a hard ceiling on how many
// execute at once.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultConcurrency is used when NewPool is given a non-positive limit.
const DefaultConcurrency = 5

// Item is one unit of fan-out work, usually for a single entity (a user, a
// mailbox). Run must enforce its own timeout if it needs one: a Run that never
// returns holds its slot forever.
type Item struct {
	EntityID string
	Run      func(ctx context.Context) error
}

type queued struct {
	ctx        context.Context
	item       Item
	enqueuedAt time.Time
	done       func(error)
}

// Pool starts items in submission order and keeps at most concurrency of them
// running. A failing or panicking item only affects itself. The pool is never
// closed; it returns to idle after each burst and accepts work indefinitely.
type Pool struct {
	concurrency int
	log         zerolog.Logger

	mu      sync.Mutex
	pending []queued
	active  int
	idle    chan struct{} // closed while nothing is pending or running

	started, succeeded, failed uint64
	peak                       int
}

func NewPool(concurrency int, log zerolog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		concurrency: concurrency,
		log:         log.With().Str("comp", "pool").Logger(),
		idle:        idle,
	}
}

func (p *Pool) Concurrency() int { return p.concurrency }

// Enqueue adds item and returns at once. It never fails because of other items.
func (p *Pool) Enqueue(ctx context.Context, item Item) {
	p.enqueue(ctx, item, nil)
}

func (p *Pool) enqueue(ctx context.Context, item Item, done func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == 0 && len(p.pending) == 0 {
		p.idle = make(chan struct{})
	}
	p.pending = append(p.pending, queued{ctx: ctx, item: item, enqueuedAt: time.Now(), done: done})
	p.pumpLocked()
}

// pumpLocked starts pending items while slots are free. Caller holds p.mu.
func (p *Pool) pumpLocked() {
	for p.active < p.concurrency && len(p.pending) > 0 {
		q := p.pending[0]
		p.pending[0] = queued{}
		p.pending = p.pending[1:]
		p.active++
		p.started++
		if p.active > p.peak {
			p.peak = p.active
		}
		go p.exec(q)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

func (p *Pool) exec(q queued) {
	err := p.runItem(q)

	p.mu.Lock()
	p.active--
	if err != nil {
		p.failed++
	} else {
		p.succeeded++
	}
	p.pumpLocked()
	if p.active == 0 && len(p.pending) == 0 {
		close(p.idle)
	}
	p.mu.Unlock()

	if q.done != nil {
		q.done(err)
	}
}

func (p *Pool) runItem(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error().Str("entity", q.item.EntityID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("work item panicked")
		}
	}()
	if q.item.Run == nil {
		return fmt.Errorf("work item %s has no run func", q.item.EntityID)
	}
	if wait := time.Since(q.enqueuedAt); wait > time.Second {
		p.log.Debug().Str("entity", q.item.EntityID).Dur("queue_delay", wait).Msg("work item started late")
	}
	if err = q.item.Run(q.ctx); err != nil {
		p.log.Warn().Err(err).Str("entity", q.item.EntityID).Msg("work item failed")
	}
	return err
}

// Drain blocks until nothing is pending or running, or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BatchResult summarizes one Submit call.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	// Errors is keyed by entity id.
	Errors map[string]error
}

// Submit enqueues items and waits for exactly those items, leaving other work
// in the pool alone. If ctx ends first the partial result is returned with
// ctx's error; the remaining items still run.
func (p *Pool) Submit(ctx context.Context, items ...Item) (BatchResult, error) {
	var (
		mu  sync.Mutex
		res = BatchResult{Total: len(items)}
		wg  sync.WaitGroup
	)
	wg.Add(len(items))
	for _, it := range items {
		entity := it.EntityID
		p.enqueue(ctx, it, func(err error) {
			mu.Lock()
			if err != nil {
				res.Failed++
				if res.Errors == nil {
					res.Errors = make(map[string]error)
				}
				res.Errors[entity] = err
			} else {
				res.Succeeded++
			}
			mu.Unlock()
			wg.Done()
		})
	}

	all := make(chan struct{})
	go func() {
		wg.Wait()
		close(all)
	}()

	var waitErr error
	select {
	case <-all:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	out := res
	if len(res.Errors) > 0 {
		out.Errors = make(map[string]error, len(res.Errors))
		for k, v := range res.Errors {
			out.Errors[k] = v
		}
	}
	return out, waitErr
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Concurrency  int    `json:"concurrency"`
	InFlight     int    `json:"in_flight"`
	Queued       int    `json:"queued"`
	PeakInFlight int    `json:"peak_in_flight"`
	Started      uint64 `json:"started"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
}

func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Concurrency:  p.concurrency,
		InFlight:     p.active,
		Queued:       len(p.pending),
		PeakInFlight: p.peak,
		Started:      p.started,
		Succeeded:    p.succeeded,
		Failed:       p.failed,
	}
}
