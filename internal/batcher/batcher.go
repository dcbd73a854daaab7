// Package batcher throttles calls to a rate-limited text-generation endpoint.
// Requests are grouped into small batches whose members run concurrently;
// batching sets the cadence of downstream calls, it never merges prompts.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrRequestTimeout is returned when a request's deadline passes before it
	// was dispatched. Executor failures are never wrapped in it.
	ErrRequestTimeout = errors.New("batcher: request timed out before dispatch")
	ErrClosed         = errors.New("batcher: closed")
)

const (
	DefaultBatchSize      = 5
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	RequestTimeout time.Duration
	// RatePerSec paces individual downstream calls. Zero disables pacing.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RatePerSec > 0 && c.Burst <= 0 {
		c.Burst = c.BatchSize
	}
	return c
}

// Executor performs one downstream call.
type Executor interface {
	Execute(ctx context.Context, payload, model string) (string, error)
}

type ExecutorFunc func(ctx context.Context, payload, model string) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload, model string) (string, error) {
	return f(ctx, payload, model)
}

type state int

const (
	stateIdle state = iota
	stateAccumulating
	stateDispatching
)

func (s state) String() string {
	switch s {
	case stateAccumulating:
		return "accumulating"
	case stateDispatching:
		return "dispatching"
	default:
		return "idle"
	}
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeFailed
	outcomeTimeout
	outcomeCancelled
	outcomeClosed
)

type outcome struct {
	text string
	err  error
	kind outcomeKind
}

type request struct {
	id         string
	ctx        context.Context
	payload    string
	model      string
	arrived    time.Time
	deadline   Timer
	dispatched bool
	settled    bool
	result     chan outcome // buffered, receives exactly one value
}

type Option func(*Batcher)

// WithClock swaps the timer source.
func WithClock(c Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// Batcher moves through Idle -> Accumulating -> Dispatching -> Idle. The
// first arrival arms the flush timer; reaching BatchSize or the timer firing
// dispatches. While a batch is in flight new arrivals wait, and when it
// completes the next pass starts straight away if anything is pending.
type Batcher struct {
	cfg     Config
	exec    Executor
	clock   Clock
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	state    state
	pending  []*request
	flush    Timer
	flushGen uint64
	inFlight int
	closed   bool
	stats    Stats
	batches  sync.WaitGroup
}

func New(cfg Config, exec Executor, log zerolog.Logger, opts ...Option) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{
		cfg:   cfg,
		exec:  exec,
		clock: realClock{},
		log:   log.With().Str("comp", "batcher").Logger(),
	}
	if cfg.RatePerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit queues one call and blocks until it resolves. Cancelling ctx
// abandons the request; a request whose deadline passes while still queued
// fails with ErrRequestTimeout.
func (b *Batcher) Submit(ctx context.Context, payload, model string) (string, error) {
	r := &request{
		id:      uuid.NewString(),
		ctx:     ctx,
		payload: payload,
		model:   model,
		result:  make(chan outcome, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	r.arrived = b.clock.Now()
	b.stats.Submitted++
	b.pending = append(b.pending, r)
	r.deadline = b.clock.AfterFunc(b.cfg.RequestTimeout, func() { b.expire(r) })

	switch b.state {
	case stateIdle:
		b.state = stateAccumulating
		b.armFlushLocked()
	case stateAccumulating:
	case stateDispatching:
		// picked up when the current batch completes
	}
	if b.state == stateAccumulating && len(b.pending) >= b.cfg.BatchSize {
		b.dispatchLocked()
	}
	b.mu.Unlock()

	select {
	case o := <-r.result:
		return o.text, o.err
	case <-ctx.Done():
		b.mu.Lock()
		b.settleLocked(r, outcome{err: ctx.Err(), kind: outcomeCancelled})
		b.mu.Unlock()
		o := <-r.result
		return o.text, o.err
	}
}

func (b *Batcher) armFlushLocked() {
	b.flushGen++
	gen := b.flushGen
	b.flush = b.clock.AfterFunc(b.cfg.FlushInterval, func() { b.onFlush(gen) })
}

func (b *Batcher) stopFlushLocked() {
	if b.flush != nil {
		b.flush.Stop()
		b.flush = nil
	}
	b.flushGen++
}

func (b *Batcher) onFlush(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.flushGen || b.state != stateAccumulating {
		return
	}
	b.flush = nil
	if len(b.pending) == 0 {
		b.state = stateIdle
		return
	}
	b.dispatchLocked()
}

func (b *Batcher) expire(r *request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.dispatched {
		return
	}
	if b.settleLocked(r, outcome{err: ErrRequestTimeout, kind: outcomeTimeout}) {
		b.log.Warn().Str("request_id", r.id).Str("model", r.model).Dur("waited", b.clock.Now().Sub(r.arrived)).Msg("request timed out while pending")
	}
}

// settleLocked delivers o unless r already has an outcome. It reports whether
// o won.
func (b *Batcher) settleLocked(r *request, o outcome) bool {
	if r.settled {
		return false
	}
	r.settled = true
	if r.deadline != nil {
		r.deadline.Stop()
	}
	if !r.dispatched {
		b.removePendingLocked(r)
	}
	switch o.kind {
	case outcomeOK:
		b.stats.Succeeded++
	case outcomeFailed:
		b.stats.Failed++
	case outcomeTimeout:
		b.stats.TimedOut++
	case outcomeCancelled:
		b.stats.Cancelled++
	case outcomeClosed:
		b.stats.Rejected++
	}
	r.result <- o
	return true
}

func (b *Batcher) removePendingLocked(r *request) {
	for i, p := range b.pending {
		if p == r {
			copy(b.pending[i:], b.pending[i+1:])
			b.pending[len(b.pending)-1] = nil
			b.pending = b.pending[:len(b.pending)-1]
			break
		}
	}
	if len(b.pending) == 0 && b.state == stateAccumulating {
		b.stopFlushLocked()
		b.state = stateIdle
	}
}

// dispatchLocked takes up to BatchSize pending requests and runs them.
func (b *Batcher) dispatchLocked() {
	b.stopFlushLocked()
	n := min(b.cfg.BatchSize, len(b.pending))
	batch := make([]*request, n)
	copy(batch, b.pending[:n])
	rest := make([]*request, len(b.pending)-n)
	copy(rest, b.pending[n:])
	b.pending = rest

	for _, r := range batch {
		r.dispatched = true
		if r.deadline != nil {
			r.deadline.Stop()
		}
	}
	b.state = stateDispatching
	b.inFlight = n
	b.stats.Batches++
	b.log.Debug().Int("size", n).Int("pending", len(b.pending)).Msg("dispatching batch")

	b.batches.Add(1)
	go b.runBatch(batch)
}

func (b *Batcher) runBatch(batch []*request) {
	defer b.batches.Done()

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, r := range batch {
		go func(r *request) {
			defer wg.Done()
			o := b.call(r)
			b.mu.Lock()
			b.settleLocked(r, o)
			b.mu.Unlock()
		}(r)
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = 0
	if len(b.pending) > 0 && !b.closed {
		b.dispatchLocked()
		return
	}
	b.state = stateIdle
}

func (b *Batcher) call(r *request) outcome {
	if b.limiter != nil {
		if err := b.limiter.Wait(r.ctx); err != nil {
			return outcome{err: err, kind: outcomeCancelled}
		}
	}
	text, err := b.exec.Execute(r.ctx, r.payload, r.model)
	if err != nil {
		return outcome{err: err, kind: outcomeFailed}
	}
	return outcome{text: text, kind: outcomeOK}
}

// Close rejects every pending request with ErrClosed and waits for the batch
// in flight, if any. Later submissions fail with ErrClosed.
func (b *Batcher) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.stopFlushLocked()
		pending := append([]*request(nil), b.pending...)
		for _, r := range pending {
			b.settleLocked(r, outcome{err: ErrClosed, kind: outcomeClosed})
		}
		b.pending = nil
		if b.state == stateAccumulating {
			b.state = stateIdle
		}
	}
	b.mu.Unlock()
	b.batches.Wait()
}

// Stats counts settled requests by outcome. Every submission lands in exactly
// one of Succeeded, Failed, TimedOut, Cancelled or Rejected.
type Stats struct {
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Submitted uint64 `json:"submitted"`
	Batches   uint64 `json:"batches"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
}

func (b *Batcher) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state.String()
	s.Pending = len(b.pending)
	s.InFlight = b.inFlight
	return s
}
