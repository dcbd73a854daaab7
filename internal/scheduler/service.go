package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cronflow/internal/domain"
	"cronflow/internal/registry"
)

var ErrUnknownJob = errors.New("unknown job")

// DefaultCheckInterval is how often the live loop polls for due tasks.
const DefaultCheckInterval = time.Second

type Service struct {
	reg      *registry.Registry
	runner   *Runner
	log      zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	jobs     map[string]Job
	lastTick time.Time

	stop     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	catchUp  sync.WaitGroup
}

type Option func(*Service)

func WithCheckInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

func New(reg *registry.Registry, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		reg:      reg,
		runner:   NewRunner(reg, log),
		log:      log.With().Str("comp", "scheduler").Logger(),
		interval: DefaultCheckInterval,
		jobs:     make(map[string]Job),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register persists the job's schedule and makes its body available to the
// loop. Registering the same name again replaces the body.
func (s *Service) Register(ctx context.Context, job Job) (domain.ScheduledTask, error) {
	if err := job.validate(); err != nil {
		return domain.ScheduledTask{}, err
	}
	t, err := s.reg.Register(ctx, job.Name, job.Cron, job.Description)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	s.mu.Lock()
	s.jobs[t.Name] = job
	s.mu.Unlock()
	return t, nil
}

func (s *Service) job(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

// Start runs catch-up in the background and then polls for due tasks until
// ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.loop.Add(1)
	defer s.loop.Done()

	s.catchUp.Add(1)
	go func() {
		defer s.catchUp.Done()
		s.runCatchUp(ctx)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.processDue(ctx, s.reg.Now())
		}
	}
}

// Stop ends the loop and waits for in-flight runs. No run starts after Stop
// returns.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.loop.Wait()
	s.catchUp.Wait()
	s.runner.Wait()
}

func (s *Service) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Service) runCatchUp(ctx context.Context) {
	missed, err := s.reg.FindMissed(ctx, s.reg.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("catch-up failed")
		return
	}
	s.dispatchMissed(ctx, missed)
}

// dispatchMissed starts one run per missed task. A task that ran since it was
// detected, or was disabled, is skipped.
func (s *Service) dispatchMissed(ctx context.Context, missed []registry.Missed) {
	for _, m := range missed {
		if s.stopped() {
			return
		}
		job, ok := s.job(m.Name)
		if !ok {
			s.log.Warn().Str("task", m.Name).Msg("catch-up: task has no registered job body")
			continue
		}
		ev := s.log.Info().Str("task", m.Name)
		if m.LastRunAt != nil {
			ev = ev.Time("last_run", *m.LastRunAt)
		}
		ev.Msg("catching up missed run")
		seen := m.LastRunAt
		stillMissed := func(cur domain.ScheduledTask) bool {
			return cur.Enabled && sameInstant(cur.LastRunAt, seen)
		}
		if err := s.runner.goIf(ctx, job, TriggerCatchUp, stillMissed); err != nil {
			s.log.Debug().Err(err).Str("task", m.Name).Msg("catch-up skipped")
		}
	}
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	due, err := s.reg.Due(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due tasks")
		return
	}
	for _, t := range due {
		job, ok := s.job(t.Name)
		if !ok {
			continue
		}
		stillDue := func(cur domain.ScheduledTask) bool {
			return cur.Enabled && !cur.NextRunAt.After(now)
		}
		if err := s.runner.goIf(ctx, job, TriggerSchedule, stillDue); err != nil {
			s.log.Debug().Err(err).Str("task", t.Name).Msg("due task skipped")
		}
	}
}

// Trigger starts an out-of-schedule run of name in the background.
func (s *Service) Trigger(ctx context.Context, name string) error {
	job, ok := s.job(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runner.Go(ctx, job, TriggerManual)
}

func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.reg.SetEnabled(ctx, name, enabled)
}

// Snapshot is a point-in-time view for the operations endpoints.
type Snapshot struct {
	Jobs     []string  `json:"jobs"`
	Running  []string  `json:"running"`
	LastTick time.Time `json:"last_tick"`
	Interval string    `json:"interval"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	jobs := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		jobs = append(jobs, n)
	}
	last := s.lastTick
	s.mu.RUnlock()
	sort.Strings(jobs)
	return Snapshot{Jobs: jobs, Running: s.runner.Running(), LastTick: last, Interval: s.interval.String()}
}
