package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cronflow/internal/domain"
	"cronflow/internal/registry"
)

var ErrAlreadyRunning = errors.New("task already running")

// Runner executes job bodies with run-state bookkeeping. It allows at most
// one execution per task name at a time within the process.
type Runner struct {
	reg *registry.Registry
	log zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]time.Time
	wg       sync.WaitGroup
}

func NewRunner(reg *registry.Registry, log zerolog.Logger) *Runner {
	return &Runner{
		reg:      reg,
		log:      log.With().Str("comp", "runner").Logger(),
		inFlight: make(map[string]time.Time),
	}
}

func (r *Runner) tryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[name]; busy {
		return false
	}
	r.inFlight[name] = time.Now()
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.inFlight, name)
	r.mu.Unlock()
}

// Running lists the task names currently executing.
func (r *Runner) Running() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.inFlight))
	for n := range r.inFlight {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Run executes job synchronously. The job body's own error is recorded, not
// returned: Run only fails with ErrAlreadyRunning or a persistence error.
func (r *Runner) Run(ctx context.Context, job Job, trigger string) error {
	if !r.tryAcquire(job.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.Name)
	}
	defer r.release(job.Name)
	return r.execute(ctx, job, trigger, nil)
}

// Go is Run in the background. The single-flight check happens before it
// returns, so a busy task is reported to the caller.
func (r *Runner) Go(ctx context.Context, job Job, trigger string) error {
	return r.goIf(ctx, job, trigger, nil)
}

// goIf re-checks the persisted task with stillWanted after the guard is held,
// so a due list read before another run finished cannot fire twice.
func (r *Runner) goIf(ctx context.Context, job Job, trigger string, stillWanted func(domain.ScheduledTask) bool) error {
	if !r.tryAcquire(job.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.Name)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(job.Name)
		if err := r.execute(ctx, job, trigger, stillWanted); err != nil {
			r.log.Error().Err(err).Str("task", job.Name).Str("trigger", trigger).Msg("run bookkeeping failed")
		}
	}()
	return nil
}

// Wait blocks until every background run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, job Job, trigger string, stillWanted func(domain.ScheduledTask) bool) error {
	// Bookkeeping must land even when the run is cut short by shutdown.
	bctx := context.WithoutCancel(ctx)

	if stillWanted != nil {
		t, err := r.reg.Get(bctx, job.Name)
		if err != nil {
			return fmt.Errorf("recheck %s: %w", job.Name, err)
		}
		if !stillWanted(t) {
			r.log.Debug().Str("task", job.Name).Msg("skip: no longer due")
			return nil
		}
	}

	if err := r.reg.RecordRun(bctx, job.Name, domain.StatusRunning, ""); err != nil {
		return err
	}
	runID, err := r.reg.OpenRun(bctx, job.Name, trigger)
	if err != nil {
		// History is secondary to the task row.
		r.log.Warn().Err(err).Str("task", job.Name).Msg("failed to open run history entry")
	}

	start := time.Now()
	r.log.Info().Str("task", job.Name).Str("trigger", trigger).Str("run_id", runID).Msg("task started")

	jobErr := r.invoke(ctx, job)

	status, msg := domain.StatusSuccess, ""
	ev := r.log.Info()
	if jobErr != nil {
		status, msg = domain.StatusFailed, jobErr.Error()
		ev = r.log.Warn().Err(jobErr)
	}
	ev.Str("task", job.Name).Str("run_id", runID).Dur("took", time.Since(start)).Str("status", string(status)).Msg("task finished")

	recErr := r.reg.RecordRun(bctx, job.Name, status, msg)
	var histErr error
	if runID != "" {
		histErr = r.reg.CloseRun(bctx, runID, status, msg)
	}
	return errors.Join(recErr, histErr)
}

func (r *Runner) invoke(ctx context.Context, job Job) (err error) {
	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.log.Error().Str("task", job.Name).Interface("panic", p).Str("stack", string(debug.Stack())).Msg("task panicked")
		}
	}()
	return job.Run(runCtx)
}
