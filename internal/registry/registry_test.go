package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"

	"cronflow/internal/cronclock"
	"cronflow/internal/domain"
	"cronflow/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, start time.Time) (*Registry, *fakeClock, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := &fakeClock{now: start}
	return New(st, zerolog.Nop(), WithClock(clk.Now), WithLocation(time.UTC)), clk, st
}

func mustNext(t *testing.T, expr string, from time.Time) time.Time {
	t.Helper()
	next, err := cronclock.NextTrigger(expr, from)
	if err != nil {
		t.Fatalf("NextTrigger(%q): %v", expr, err)
	}
	return next
}

func TestRegisterInsertsNewTask(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, _, _ := newTestRegistry(t, start)
	ctx := context.Background()

	task, err := reg.Register(ctx, "emailSync", "0 * * * *", "sync mailboxes")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := mustNext(t, "0 * * * *", start); !task.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", task.NextRunAt, want)
	}

	got, err := reg.Get(ctx, "emailSync")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastRunStatus != domain.StatusNever || !got.Enabled || got.LastRunAt != nil {
		t.Fatalf("unexpected new row: %+v", got)
	}
}

func TestRegisterEvaluatesCronInLocation(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, ny)}
	reg := New(st, zerolog.Nop(), WithClock(clk.Now), WithLocation(ny))
	ctx := context.Background()

	task, err := reg.Register(ctx, "nightly", "0 2 * * *", "generate report")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	want := time.Date(2026, 10, 17, 2, 0, 0, 0, ny)
	if !task.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", task.NextRunAt.In(ny), want)
	}
	if task.NextRunAt.Location() != time.UTC {
		t.Fatalf("NextRunAt stored in %s, want UTC", task.NextRunAt.Location())
	}

	clk.Set(want.Add(30 * time.Second))
	if err := reg.RecordRun(ctx, "nightly", domain.StatusRunning, ""); err != nil {
		t.Fatalf("RecordRun running: %v", err)
	}
	if err := reg.RecordRun(ctx, "nightly", domain.StatusSuccess, ""); err != nil {
		t.Fatalf("RecordRun success: %v", err)
	}
	got, _ := reg.Get(ctx, "nightly")
	if next := time.Date(2026, 10, 18, 2, 0, 0, 0, ny); !got.NextRunAt.Equal(next) {
		t.Fatalf("NextRunAt after run = %s, want %s", got.NextRunAt.In(ny), next)
	}

	missed, err := reg.FindMissed(ctx, time.Date(2026, 10, 18, 1, 59, 0, 0, ny))
	if err != nil {
		t.Fatalf("FindMissed: %v", err)
	}
	if len(missed) != 0 {
		t.Fatalf("reported missed before the local trigger: %+v", missed)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, clk, _ := newTestRegistry(t, start)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "report", "0 2 * * *", "nightly"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	first, _ := reg.Get(ctx, "report")

	clk.Set(start.Add(3 * time.Hour))
	if _, err := reg.Register(ctx, "report", "0 2 * * *", "nightly"); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	second, _ := reg.Get(ctx, "report")

	if !second.NextRunAt.Equal(first.NextRunAt) {
		t.Fatalf("NextRunAt changed on re-register: %s -> %s", first.NextRunAt, second.NextRunAt)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("UpdatedAt changed on re-register: %s -> %s", first.UpdatedAt, second.UpdatedAt)
	}
	all, _ := reg.List(ctx)
	if len(all) != 1 {
		t.Fatalf("List len = %d, want 1", len(all))
	}
}

func TestRegisterChangedExpressionRecomputesFromNow(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, clk, _ := newTestRegistry(t, start)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "digest", "0 2 * * *", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	later := start.Add(20 * time.Minute)
	clk.Set(later)
	task, err := reg.Register(ctx, "digest", "*/15 * * * *", "")
	if err != nil {
		t.Fatalf("Register changed: %v", err)
	}
	want := mustNext(t, "*/15 * * * *", later)
	if !task.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", task.NextRunAt, want)
	}
	got, _ := reg.Get(ctx, "digest")
	if got.CronExpression != "*/15 * * * *" || !got.NextRunAt.Equal(want) {
		t.Fatalf("stored row not updated: %+v", got)
	}
}

func TestRegisterDescriptionOnlyKeepsSchedule(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, clk, _ := newTestRegistry(t, start)
	ctx := context.Background()

	first, _ := reg.Register(ctx, "notes", "30 * * * *", "old")
	clk.Set(start.Add(time.Hour))
	if _, err := reg.Register(ctx, "notes", "30 * * * *", "new"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, _ := reg.Get(ctx, "notes")
	if got.Description != "new" {
		t.Fatalf("Description = %q, want new", got.Description)
	}
	if !got.NextRunAt.Equal(first.NextRunAt) {
		t.Fatalf("NextRunAt changed with description: %s -> %s", first.NextRunAt, got.NextRunAt)
	}
}

func TestRegisterInvalidExpressionUsesFallback(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, _, _ := newTestRegistry(t, start)

	task, err := reg.Register(context.Background(), "broken", "every tuesday", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := start.Add(cronclock.DefaultFallback); !task.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want fallback %s", task.NextRunAt, want)
	}
}

func TestRegisterRequiresName(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t, time.Now())
	if _, err := reg.Register(context.Background(), "  ", "* * * * *", ""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRecordRunTransitions(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 10, 12, 0, 0, time.UTC)
	reg, clk, _ := newTestRegistry(t, start)
	ctx := context.Background()

	if _, err := reg.Register(ctx, "crm", "*/10 * * * *", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	registered, _ := reg.Get(ctx, "crm")

	if err := reg.RecordRun(ctx, "crm", domain.StatusRunning, ""); err != nil {
		t.Fatalf("RecordRun running: %v", err)
	}
	got, _ := reg.Get(ctx, "crm")
	if got.LastRunStatus != domain.StatusRunning || got.LastRunAt != nil {
		t.Fatalf("unexpected row while running: %+v", got)
	}
	if !got.NextRunAt.Equal(registered.NextRunAt) {
		t.Fatal("running transition must not move next_run_at")
	}

	end := start.Add(47*time.Second + 250*time.Millisecond)
	clk.Set(end)
	if err := reg.RecordRun(ctx, "crm", domain.StatusFailed, "upstream 500"); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	got, _ = reg.Get(ctx, "crm")
	if got.LastRunStatus != domain.StatusFailed || got.LastRunError == nil || *got.LastRunError != "upstream 500" {
		t.Fatalf("unexpected row after failure: %+v", got)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(end) {
		t.Fatalf("LastRunAt = %v, want %s", got.LastRunAt, end)
	}
	if want := mustNext(t, got.CronExpression, *got.LastRunAt); !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", got.NextRunAt, want)
	}

	clk.Set(end.Add(10 * time.Minute))
	_ = reg.RecordRun(ctx, "crm", domain.StatusRunning, "")
	if err := reg.RecordRun(ctx, "crm", domain.StatusSuccess, "ignored"); err != nil {
		t.Fatalf("RecordRun success: %v", err)
	}
	got, _ = reg.Get(ctx, "crm")
	if got.LastRunStatus != domain.StatusSuccess || got.LastRunError != nil {
		t.Fatalf("unexpected row after success: %+v", got)
	}
	if want := mustNext(t, got.CronExpression, *got.LastRunAt); !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", got.NextRunAt, want)
	}
}

func TestRecordRunErrors(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t, time.Now())
	ctx := context.Background()

	if err := reg.RecordRun(ctx, "ghost", domain.StatusRunning, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RecordRun running on missing task err = %v, want ErrNotFound", err)
	}
	if err := reg.RecordRun(ctx, "ghost", domain.StatusSuccess, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RecordRun success on missing task err = %v, want ErrNotFound", err)
	}
	if err := reg.RecordRun(ctx, "ghost", domain.StatusNever, ""); err == nil {
		t.Fatal("expected error for invalid status")
	}
}
