package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sleepItem(id string, d time.Duration, cur, peak *atomic.Int32) Item {
	return Item{EntityID: id, Run: func(ctx context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(d)
		cur.Add(-1)
		return nil
	}}
}

func TestPoolNeverExceedsConcurrency(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 5} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			p := NewPool(n, zerolog.Nop())
			var cur, peak atomic.Int32
			items := make([]Item, 0, 20)
			for i := 0; i < 20; i++ {
				items = append(items, sleepItem(fmt.Sprintf("u%d", i), 5*time.Millisecond, &cur, &peak))
			}
			res, err := p.Submit(context.Background(), items...)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Succeeded != 20 || res.Failed != 0 {
				t.Fatalf("unexpected result: %+v", res)
			}
			if got := int(peak.Load()); got > n {
				t.Fatalf("observed %d concurrent items, limit %d", got, n)
			}
			if s := p.Snapshot(); s.PeakInFlight > n || s.Started != 20 {
				t.Fatalf("unexpected stats: %+v", s)
			}
		})
	}
}

func TestPoolIsolatesFailures(t *testing.T) {
	t.Parallel()
	p := NewPool(3, zerolog.Nop())
	var ran atomic.Int32
	var items []Item
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("user-%d", i)
		switch i {
		case 3:
			items = append(items, Item{EntityID: id, Run: func(context.Context) error {
				ran.Add(1)
				return errors.New("token expired")
			}})
		case 7:
			items = append(items, Item{EntityID: id, Run: func(context.Context) error {
				ran.Add(1)
				panic("bad entity")
			}})
		default:
			items = append(items, Item{EntityID: id, Run: func(context.Context) error {
				ran.Add(1)
				time.Sleep(time.Millisecond)
				return nil
			}})
		}
	}

	res, err := p.Submit(context.Background(), items...)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ran.Load() != 10 {
		t.Fatalf("ran = %d, want 10", ran.Load())
	}
	if res.Total != 10 || res.Succeeded != 8 || res.Failed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Errors["user-3"] == nil || res.Errors["user-3"].Error() != "token expired" {
		t.Fatalf("user-3 error = %v", res.Errors["user-3"])
	}
	if res.Errors["user-7"] == nil {
		t.Fatal("panic not reported for user-7")
	}
	if s := p.Snapshot(); s.InFlight != 0 || s.Queued != 0 || s.Failed != 2 || s.Succeeded != 8 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestPoolWallTime(t *testing.T) {
	p := NewPool(2, zerolog.Nop())
	var cur, peak atomic.Int32
	var items []Item
	for i := 0; i < 5; i++ {
		items = append(items, sleepItem(fmt.Sprintf("e%d", i), 50*time.Millisecond, &cur, &peak))
	}
	start := time.Now()
	if _, err := p.Submit(context.Background(), items...); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	took := time.Since(start)
	// ceil(5/2) * 50ms
	if took < 150*time.Millisecond || took >= 240*time.Millisecond {
		t.Fatalf("took %s, want about 150ms", took)
	}
}

func TestPoolStartsInSubmissionOrder(t *testing.T) {
	t.Parallel()
	p := NewPool(1, zerolog.Nop())
	var (
		mu    sync.Mutex
		order []string
	)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("%d", i)
		p.Enqueue(context.Background(), Item{EntityID: id, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != fmt.Sprintf("%d", i) {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 6 {
		t.Fatalf("order = %v", order)
	}
}

func TestPoolEnqueueDoesNotBlock(t *testing.T) {
	t.Parallel()
	p := NewPool(2, zerolog.Nop())
	release := make(chan struct{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		p.Enqueue(context.Background(), Item{EntityID: fmt.Sprintf("%d", i), Run: func(context.Context) error {
			<-release
			return nil
		}})
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("Enqueue blocked for %s", took)
	}
	s := p.Snapshot()
	if s.InFlight != 2 || s.Queued != 48 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain err = %v, want deadline exceeded", err)
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestPoolReusableAfterDrain(t *testing.T) {
	t.Parallel()
	p := NewPool(0, zerolog.Nop())
	if p.Concurrency() != DefaultConcurrency {
		t.Fatalf("Concurrency = %d, want %d", p.Concurrency(), DefaultConcurrency)
	}
	for round := 0; round < 3; round++ {
		var n atomic.Int32
		var items []Item
		for i := 0; i < 7; i++ {
			items = append(items, Item{EntityID: fmt.Sprintf("r%d-%d", round, i), Run: func(context.Context) error {
				n.Add(1)
				return nil
			}})
		}
		res, err := p.Submit(context.Background(), items...)
		if err != nil || res.Succeeded != 7 || n.Load() != 7 {
			t.Fatalf("round %d: res=%+v err=%v n=%d", round, res, err, n.Load())
		}
	}
	if s := p.Snapshot(); s.Started != 21 {
		t.Fatalf("Started = %d, want 21", s.Started)
	}
}

func TestPoolSubmitAbandonedByContext(t *testing.T) {
	t.Parallel()
	p := NewPool(1, zerolog.Nop())
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := p.Submit(ctx, Item{EntityID: "stuck", Run: func(context.Context) error {
		<-release
		return nil
	}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit err = %v, want deadline exceeded", err)
	}
	if res.Total != 1 || res.Succeeded != 0 {
		t.Fatalf("unexpected partial result: %+v", res)
	}
	close(release)
	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	if err := p.Drain(dctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}
