package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tablease/internal/clock"
)

func testQueue(t *testing.T) (*Queue, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_600_000_000, 0))
	q := New(pslog.NoopLogger(), clk)
	t.Cleanup(q.Close)
	return q, clk
}

func TestEnqueueRunsFIFO(t *testing.T) {
	q, _ := testQueue(t)
	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 5; i++ {
		i := i
		q.EnqueueAndForget("task", func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	if err := q.Settle(context.Background()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestEnqueueWaitsForResult(t *testing.T) {
	q, _ := testQueue(t)
	ran := false
	err := q.Enqueue(context.Background(), "task", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !ran {
		t.Fatal("expected task to have completed before Enqueue returned")
	}
}

func TestDelayedTaskFiresOnAdvance(t *testing.T) {
	q, clk := testQueue(t)
	var (
		mu    sync.Mutex
		fired bool
	)
	q.EnqueueAfterDelay("timer", 4*time.Second, func(ctx context.Context) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	if err := q.Settle(context.Background()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	mu.Lock()
	if fired {
		mu.Unlock()
		t.Fatal("task fired before its delay elapsed")
	}
	mu.Unlock()
	clk.Advance(4 * time.Second)
	if err := q.Settle(context.Background()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatal("expected task to fire after the delay")
	}
}

func TestDelayedTaskCancel(t *testing.T) {
	q, clk := testQueue(t)
	var (
		mu    sync.Mutex
		fired bool
	)
	d := q.EnqueueAfterDelay("timer", 4*time.Second, func(ctx context.Context) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	d.Cancel()
	clk.Advance(10 * time.Second)
	if err := q.Settle(context.Background()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatal("canceled task must not run")
	}
}

func TestCloseDropsNewWork(t *testing.T) {
	q, _ := testQueue(t)
	q.Close()
	err := q.Enqueue(context.Background(), "task", func(ctx context.Context) error { return nil })
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if d := q.EnqueueAfterDelay("timer", time.Second, func(ctx context.Context) {}); d != nil {
		t.Fatalf("expected nil delayed handle on closed queue, got %+v", d)
	}
}

func TestTaskPanicIsRecovered(t *testing.T) {
	q, _ := testQueue(t)
	q.EnqueueAndForget("boom", func(ctx context.Context) {
		panic("boom")
	})
	err := q.Enqueue(context.Background(), "after", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("queue must survive a panicking task, got %v", err)
	}
}
