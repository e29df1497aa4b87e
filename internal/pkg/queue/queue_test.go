package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(workers, capacity int) *Queue {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, workers, capacity)
}

func TestQueue_ProcessesJobs(t *testing.T) {
	q := newTestQueue(2, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var done sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 5; i++ {
		done.Add(1)
		ok := q.Enqueue(func(ctx context.Context) error {
			defer done.Done()
			count.Add(1)
			return nil
		})
		if !ok {
			t.Fatalf("enqueue rejected")
		}
	}

	done.Wait()
	if got := count.Load(); got != 5 {
		t.Fatalf("expected 5 jobs processed, got %d", got)
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := newTestQueue(1, 1)
	// 不启动 worker，让队列保持满状态

	if !q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("first enqueue should succeed")
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("second enqueue should be dropped")
	}

	stats := q.Snapshot()
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", stats.Dropped)
	}
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	q := newTestQueue(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var done sync.WaitGroup
	done.Add(1)
	q.Enqueue(func(ctx context.Context) error {
		panic("boom")
	})
	q.Enqueue(func(ctx context.Context) error {
		defer done.Done()
		return nil
	})

	done.Wait()
	stats := q.Snapshot()
	if stats.Panics != 1 {
		t.Fatalf("expected 1 panic recovered, got %d", stats.Panics)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("expected worker to survive panic, succeeded=%d", stats.Succeeded)
	}
}

func TestQueue_CountsFailures(t *testing.T) {
	q := newTestQueue(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var done sync.WaitGroup
	done.Add(1)
	q.Enqueue(func(ctx context.Context) error {
		defer done.Done()
		return fmt.Errorf("task error")
	})

	done.Wait()
	// Processed 在 done 之后立即更新
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Snapshot().Failed == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 1 failed job, stats=%+v", q.Snapshot())
}

func TestQueue_ShutdownWaitsForInflight(t *testing.T) {
	q := newTestQueue(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var finished atomic.Bool
	q.Enqueue(func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	if err := q.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("shutdown returned before in-flight job finished")
	}

	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("enqueue after shutdown should be rejected")
	}
}

func TestQueue_EnqueueBlockingHonorsContext(t *testing.T) {
	q := newTestQueue(1, 1)
	// 填满队列
	q.Enqueue(func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.EnqueueBlocking(ctx, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected context error on full queue")
	}
}
