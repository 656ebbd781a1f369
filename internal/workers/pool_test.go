package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int64{0, -1} {
		if _, err := NewPool(size); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("size %d: expected invalid size error, got %v", size, err)
		}
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	pool, err := NewPool(2)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for index := 0; index < 10; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(context.Context) error {
				current := running.Add(1)
				for {
					observed := peak.Load()
					if current <= observed || peak.CompareAndSwap(observed, current) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > pool.Size() {
		t.Fatalf("expected at most %d concurrent tasks, observed %d", pool.Size(), peak.Load())
	}
}

func TestDoHonoursCancelledWait(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err = pool.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	close(release)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if ran {
		t.Fatalf("task must not run when the wait was cancelled")
	}
}

func TestDoDetachesAdmittedTaskFromCancellation(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	err = pool.Do(ctx, func(taskCtx context.Context) error {
		cancel()
		return taskCtx.Err()
	})
	if err != nil {
		t.Fatalf("admitted task observed cancellation: %v", err)
	}
}

func TestDoPropagatesTaskError(t *testing.T) {
	pool, err := NewPool(1)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	want := errors.New("boom")
	if got := pool.Do(context.Background(), func(context.Context) error { return want }); !errors.Is(got, want) {
		t.Fatalf("expected task error, got %v", got)
	}
}
