package workers

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"
)

// ErrInvalidSize indicates a pool created without capacity.
var ErrInvalidSize = errors.New("workers: pool size must be positive")

// Pool bounds the number of tasks running at once across all callers.
type Pool struct {
	slots *semaphore.Weighted
	size  int64
}

// NewPool constructs a Pool admitting at most size concurrent tasks.
func NewPool(size int64) (*Pool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return &Pool{slots: semaphore.NewWeighted(size), size: size}, nil
}

// Size reports the pool capacity.
func (p *Pool) Size() int64 {
	return p.size
}

// Do waits for a free slot and runs task on the caller's goroutine.
// Waiting honours ctx; once admitted the task runs to completion even if ctx is cancelled,
// so a started write is never abandoned halfway.
func (p *Pool) Do(ctx context.Context, task func(context.Context) error) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.slots.Release(1)
	return task(context.WithoutCancel(ctx))
}
