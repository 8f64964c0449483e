package retry

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the limiter size used when none is configured.
const DefaultConcurrency = 5

// Limiter bounds the number of operations running at once.
type Limiter struct {
	sem  *semaphore.Weighted
	size int
}

// NewLimiter returns a limiter allowing n concurrent operations.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Size returns the maximum number of concurrent operations.
func (l *Limiter) Size() int {
	return l.size
}

// Do waits for a free slot and runs fn. It returns the context error without
// running fn if ctx is done first.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
