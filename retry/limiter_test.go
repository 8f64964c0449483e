package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2)
	require.Equal(t, 2, limiter.Size())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Do(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLimiterHonorsContext(t *testing.T) {
	limiter := NewLimiter(1)
	release := make(chan struct{})
	go limiter.Do(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	called := false
	err := limiter.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	close(release)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
}
