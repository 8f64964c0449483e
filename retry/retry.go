package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry settings
const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = time.Second
	DefaultMaxWait    = 30 * time.Second
	DefaultBackoff    = 1.5

	// DefaultTimeout is the per-attempt timeout used by the pipeline
	// stages for calls to external services.
	DefaultTimeout = 20 * time.Second
)

// Options configures Do and DoContext
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseWait is the wait before the first retry and the jitter range.
	BaseWait time.Duration

	// MaxWait caps the wait between attempts.
	MaxWait time.Duration

	// Backoff is the multiplier applied per attempt.
	Backoff float64

	// Timeout bounds each attempt when using DoContext. Zero means no
	// per-attempt timeout.
	Timeout time.Duration

	// Jitter adds a random delay in [0, BaseWait) to each wait.
	Jitter bool

	// ShouldRetry decides whether an error is worth another attempt.
	ShouldRetry func(err error) bool

	// OnRetry is called before sleeping ahead of a retry.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Option is a functional option for retries
type Option func(*Options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBaseWait sets the base wait between attempts.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

// WithBackoff sets the exponential backoff multiplier.
func WithBackoff(multiplier float64) Option {
	return func(o *Options) { o.Backoff = multiplier }
}

// WithTimeout sets the per-attempt timeout used by DoContext.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithJitter enables or disables random jitter.
func WithJitter(enabled bool) Option {
	return func(o *Options) { o.Jitter = enabled }
}

// WithShouldRetry overrides the retry predicate.
func WithShouldRetry(fn func(err error) bool) Option {
	return func(o *Options) { o.ShouldRetry = fn }
}

// WithOnRetry registers a hook called before each retry.
func WithOnRetry(fn func(attempt int, wait time.Duration, err error)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

// NewOptions returns the defaults with opts applied.
func NewOptions(opts ...Option) Options {
	o := Options{
		MaxRetries:  DefaultMaxRetries,
		BaseWait:    DefaultBaseWait,
		MaxWait:     DefaultMaxWait,
		Backoff:     DefaultBackoff,
		Jitter:      true,
		ShouldRetry: retryUnlessNonRecoverable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff < 1 {
		o.Backoff = 1
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = retryUnlessNonRecoverable
	}
	return o
}

// Do calls fn until it succeeds, returns an error that should not be
// retried, or the retries are exhausted. The last error is returned as is.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	return DoContext(ctx, func(context.Context) error { return fn() }, opts...)
}

// DoContext is like Do but passes each attempt a context bounded by the
// configured per-attempt timeout.
func DoContext(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	o := NewOptions(opts...)
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = runAttempt(ctx, fn, o.Timeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= o.MaxRetries || !o.ShouldRetry(err) {
			return err
		}
		wait := o.Wait(attempt)
		if o.OnRetry != nil {
			o.OnRetry(attempt+1, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Wait returns the delay before retry number attempt+1.
func (o Options) Wait(attempt int) time.Duration {
	wait := time.Duration(float64(o.BaseWait) * math.Pow(o.Backoff, float64(attempt)))
	if o.Jitter && o.BaseWait > 0 {
		wait += rand.N(o.BaseWait)
	}
	if o.MaxWait > 0 && wait > o.MaxWait {
		wait = o.MaxWait
	}
	return wait
}

func runAttempt(ctx context.Context, fn func(ctx context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func retryUnlessNonRecoverable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return true
}
