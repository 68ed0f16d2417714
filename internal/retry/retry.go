// Package retry re-runs fallible operations with capped exponential backoff and
// positive jitter, guided by a retryability predicate.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/company-crawler/internal/scrapeerr"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second

	jitterFraction = 0.3
)

// Attempt describes a failed call that is about to be retried.
type Attempt struct {
	Err error
	// RetryCount is the number of retries already performed before this one.
	RetryCount int
	MaxRetries int
	Delay      time.Duration
}

// Options controls Do. A zero InitialDelay or MaxDelay picks the package default,
// a nil ShouldRetry uses scrapeerr.IsRetryable, and MaxRetries of 0 disables
// retries entirely.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	ShouldRetry  func(error) bool
	OnRetry      func(Attempt)
}

// DefaultOptions returns Options populated with the package defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		ShouldRetry:  scrapeerr.IsRetryable,
	}
}

func (o Options) normalized() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = scrapeerr.IsRetryable
	}
	return o
}

// Do calls fn until it succeeds, the error is not retryable, or MaxRetries
// retries have been spent. The final error is returned exactly as fn produced
// it. If ctx ends while waiting between attempts, Do gives up and returns the
// last error joined with the context error.
func Do[T any](ctx context.Context, fn func(context.Context) (T, error), opts Options) (T, error) {
	opts = opts.normalized()
	var zero T
	for retries := 0; ; retries++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if retries >= opts.MaxRetries || !opts.ShouldRetry(err) {
			return zero, err
		}
		delay := Backoff(opts.InitialDelay, opts.MaxDelay, retries)
		if opts.OnRetry != nil {
			opts.OnRetry(Attempt{
				Err:        err,
				RetryCount: retries,
				MaxRetries: opts.MaxRetries,
				Delay:      delay,
			})
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", retries+1, errors.Join(err, waitErr))
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, fn func(context.Context) error, opts Options) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}

// Backoff returns min(initial*2^retries, maxDelay) plus up to 30% positive jitter.
func Backoff(initial, maxDelay time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	delay := float64(initial) * math.Pow(2, float64(retries))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	base := time.Duration(delay)
	return base + randomJitter(time.Duration(delay*jitterFraction))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
