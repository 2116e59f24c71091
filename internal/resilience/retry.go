// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
)

// Backoff names a delay strategy from the closed set.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffFibonacci   Backoff = "fibonacci"
)

// Jitter names a delay randomisation mode.
type Jitter string

const (
	JitterNone  Jitter = "none"
	JitterFull  Jitter = "full"
	JitterEqual Jitter = "equal"
)

// RetryConfig parameterises a retry strategy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means the handler is invoked exactly once.
	MaxRetries int

	// Backoff selects the delay strategy.
	Backoff Backoff

	// Base is the base delay b.
	Base time.Duration

	// Step is the linear increment (linear backoff only).
	Step time.Duration

	// Factor is the exponential multiplier. Zero means 2.
	Factor float64

	// MaxDelay caps computed delays. Zero means no cap.
	MaxDelay time.Duration

	// Jitter randomises the computed delay.
	Jitter Jitter

	// RetryableCategories limits which error categories trigger a retry.
	// Empty means the default set: transient, rate_limited, timeout.
	RetryableCategories []errors.Category
}

// DefaultRetryableCategories is the category set retried when the config
// does not name one.
var DefaultRetryableCategories = []errors.Category{
	errors.CategoryTransient,
	errors.CategoryRateLimited,
	errors.CategoryTimeout,
}

// Retry wraps a thunk with a retry strategy. Delays are computed from a
// seedable random source so tests are deterministic.
type Retry struct {
	cfg       RetryConfig
	retryable map[errors.Category]bool

	mu  sync.Mutex
	rnd *rand.Rand

	// sleep is replaceable in tests. It must honour ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each retry sleep with the 1-based attempt
	// number that just failed, the computed delay, and the error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetry creates a retry strategy from the config, seeded from the clock.
func NewRetry(cfg RetryConfig) *Retry {
	return NewRetrySeeded(cfg, time.Now().UnixNano())
}

// NewRetrySeeded creates a retry strategy with a fixed random seed.
func NewRetrySeeded(cfg RetryConfig, seed int64) *Retry {
	cats := cfg.RetryableCategories
	if len(cats) == 0 {
		cats = DefaultRetryableCategories
	}
	retryable := make(map[errors.Category]bool, len(cats))
	for _, c := range cats {
		retryable[c] = true
	}

	return &Retry{
		cfg:       cfg,
		retryable: retryable,
		rnd:       rand.New(rand.NewSource(seed)),
		sleep:     sleepContext,
	}
}

// Delay computes the backoff delay for attempt n (0-based), before jitter.
func (r *Retry) Delay(n int) time.Duration {
	var d time.Duration
	switch r.cfg.Backoff {
	case BackoffLinear:
		d = r.cfg.Base + time.Duration(n)*r.cfg.Step
	case BackoffExponential:
		factor := r.cfg.Factor
		if factor == 0 {
			factor = 2
		}
		d = r.cfg.Base
		for i := 0; i < n; i++ {
			d = time.Duration(float64(d) * factor)
			if r.cfg.MaxDelay > 0 && d >= r.cfg.MaxDelay {
				break
			}
		}
	case BackoffFibonacci:
		d = time.Duration(fib(n+1)) * r.cfg.Base
	case BackoffConstant:
		fallthrough
	default:
		d = r.cfg.Base
	}

	if r.cfg.MaxDelay > 0 && d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	return d
}

// jittered applies the configured jitter to a delay.
func (r *Retry) jittered(d time.Duration) time.Duration {
	switch r.cfg.Jitter {
	case JitterFull:
		r.mu.Lock()
		u := r.rnd.Float64()
		r.mu.Unlock()
		return time.Duration(float64(d) * u)
	case JitterEqual:
		r.mu.Lock()
		u := r.rnd.Float64()
		r.mu.Unlock()
		half := float64(d) / 2
		return time.Duration(half + half*u)
	default:
		return d
	}
}

// Wrap returns a thunk that retries next per the configured strategy.
// Retry exits early when the error's category is not retryable.
func (r *Retry) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		var lastErr error
		for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := r.jittered(r.Delay(attempt - 1))
				if r.OnRetry != nil {
					r.OnRetry(attempt, delay, lastErr)
				}
				if err := r.sleep(ctx, delay); err != nil {
					return nil, errors.Wrap(errors.CategoryCancelled, err, "retry interrupted")
				}
			}

			result, err := next(ctx)
			if err == nil {
				return result, nil
			}
			lastErr = err

			if !r.retryable[errors.CategoryOf(err)] {
				return nil, err
			}
		}
		return nil, lastErr
	}
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fib returns the nth Fibonacci number (fib(1) = fib(2) = 1).
func fib(n int) int64 {
	if n <= 0 {
		return 0
	}
	var a, b int64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}
