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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/pkg/errors"
)

// fakeClock drives a breaker deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func failingThunk(calls *int) Thunk {
	return func(ctx context.Context) (any, error) {
		*calls++
		return nil, errors.New(errors.CategoryTransient, "boom")
	}
}

func succeedingThunk(calls *int) Thunk {
	return func(ctx context.Context) (any, error) {
		*calls++
		return "ok", nil
	}
}

func TestBreakerRoundTrip(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    10 * time.Second,
		RecoveryTimeout:  time.Second,
	})
	cb.now = clock.Now

	ctx := context.Background()
	calls := 0
	fail := cb.Wrap(failingThunk(&calls))
	succeed := cb.Wrap(succeedingThunk(&calls))

	// Three consecutive failures within the window open the breaker.
	for i := 0; i < 3; i++ {
		_, err := fail(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, 3, calls)

	// While open, calls are rejected without invoking the handler.
	_, err := fail(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCircuitOpen, errors.CategoryOf(err))
	assert.Equal(t, 3, calls, "handler must not run while open")

	// After the recovery timeout a single probe is allowed; success closes.
	clock.Advance(1100 * time.Millisecond)
	result, err := succeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, BreakerClosed, cb.State())

	// Subsequent calls invoke normally.
	_, err = succeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    10 * time.Second,
		RecoveryTimeout:  time.Second,
	})
	cb.now = clock.Now

	ctx := context.Background()
	calls := 0
	fail := cb.Wrap(failingThunk(&calls))

	// Threshold of one opens on the first failure.
	_, err := fail(ctx)
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())

	// A failed probe re-opens with a fresh opened_at.
	clock.Advance(time.Second)
	_, err = fail(ctx)
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, cb.State())

	// Still open before the new recovery window elapses.
	clock.Advance(500 * time.Millisecond)
	_, err = fail(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryCircuitOpen, errors.CategoryOf(err))
	assert.Equal(t, 2, calls)
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Second,
		RecoveryTimeout:  time.Second,
	})
	cb.now = clock.Now

	ctx := context.Background()
	calls := 0
	fail := cb.Wrap(failingThunk(&calls))

	_, _ = fail(ctx)
	_, _ = fail(ctx)
	// The first two failures age out of the window.
	clock.Advance(1500 * time.Millisecond)
	_, _ = fail(ctx)

	assert.Equal(t, BreakerClosed, cb.State(), "stale failures must not count")
}

func TestBreakerRejectsImmediately(t *testing.T) {
	cb := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  time.Minute,
	})

	ctx := context.Background()
	calls := 0
	fail := cb.Wrap(failingThunk(&calls))
	_, _ = fail(ctx)

	start := time.Now()
	_, err := fail(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open breaker must not block")
}
