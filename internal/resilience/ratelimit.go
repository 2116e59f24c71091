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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/dispatch/pkg/errors"
)

// Limiter admits or denies requests. Acquire blocks until admission or ctx
// cancellation; TryAcquire returns immediately.
type Limiter interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
}

// TokenBucket is a token-bucket limiter with capacity C and refill rate R
// tokens/second. The bucket is computed lazily on each call.
type TokenBucket struct {
	name    string
	limiter *rate.Limiter
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(name string, capacity int, refillPerSec float64) *TokenBucket {
	return &TokenBucket{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

// Acquire blocks until one token is available.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	if err := tb.limiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.CategoryRateLimited, err, "rate limit wait for %q", tb.name)
	}
	return nil
}

// AcquireN blocks until n tokens are available.
func (tb *TokenBucket) AcquireN(ctx context.Context, n int) error {
	if err := tb.limiter.WaitN(ctx, n); err != nil {
		return errors.Wrap(errors.CategoryRateLimited, err, "rate limit wait for %q", tb.name)
	}
	return nil
}

// TryAcquire takes one token without blocking.
func (tb *TokenBucket) TryAcquire() bool {
	return tb.limiter.Allow()
}

// TryAcquireN takes n tokens without blocking.
func (tb *TokenBucket) TryAcquireN(n int) bool {
	return tb.limiter.AllowN(time.Now(), n)
}

// SlidingWindow admits a request iff fewer than Max admissions happened in
// the trailing Window. Admission records its timestamp.
type SlidingWindow struct {
	name   string
	window time.Duration
	max    int

	mu         sync.Mutex
	timestamps []time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewSlidingWindow creates an empty window.
func NewSlidingWindow(name string, window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{
		name:   name,
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// TryAcquire admits without blocking.
func (sw *SlidingWindow) TryAcquire() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	cutoff := now.Add(-sw.window)

	kept := sw.timestamps[:0]
	for _, t := range sw.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sw.timestamps = kept

	if len(sw.timestamps) >= sw.max {
		return false
	}
	sw.timestamps = append(sw.timestamps, now)
	return true
}

// Acquire polls until admission or ctx cancellation.
func (sw *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		if sw.TryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.CategoryRateLimited, ctx.Err(), "rate limit wait for %q", sw.name)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// KeyedLimiter maintains an independent limiter per key (e.g. tenant ID).
// Limiters idle for longer than the TTL are removed by a lazy sweep on
// access, so no background goroutine is needed.
type KeyedLimiter struct {
	mu      sync.Mutex
	make    func(key string) Limiter
	entries map[string]*keyedEntry
	ttl     time.Duration
	swept   time.Time

	now func() time.Time
}

type keyedEntry struct {
	limiter  Limiter
	lastUsed time.Time
}

// NewKeyedLimiter creates a keyed limiter. makeLimiter builds the
// per-key limiter on first use.
func NewKeyedLimiter(ttl time.Duration, makeLimiter func(key string) Limiter) *KeyedLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now
	return &KeyedLimiter{
		make:    makeLimiter,
		entries: make(map[string]*keyedEntry),
		ttl:     ttl,
		swept:   now(),
		now:     now,
	}
}

// Get returns the limiter for a key, creating it on first use.
func (kl *KeyedLimiter) Get(key string) Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	if now.Sub(kl.swept) > kl.ttl {
		for k, e := range kl.entries {
			if now.Sub(e.lastUsed) > kl.ttl {
				delete(kl.entries, k)
			}
		}
		kl.swept = now
	}

	entry, ok := kl.entries[key]
	if !ok {
		entry = &keyedEntry{limiter: kl.make(key)}
		kl.entries[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// Len returns the number of live per-key limiters.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.entries)
}

// LimitWrapper adapts a Limiter into a thunk wrapper. In blocking mode it
// waits for admission; otherwise denial returns immediately with category
// rate_limited.
type LimitWrapper struct {
	Limiter  Limiter
	Blocking bool
	Name     string
}

// Wrap implements Wrapper.
func (lw *LimitWrapper) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		if lw.Blocking {
			if err := lw.Limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		} else if !lw.Limiter.TryAcquire() {
			return nil, errors.NewRateLimited(lw.Name)
		}
		return next(ctx)
	}
}
