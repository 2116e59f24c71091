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

	"github.com/tombee/dispatch/pkg/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig parameterises a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many failures land within
	// the failure window.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	FailureWindow time.Duration

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// single half-open probe.
	RecoveryTimeout time.Duration
}

// CircuitBreaker rejects calls immediately while open; it never blocks.
//
//	closed -> open       after FailureThreshold failures within FailureWindow
//	open -> half_open    after RecoveryTimeout elapsed since opening
//	half_open -> closed  on probe success
//	half_open -> open    on probe failure
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// State returns the current breaker state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// allow decides whether a call may proceed, transitioning open -> half_open
// when the recovery timeout has elapsed. It returns a circuit_open error on
// rejection.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.probing = true
			return nil
		}
		return errors.NewCircuitOpen(cb.name)
	case BreakerHalfOpen:
		// Exactly one probe is in flight at a time.
		if cb.probing {
			return errors.NewCircuitOpen(cb.name)
		}
		cb.probing = true
		return nil
	}
	return nil
}

// recordSuccess closes the breaker after a successful probe and clears the
// failure counter.
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerClosed
		cb.failures = nil
	}
	cb.probing = false
}

// recordFailure counts a failure within the sliding window and opens the
// breaker when the threshold is reached. A failed half-open probe re-opens.
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.probing = false
		return
	}

	// Drop failures outside the window.
	cutoff := now.Add(-cb.cfg.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)

	if len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.failures = nil
	}
}

// Wrap returns a thunk guarded by the breaker. Rejections return immediately
// with category circuit_open and do not invoke next.
func (cb *CircuitBreaker) Wrap(next Thunk) Thunk {
	return func(ctx context.Context) (any, error) {
		if err := cb.allow(); err != nil {
			return nil, err
		}

		result, err := next(ctx)
		if err != nil {
			cb.recordFailure()
			return nil, err
		}
		cb.recordSuccess()
		return result, nil
	}
}
