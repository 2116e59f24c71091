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

// Package resilience provides composable wrappers around a handler
// invocation: retry strategies, a circuit breaker and rate limiters, plus a
// concurrency guard. The breaker, limiter and retry each take a thunk and
// return a thunk; the guard is acquired and released explicitly, and the
// dispatcher claims it at submission ahead of the chain. The resulting order:
//
//	ConcurrencyGuard -> CircuitBreaker -> RateLimiter -> Retry -> handler
package resilience

import "context"

// Thunk is a zero-argument handler invocation.
type Thunk func(ctx context.Context) (any, error)

// Wrapper transforms a thunk into a guarded thunk.
type Wrapper interface {
	Wrap(next Thunk) Thunk
}

// Chain applies wrappers so the first listed is outermost. Nil wrappers are
// skipped, which lets callers pass optional primitives directly.
func Chain(inner Thunk, wrappers ...Wrapper) Thunk {
	out := inner
	for i := len(wrappers) - 1; i >= 0; i-- {
		if wrappers[i] == nil {
			continue
		}
		out = wrappers[i].Wrap(out)
	}
	return out
}
