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

// Package errors defines the failure taxonomy shared by every component of
// the execution framework. Each failure carries a Category from a closed set
// so that retry logic, the ledger, and API adapters can classify it without
// string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Category classifies a failure for retry and reporting decisions.
type Category string

const (
	// CategoryValidation indicates a bad spec or params.
	CategoryValidation Category = "validation"

	// CategoryHandlerNotFound indicates a registry miss.
	CategoryHandlerNotFound Category = "handler_not_found"

	// CategoryHandlerConflict indicates a registry collision on registration.
	CategoryHandlerConflict Category = "handler_conflict"

	// CategoryConcurrencyConflict indicates a concurrency guard acquire failed.
	CategoryConcurrencyConflict Category = "concurrency_conflict"

	// CategoryCircuitOpen indicates the circuit breaker rejected the call.
	CategoryCircuitOpen Category = "circuit_open"

	// CategoryRateLimited indicates the rate limiter denied admission.
	CategoryRateLimited Category = "rate_limited"

	// CategoryTimeout indicates the handler exceeded its timeout.
	CategoryTimeout Category = "timeout"

	// CategoryTransient indicates the handler signalled a retryable failure.
	CategoryTransient Category = "transient"

	// CategoryPermanent indicates the handler signalled a non-retryable failure.
	CategoryPermanent Category = "permanent"

	// CategoryExecutorUnavailable indicates the executor failed to accept work.
	CategoryExecutorUnavailable Category = "executor_unavailable"

	// CategoryCancelled indicates explicit cancellation.
	CategoryCancelled Category = "cancelled"

	// CategoryInternal indicates an unclassified bug.
	CategoryInternal Category = "internal"
)

// Retryable reports whether the category is retryable by default.
func (c Category) Retryable() bool {
	switch c {
	case CategoryCircuitOpen, CategoryRateLimited, CategoryTimeout,
		CategoryTransient, CategoryExecutorUnavailable:
		return true
	default:
		return false
	}
}

// Valid reports whether the category is one of the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryValidation, CategoryHandlerNotFound, CategoryHandlerConflict,
		CategoryConcurrencyConflict, CategoryCircuitOpen, CategoryRateLimited,
		CategoryTimeout, CategoryTransient, CategoryPermanent,
		CategoryExecutorUnavailable, CategoryCancelled, CategoryInternal:
		return true
	}
	return false
}

// Error is a classified execution failure.
type Error struct {
	// Category classifies the error for retry logic.
	Category Category

	// Message is the human-readable error description.
	Message string

	// SuggestText provides guidance on how to resolve the error.
	SuggestText string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Category != "" {
		msg = fmt.Sprintf("%s (category: %s)", msg, e.Category)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether this error should be retried by default.
func (e *Error) IsRetryable() bool {
	return e.Category.Retryable()
}

// Suggestion returns actionable guidance for resolving the error.
func (e *Error) Suggestion() string {
	return e.SuggestText
}

// New creates an Error with the given category and message.
func New(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given category wrapping a cause.
func Wrap(category Category, cause error, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewValidation creates a validation error for a specific field.
func NewValidation(field, reason string) *Error {
	return &Error{
		Category:    CategoryValidation,
		Message:     fmt.Sprintf("validation failed on %s: %s", field, reason),
		SuggestText: "Check the work spec against the submission contract",
	}
}

// NewHandlerNotFound creates a registry-miss error.
func NewHandlerNotFound(kind, name string) *Error {
	return &Error{
		Category:    CategoryHandlerNotFound,
		Message:     fmt.Sprintf("no %s handler registered under %q", kind, name),
		SuggestText: "Register the handler at startup before submitting work",
	}
}

// NewHandlerConflict creates a registration-collision error.
func NewHandlerConflict(kind, name string) *Error {
	return &Error{
		Category:    CategoryHandlerConflict,
		Message:     fmt.Sprintf("%s handler %q is already registered with a different callable", kind, name),
		SuggestText: "Use a unique handler name or re-register the same callable",
	}
}

// NewConcurrencyConflict creates a guard-acquire failure.
func NewConcurrencyConflict(entityType, entityID string) *Error {
	return &Error{
		Category:    CategoryConcurrencyConflict,
		Message:     fmt.Sprintf("an active run already holds entity %s/%s", entityType, entityID),
		SuggestText: "Wait for the active run to finish or cancel it",
	}
}

// NewTimeout creates a timeout error.
func NewTimeout(operation string, seconds float64) *Error {
	return &Error{
		Category:    CategoryTimeout,
		Message:     fmt.Sprintf("%s timed out after %.1fs", operation, seconds),
		SuggestText: "Increase timeout_seconds or check handler responsiveness",
	}
}

// NewCircuitOpen creates a breaker-rejection error.
func NewCircuitOpen(name string) *Error {
	return &Error{
		Category:    CategoryCircuitOpen,
		Message:     fmt.Sprintf("circuit breaker %q is open", name),
		SuggestText: "Wait for the recovery timeout before retrying",
	}
}

// NewRateLimited creates a limiter-denial error.
func NewRateLimited(name string) *Error {
	return &Error{
		Category:    CategoryRateLimited,
		Message:     fmt.Sprintf("rate limit exceeded for %q", name),
		SuggestText: "Reduce request frequency or raise the configured limit",
	}
}

// NewCancelled creates an explicit-cancellation error.
func NewCancelled(runID string) *Error {
	return &Error{
		Category: CategoryCancelled,
		Message:  fmt.Sprintf("run %s was cancelled", runID),
	}
}

// CategoryOf extracts the category from an error chain. Errors that do not
// carry a category default to internal.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}
