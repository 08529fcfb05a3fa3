// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the engine
var (
	// ErrRateLimited is returned when rate admission cannot be granted within
	// the caller's deadline. Transient: retry after the window resets.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound is returned when an entity is absent upstream or locally.
	// Reconciliation treats it as a skip, not a failure.
	ErrNotFound = errors.New("not found")
)

// AuthError indicates an unusable token or a rejected refresh/exchange.
// It is terminal: the caller must re-authorize the configuration.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// APIError is a non-2xx response from the POS API. Terminal for the item
// being processed, but never aborts the surrounding batch.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, truncate(e.Body, 200))
}

// TransientError wraps a connection-level failure that never reached the
// server. Retryable with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError indicates missing required configuration or mapping data,
// e.g. no payment journal configured for a payment method.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
