// Package errors provides shared counter-store error classification.
// The admission pipeline's fail-open policies branch on these
// classifications: connectivity and timeout errors degrade gracefully,
// while data errors surface as genuine failures.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// StoreErrorType represents the type of shared-store error.
type StoreErrorType int

const (
	// ErrorTypeUnknown represents an unclassified store error.
	ErrorTypeUnknown StoreErrorType = iota
	// ErrorTypeNotFound represents a missing key (redis.Nil).
	ErrorTypeNotFound
	// ErrorTypeTimeout represents a deadline or context timeout.
	ErrorTypeTimeout
	// ErrorTypeConnection represents a connectivity failure (refused,
	// reset, pool exhausted, DNS).
	ErrorTypeConnection
	// ErrorTypeScript represents a Lua script evaluation error.
	ErrorTypeScript
)

// StoreError wraps a shared-store error with classification information.
type StoreError struct {
	Type        StoreErrorType
	OriginalErr error
	Message     string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *StoreError) Unwrap() error {
	return e.OriginalErr
}

// ClassifyStoreError classifies a shared-store error.
//
// It handles go-redis errors:
//   - redis.Nil → ErrorTypeNotFound
//   - context.DeadlineExceeded / net timeouts → ErrorTypeTimeout
//   - dial/connection errors → ErrorTypeConnection
//   - NOSCRIPT and script compile errors → ErrorTypeScript
func ClassifyStoreError(err error) *StoreError {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return &StoreError{Type: ErrorTypeNotFound, OriginalErr: err, Message: "key not found"}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &StoreError{Type: ErrorTypeTimeout, OriginalErr: err, Message: "store call timed out"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &StoreError{Type: ErrorTypeTimeout, OriginalErr: err, Message: "store call timed out"}
		}
		return &StoreError{Type: ErrorTypeConnection, OriginalErr: err, Message: "store connection error"}
	}

	msg := err.Error()
	if strings.Contains(msg, "NOSCRIPT") || strings.Contains(msg, "Error compiling script") {
		return &StoreError{Type: ErrorTypeScript, OriginalErr: err, Message: "store script error"}
	}
	if isConnectionError(msg) {
		return &StoreError{Type: ErrorTypeConnection, OriginalErr: err, Message: "store connection error"}
	}

	return &StoreError{Type: ErrorTypeUnknown, OriginalErr: err, Message: "unknown store error"}
}

// IsUnavailable reports whether the error indicates the store cannot be
// reached right now. This is the trigger for the fail-open policies in
// the throttler and rate limiter.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	se := ClassifyStoreError(err)
	return se.Type == ErrorTypeTimeout || se.Type == ErrorTypeConnection
}

// isConnectionError checks common connectivity failure patterns.
func isConnectionError(msg string) bool {
	patterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"pool timeout",
		"client is closed",
	}
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
