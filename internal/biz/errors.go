package biz

import (
	"fmt"
	"time"

	"AccessGate/internal/model"
)

// The admission pipeline reports denials as explicit decisions; the
// typed errors below are the same taxonomy in error form, for the
// protected-call wrapper and for in-process callers that invoke use
// cases directly and want errors rather than decisions.

// BreakerOpenError is returned by the protected-call wrapper when the
// breaker for a downstream service rejects the call without attempting it.
type BreakerOpenError struct {
	Service    string
	State      model.BreakerState
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s, call rejected", e.Service, e.State)
}

// IsBreakerOpen reports whether err is a breaker refusal.
func IsBreakerOpen(err error) bool {
	_, ok := err.(*BreakerOpenError)
	return ok
}

// ThrottleExceededError reports an exhausted token bucket. Retryable
// after the computed wait.
type ThrottleExceededError struct {
	RetryAfter time.Duration
}

func (e *ThrottleExceededError) Error() string {
	return fmt.Sprintf("throttle capacity exhausted, retry after %s", e.RetryAfter)
}

// RateLimitExceededError reports a breached window ceiling. Retryable
// once the window resets.
type RateLimitExceededError struct {
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, window resets in %s", e.RetryAfter)
}

// ThreatBlockedError reports a request refused because its identifier
// carries an active block or a blocking threat was found. Not
// retryable within the block's lifetime.
type ThreatBlockedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *ThreatBlockedError) Error() string {
	return fmt.Sprintf("request blocked: %s", e.Reason)
}

// DenialError converts a denying decision into its typed error.
// Returns nil for allowing decisions.
func DenialError(d model.AdmissionDecision) error {
	switch d.Reason {
	case model.ReasonThrottled:
		return &ThrottleExceededError{RetryAfter: d.RetryAfter}
	case model.ReasonRateLimited:
		return &RateLimitExceededError{RetryAfter: d.RetryAfter}
	case model.ReasonBlocked:
		return &ThreatBlockedError{Reason: "active block", RetryAfter: d.RetryAfter}
	case model.ReasonThreat:
		return &ThreatBlockedError{Reason: "threat detected"}
	}
	return nil
}
