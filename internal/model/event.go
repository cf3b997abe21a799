package model

import "time"

// BreakerState enumerates circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the stored health state of one downstream service.
type BreakerSnapshot struct {
	Service   string
	State     BreakerState
	Failures  int64
	Successes int64
	OpenedAt  time.Time
}

// BreakerOpenedEvent is emitted on a CLOSED→OPEN transition.
type BreakerOpenedEvent struct {
	Service  string
	Failures int64
	OpenedAt time.Time
}

// BreakerRecoveredEvent is emitted on a half_open to closed transition.
type BreakerRecoveredEvent struct {
	Service  string
	ClosedAt time.Time
}

// BlockEvent is emitted when an escalation raises or extends a block.
type BlockEvent struct {
	Identifier string
	Reason     string
	Duration   time.Duration
	Permanent  bool
}

// UsageEvent records one admission decision for the external usage
// collaborator. Emission here is fire-and-forget; durable storage is
// someone else's job.
type UsageEvent struct {
	Identifier    string
	EndpointClass string
	Path          string
	Allowed       bool
	Reason        string
	Remaining     int64
	OccurredAt    time.Time
}
