package model

import (
	"time"
)

// Tier identifies the quota tier of a resolved principal.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Principal is the identity resolved by the upstream auth collaborator.
// An empty ID means the request is anonymous and is keyed by client IP.
type Principal struct {
	ID     string
	Tier   Tier
	Scopes []string
}

// Anonymous reports whether the principal carries no resolved identity.
func (p *Principal) Anonymous() bool {
	return p == nil || p.ID == ""
}

// Window identifies a rate-limit counting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Windows lists all configured windows in ascending duration order.
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// Seconds returns the window length in whole seconds, used as counter TTL.
func (w Window) Seconds() int64 {
	return int64(w.Duration() / time.Second)
}

// RequestInfo carries the request attributes the admission pipeline
// evaluates. It is extracted once by the transport layer so that biz
// components never touch *http.Request directly.
type RequestInfo struct {
	Method     string
	Path       string
	Query      string
	BodySample string // first bytes of the body, for signature matching
	BodySize   int64
	IP         string
	UserAgent  string
	RequestID  string
}

// WindowUsage is the per-window view returned to callers for building
// X-RateLimit-* response headers.
type WindowUsage struct {
	Window  Window
	Current int64
	Limit   int64
	ResetIn time.Duration
}

// LimitInfo aggregates usage across all checked windows.
type LimitInfo struct {
	Usages []WindowUsage
}

// Tightest returns the window with the least remaining budget.
// Standard rate-limit headers report a single limit; the most
// constrained window is the honest one.
func (li *LimitInfo) Tightest() *WindowUsage {
	if li == nil || len(li.Usages) == 0 {
		return nil
	}
	best := &li.Usages[0]
	bestRemaining := best.Limit - best.Current
	for i := 1; i < len(li.Usages); i++ {
		u := &li.Usages[i]
		if r := u.Limit - u.Current; r < bestRemaining {
			best = u
			bestRemaining = r
		}
	}
	return best
}

// AdmissionDecision is the explicit outcome of evaluating one request.
// Callers branch on Allow; they never rely on error propagation for
// allowed/blocked control flow.
type AdmissionDecision struct {
	Allow      bool
	HTTPStatus int
	RetryAfter time.Duration
	Headers    map[string]string
	// Reason is an internal code (breaker_open, throttled, rate_limited,
	// blocked, threat). It feeds logs and metrics, never response bodies.
	Reason string
}

// Decision reason codes.
const (
	ReasonAllowed     = "allowed"
	ReasonKillSwitch  = "kill_switch"
	ReasonThrottled   = "throttled"
	ReasonRateLimited = "rate_limited"
	ReasonBlocked     = "blocked"
	ReasonThreat      = "threat"
)

// Allowed returns a positive admission decision.
func Allowed() AdmissionDecision {
	return AdmissionDecision{Allow: true, HTTPStatus: 200, Reason: ReasonAllowed}
}

// BlockEntry is an active admission block for an identifier.
// Permanent blocks carry a zero ExpiresAt as the no-expiry sentinel.
type BlockEntry struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
	Permanent  bool      `json:"permanent"`
}

// Active reports whether the block is still in force at now.
func (b *BlockEntry) Active(now time.Time) bool {
	if b == nil {
		return false
	}
	return b.Permanent || b.ExpiresAt.After(now)
}

// RemainingTTL returns how long the block remains in force, or zero for
// permanent blocks.
func (b *BlockEntry) RemainingTTL(now time.Time) time.Duration {
	if b == nil || b.Permanent {
		return 0
	}
	if d := b.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
