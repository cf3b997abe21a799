package biz

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// ThrottleResult is the outcome of one token bucket deduction.
type ThrottleResult struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
	Capacity   float64
}

// ThrottleRepo is the shared-store contract for token buckets. Take
// must be atomic: read, refill and deduct happen as one operation.
type ThrottleRepo interface {
	Take(ctx context.Context, identifier, class string, capacity, refillPerSec, cost float64) (*ThrottleResult, error)
}

// ThrottleUseCase smooths request bursts per (identifier, endpoint
// class) with continuously refilling token buckets. It never counts
// toward quotas; sustained-volume policy belongs to the rate limiter.
type ThrottleUseCase struct {
	repo    ThrottleRepo
	conf    *conf.Throttle
	metrics MetricsRecorder
	// load holds the current external load signal in [0,1] as
	// math.Float64bits, shared across goroutines.
	load atomic.Uint64
	log  *log.Helper
}

// NewThrottleUseCase creates the throttler use case.
func NewThrottleUseCase(repo ThrottleRepo, c *conf.Bootstrap, metrics MetricsRecorder, logger log.Logger) *ThrottleUseCase {
	uc := &ThrottleUseCase{
		repo:    repo,
		metrics: metrics,
		log:     log.NewHelper(logger),
	}
	if c.Gateway != nil {
		uc.conf = c.Gateway.Throttle
	}
	return uc
}

// Classify resolves the endpoint class for a request path. Exact path
// match wins; otherwise the longest matching prefix; otherwise the
// default class.
func (uc *ThrottleUseCase) Classify(path string) *conf.ThrottleClass {
	if uc.conf == nil {
		return &conf.ThrottleClass{Name: "default", Capacity: 20, RefillPerSec: 10}
	}
	for _, class := range uc.conf.Classes {
		if class.Path != "" && class.Path == path {
			return class
		}
	}
	// Classes are ordered longest prefix first at load time.
	for _, class := range uc.conf.Classes {
		if class.Prefix != "" && strings.HasPrefix(path, class.Prefix) {
			return class
		}
	}
	return uc.conf.Default
}

// SetLoadSignal records the external load signal (0 = idle, 1 = saturated).
// Values outside [0,1] are clamped.
func (uc *ThrottleUseCase) SetLoadSignal(value float64) {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	uc.load.Store(math.Float64bits(value))
	uc.metrics.SetLoadSignal(value)
	uc.log.Infof("Load signal set to %.2f", value)
}

// LoadSignal returns the current external load signal.
func (uc *ThrottleUseCase) LoadSignal() float64 {
	return math.Float64frombits(uc.load.Load())
}

// effectiveRate scales a class's refill rate by the load signal: at
// zero load the configured rate applies; at full load the rate drops
// to rate * LoadMultiplier.
func (uc *ThrottleUseCase) effectiveRate(class *conf.ThrottleClass) float64 {
	rate := class.RefillPerSec
	if uc.conf == nil || uc.conf.LoadMultiplier <= 0 || uc.conf.LoadMultiplier >= 1 {
		return rate
	}
	load := uc.LoadSignal()
	if load <= 0 {
		return rate
	}
	return rate * (1 - load*(1-uc.conf.LoadMultiplier))
}

// Check deducts one token from the identifier's bucket for the request
// path's class. Store errors fail open: bursts go unsmoothed rather
// than valid traffic being refused.
func (uc *ThrottleUseCase) Check(ctx context.Context, identifier, path string) (*ThrottleResult, *conf.ThrottleClass, error) {
	class := uc.Classify(path)
	if class == nil {
		return &ThrottleResult{Allowed: true}, nil, nil
	}

	res, err := uc.repo.Take(ctx, identifier, class.Name, float64(class.Capacity), uc.effectiveRate(class), 1)
	if err != nil {
		if pkgerrors.IsUnavailable(err) {
			uc.log.Warnf("Counter store unavailable for throttle class %s (request allowed)", class.Name)
			uc.metrics.FailOpen("throttle")
			return &ThrottleResult{Allowed: true}, class, nil
		}
		uc.log.Errorf("Throttle check failed for class %s: %v (request allowed)", class.Name, err)
		uc.metrics.FailOpen("throttle")
		return &ThrottleResult{Allowed: true}, class, nil
	}

	if !res.Allowed {
		uc.log.Warnw(
			"msg", "Request throttled",
			"identifier", identifier,
			"class", class.Name,
			"retry_after", res.RetryAfter.String(),
		)
	}
	return res, class, nil
}

// Decide converts a throttle result into an admission decision.
func (uc *ThrottleUseCase) Decide(res *ThrottleResult) model.AdmissionDecision {
	if res.Allowed {
		return model.Allowed()
	}
	retry := res.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	return model.AdmissionDecision{
		Allow:      false,
		HTTPStatus: 503,
		RetryAfter: retry,
		Reason:     model.ReasonThrottled,
	}
}
