package biz

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

type gatewayFixture struct {
	uc           *GatewayUseCase
	throttleRepo *MockThrottleRepo
	limitRepo    *MockRateLimitRepo
	threatRepo   *MockThreatRepo
	metrics      *recordingMetrics
	audit        *recordingAudit
	alerts       *recordingAlerts
}

func newTestGateway(t *testing.T, mutate func(bc *conf.Bootstrap)) *gatewayFixture {
	logger := log.NewStdLogger(os.Stdout)
	bc := testBootstrap()
	if mutate != nil {
		mutate(bc)
	}
	metrics := newRecordingMetrics()
	audit := &recordingAudit{}
	alerts := &recordingAlerts{}

	throttleRepo := new(MockThrottleRepo)
	limitRepo := new(MockRateLimitRepo)
	threatRepo := new(MockThreatRepo)

	throttler := NewThrottleUseCase(throttleRepo, bc, metrics, logger)
	limiter := NewRateLimitUseCase(limitRepo, bc, audit, metrics, logger)
	threats := NewThreatUseCase(threatRepo, bc, metrics, logger)
	responder := NewAutoResponseUseCase(threats, limiter, threatRepo, audit, alerts, logger)

	uc, cleanup := NewGatewayUseCase(bc, throttler, limiter, threats, responder, metrics, alerts, logger)
	t.Cleanup(cleanup)

	return &gatewayFixture{
		uc:           uc,
		throttleRepo: throttleRepo,
		limitRepo:    limitRepo,
		threatRepo:   threatRepo,
		metrics:      metrics,
		audit:        audit,
		alerts:       alerts,
	}
}

// allowThrottle lets every bucket take succeed.
func (f *gatewayFixture) allowThrottle() {
	f.throttleRepo.On("Take", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&ThrottleResult{Allowed: true, Remaining: 19, Capacity: 20}, nil)
}

// cleanCounters mocks unblocked, well-under-ceiling counters.
func (f *gatewayFixture) cleanCounters(identifier string) {
	f.limitRepo.On("GetBlock", mock.Anything, identifier).Return(nil, nil)
	f.limitRepo.On("IncrementWindow", mock.Anything, identifier, mock.Anything, mock.Anything).Return(int64(1), nil)
	f.limitRepo.On("WindowTTL", mock.Anything, identifier, mock.Anything, mock.Anything).Return(30*time.Second, nil)
}

// Test Evaluate - clean request passes the whole pipeline
func TestGateway_Allowed(t *testing.T) {
	f := newTestGateway(t, nil)
	f.allowThrottle()
	f.cleanCounters("user:42")

	principal := &model.Principal{ID: "user:42", Tier: model.TierFree}
	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(nil, nil)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), principal)

	assert.True(t, decision.Allow)
	assert.Equal(t, model.ReasonAllowed, decision.Reason)
	assert.Equal(t, "10", decision.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "9", decision.Headers["X-RateLimit-Remaining"])
	assert.Equal(t, "30", decision.Headers["X-RateLimit-Reset"])
	assert.Equal(t, 1, f.metrics.decisions[model.ReasonAllowed])
}

// Test Evaluate - kill switch admits everything without store lookups
func TestGateway_KillSwitch(t *testing.T) {
	f := newTestGateway(t, func(bc *conf.Bootstrap) {
		bc.Gateway.Disabled = true
	})

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.True(t, decision.Allow)
	assert.Equal(t, model.ReasonKillSwitch, decision.Reason)
	assert.Equal(t, 1, f.metrics.decisions[model.ReasonKillSwitch])
	f.limitRepo.AssertNotCalled(t, "GetBlock", mock.Anything, mock.Anything)
	f.throttleRepo.AssertNotCalled(t, "Take", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Test Evaluate - an active block vetoes before any other check
func TestGateway_BlockedIdentifier(t *testing.T) {
	f := newTestGateway(t, nil)

	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(&model.BlockEntry{
		Identifier: "ip:10.0.0.1",
		Reason:     "xss detected",
		ExpiresAt:  time.Now().Add(30 * time.Minute),
	}, nil)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.False(t, decision.Allow)
	assert.Equal(t, 403, decision.HTTPStatus)
	assert.Equal(t, model.ReasonBlocked, decision.Reason)
	assert.InDelta(t, (30 * time.Minute).Seconds(), decision.RetryAfter.Seconds(), 2)
	assert.IsType(t, &ThreatBlockedError{}, DenialError(decision))
	assert.Nil(t, DenialError(model.Allowed()))
	f.throttleRepo.AssertNotCalled(t, "Take", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Test Evaluate - authenticated principals are also checked under their IP
func TestGateway_IPBlockHoldsAcrossAccounts(t *testing.T) {
	f := newTestGateway(t, nil)

	f.limitRepo.On("GetBlock", mock.Anything, "user:42").Return(nil, nil)
	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(&model.BlockEntry{
		Identifier: "ip:10.0.0.1",
		Permanent:  true,
	}, nil)

	principal := &model.Principal{ID: "user:42", Tier: model.TierPro}
	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), principal)

	assert.False(t, decision.Allow)
	assert.Equal(t, model.ReasonBlocked, decision.Reason)
}

// Test Evaluate - bucket refusal returns 503 with Retry-After
func TestGateway_Throttled(t *testing.T) {
	f := newTestGateway(t, nil)

	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(nil, nil)
	f.throttleRepo.On("Take", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&ThrottleResult{Allowed: false, RetryAfter: 2 * time.Second}, nil)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.False(t, decision.Allow)
	assert.Equal(t, 503, decision.HTTPStatus)
	assert.Equal(t, model.ReasonThrottled, decision.Reason)
	assert.Equal(t, 2*time.Second, decision.RetryAfter)
	assert.IsType(t, &ThrottleExceededError{}, DenialError(decision))
	// Quota counters are not charged for refused bursts.
	f.limitRepo.AssertNotCalled(t, "IncrementWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Test Evaluate - window breach returns 429
func TestGateway_RateLimited(t *testing.T) {
	f := newTestGateway(t, nil)
	f.allowThrottle()

	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(nil, nil)
	f.limitRepo.On("IncrementWindow", mock.Anything, "ip:10.0.0.1", mock.Anything, mock.Anything).Return(int64(100), nil)
	f.limitRepo.On("WindowTTL", mock.Anything, "ip:10.0.0.1", mock.Anything, mock.Anything).Return(20*time.Second, nil)
	f.limitRepo.On("IncrementViolations", mock.Anything, "ip:10.0.0.1", mock.Anything).Return(int64(1), nil)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.False(t, decision.Allow)
	assert.Equal(t, 429, decision.HTTPStatus)
	assert.Equal(t, model.ReasonRateLimited, decision.Reason)
	assert.Equal(t, 1, f.metrics.decisions[model.ReasonRateLimited])
	assert.IsType(t, &RateLimitExceededError{}, DenialError(decision))

	// The denial carries the limit headers for the breached window.
	assert.Equal(t, "5", decision.Headers["X-RateLimit-Limit"])
	assert.Equal(t, "0", decision.Headers["X-RateLimit-Remaining"])
	assert.Equal(t, "20", decision.Headers["X-RateLimit-Reset"])
}

// Test Evaluate - login denial triggers the brute force response
func TestGateway_LoginDenialRespondsAsBruteForce(t *testing.T) {
	f := newTestGateway(t, nil)
	f.allowThrottle()

	f.limitRepo.On("GetBlock", mock.Anything, "ip:10.0.0.1").Return(nil, nil)
	f.limitRepo.On("IncrementWindow", mock.Anything, "ip:10.0.0.1", "login", mock.Anything).Return(int64(10), nil)
	f.limitRepo.On("WindowTTL", mock.Anything, "ip:10.0.0.1", "login", mock.Anything).Return(20*time.Second, nil)
	f.limitRepo.On("IncrementViolations", mock.Anything, "ip:10.0.0.1", mock.Anything).Return(int64(1), nil)
	f.threatRepo.On("IncrementOccurrence", mock.Anything, "10.0.0.1", model.ThreatBruteForce, mock.Anything).Return(int64(1), nil)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/auth/login", "10.0.0.1"), &model.Principal{})

	assert.False(t, decision.Allow)
	assert.Equal(t, 429, decision.HTTPStatus)
	require.Len(t, f.audit.threats, 1)
	assert.Equal(t, model.ThreatBruteForce, f.audit.threats[0].Type)
	assert.Contains(t, f.audit.threats[0].ActionsTaken, ActionTightenLimit)
}

// Test Evaluate - threat with the reject action returns 403
func TestGateway_ThreatRejected(t *testing.T) {
	f := newTestGateway(t, nil)
	f.allowThrottle()
	f.cleanCounters("ip:10.0.0.1")

	f.limitRepo.On("SetBlock", mock.Anything, mock.Anything).Return(true, nil)
	f.threatRepo.On("IncrementOccurrence", mock.Anything, "10.0.0.1", model.ThreatXSS, mock.Anything).Return(int64(1), nil)

	req := testRequest("/api/v1/library", "10.0.0.1")
	req.Query = "q=<script>alert(1)</script>"
	decision := f.uc.Evaluate(context.Background(), req, &model.Principal{})

	assert.False(t, decision.Allow)
	assert.Equal(t, 403, decision.HTTPStatus)
	assert.Equal(t, model.ReasonThreat, decision.Reason)
	require.Len(t, f.audit.threats, 1)
	assert.Contains(t, f.audit.threats[0].ActionsTaken, ActionBlockIP)
}

// Test Evaluate - store outage on every layer still admits the request
func TestGateway_TotalStoreOutageFailsOpen(t *testing.T) {
	f := newTestGateway(t, nil)

	unavailable := &pkgerrors.StoreError{Type: pkgerrors.ErrorTypeConnection, Message: "redis client unavailable"}
	f.limitRepo.On("GetBlock", mock.Anything, mock.Anything).Return(nil, unavailable)
	f.throttleRepo.On("Take", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, unavailable)
	f.limitRepo.On("IncrementWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), unavailable)

	decision := f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.True(t, decision.Allow)
	assert.Positive(t, f.metrics.failOpens["block_check"])
	assert.Positive(t, f.metrics.failOpens["throttle"])
	assert.Positive(t, f.metrics.failOpens["rate_limit"])
}

// Test ObserveResponse - 404 volume crossing triggers the responder
func TestGateway_ObserveNotFoundResponds(t *testing.T) {
	f := newTestGateway(t, nil)

	f.threatRepo.On("IncrementNotFound", mock.Anything, "10.0.0.1", mock.Anything).Return(int64(5), nil)
	f.threatRepo.On("IncrementOccurrence", mock.Anything, "10.0.0.1", model.ThreatExcessive404, mock.Anything).Return(int64(1), nil)
	f.limitRepo.On("IncrementViolations", mock.Anything, "ip:10.0.0.1", mock.Anything).Return(int64(1), nil)

	f.uc.ObserveResponse(context.Background(), testRequest("/api/v1/missing", "10.0.0.1"), &model.Principal{}, 404)

	require.Len(t, f.audit.threats, 1)
	assert.Equal(t, model.ThreatExcessive404, f.audit.threats[0].Type)
}

// Test ObserveResponse - non-404 statuses are ignored
func TestGateway_ObserveResponseIgnoresOtherStatuses(t *testing.T) {
	f := newTestGateway(t, nil)

	f.uc.ObserveResponse(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{}, 500)
	f.threatRepo.AssertNotCalled(t, "IncrementNotFound", mock.Anything, mock.Anything, mock.Anything)
}

// Test usage events - decisions flow to the alert sink off the request path
func TestGateway_UsageEventsPublished(t *testing.T) {
	f := newTestGateway(t, nil)
	f.allowThrottle()
	f.cleanCounters("ip:10.0.0.1")

	f.uc.Evaluate(context.Background(), testRequest("/api/v1/library", "10.0.0.1"), &model.Principal{})

	assert.Eventually(t, func() bool {
		return f.alerts.published("usage") == 1
	}, time.Second, 10*time.Millisecond)
}

// Test cleanup - tearing down the use case stops the usage drain
func TestGateway_CleanupStopsUsageDrain(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)
	bc := testBootstrap()
	metrics := newRecordingMetrics()
	audit := &recordingAudit{}
	alerts := &recordingAlerts{}

	throttler := NewThrottleUseCase(new(MockThrottleRepo), bc, metrics, logger)
	limiter := NewRateLimitUseCase(new(MockRateLimitRepo), bc, audit, metrics, logger)
	threats := NewThreatUseCase(new(MockThreatRepo), bc, metrics, logger)
	responder := NewAutoResponseUseCase(threats, limiter, new(MockThreatRepo), audit, alerts, logger)

	_, cleanup := NewGatewayUseCase(bc, throttler, limiter, threats, responder, metrics, alerts, logger)

	finished := make(chan struct{})
	go func() {
		cleanup()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("usage drain did not stop on cleanup")
	}
}
