package biz

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// MockThrottleRepo is a mock implementation of ThrottleRepo for testing.
type MockThrottleRepo struct {
	mock.Mock
}

func (m *MockThrottleRepo) Take(ctx context.Context, identifier, class string, capacity, refillPerSec, cost float64) (*ThrottleResult, error) {
	args := m.Called(ctx, identifier, class, capacity, refillPerSec, cost)
	if res := args.Get(0); res != nil {
		return res.(*ThrottleResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestThrottler(repo *MockThrottleRepo) *ThrottleUseCase {
	logger := log.NewStdLogger(os.Stdout)
	return NewThrottleUseCase(repo, testBootstrap(), newRecordingMetrics(), logger)
}

// Test Classify - exact path beats prefix beats default
func TestClassify(t *testing.T) {
	uc := newTestThrottler(new(MockThrottleRepo))

	assert.Equal(t, "auth", uc.Classify("/api/v1/auth/login").Name)
	assert.Equal(t, "media_upload", uc.Classify("/api/v1/media/upload").Name)
	assert.Equal(t, "default", uc.Classify("/api/v1/captions").Name)
}

// Test Check - allowed result passes through
func TestCheck_Allowed(t *testing.T) {
	repo := new(MockThrottleRepo)
	uc := newTestThrottler(repo)
	ctx := context.Background()

	repo.On("Take", ctx, "user:1", "default", float64(20), float64(10), float64(1)).
		Return(&ThrottleResult{Allowed: true, Remaining: 19, Capacity: 20}, nil)

	res, class, err := uc.Check(ctx, "user:1", "/api/v1/library")
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "default", class.Name)
	repo.AssertExpectations(t)
}

// Test Check - empty bucket produces a throttled decision with retry hint
func TestCheck_Throttled(t *testing.T) {
	repo := new(MockThrottleRepo)
	uc := newTestThrottler(repo)
	ctx := context.Background()

	repo.On("Take", ctx, "user:1", "auth", float64(5), float64(1), float64(1)).
		Return(&ThrottleResult{Allowed: false, RetryAfter: 500 * time.Millisecond}, nil)

	res, _, err := uc.Check(ctx, "user:1", "/api/v1/auth/login")
	assert.NoError(t, err)
	assert.False(t, res.Allowed)

	decision := uc.Decide(res)
	assert.False(t, decision.Allow)
	assert.Equal(t, 503, decision.HTTPStatus)
	assert.Equal(t, model.ReasonThrottled, decision.Reason)
	// Sub-second waits round up so Retry-After is meaningful
	assert.Equal(t, time.Second, decision.RetryAfter)
}

// Test Check - store outage fails open
func TestCheck_StoreDownFailsOpen(t *testing.T) {
	repo := new(MockThrottleRepo)
	uc := newTestThrottler(repo)
	ctx := context.Background()

	unavailable := &pkgerrors.StoreError{Type: pkgerrors.ErrorTypeConnection, Message: "redis client unavailable"}
	repo.On("Take", ctx, "user:1", "default", float64(20), float64(10), float64(1)).
		Return(nil, unavailable)

	res, _, err := uc.Check(ctx, "user:1", "/api/v1/anything")
	assert.NoError(t, err)
	assert.True(t, res.Allowed, "store outage must not refuse traffic")
}

// Test SetLoadSignal - full load halves the effective refill rate
func TestLoadSignalScaling(t *testing.T) {
	repo := new(MockThrottleRepo)
	uc := newTestThrottler(repo)
	ctx := context.Background()

	uc.SetLoadSignal(1.0)
	assert.Equal(t, 1.0, uc.LoadSignal())

	// LoadMultiplier is 0.5, so the default class refills at 5/s
	repo.On("Take", ctx, "user:1", "default", float64(20), float64(5), float64(1)).
		Return(&ThrottleResult{Allowed: true}, nil)

	_, _, err := uc.Check(ctx, "user:1", "/api/v1/anything")
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

// Test SetLoadSignal - out-of-range values clamp
func TestLoadSignalClamps(t *testing.T) {
	uc := newTestThrottler(new(MockThrottleRepo))

	uc.SetLoadSignal(3.5)
	assert.Equal(t, 1.0, uc.LoadSignal())

	uc.SetLoadSignal(-1)
	assert.Equal(t, 0.0, uc.LoadSignal())
}
