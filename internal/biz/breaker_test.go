package biz

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// MockBreakerRepo is a mock implementation of BreakerRepo for testing.
type MockBreakerRepo struct {
	mock.Mock
}

func (m *MockBreakerRepo) RecordFailure(ctx context.Context, service string, threshold int64) (bool, bool, error) {
	args := m.Called(ctx, service, threshold)
	return args.Bool(0), args.Bool(1), args.Error(2)
}

func (m *MockBreakerRepo) RecordSuccess(ctx context.Context, service string, threshold int64) (bool, error) {
	args := m.Called(ctx, service, threshold)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepo) TryHalfOpen(ctx context.Context, service string, openTimeout time.Duration) (bool, error) {
	args := m.Called(ctx, service, openTimeout)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepo) AcquireProbe(ctx context.Context, service string, limit int64, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, service, limit, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepo) Reopen(ctx context.Context, service string) (bool, error) {
	args := m.Called(ctx, service)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerRepo) Reset(ctx context.Context, service string) error {
	args := m.Called(ctx, service)
	return args.Error(0)
}

func (m *MockBreakerRepo) GetState(ctx context.Context, service string) (*model.BreakerSnapshot, error) {
	args := m.Called(ctx, service)
	if snap := args.Get(0); snap != nil {
		return snap.(*model.BreakerSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestBreaker(repo *MockBreakerRepo) (*CircuitBreakerUseCase, *recordingAudit, *recordingAlerts) {
	logger := log.NewStdLogger(os.Stdout)
	audit := &recordingAudit{}
	alerts := &recordingAlerts{}
	uc := NewCircuitBreakerUseCase(repo, testBootstrap(), audit, alerts, newRecordingMetrics(), logger)
	return uc, audit, alerts
}

// Test Call - closed breaker passes the call through
func TestCall_ClosedPasses(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerClosed}, nil)
	repo.On("RecordSuccess", ctx, "database", int64(2)).Return(false, nil)

	called := false
	err := uc.Call(ctx, "database", func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
	repo.AssertExpectations(t)
}

// Test Call - open breaker rejects without attempting the call
func TestCall_OpenRejects(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{
		Service:  "database",
		State:    model.BreakerOpen,
		OpenedAt: time.Now().Add(-5 * time.Second),
	}, nil)
	repo.On("TryHalfOpen", ctx, "database", 30*time.Second).Return(false, nil)

	called := false
	err := uc.Call(ctx, "database", func(context.Context) error {
		called = true
		return nil
	})

	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.True(t, IsBreakerOpen(err))
	assert.Equal(t, "database", openErr.Service)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.False(t, called, "open breaker must not attempt the call")
}

// Test Call - failure at threshold trips and emits the event
func TestCall_FailureTripsBreaker(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, audit, alerts := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerClosed}, nil)
	repo.On("RecordFailure", ctx, "database", int64(3)).Return(true, false, nil)

	downstream := errors.New("connection refused")
	err := uc.Call(ctx, "database", func(context.Context) error {
		return downstream
	})

	assert.ErrorIs(t, err, downstream)
	assert.Len(t, audit.breakers, 1)
	assert.Equal(t, 1, alerts.published(AlertKindBreakerOpened))
}

// Test Call - half-open admits a bounded probe and closes on success
func TestCall_HalfOpenProbe(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, alerts := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerHalfOpen}, nil)
	repo.On("AcquireProbe", ctx, "database", int64(1), 30*time.Second).Return(true, nil)
	repo.On("RecordSuccess", ctx, "database", int64(2)).Return(true, nil)

	err := uc.Call(ctx, "database", func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, alerts.published(AlertKindBreakerRecovered))
	repo.AssertExpectations(t)
}

// Test Call - half-open over probe budget rejects
func TestCall_HalfOpenOverBudget(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerHalfOpen}, nil)
	repo.On("AcquireProbe", ctx, "database", int64(1), 30*time.Second).Return(false, nil)

	err := uc.Call(ctx, "database", func(context.Context) error { return nil })

	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, model.BreakerHalfOpen, openErr.State)
}

// Test Call - half-open failure reverts to open on a single failure
func TestCall_HalfOpenFailureReopens(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerHalfOpen}, nil)
	repo.On("AcquireProbe", ctx, "database", int64(1), 30*time.Second).Return(true, nil)
	repo.On("Reopen", ctx, "database").Return(true, nil)

	downstream := errors.New("still failing")
	err := uc.Call(ctx, "database", func(context.Context) error { return downstream })

	assert.ErrorIs(t, err, downstream)
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "RecordFailure", mock.Anything, mock.Anything, mock.Anything)
}

// Test Call - half-open failure reverts even when the cached state is gone
func TestCall_HalfOpenFailureRevertsWithoutCache(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{Service: "database", State: model.BreakerHalfOpen}, nil)
	repo.On("AcquireProbe", ctx, "database", int64(1), 30*time.Second).Return(true, nil)
	repo.On("RecordFailure", ctx, "database", int64(3)).Return(false, true, nil)

	downstream := errors.New("probe timed out")
	err := uc.Call(ctx, "database", func(context.Context) error {
		// A probe that outlives the local state cache: by the time the
		// failure lands this process no longer remembers half_open.
		uc.states.Remove("database")
		return downstream
	})

	assert.ErrorIs(t, err, downstream)
	repo.AssertNotCalled(t, "Reopen", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)

	state, ok := uc.states.Get("database")
	require.True(t, ok)
	assert.Equal(t, model.BreakerOpen, state)
}

// Test Call - store outage enforces the last known open state
func TestCall_StoreDownEnforcesCachedOpen(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	unavailable := &pkgerrors.StoreError{Type: pkgerrors.ErrorTypeConnection, Message: "redis client unavailable"}

	// First call observes the open state and caches it.
	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{
		Service:  "database",
		State:    model.BreakerOpen,
		OpenedAt: time.Now(),
	}, nil).Once()
	repo.On("TryHalfOpen", ctx, "database", 30*time.Second).Return(false, nil).Once()

	err := uc.Call(ctx, "database", func(context.Context) error { return nil })
	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)

	// Store goes away; the cached open state still rejects.
	repo.On("GetState", ctx, "database").Return(nil, unavailable)

	err = uc.Call(ctx, "database", func(context.Context) error { return nil })
	require.ErrorAs(t, err, &openErr)
}

// Test Call - store outage with no cached state assumes healthy
func TestCall_StoreDownNoCacheAllows(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	unavailable := &pkgerrors.StoreError{Type: pkgerrors.ErrorTypeConnection, Message: "redis client unavailable"}
	repo.On("GetState", ctx, "email").Return(nil, unavailable)
	repo.On("RecordSuccess", ctx, "email", int64(3)).Return(false, unavailable)

	called := false
	err := uc.Call(ctx, "email", func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

// Test Reset - manual reset clears the store and the cached state
func TestReset_ClearsStateAndCache(t *testing.T) {
	repo := new(MockBreakerRepo)
	uc, _, _ := newTestBreaker(repo)
	ctx := context.Background()

	// Breaker is open and the outage path enforces the cached state.
	repo.On("GetState", ctx, "database").Return(&model.BreakerSnapshot{
		Service:  "database",
		State:    model.BreakerOpen,
		OpenedAt: time.Now(),
	}, nil).Once()
	repo.On("TryHalfOpen", ctx, "database", 30*time.Second).Return(false, nil).Once()
	require.Error(t, uc.Call(ctx, "database", func(context.Context) error { return nil }))

	repo.On("Reset", ctx, "database").Return(nil)
	require.NoError(t, uc.Reset(ctx, "database", "oncall"))

	// After the reset the cached open state is gone: a store outage no
	// longer rejects.
	unavailable := &pkgerrors.StoreError{Type: pkgerrors.ErrorTypeConnection, Message: "redis client unavailable"}
	repo.On("GetState", ctx, "database").Return(nil, unavailable)
	repo.On("RecordSuccess", ctx, "database", int64(2)).Return(false, unavailable)
	assert.NoError(t, uc.Call(ctx, "database", func(context.Context) error { return nil }))
}
