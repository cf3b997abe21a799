package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"AccessGate/internal/conf"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// BreakerRepo is the shared-store contract for circuit breaker state.
// All transitions are atomic on the store side so that gateway
// instances never race each other.
type BreakerRepo interface {
	RecordFailure(ctx context.Context, service string, threshold int64) (tripped, reverted bool, err error)
	RecordSuccess(ctx context.Context, service string, threshold int64) (closed bool, err error)
	TryHalfOpen(ctx context.Context, service string, openTimeout time.Duration) (transitioned bool, err error)
	AcquireProbe(ctx context.Context, service string, limit int64, ttl time.Duration) (acquired bool, err error)
	Reopen(ctx context.Context, service string) (reopened bool, err error)
	Reset(ctx context.Context, service string) error
	GetState(ctx context.Context, service string) (*model.BreakerSnapshot, error)
}

// stateCacheTTL bounds how long a last-seen breaker state is enforced
// when the store is unreachable.
const stateCacheTTL = 30 * time.Second

// CircuitBreakerUseCase wraps calls to downstream services with
// fail-fast protection. When the store is down, the last state seen for
// a service is enforced from a process-local cache; with no cached
// state the breaker assumes the downstream is healthy.
type CircuitBreakerUseCase struct {
	repo    BreakerRepo
	conf    *conf.Gateway
	audit   AuditLogger
	alerts  AlertSink
	metrics MetricsRecorder
	states  *lru.LRU[string, model.BreakerState]
	log     *log.Helper
}

// NewCircuitBreakerUseCase creates the circuit breaker use case.
func NewCircuitBreakerUseCase(repo BreakerRepo, c *conf.Bootstrap, audit AuditLogger, alerts AlertSink, metrics MetricsRecorder, logger log.Logger) *CircuitBreakerUseCase {
	return &CircuitBreakerUseCase{
		repo:    repo,
		conf:    c.Gateway,
		audit:   audit,
		alerts:  alerts,
		metrics: metrics,
		states:  lru.NewLRU[string, model.BreakerState](128, nil, stateCacheTTL),
		log:     log.NewHelper(logger),
	}
}

// settings resolves the thresholds for a service, falling back to the
// default breaker profile.
func (uc *CircuitBreakerUseCase) settings(service string) *conf.Breaker {
	if uc.conf != nil {
		if b, ok := uc.conf.Breakers[service]; ok && b != nil {
			return b
		}
		if uc.conf.DefaultBreaker != nil {
			return uc.conf.DefaultBreaker
		}
	}
	return &conf.Breaker{FailureThreshold: 5, SuccessThreshold: 3, HalfOpenProbeLimit: 2}
}

func (uc *CircuitBreakerUseCase) openTimeout(b *conf.Breaker) time.Duration {
	if b.OpenTimeout != nil {
		return b.OpenTimeout.AsDuration()
	}
	return 30 * time.Second
}

// Call executes fn under breaker protection for the named downstream
// service. When the breaker is open the call is rejected without being
// attempted and a BreakerOpenError is returned. fn's own error, if any,
// is returned unchanged after being recorded as a failure.
func (uc *CircuitBreakerUseCase) Call(ctx context.Context, service string, fn func(context.Context) error) error {
	settings := uc.settings(service)

	if err := uc.admit(ctx, service, settings); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		uc.onFailure(ctx, service, settings)
		return err
	}

	uc.onSuccess(ctx, service, settings)
	return nil
}

// admit decides whether a call may proceed given the breaker's state.
func (uc *CircuitBreakerUseCase) admit(ctx context.Context, service string, settings *conf.Breaker) error {
	snap, err := uc.repo.GetState(ctx, service)
	if err != nil {
		return uc.admitDegraded(service, err)
	}
	uc.states.Add(service, snap.State)

	switch snap.State {
	case model.BreakerClosed:
		return nil

	case model.BreakerOpen:
		transitioned, terr := uc.repo.TryHalfOpen(ctx, service, uc.openTimeout(settings))
		if terr != nil {
			return uc.admitDegraded(service, terr)
		}
		if !transitioned {
			retry := uc.openTimeout(settings) - time.Since(snap.OpenedAt)
			if retry < 0 {
				retry = 0
			}
			return &BreakerOpenError{Service: service, State: model.BreakerOpen, RetryAfter: retry}
		}
		uc.states.Add(service, model.BreakerHalfOpen)
		uc.metrics.BreakerTransition(service, model.BreakerHalfOpen)
		uc.log.Infof("Circuit breaker for %s entering half-open, probing recovery", service)
		fallthrough

	case model.BreakerHalfOpen:
		acquired, perr := uc.repo.AcquireProbe(ctx, service, int64(settings.HalfOpenProbeLimit), uc.openTimeout(settings))
		if perr != nil {
			return uc.admitDegraded(service, perr)
		}
		if !acquired {
			return &BreakerOpenError{Service: service, State: model.BreakerHalfOpen, RetryAfter: uc.openTimeout(settings)}
		}
		return nil
	}

	return nil
}

// admitDegraded applies the store-outage policy: enforce the last state
// this process observed; with nothing cached, assume healthy.
func (uc *CircuitBreakerUseCase) admitDegraded(service string, cause error) error {
	if !pkgerrors.IsUnavailable(cause) {
		uc.log.Errorf("Breaker state check for %s failed: %v (call allowed)", service, cause)
		uc.metrics.FailOpen("breaker")
		return nil
	}

	if state, ok := uc.states.Get(service); ok {
		if state == model.BreakerOpen {
			uc.log.Warnf("Counter store unreachable, enforcing last known open state for %s", service)
			return &BreakerOpenError{Service: service, State: model.BreakerOpen}
		}
		return nil
	}

	uc.log.Warnf("Counter store unreachable and no cached breaker state for %s (call allowed)", service)
	uc.metrics.FailOpen("breaker")
	return nil
}

func (uc *CircuitBreakerUseCase) onFailure(ctx context.Context, service string, settings *conf.Breaker) {
	if state, ok := uc.states.Get(service); ok && state == model.BreakerHalfOpen {
		reopened, err := uc.repo.Reopen(ctx, service)
		if err != nil {
			uc.log.Warnf("Failed to reopen breaker for %s: %v", service, err)
			return
		}
		if reopened {
			uc.states.Add(service, model.BreakerOpen)
			uc.metrics.BreakerTransition(service, model.BreakerOpen)
		}
		return
	}

	// The store revisits the state itself: a failure that lands while
	// the breaker is half_open reverts it to open even when this
	// process no longer has the half-open state cached.
	tripped, reverted, err := uc.repo.RecordFailure(ctx, service, int64(settings.FailureThreshold))
	if err != nil {
		uc.log.Warnf("Failed to record breaker failure for %s: %v", service, err)
		return
	}
	if reverted {
		uc.states.Add(service, model.BreakerOpen)
		uc.metrics.BreakerTransition(service, model.BreakerOpen)
		return
	}
	if tripped {
		uc.states.Add(service, model.BreakerOpen)
		uc.metrics.BreakerTransition(service, model.BreakerOpen)
		event := &model.BreakerOpenedEvent{
			Service:  service,
			Failures: int64(settings.FailureThreshold),
			OpenedAt: time.Now().UTC(),
		}
		uc.audit.BreakerOpened(event)
		if err := uc.alerts.Publish(ctx, AlertKindBreakerOpened, event); err != nil {
			uc.log.Warnf("Failed to publish breaker alert for %s: %v", service, err)
		}
	}
}

func (uc *CircuitBreakerUseCase) onSuccess(ctx context.Context, service string, settings *conf.Breaker) {
	closed, err := uc.repo.RecordSuccess(ctx, service, int64(settings.SuccessThreshold))
	if err != nil {
		uc.log.Warnf("Failed to record breaker success for %s: %v", service, err)
		return
	}
	if closed {
		uc.states.Add(service, model.BreakerClosed)
		uc.metrics.BreakerTransition(service, model.BreakerClosed)
		uc.log.Infof("Circuit breaker for %s recovered and closed", service)
		event := &model.BreakerRecoveredEvent{Service: service, ClosedAt: time.Now().UTC()}
		if err := uc.alerts.Publish(ctx, AlertKindBreakerRecovered, event); err != nil {
			uc.log.Warnf("Failed to publish breaker recovery alert for %s: %v", service, err)
		}
	}
}

// Status returns the stored snapshot for one service, for the ops
// endpoint.
func (uc *CircuitBreakerUseCase) Status(ctx context.Context, service string) (*model.BreakerSnapshot, error) {
	return uc.repo.GetState(ctx, service)
}

// Reset clears a breaker back to closed, for manual recovery after a
// downstream is confirmed healthy.
func (uc *CircuitBreakerUseCase) Reset(ctx context.Context, service, actor string) error {
	if err := uc.repo.Reset(ctx, service); err != nil {
		return err
	}
	uc.states.Remove(service)
	uc.metrics.BreakerTransition(service, model.BreakerClosed)
	uc.log.Warnw(
		"msg", "Circuit breaker manually reset",
		"service", service,
		"actor", actor,
	)
	return nil
}
