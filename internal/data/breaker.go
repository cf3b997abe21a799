package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// Breaker state is a Redis hash per protected service:
//
//	breaker:{service} -> {state, failures, successes, opened_at}
//
// All transitions run as Lua scripts so that concurrent gateway
// instances sharing one Redis never race past a threshold or double
// count a half-open probe.

// recordFailureScript increments the failure counter and trips the
// breaker from closed to open when the threshold is reached. The trip
// is a compare-and-set on the state field, so only one caller observes
// the transition even under concurrency. A failure recorded while the
// state is half_open sends the breaker straight back to open: the
// reversion must hold at the store, no matter which instance ran the
// probe or how long it took.
//
// KEYS[1] = breaker hash
// KEYS[2] = probe counter
// ARGV[1] = failure threshold
// ARGV[2] = now (unix seconds)
// Returns {failures, result} where result is 1 for the caller that
// performed the closed->open transition and 2 for a half_open->open
// reversion.
var recordFailureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  state = 'closed'
  redis.call('HSET', KEYS[1], 'state', state)
end
if state == 'half_open' then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'successes', 0)
  redis.call('DEL', KEYS[2])
  local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
  return {failures, 2}
end
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
local result = 0
if state == 'closed' and failures >= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'successes', 0)
  result = 1
end
return {failures, result}
`)

// recordSuccessScript handles a successful call. In the closed state it
// resets the failure counter. In the half-open state it increments the
// success counter and closes the breaker once the recovery threshold is
// met.
//
// KEYS[1] = breaker hash
// ARGV[1] = success threshold
// Returns {successes, closed} where closed is 1 only for the caller
// that performed the half_open->closed transition.
var recordSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'closed' then
  redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0)
  return {0, 0}
end
if state == 'open' then
  return {0, 0}
end
local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
local closed = 0
if successes >= tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
  redis.call('DEL', KEYS[2])
  closed = 1
end
return {successes, closed}
`)

// halfOpenScript transitions open->half_open once the open timeout has
// elapsed. The time comparison and the state write happen atomically,
// so exactly one instance flips the state when many race at the timeout
// boundary.
//
// KEYS[1] = breaker hash
// KEYS[2] = probe counter
// ARGV[1] = open timeout (seconds)
// ARGV[2] = now (unix seconds)
// Returns 1 if this caller performed the transition, 0 otherwise.
var halfOpenScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'open' then
  return 0
end
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
if tonumber(ARGV[2]) - opened < tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'half_open', 'successes', 0)
redis.call('DEL', KEYS[2])
return 1
`)

// acquireProbeScript admits a bounded number of trial requests while
// the breaker is half-open. Over-limit attempts decrement back so the
// counter never drifts.
//
// KEYS[1] = breaker hash
// KEYS[2] = probe counter
// ARGV[1] = probe limit
// ARGV[2] = probe counter TTL (seconds)
// Returns 1 if a probe slot was acquired, 0 otherwise.
var acquireProbeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'half_open' then
  return 0
end
local probes = redis.call('INCR', KEYS[2])
if probes == 1 then
  redis.call('EXPIRE', KEYS[2], ARGV[2])
end
if probes > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[2])
  return 0
end
return 1
`)

// reopenScript sends a half-open breaker straight back to open after a
// failed probe, restarting the open timeout.
//
// KEYS[1] = breaker hash
// KEYS[2] = probe counter
// ARGV[1] = now (unix seconds)
// Returns 1 if this caller performed the transition, 0 otherwise.
var reopenScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'half_open' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'successes', 0)
redis.call('DEL', KEYS[2])
return 1
`)

type breakerRepo struct {
	data *Data
	log  *log.Helper
}

// NewBreakerRepo creates the Redis-backed circuit breaker repository.
func NewBreakerRepo(data *Data, logger log.Logger) biz.BreakerRepo {
	return &breakerRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func breakerKey(service string) string {
	return BuildKey(KeyBreaker, service)
}

func probeKey(service string) string {
	return BuildKey(KeyBreaker, service, "probes")
}

// RecordFailure registers a failed downstream call. tripped reports a
// closed->open transition at the threshold; reverted reports a
// half_open->open reversion after a failed probe.
func (r *breakerRepo) RecordFailure(ctx context.Context, service string, threshold int64) (tripped, reverted bool, err error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, false, errRedisUnavailable
	}

	res, err := recordFailureScript.Run(ctx, rdb,
		[]string{breakerKey(service), probeKey(service)},
		threshold, time.Now().Unix(),
	).Int64Slice()
	if err != nil {
		return false, false, pkgerrors.ClassifyStoreError(err)
	}
	if len(res) != 2 {
		return false, false, fmt.Errorf("breaker: unexpected script result for %s", service)
	}

	switch res[1] {
	case 1:
		r.log.Warnf("Circuit breaker for %s tripped open after %d failures", service, res[0])
		return true, false, nil
	case 2:
		r.log.Warnf("Circuit breaker for %s reopened after failed probe", service)
		return false, true, nil
	}
	return false, false, nil
}

// RecordSuccess registers a successful downstream call. It returns true
// when this call closed a half-open breaker.
func (r *breakerRepo) RecordSuccess(ctx context.Context, service string, threshold int64) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	res, err := recordSuccessScript.Run(ctx, rdb,
		[]string{breakerKey(service), probeKey(service)},
		threshold,
	).Int64Slice()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("breaker: unexpected script result for %s", service)
	}

	closed := res[1] == 1
	if closed {
		r.log.Infof("Circuit breaker for %s closed after %d successful probes", service, res[0])
	}
	return closed, nil
}

// TryHalfOpen transitions an open breaker to half-open once its open
// timeout has elapsed. Safe to call on every request; only the caller
// arriving after the timeout performs the transition.
func (r *breakerRepo) TryHalfOpen(ctx context.Context, service string, openTimeout time.Duration) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	res, err := halfOpenScript.Run(ctx, rdb,
		[]string{breakerKey(service), probeKey(service)},
		int64(openTimeout.Seconds()), time.Now().Unix(),
	).Int64()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}
	return res == 1, nil
}

// AcquireProbe tries to claim one of the bounded half-open probe slots.
// The counter expires after ttl so probes abandoned by a crashed
// instance free their slot within one open-timeout cycle.
func (r *breakerRepo) AcquireProbe(ctx context.Context, service string, limit int64, ttl time.Duration) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	res, err := acquireProbeScript.Run(ctx, rdb,
		[]string{breakerKey(service), probeKey(service)},
		limit, seconds,
	).Int64()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}
	return res == 1, nil
}

// Reopen sends a half-open breaker back to open after a failed probe.
func (r *breakerRepo) Reopen(ctx context.Context, service string) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	res, err := reopenScript.Run(ctx, rdb,
		[]string{breakerKey(service), probeKey(service)},
		time.Now().Unix(),
	).Int64()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}
	if res == 1 {
		r.log.Warnf("Circuit breaker for %s reopened after failed probe", service)
	}
	return res == 1, nil
}

// Reset deletes a breaker's state entirely, returning it to closed.
// Used by the ops surface for manual recovery.
func (r *breakerRepo) Reset(ctx context.Context, service string) error {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return errRedisUnavailable
	}

	if err := rdb.Del(ctx, breakerKey(service), probeKey(service)).Err(); err != nil {
		return pkgerrors.ClassifyStoreError(err)
	}
	return nil
}

// GetState reads the current snapshot of a breaker. A missing hash is
// reported as a closed breaker.
func (r *breakerRepo) GetState(ctx context.Context, service string) (*model.BreakerSnapshot, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return nil, errRedisUnavailable
	}

	fields, err := rdb.HGetAll(ctx, breakerKey(service)).Result()
	if err != nil {
		return nil, pkgerrors.ClassifyStoreError(err)
	}

	snap := &model.BreakerSnapshot{
		Service: service,
		State:   model.BreakerClosed,
	}
	if len(fields) == 0 {
		return snap, nil
	}

	if s, ok := fields["state"]; ok && s != "" {
		snap.State = model.BreakerState(s)
	}
	snap.Failures = parseIntField(fields, "failures")
	snap.Successes = parseIntField(fields, "successes")
	if opened := parseIntField(fields, "opened_at"); opened > 0 {
		snap.OpenedAt = time.Unix(opened, 0).UTC()
	}
	return snap, nil
}

func parseIntField(fields map[string]string, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
