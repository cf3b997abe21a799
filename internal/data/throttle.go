package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"

	"AccessGate/internal/biz"
	pkgerrors "AccessGate/pkg/errors"
)

// tokenBucketScript implements a continuous-refill token bucket as a
// single atomic script. The bucket is a hash {tokens, last}; refill is
// computed lazily from the elapsed time since the last update, so idle
// buckets cost nothing. Time is passed in from the caller (ARGV[4]) so
// the script stays deterministic and replication-safe.
//
// KEYS[1] = bucket hash
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per second, may be fractional)
// ARGV[3] = cost (tokens to take)
// ARGV[4] = now (unix microseconds)
// ARGV[5] = bucket TTL (seconds)
// Returns {allowed, retry_after_micros, remaining}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + (elapsed / 1000000) * rate)
end

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after = math.ceil((cost - tokens) / rate * 1000000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', now)
redis.call('EXPIRE', KEYS[1], ARGV[5])
return {allowed, retry_after, tostring(tokens)}
`)

type throttleRepo struct {
	data *Data
	log  *log.Helper
}

// NewThrottleRepo creates the Redis-backed token bucket repository.
func NewThrottleRepo(data *Data, logger log.Logger) biz.ThrottleRepo {
	return &throttleRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// Take attempts to remove cost tokens from the bucket identified by
// (identifier, class). The bucket starts full on first use.
func (r *throttleRepo) Take(ctx context.Context, identifier, class string, capacity, refillPerSec float64, cost float64) (*biz.ThrottleResult, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return nil, errRedisUnavailable
	}
	if capacity <= 0 || refillPerSec <= 0 {
		return nil, fmt.Errorf("throttle: invalid bucket config for class %s (capacity=%v rate=%v)", class, capacity, refillPerSec)
	}

	// TTL long enough for an idle bucket to refill completely before
	// it is evicted, so eviction never grants extra tokens.
	ttl := int64(capacity/refillPerSec) + 60

	key := BuildKey(KeyBucket, identifier, class)
	res, err := tokenBucketScript.Run(ctx, rdb,
		[]string{key},
		capacity, refillPerSec, cost, time.Now().UnixMicro(), ttl,
	).Slice()
	if err != nil {
		return nil, pkgerrors.ClassifyStoreError(err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("throttle: unexpected script result for %s", key)
	}

	allowed, _ := res[0].(int64)
	retryMicros, _ := res[1].(int64)
	remaining := parseScriptFloat(res[2])

	return &biz.ThrottleResult{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryMicros) * time.Microsecond,
		Remaining:  remaining,
		Capacity:   capacity,
	}, nil
}

func parseScriptFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			return f
		}
	case int64:
		return float64(t)
	}
	return 0
}
