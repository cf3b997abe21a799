package data

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

// blockCacheTTL bounds how stale a locally cached block verdict can be.
// Kept short so that block removal via the ops endpoint takes effect
// across all instances within a couple of seconds.
const blockCacheTTL = 2 * time.Second

// blockCacheSize bounds the local cache; distinct identifiers beyond
// this evict LRU, which only costs an extra Redis read.
const blockCacheSize = 4096

// setBlockScript writes a block entry with escalate-only semantics.
// A block may only grow: a permanent block (no TTL) is never replaced,
// and a timed block is only overwritten by a longer or permanent one.
//
// KEYS[1] = block key
// ARGV[1] = serialized entry
// ARGV[2] = TTL in seconds, 0 for permanent
// Returns 1 if the entry was written, 0 if the existing block already
// covers at least the requested duration.
var setBlockScript = redis.NewScript(`
local ttl = tonumber(ARGV[2])
local cur = redis.call('TTL', KEYS[1])
if cur == -1 then
  return 0
end
if cur >= 0 and ttl ~= 0 and ttl <= cur then
  return 0
end
if ttl == 0 then
  redis.call('SET', KEYS[1], ARGV[1])
else
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
end
return 1
`)

type rateLimitRepo struct {
	data       *Data
	blockCache *lru.LRU[string, *model.BlockEntry]
	log        *log.Helper
}

// NewRateLimitRepo creates the Redis-backed rate window and block
// repository. Block lookups are fronted by a short-TTL local cache
// since every admitted request performs one.
func NewRateLimitRepo(data *Data, logger log.Logger) biz.RateLimitRepo {
	return &rateLimitRepo{
		data:       data,
		blockCache: lru.NewLRU[string, *model.BlockEntry](blockCacheSize, nil, blockCacheTTL),
		log:        log.NewHelper(logger),
	}
}

func windowKey(identifier, class string, window model.Window) string {
	return BuildKey(KeyRateWindow, identifier, class, string(window))
}

// IncrementWindow increments the fixed-window counter for the given
// identifier, request class and window, returning the new count. The
// TTL is set on the first increment so the window expires on schedule.
func (r *rateLimitRepo) IncrementWindow(ctx context.Context, identifier, class string, window model.Window) (int64, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, errRedisUnavailable
	}

	key := windowKey(identifier, class, window)
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, pkgerrors.ClassifyStoreError(err)
	}

	if count == 1 {
		if err := rdb.Expire(ctx, key, window.Duration()).Err(); err != nil {
			r.log.Warnf("Failed to set expiry for rate window key %s: %v", key, err)
		}
	}

	return count, nil
}

// WindowTTL reports how long until the given window resets.
func (r *rateLimitRepo) WindowTTL(ctx context.Context, identifier, class string, window model.Window) (time.Duration, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, errRedisUnavailable
	}

	ttl, err := rdb.TTL(ctx, windowKey(identifier, class, window)).Result()
	if err != nil {
		return 0, pkgerrors.ClassifyStoreError(err)
	}
	if ttl < 0 {
		return window.Duration(), nil
	}
	return ttl, nil
}

// IncrementViolations bumps the rolling violation counter used for
// block escalation and returns the new count. The window resets only
// when the identifier stays clean for its full duration.
func (r *rateLimitRepo) IncrementViolations(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, errRedisUnavailable
	}

	key := BuildKey(KeyViolation, identifier)
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, pkgerrors.ClassifyStoreError(err)
	}
	// Sliding the expiry forward on every violation keeps repeat
	// offenders inside one escalation sequence.
	if err := rdb.Expire(ctx, key, window).Err(); err != nil {
		r.log.Warnf("Failed to set expiry for violation key %s: %v", key, err)
	}

	return count, nil
}

// GetBlock returns the active block for an identifier, or nil when none
// exists. Results are cached locally for a short interval.
func (r *rateLimitRepo) GetBlock(ctx context.Context, identifier string) (*model.BlockEntry, error) {
	if entry, ok := r.blockCache.Get(identifier); ok {
		return entry, nil
	}

	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return nil, errRedisUnavailable
	}

	raw, err := rdb.Get(ctx, BuildKey(KeyBlock, identifier)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.blockCache.Add(identifier, nil)
			return nil, nil
		}
		return nil, pkgerrors.ClassifyStoreError(err)
	}

	var entry model.BlockEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Unreadable entries still represent an intent to block.
		r.log.Errorf("Corrupt block entry for %s: %v", identifier, err)
		entry = model.BlockEntry{Identifier: identifier, Reason: "unreadable block entry", Permanent: true}
	}

	r.blockCache.Add(identifier, &entry)
	return &entry, nil
}

// SetBlock writes a block with escalate-only semantics: existing blocks
// are never shortened, and permanent blocks are never downgraded.
// Returns true when the entry was written.
func (r *rateLimitRepo) SetBlock(ctx context.Context, entry *model.BlockEntry) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}

	var ttl int64
	if !entry.Permanent {
		remaining := entry.RemainingTTL(time.Now())
		if remaining <= 0 {
			return false, nil
		}
		ttl = int64(remaining.Seconds())
		if ttl < 1 {
			ttl = 1
		}
	}

	res, err := setBlockScript.Run(ctx, rdb,
		[]string{BuildKey(KeyBlock, entry.Identifier)},
		string(payload), ttl,
	).Int64()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}

	r.blockCache.Remove(entry.Identifier)
	return res == 1, nil
}

// ClearBlock removes a block immediately, for operator use.
func (r *rateLimitRepo) ClearBlock(ctx context.Context, identifier string) (bool, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return false, errRedisUnavailable
	}

	removed, err := rdb.Del(ctx, BuildKey(KeyBlock, identifier)).Result()
	if err != nil {
		return false, pkgerrors.ClassifyStoreError(err)
	}

	r.blockCache.Remove(identifier)
	return removed > 0, nil
}

// ScanBlocks iterates every active block, for the periodic census and
// the ops listing. Uses SCAN so it never stalls Redis.
func (r *rateLimitRepo) ScanBlocks(ctx context.Context) ([]*model.BlockEntry, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return nil, errRedisUnavailable
	}

	var entries []*model.BlockEntry
	iter := rdb.Scan(ctx, 0, KeyBlock+":*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, pkgerrors.ClassifyStoreError(err)
		}
		var entry model.BlockEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			r.log.Errorf("Corrupt block entry at %s: %v", iter.Val(), err)
			continue
		}
		entries = append(entries, &entry)
	}
	if err := iter.Err(); err != nil {
		return nil, pkgerrors.ClassifyStoreError(err)
	}

	return entries, nil
}
