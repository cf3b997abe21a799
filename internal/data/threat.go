package data

import (
	"context"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"AccessGate/internal/biz"
	"AccessGate/internal/model"
	pkgerrors "AccessGate/pkg/errors"
)

type threatRepo struct {
	data *Data
	log  *log.Helper
}

// NewThreatRepo creates the Redis-backed threat signal repository.
func NewThreatRepo(data *Data, logger log.Logger) biz.ThreatRepo {
	return &threatRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// IncrementNotFound bumps the rolling 404 counter for an IP and returns
// the new count. Used to spot endpoint enumeration.
func (r *threatRepo) IncrementNotFound(ctx context.Context, ip string, window time.Duration) (int64, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, errRedisUnavailable
	}

	key := BuildKey(KeyNotFound, ip)
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, pkgerrors.ClassifyStoreError(err)
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warnf("Failed to set expiry for not-found key %s: %v", key, err)
		}
	}
	return count, nil
}

// IncrementOccurrence bumps the rolling counter of findings of one
// threat type from one IP and returns the new count. The auto-response
// layer compares this against the severity's escalation threshold.
func (r *threatRepo) IncrementOccurrence(ctx context.Context, ip string, threatType model.ThreatType, window time.Duration) (int64, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, errRedisUnavailable
	}

	key := BuildKey(KeyOccurrence, ip, string(threatType))
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, pkgerrors.ClassifyStoreError(err)
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warnf("Failed to set expiry for occurrence key %s: %v", key, err)
		}
	}
	return count, nil
}

// SetFlag records a countermeasure flag (for example mfa_required or
// locked) for downstream services to consume.
func (r *threatRepo) SetFlag(ctx context.Context, name, identifier string, ttl time.Duration) error {
	flag := map[string]interface{}{
		"identifier": identifier,
		"set_at":     time.Now().UTC().Format(time.RFC3339),
	}
	key := BuildKey(KeyFlag, name, identifier)
	if err := r.data.GetCache().Set(ctx, key, flag, ttl); err != nil {
		return pkgerrors.ClassifyStoreError(err)
	}
	return nil
}

// HasFlag reports whether a countermeasure flag is currently set.
func (r *threatRepo) HasFlag(ctx context.Context, name, identifier string) (bool, error) {
	key := BuildKey(KeyFlag, name, identifier)
	exists, err := r.data.GetCache().Exists(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheNotFound) {
			return false, nil
		}
		return false, pkgerrors.ClassifyStoreError(err)
	}
	return exists, nil
}
