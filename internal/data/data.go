// Package data provides data access layer implementations.
// All mutable gateway state lives in the shared Redis counter store;
// the repositories here are stateless wrappers around single-key atomic
// operations, which is what allows horizontal scale-out of the gateway.
package data

import (
	"AccessGate/internal/conf"
	pkgerrors "AccessGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// errRedisUnavailable is returned by every repository method when the
// counter store never came up. Callers treat it like any other
// connection error and apply their fail-open policy.
var errRedisUnavailable = &pkgerrors.StoreError{
	Type:    pkgerrors.ErrorTypeConnection,
	Message: "redis client unavailable",
}

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewBreakerRepo,
	NewThrottleRepo,
	NewRateLimitRepo,
	NewThreatRepo,
	NewAuditLogger,
	NewAlertSink,
)

// Data contains all data layer dependencies.
type Data struct {
	// redisClient is the shared counter store client
	redisClient *redis.Client
	// cache is the generic JSON cache interface for repository use
	cache CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup
// (graceful degradation: components fail open per their own policy).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, admission counters will be unavailable (fail-open)")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// Redis cleanup is handled by NewRedisClient's cleanup function
		// which is called automatically by Wire
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
