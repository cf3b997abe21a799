package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedThing struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Test Get/Set - JSON round-trip with TTL
func TestCache_SetAndGet(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()

	cache := NewCacheClient(rdb)
	ctx := context.Background()

	in := &cachedThing{Name: "probe", Count: 3}
	err := cache.Set(ctx, "test:thing", in, time.Minute)
	require.NoError(t, err)

	var out cachedThing
	err = cache.Get(ctx, "test:thing", &out)
	require.NoError(t, err)
	assert.Equal(t, *in, out)
}

// Test Get - missing key returns ErrCacheNotFound
func TestCache_GetMissing(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()

	cache := NewCacheClient(rdb)

	var out cachedThing
	err := cache.Get(context.Background(), "test:absent", &out)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

// Test Delete and Exists
func TestCache_DeleteAndExists(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	defer rdb.Close()

	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "test:gone", &cachedThing{}, time.Minute))

	exists, err := cache.Exists(ctx, "test:gone")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Delete(ctx, "test:gone"))

	exists, err = cache.Exists(ctx, "test:gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

// Test BuildKey - namespaced key assembly
func TestBuildKey(t *testing.T) {
	assert.Equal(t, "block:ip:10.0.0.1", BuildKey(KeyBlock, "ip:10.0.0.1"))
	assert.Equal(t, "ratewin:user:42:captions:minute", BuildKey(KeyRateWindow, "user:42", "captions", "minute"))
	assert.Equal(t, "breaker:database", BuildKey(KeyBreaker, "database"))
}
