// Package testutil provides Redis fixtures for tests of the migrator packages.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	iredis "github.com/tigrisdata/bbm/migrator/internal/redis"
)

// RedisCacheTTL is the default TTL of test caches.
const RedisCacheTTL = 30 * time.Second

// RedisServer starts a miniredis server that is shut down when the test ends.
func RedisServer(tb testing.TB) *miniredis.Miniredis {
	tb.Helper()

	return miniredis.RunT(tb)
}

// RedisClient returns a client connected to a new miniredis server.
func RedisClient(tb testing.TB) (redis.UniversalClient, *miniredis.Miniredis) {
	tb.Helper()

	srv := RedisServer(tb)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	tb.Cleanup(func() { _ = client.Close() })

	return client, srv
}

// RedisCache returns a cache backed by a new miniredis server.
func RedisCache(tb testing.TB, ttl time.Duration) *iredis.Cache {
	tb.Helper()

	client, _ := RedisClient(tb)
	return iredis.NewCache(client, iredis.WithDefaultTTL(ttl))
}

// RedisCacheMock returns a cache backed by a redismock client.
func RedisCacheMock(tb testing.TB, ttl time.Duration) (*iredis.Cache, redismock.ClientMock) {
	tb.Helper()

	client, mock := redismock.NewClientMock()
	return iredis.NewCache(client, iredis.WithDefaultTTL(ttl)), mock
}

// RedisCacheController bundles a cache with the server behind it, letting tests fast forward TTLs.
type RedisCacheController struct {
	*iredis.Cache
	*miniredis.Miniredis
}

// NewRedisCacheController returns a cache and its miniredis server.
func NewRedisCacheController(tb testing.TB, ttl time.Duration) RedisCacheController {
	tb.Helper()

	client, srv := RedisClient(tb)
	return RedisCacheController{iredis.NewCache(client, iredis.WithDefaultTTL(ttl)), srv}
}
