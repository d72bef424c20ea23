// Package redis wraps a Redis client with the typed, TTL aware operations used by the scheduler state store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	libstore "github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned when a key is not present in the cache.
var ErrNotFound = errors.New("key not found in cache")

// Cache stores msgpack encoded objects in Redis with a default expiration.
type Cache struct {
	cache      *gocache.Cache[any]
	marshaler  *marshaler.Marshaler
	client     redis.UniversalClient
	defaultTTL time.Duration
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithDefaultTTL sets the expiration applied to keys written without an explicit TTL.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.defaultTTL = ttl
	}
}

// SetOption configures a single write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL overrides the default TTL of a write.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

// NewCache creates a new Cache on top of client.
func NewCache(client redis.UniversalClient, opts ...CacheOption) *Cache {
	c := &Cache{client: client}
	for _, opt := range opts {
		opt(c)
	}

	store := redisstore.NewRedis(client, libstore.WithExpiration(c.defaultTTL))
	c.cache = gocache.New[any](store)
	c.marshaler = marshaler.New(c.cache)

	return c
}

// Client returns the underlying Redis client.
func (c *Cache) Client() redis.UniversalClient {
	return c.client
}

func (c *Cache) ttl(opts []SetOption) time.Duration {
	o := setOptions{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return o.ttl
}

// translate maps a miss to ErrNotFound. The redis store wraps redis.Nil in its not found error.
func translate(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// Get returns the string stored at key.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.cache.Get(ctx, key)
	if err != nil {
		return "", translate(err)
	}
	v, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("invalid key value type %T", value)
	}
	return v, nil
}

// Set stores a string at key.
func (c *Cache) Set(ctx context.Context, key, value string, opts ...SetOption) error {
	return c.cache.Set(ctx, key, value, libstore.WithExpiration(c.ttl(opts)))
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return translate(c.cache.Delete(ctx, key))
}

// UnmarshalGet decodes the object stored at key into object.
func (c *Cache) UnmarshalGet(ctx context.Context, key string, object any) error {
	_, err := c.marshaler.Get(ctx, key, object)
	return translate(err)
}

// UnmarshalGetWithTTL decodes the object stored at key into object and returns its remaining TTL.
func (c *Cache) UnmarshalGetWithTTL(ctx context.Context, key string, object any) (time.Duration, error) {
	value, ttl, err := c.cache.GetWithTTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to get key from cache: %w", translate(err))
	}

	switch v := value.(type) {
	case []byte:
		err = msgpack.Unmarshal(v, object)
	case string:
		err = msgpack.Unmarshal([]byte(v), object)
	default:
		err = fmt.Errorf("unexpected key value type: %T", v)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to unmarshal key value: %w", err)
	}
	return ttl, nil
}

// MarshalSet encodes object with msgpack and stores it at key.
func (c *Cache) MarshalSet(ctx context.Context, key string, object any, opts ...SetOption) error {
	return c.marshaler.Set(ctx, key, object, libstore.WithExpiration(c.ttl(opts)))
}

// RunScript runs a Lua script with the given keys and arguments.
func (c *Cache) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, c.client, keys, args...).Result()
	return res, translate(err)
}
