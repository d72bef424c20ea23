package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	iredis "github.com/tigrisdata/bbm/migrator/internal/redis"
)

func TestCache_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	mock.ExpectGet("bbm:key").SetVal("value")
	mock.ExpectGet("bbm:missing").RedisNil()

	v, err := cache.Get(context.Background(), "bbm:key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = cache.Get(context.Background(), "bbm:missing")
	require.ErrorIs(t, err, iredis.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Set(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defaultTTL := 5 * time.Minute
	cache := iredis.NewCache(db, iredis.WithDefaultTTL(defaultTTL))

	testCases := []struct {
		name string
		key  string
		opts []iredis.SetOption
		ttl  time.Duration
	}{
		{name: "with default TTL", key: "k1", ttl: defaultTTL},
		{name: "with custom TTL", key: "k2", opts: []iredis.SetOption{iredis.WithTTL(time.Minute)}, ttl: time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			mock.ExpectSet(tc.key, "v", tc.ttl).SetVal("OK")

			require.NoError(tt, cache.Set(context.Background(), tc.key, "v", tc.opts...))
			require.NoError(tt, mock.ExpectationsWereMet())
		})
	}
}

type state struct {
	Name     string
	InFlight int
}

func TestCache_UnmarshalGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	obj := state{Name: "copy_tags", InFlight: 2}
	data, err := msgpack.Marshal(obj)
	require.NoError(t, err)

	mock.ExpectGet("bbm:state").SetVal(string(data))

	var got state
	require.NoError(t, cache.UnmarshalGet(context.Background(), "bbm:state", &got))
	assert.Equal(t, obj, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_UnmarshalGetWithTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	obj := state{Name: "copy_tags"}
	data, err := msgpack.Marshal(obj)
	require.NoError(t, err)

	mock.ExpectGet("bbm:state").SetVal(string(data))
	mock.ExpectTTL("bbm:state").SetVal(time.Minute)

	var got state
	ttl, err := cache.UnmarshalGetWithTTL(context.Background(), "bbm:state", &got)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
	assert.Equal(t, time.Minute, ttl)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_MarshalSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db, iredis.WithDefaultTTL(time.Hour))

	obj := state{Name: "copy_tags", InFlight: 1}
	data, err := msgpack.Marshal(obj)
	require.NoError(t, err)

	mock.ExpectSet("bbm:state", data, time.Hour).SetVal("OK")

	require.NoError(t, cache.MarshalSet(context.Background(), "bbm:state", obj))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	mock.ExpectDel("bbm:state").SetVal(1)
	mock.ExpectDel("bbm:other").SetErr(errors.New("boom"))

	require.NoError(t, cache.Delete(context.Background(), "bbm:state"))
	require.EqualError(t, cache.Delete(context.Background(), "bbm:other"), "boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_RunScript(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	script := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)
	mock.ExpectEvalSha(script.Hash(), []string{"bbm:counter"}, 2).SetVal(int64(2))

	res, err := cache.RunScript(context.Background(), script, []string{"bbm:counter"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res)
	require.NoError(t, mock.ExpectationsWereMet())
}
