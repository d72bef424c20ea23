package bbm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/internal/testutil"
)

func TestScheduleState_Due(t *testing.T) {
	now := time.Now()

	var s *ScheduleState
	require.True(t, s.Due(now), "a migration with no state is due")

	s = &ScheduleState{NextRunAt: now.Add(time.Minute)}
	require.False(t, s.Due(now))
	require.True(t, s.Due(now.Add(time.Minute)))
}

func testScheduleStateStore(t *testing.T, store ScheduleStateStore) {
	ctx := context.Background()
	next := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	t.Run("missing state", func(tt *testing.T) {
		s, err := store.Get(ctx, "a")
		require.NoError(tt, err)
		require.Nil(tt, s)
	})

	t.Run("put and get", func(tt *testing.T) {
		err := store.Put(ctx, &ScheduleState{
			Migration:           "a",
			NextRunAt:           next,
			InFlight:            7,
			Interval:            time.Minute,
			ConsecutiveFailures: 2,
		})
		require.NoError(tt, err)

		s, err := store.Get(ctx, "a")
		require.NoError(tt, err)
		require.NotNil(tt, s)
		require.Equal(tt, "a", s.Migration)
		require.True(tt, next.Equal(s.NextRunAt))
		require.Equal(tt, time.Minute, s.Interval)
		require.Equal(tt, 2, s.ConsecutiveFailures)
		require.Zero(tt, s.InFlight, "in flight count is not written by Put")
	})

	t.Run("in flight count", func(tt *testing.T) {
		n, err := store.AddInFlight(ctx, "a", 2)
		require.NoError(tt, err)
		require.Equal(tt, 2, n)

		n, err = store.AddInFlight(ctx, "a", -1)
		require.NoError(tt, err)
		require.Equal(tt, 1, n)

		s, err := store.Get(ctx, "a")
		require.NoError(tt, err)
		require.Equal(tt, 1, s.InFlight)

		n, err = store.AddInFlight(ctx, "a", -5)
		require.NoError(tt, err)
		require.Zero(tt, n, "count never goes below zero")
	})

	t.Run("delete", func(tt *testing.T) {
		_, err := store.AddInFlight(ctx, "a", 1)
		require.NoError(tt, err)

		require.NoError(tt, store.Delete(ctx, "a"))
		s, err := store.Get(ctx, "a")
		require.NoError(tt, err)
		require.Nil(tt, s)

		n, err := store.AddInFlight(ctx, "a", 0)
		require.NoError(tt, err)
		require.Zero(tt, n)

		require.NoError(tt, store.Delete(ctx, "unknown"))
	})
}

func TestMemoryScheduleStore(t *testing.T) {
	testScheduleStateStore(t, NewMemoryScheduleStore())
}

func TestRedisScheduleStore(t *testing.T) {
	testScheduleStateStore(t, NewRedisScheduleStore(testutil.RedisCache(t, testutil.RedisCacheTTL)))
}

func TestRedisScheduleStore_Expiry(t *testing.T) {
	ctrl := testutil.NewRedisCacheController(t, testutil.RedisCacheTTL)
	store := NewRedisScheduleStore(ctrl.Cache)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &ScheduleState{Migration: "a", Interval: time.Minute}))
	_, err := store.AddInFlight(ctx, "a", 1)
	require.NoError(t, err)

	require.True(t, ctrl.Exists(stateKey("a")))
	require.True(t, ctrl.Exists(inFlightKey("a")))

	ctrl.FastForward(inFlightTTL + time.Second)
	require.False(t, ctrl.Exists(inFlightKey("a")), "abandoned in flight counts expire")

	ctrl.FastForward(scheduleStateTTL)
	require.False(t, ctrl.Exists(stateKey("a")))
}

func TestScheduleKeys(t *testing.T) {
	require.Equal(t, "bbm:scheduler:{state:a}", stateKey("a"))
	require.Equal(t, "bbm:scheduler:{state:a}:in_flight", inFlightKey("a"))
	require.Equal(t, "bbm:lease:{a}", lockKey("a"))
}
