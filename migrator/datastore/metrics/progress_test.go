package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

// helper to build a redis client backed by miniredis
func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func noProgress(context.Context) ([]*models.BackgroundMigrationProgress, error) { return nil, nil }

func TestNewProgressCollector_DefaultsAndOptions(t *testing.T) {
	_, client := newMiniRedisClient(t)

	t.Run("with defaults", func(tt *testing.T) {
		c, err := NewProgressCollector(noProgress, client)
		require.NoError(tt, err)
		require.Equal(tt, defaultInterval, c.interval)
		require.Equal(tt, defaultLeaseDuration, c.leaseDuration)
	})

	t.Run("with custom options", func(tt *testing.T) {
		c, err := NewProgressCollector(noProgress, client, WithProgressInterval(5*time.Second), WithProgressLeaseDuration(12*time.Second))
		require.NoError(tt, err)
		require.Equal(tt, 5*time.Second, c.interval)
		require.Equal(tt, 12*time.Second, c.leaseDuration)
	})

	t.Run("zero values keep defaults", func(tt *testing.T) {
		c, err := NewProgressCollector(noProgress, client, WithProgressInterval(0), WithProgressLeaseDuration(0))
		require.NoError(tt, err)
		require.Equal(tt, defaultInterval, c.interval)
	})

	t.Run("validation: lease <= interval", func(tt *testing.T) {
		_, err := NewProgressCollector(noProgress, client, WithProgressInterval(10*time.Second), WithProgressLeaseDuration(10*time.Second))
		require.EqualError(tt, err, "progress metrics lease duration (10s) must be longer than interval (10s)")
	})
}

func TestProgressCollector_Collect(t *testing.T) {
	_, client := newMiniRedisClient(t)
	progressGauge.Reset()

	exec := func(context.Context) ([]*models.BackgroundMigrationProgress, error) {
		return []*models.BackgroundMigrationProgress{
			{MigrationID: 1, MigrationName: "backfill_a", Status: "active", Progress: 30},
			{MigrationID: 2, MigrationName: "backfill_b", Status: "finished", Progress: 100},
		}, nil
	}

	c, err := NewProgressCollector(exec, client)
	require.NoError(t, err)
	c.collect(context.Background())

	require.Equal(t, float64(30), testutil.ToFloat64(progressGauge.WithLabelValues("1", "backfill_a", "active")))
	require.Equal(t, float64(100), testutil.ToFloat64(progressGauge.WithLabelValues("2", "backfill_b", "finished")))
}

func TestProgressCollector_CollectError(t *testing.T) {
	_, client := newMiniRedisClient(t)
	progressGauge.Reset()

	exec := func(context.Context) ([]*models.BackgroundMigrationProgress, error) {
		return nil, errors.New("boom")
	}

	c, err := NewProgressCollector(exec, client)
	require.NoError(t, err)
	c.collect(context.Background())

	require.Equal(t, 0, testutil.CollectAndCount(progressGauge))
}

func TestProgressCollector_LeaderElection(t *testing.T) {
	mr, client := newMiniRedisClient(t)

	calls := make(chan struct{}, 10)
	exec := func(context.Context) ([]*models.BackgroundMigrationProgress, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil, nil
	}

	c, err := NewProgressCollector(exec, client, WithProgressInterval(50*time.Millisecond), WithProgressLeaseDuration(time.Second))
	require.NoError(t, err)

	c.Start(context.Background())

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not collect after obtaining the lease")
	}
	require.True(t, mr.Exists(progressLockKey))

	c.Stop()
	require.False(t, mr.Exists(progressLockKey))
}

func TestEstimateProgress(t *testing.T) {
	testCases := []struct {
		name         string
		total        int64
		processed    int64
		finished     bool
		wantProgress float64
		wantOK       bool
		wantCapped   bool
	}{
		{name: "finished", finished: true, wantProgress: 100, wantOK: true},
		{name: "unknown total", total: 0, processed: 10},
		{name: "partial", total: 200, processed: 50, wantProgress: 25, wantOK: true},
		{name: "processed exceeds total", total: 100, processed: 150, wantProgress: 99.9, wantOK: true, wantCapped: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			p, ok, capped := EstimateProgress(tc.total, tc.processed, tc.finished)
			require.Equal(tt, tc.wantOK, ok)
			require.Equal(tt, tc.wantCapped, capped)
			require.InDelta(tt, tc.wantProgress, p, 0.001)
		})
	}
}
