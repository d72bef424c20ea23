package bbm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/internal/feature"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

func durations(ds ...time.Duration) []models.JobMetrics {
	out := make([]models.JobMetrics, len(ds))
	for i, d := range ds {
		out[i] = models.JobMetrics{Duration: d}
	}
	return out
}

func TestOptimizeBatchSize(t *testing.T) {
	tcs := []struct {
		name     string
		bm       models.BackgroundMigration
		recent   []models.JobMetrics
		expected int
	}{
		{
			name:     "no target duration",
			bm:       models.BackgroundMigration{BatchSize: 1000},
			recent:   durations(time.Second),
			expected: 1000,
		},
		{
			name:     "no recent batches",
			bm:       models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second},
			expected: 1000,
		},
		{
			name:     "on target",
			bm:       models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second},
			recent:   durations(time.Second, time.Second),
			expected: 1000,
		},
		{
			name:     "too fast grows by at most 20%",
			bm:       models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second},
			recent:   durations(100 * time.Millisecond),
			expected: 1200,
		},
		{
			name:     "too slow shrinks by at most half",
			bm:       models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second},
			recent:   durations(10 * time.Second),
			expected: 500,
		},
		{
			name:     "proportional shrink",
			bm:       models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second},
			recent:   durations(time.Second, 1500*time.Millisecond, 1500*time.Millisecond, time.Second),
			expected: 800,
		},
		{
			name:     "capped by max batch size",
			bm:       models.BackgroundMigration{BatchSize: 1000, MaxBatchSize: 1100, TargetDuration: time.Second},
			recent:   durations(100 * time.Millisecond),
			expected: 1100,
		},
		{
			name:     "floored by min batch size",
			bm:       models.BackgroundMigration{BatchSize: 1000, MinBatchSize: 900, TargetDuration: time.Second},
			recent:   durations(10 * time.Second),
			expected: 900,
		},
		{
			name:     "zero durations grow",
			bm:       models.BackgroundMigration{BatchSize: 10, TargetDuration: time.Second},
			recent:   durations(0),
			expected: 12,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			require.Equal(tt, tc.expected, optimizeBatchSize(&tc.bm, tc.recent))
		})
	}
}

func TestOptimizeBatchSize_FeatureDisabled(t *testing.T) {
	t.Setenv(feature.AdaptiveBatchSize.EnvVariable, "false")

	bm := &models.BackgroundMigration{BatchSize: 1000, TargetDuration: time.Second}
	require.Equal(t, 1000, optimizeBatchSize(bm, durations(100*time.Millisecond)))
}

func TestMaxInFlight(t *testing.T) {
	require.Equal(t, 1, maxInFlight(&models.BackgroundMigration{BatchSize: 1000, MaxBatchSize: 1000}, 0))
	require.Equal(t, 1, maxInFlight(&models.BackgroundMigration{BatchSize: 1000}, 4))
	require.Equal(t, 4, maxInFlight(&models.BackgroundMigration{BatchSize: 1000, MaxBatchSize: 4000}, 0))
	require.Equal(t, 2, maxInFlight(&models.BackgroundMigration{BatchSize: 1000, MaxBatchSize: 4000}, 2))
}
