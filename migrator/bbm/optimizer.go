package bbm

import (
	"time"

	"github.com/tigrisdata/bbm/internal/feature"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

const (
	minBatchSizeMultiplier = 0.5
	maxBatchSizeMultiplier = 1.2
	// optimizerSampleSize is the number of recent batches averaged by the optimizer.
	optimizerSampleSize = 5
)

// optimizeBatchSize returns the batch size bm should use for the batches it plans next, moving its current batch
// size toward the size expected to run in the target duration given the average duration of recent batches.
func optimizeBatchSize(bm *models.BackgroundMigration, recent []models.JobMetrics) int {
	if !feature.AdaptiveBatchSize.Enabled() || bm.TargetDuration <= 0 || len(recent) == 0 {
		return bm.BatchSize
	}

	var total time.Duration
	for _, m := range recent {
		total += m.Duration
	}
	avg := total / time.Duration(len(recent))
	if avg <= 0 {
		return clampBatchSize(bm, int(float64(bm.BatchSize)*maxBatchSizeMultiplier))
	}

	multiplier := float64(bm.TargetDuration) / float64(avg)
	multiplier = min(max(multiplier, minBatchSizeMultiplier), maxBatchSizeMultiplier)

	return clampBatchSize(bm, int(float64(bm.BatchSize)*multiplier))
}

func clampBatchSize(bm *models.BackgroundMigration, size int) int {
	if bm.MaxBatchSize > 0 {
		size = min(size, bm.MaxBatchSize)
	}
	if bm.MinBatchSize > 0 {
		size = max(size, bm.MinBatchSize)
	}
	return max(size, 1)
}

// maxInFlight returns how many batches of bm may execute at once, capped by limit when positive.
func maxInFlight(bm *models.BackgroundMigration, limit int) int {
	n := 1
	if bm.BatchSize > 0 && bm.MaxBatchSize > bm.BatchSize {
		n = bm.MaxBatchSize / bm.BatchSize
	}
	if limit > 0 {
		n = min(n, limit)
	}
	return max(n, 1)
}
