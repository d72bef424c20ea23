package bbm

import (
	"context"
	"fmt"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

// Range is the inclusive key range of a batch.
type Range struct {
	Min cursor.Cursor
	Max cursor.Cursor
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", cursor.Format(r.Min), cursor.Format(r.Max))
}

// Planner splits the key space of a table into batches by walking boundary keys of its index. It never reads the
// rows in between.
type Planner struct {
	db datastore.Queryer
}

// NewPlanner creates a Planner reading from db.
func NewPlanner(db datastore.Queryer) *Planner {
	return &Planner{db: db}
}

// Plan returns ascending, non overlapping ranges covering every row of table, each holding at most batchSize rows
// at plan time. It returns ErrNothingToPlan when the table is empty.
func (p *Planner) Plan(ctx context.Context, table string, columns models.KeyColumns, batchSize int) ([]Range, error) {
	ks, err := datastore.NewKeyset(p.db, table, columns)
	if err != nil {
		return nil, err
	}
	first, err := ks.First(ctx)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrNothingToPlan
	}
	last, err := ks.Last(ctx)
	if err != nil {
		return nil, err
	}

	ranges, _, err := walk(ctx, ks, first, last, batchSize, -1)
	return ranges, err
}

// PlanNext plans at most n batches of bm starting at from, bounded by the greatest key present when bm was queued.
// A negative n plans every remaining batch. It returns the first key of the next unplanned batch, nil once the key
// space is exhausted.
func (p *Planner) PlanNext(ctx context.Context, bm *models.BackgroundMigration, from cursor.Cursor, batchSize, n int) ([]Range, cursor.Cursor, error) {
	if from == nil {
		return nil, nil, nil
	}
	ks, err := datastore.NewKeyset(p.db, bm.TableName, bm.KeyColumns)
	if err != nil {
		return nil, nil, err
	}
	return walk(ctx, ks, from, bm.MaxCursor, batchSize, n)
}

func walk(ctx context.Context, ks *datastore.Keyset, start, upper cursor.Cursor, batchSize, n int) ([]Range, cursor.Cursor, error) {
	if batchSize < 1 {
		return nil, nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, batchSize)
	}

	var ranges []Range
	for start != nil && (n < 0 || len(ranges) < n) {
		end, err := ks.BatchEnd(ctx, start, upper, batchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("finding batch end: %w", err)
		}
		if end == nil {
			// rows between start and upper were deleted since the last walk
			return ranges, nil, nil
		}
		ranges = append(ranges, Range{Min: start, Max: end})

		start, err = ks.After(ctx, end, upper)
		if err != nil {
			return nil, nil, fmt.Errorf("finding next batch start: %w", err)
		}
	}
	return ranges, start, nil
}

// jobsFromRanges builds the pending jobs of bm for ranges.
func jobsFromRanges(bm *models.BackgroundMigration, ranges []Range, batchSize int) models.BackgroundMigrationJobs {
	jobs := make(models.BackgroundMigrationJobs, len(ranges))
	for i, r := range ranges {
		jobs[i] = &models.BackgroundMigrationJob{
			MigrationID:  bm.ID,
			MinCursor:    r.Min,
			MaxCursor:    r.Max,
			BatchSize:    batchSize,
			SubBatchSize: bm.SubBatchSize,
			Status:       models.JobPending,
		}
	}
	return jobs
}

// planBatches plans up to n batches of bm from its next cursor, stores them as pending jobs and advances the next
// cursor. It returns the number of jobs created.
func planBatches(ctx context.Context, p *Planner, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration, n int) (int, error) {
	if bm.PlanningComplete() {
		return 0, nil
	}

	ranges, next, err := p.PlanNext(ctx, bm, bm.NextCursor, bm.BatchSize, n)
	if err != nil {
		return 0, err
	}

	if len(ranges) > 0 {
		if err := store.InsertJobs(ctx, jobsFromRanges(bm, ranges, bm.BatchSize)); err != nil {
			return 0, err
		}
	}
	if err := store.UpdateNextCursor(ctx, bm.ID, next); err != nil {
		return 0, err
	}
	bm.NextCursor = next

	return len(ranges), nil
}
