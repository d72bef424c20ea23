package bbm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tigrisdata/bbm/log"
	prommetrics "github.com/tigrisdata/bbm/metrics"
	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/migrator/internal"
)

const (
	executorName            = "bbm.Executor"
	defaultStatementTimeout = 15 * time.Second

	chunkStartKey = "chunk_start"
	chunkEndKey   = "chunk_end"
	chunkRowsKey  = "chunk_rows"
)

// Executor runs the work function of a batch over its key range, one sub batch chunk at a time.
type Executor struct {
	db               datastore.Handler
	work             WorkMap
	clock            internal.Clock
	statementTimeout time.Duration
	logger           log.Logger
	workLogger       *slog.Logger
}

// ExecutorOption provides functional options for NewExecutor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock used to measure batches and pause between chunks.
func WithExecutorClock(c internal.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithStatementTimeout bounds each chunk. Defaults to 15 seconds.
func WithStatementTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.statementTimeout = d
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithWorkLogger sets the logger handed to work functions through Chunk.Logger. Defaults to the executor logger.
func WithWorkLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.workLogger = l
	}
}

// NewExecutor creates an Executor running work against db.
func NewExecutor(db datastore.Handler, work WorkMap, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:               db,
		work:             work,
		clock:            SystemClock,
		statementTimeout: defaultStatementTimeout,
		logger:           log.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithFields(log.Fields{componentKey: executorName})
	if e.workLogger == nil {
		l, err := log.Slog(e.logger)
		if err != nil {
			l = slog.Default()
		}
		e.workLogger = l
	}

	return e
}

// Execute runs job, a batch of bm. The whole batch runs in a single transaction unless bm commits per chunk.
// Errors are classified so that errors.Is matches ErrCursorShapeMismatch, ErrBatchExecutionTimeout or ErrCallback.
func (e *Executor) Execute(ctx context.Context, bm *models.BackgroundMigration, job *models.BackgroundMigrationJob) (models.JobMetrics, error) {
	var m models.JobMetrics
	start := e.clock.Now()

	w, err := e.work.Lookup(bm.JobName)
	if err != nil {
		return e.result(m, start), newInvalidJobSignatureError(err)
	}
	shape, err := bm.KeyColumns.Shape()
	if err != nil {
		return m, newInvalidColumnError(err)
	}
	for _, c := range []cursor.Cursor{job.MinCursor, job.MaxCursor} {
		if _, err := cursor.Decode(c, shape); err != nil {
			return m, newCursorShapeError(err)
		}
	}

	size := job.SubBatchSize
	if size < 1 {
		size = bm.SubBatchSize
	}
	if size < 1 || (job.BatchSize > 0 && size > job.BatchSize) {
		size = job.BatchSize
	}

	l := e.logger.WithFields(log.Fields{
		bbmNameKey:      bm.Name,
		jobIDKey:        job.ID,
		jobNameKey:      bm.JobName,
		jobSubBatchKey:  size,
		jobChunkCommits: bm.ChunkCommits,
	})

	next := job.MinCursor
	if bm.ChunkCommits {
		for next != nil {
			err = datastore.WithTransaction(ctx, e.db, func(tx datastore.Transactor) error {
				next, err = e.chunk(ctx, l, tx, bm, job, w, next, size, &m)
				return err
			})
			if err != nil {
				return e.result(m, start), timedOut(ctx, err)
			}
			if err := e.pause(ctx, bm, next); err != nil {
				return e.result(m, start), timedOut(ctx, err)
			}
		}
		return e.result(m, start), nil
	}

	err = datastore.WithTransaction(ctx, e.db, func(tx datastore.Transactor) error {
		for next != nil {
			var err error
			next, err = e.chunk(ctx, l, tx, bm, job, w, next, size, &m)
			if err != nil {
				return err
			}
			if err := e.pause(ctx, bm, next); err != nil {
				return err
			}
		}
		return nil
	})
	return e.result(m, start), timedOut(ctx, err)
}

// timedOut marks err as a batch timeout when ctx reached its deadline outside of a chunk, while beginning or
// committing the transaction or pausing between chunks.
func timedOut(ctx context.Context, err error) error {
	var mfe *migrationFailureError
	if err == nil || errors.As(err, &mfe) || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return newBatchTimeoutError(err)
}

func (e *Executor) result(m models.JobMetrics, start time.Time) models.JobMetrics {
	m.Duration = e.clock.Since(start)
	return m
}

func (e *Executor) pause(ctx context.Context, bm *models.BackgroundMigration, next cursor.Cursor) error {
	if next == nil || bm.Pause <= 0 {
		return nil
	}
	if err := internal.SleepContext(ctx, e.clock, bm.Pause); err != nil {
		return fmt.Errorf("pausing between chunks: %w", err)
	}
	return nil
}

// chunk runs w over the next chunk of at most size rows starting at start and returns the first key after it,
// nil when the batch is exhausted.
func (e *Executor) chunk(ctx context.Context, l log.Logger, q datastore.Queryer, bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, w Work, start cursor.Cursor, size int, m *models.JobMetrics) (cursor.Cursor, error) {
	ks, err := datastore.NewKeyset(q, bm.TableName, bm.KeyColumns)
	if err != nil {
		return nil, newInvalidColumnError(err)
	}
	end, err := ks.BatchEnd(ctx, start, job.MaxCursor, size)
	if err != nil {
		return nil, e.classify(ctx, job.ID, err, false)
	}
	if end == nil {
		return nil, nil
	}

	startVals, err := cursor.Decode(start, ks.Shape())
	if err != nil {
		return nil, newCursorShapeError(err)
	}
	endVals, err := cursor.Decode(end, ks.Shape())
	if err != nil {
		return nil, newCursorShapeError(err)
	}
	c, err := NewChunk(bm, job.ID, startVals, endVals)
	if err != nil {
		return nil, newInvalidColumnError(err)
	}
	c.logger = e.workLogger.With("migration_name", bm.Name, "job_id", job.ID)

	if _, err := q.ExecContext(ctx, "SELECT set_config('statement_timeout', $1, true)",
		strconv.FormatInt(e.statementTimeout.Milliseconds(), 10)); err != nil {
		return nil, fmt.Errorf("setting statement timeout: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, e.statementTimeout)
	defer cancel()

	chunkStart := time.Now()
	rows, err := w.Do(cctx, q, c)
	prommetrics.ChunkTimer.UpdateSince(chunkStart)
	if err != nil {
		return nil, e.classify(ctx, job.ID, err, true)
	}
	m.RowsAffected += rows
	m.Chunks++

	l.WithFields(log.Fields{
		chunkStartKey: cursor.Format(start),
		chunkEndKey:   cursor.Format(end),
		chunkRowsKey:  rows,
	}).Debug("chunk processed")

	next, err := ks.After(ctx, end, job.MaxCursor)
	if err != nil {
		return nil, e.classify(ctx, job.ID, err, false)
	}
	return next, nil
}

// classify maps a chunk failure to its batch error. A parent context past its deadline is a batch timeout,
// cancellation of the parent context is returned as is.
func (*Executor) classify(ctx context.Context, jobID int64, err error, callback bool) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newBatchTimeoutError(err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("executing batch: %w", ctx.Err())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.QueryCanceled || errors.Is(err, context.DeadlineExceeded) {
		return newBatchTimeoutError(err)
	}
	if errors.Is(err, ErrCursorShapeMismatch) {
		return newCursorShapeError(err)
	}
	if callback {
		return newCallbackError(jobID, err)
	}
	return fmt.Errorf("walking batch keys: %w", err)
}
