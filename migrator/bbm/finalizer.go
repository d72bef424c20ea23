package bbm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/bbm/metrics"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/migrator/internal"
	"github.com/tigrisdata/bbm/notifications"
)

const (
	finalizerName               = "bbm.Finalizer"
	defaultFinalizePollInterval = 5 * time.Second
)

// FinalizeOptions configures a finalization.
type FinalizeOptions struct {
	// Inline executes the remaining batches in the caller instead of waiting for the workers to do so.
	Inline bool
	// PollInterval is the interval between two checks of the remaining batches. Defaults to 5 seconds.
	PollInterval time.Duration
	// Timeout bounds the finalization. Zero means no bound other than the context.
	Timeout time.Duration
	// MaxAttempts bounds the attempts of each batch executed inline. Defaults to the migration maximum.
	MaxAttempts int
	// Progress, when set, is called with the number of succeeded batches and the total number of batches.
	Progress func(done, total int)
}

// Finalizer brings a migration to completion, either by waiting for the workers or by running the remaining batches
// in the caller.
type Finalizer struct {
	db            datastore.Handler
	executor      *Executor
	listener      notifications.Listener
	clock         internal.Clock
	logger        log.Logger
	maxJobAttempt int
	executorOpts  []ExecutorOption
}

// FinalizerOption provides functional options for NewFinalizer.
type FinalizerOption func(*Finalizer)

// WithFinalizerListener sets the listener notified of finalizations and failed batches.
func WithFinalizerListener(l notifications.Listener) FinalizerOption {
	return func(f *Finalizer) {
		f.listener = l
	}
}

// WithFinalizerClock sets the clock used for polling.
func WithFinalizerClock(c internal.Clock) FinalizerOption {
	return func(f *Finalizer) {
		f.clock = c
	}
}

// WithFinalizerLogger sets the logger.
func WithFinalizerLogger(l log.Logger) FinalizerOption {
	return func(f *Finalizer) {
		f.logger = l
	}
}

// WithFinalizerMaxJobAttempt sets the attempts of a batch for migrations with no maximum of their own.
func WithFinalizerMaxJobAttempt(n int) FinalizerOption {
	return func(f *Finalizer) {
		f.maxJobAttempt = n
	}
}

// WithFinalizerExecutorOptions configures the executor running batches inline.
func WithFinalizerExecutorOptions(opts ...ExecutorOption) FinalizerOption {
	return func(f *Finalizer) {
		f.executorOpts = append(f.executorOpts, opts...)
	}
}

// NewFinalizer creates a Finalizer executing work against db.
func NewFinalizer(db datastore.Handler, work WorkMap, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		db:            db,
		listener:      notifications.DiscardListener,
		clock:         SystemClock,
		logger:        log.GetLogger(),
		maxJobAttempt: defaultMaxJobAttempt,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithFields(log.Fields{componentKey: finalizerName})
	f.executor = NewExecutor(db, work, append([]ExecutorOption{
		WithExecutorClock(f.clock),
		WithExecutorLogger(f.logger),
	}, f.executorOpts...)...)

	return f
}

// Finalize brings the migration `name` to completion. It returns nil once every batch succeeded and an
// *IncompleteError otherwise.
func (f *Finalizer) Finalize(ctx context.Context, name string, opts FinalizeOptions) error {
	bm, err := StoreConstructor(f.db).FindMigrationByName(ctx, name)
	if err != nil {
		return err
	}
	if bm == nil {
		return fmt.Errorf("%w: %s", ErrMigrationNotFound, name)
	}
	return f.finalize(ctx, bm, opts)
}

func (f *Finalizer) finalize(ctx context.Context, bm *models.BackgroundMigration, opts FinalizeOptions) (err error) {
	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		componentKey:  finalizerName,
		bbmIDKey:      bm.ID,
		bbmNameKey:    bm.Name,
		bbmStatusKey:  bm.Status.String(),
		bbmTableKey:   bm.TableName,
		bbmColumnsKey: bm.KeyColumns.Names(),
		"inline":      opts.Inline,
	})

	if bm.Status == models.BackgroundMigrationFinished {
		l.Info("background migration already finished")
		return nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	defer func() { metrics.Finalize(bm.Name, opts.Inline, err == nil) }()

	l.Info("finalizing background migration")
	if opts.Inline {
		return f.inline(ctx, l, bm, opts)
	}
	return f.wait(ctx, l, bm, opts)
}

// wait polls the remaining batches of bm until none is left.
func (f *Finalizer) wait(ctx context.Context, l log.Logger, bm *models.BackgroundMigration, opts FinalizeOptions) error {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultFinalizePollInterval
	}
	ticker := f.clock.Ticker(interval)
	defer ticker.Stop()

	store := StoreConstructor(f.db)
	for {
		current, err := store.FindMigrationByID(ctx, bm.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ErrMigrationNotFound, bm.Name)
		}
		if current.Status == models.BackgroundMigrationFinished {
			l.Info("background migration finished")
			return nil
		}

		counts, err := store.CountJobsByStatus(ctx, bm.ID)
		if err != nil {
			return err
		}
		reportProgress(opts.Progress, counts)

		remaining := counts[models.JobPending] + counts[models.JobRunning] + counts[models.JobFailed]
		if remaining == 0 && current.PlanningComplete() {
			l.Info("every background migration batch succeeded")
			return nil
		}

		onlyFailed := counts[models.JobFailed] > 0 && counts[models.JobPending] == 0 &&
			counts[models.JobRunning] == 0 && current.PlanningComplete()
		if current.Status == models.BackgroundMigrationFailed || onlyFailed {
			return newIncompleteError(current, remaining, counts[models.JobFailed], nil)
		}

		select {
		case <-ctx.Done():
			var errs *multierror.Error
			errs = multierror.Append(errs, ctx.Err())
			return newIncompleteError(current, remaining, counts[models.JobFailed], errs)
		case <-ticker.C:
		}
	}
}

// inline executes every remaining batch of bm in the caller, holding the migration lock so that no worker ticks it
// meanwhile. Failed batches are reset and attempted again.
func (f *Finalizer) inline(ctx context.Context, l log.Logger, bm *models.BackgroundMigration, opts FinalizeOptions) error {
	lockTx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}
	defer func() { _ = lockTx.Rollback() }()

	if err := StoreConstructor(lockTx).Lock(ctx, lockKey(bm.Name)); err != nil {
		return err
	}

	store := StoreConstructor(f.db)
	bm.Status = models.BackgroundMigrationFinalizing
	bm.ErrorCode = models.NullErrCode
	if err := store.UpdateMigrationStatus(ctx, bm); err != nil {
		return err
	}

	if err := f.prepare(ctx, l, store, bm); err != nil {
		var errs *multierror.Error
		return f.conclude(ctx, l, store, bm, multierror.Append(errs, err))
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = f.maxAttempts(bm)
	}

	errs := f.runJobs(ctx, l, bm, maxAttempts, opts, nil)
	return f.conclude(ctx, l, store, bm, errs)
}

// prepare plans the remaining batches of bm and resets its failed batches.
func (f *Finalizer) prepare(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration) error {
	if !bm.PlanningComplete() {
		next := bm.NextCursor
		err := datastore.WithTransaction(ctx, f.db, func(tx datastore.Transactor) error {
			_, err := planBatches(ctx, NewPlanner(tx), StoreConstructor(tx), bm, -1)
			return err
		})
		if err != nil {
			bm.NextCursor = next
			return fmt.Errorf("planning batches: %w", err)
		}
	}

	reset, err := store.ResetFailedJobs(ctx, bm.ID)
	if err != nil {
		return fmt.Errorf("resetting failed batches: %w", err)
	}
	if reset > 0 {
		l.WithFields(log.Fields{"reset": reset}).Info("reset failed background migration batches")
	}
	return nil
}

// conclude records the outcome of an inline finalization of bm. The migration is finished when every batch is
// planned and succeeded. Otherwise it fails when failed batches remain or is handed back to the workers, and an
// *IncompleteError carrying errs is returned.
func (f *Finalizer) conclude(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration, errs *multierror.Error) error {
	// the outcome is recorded even when ctx expired
	rctx := context.WithoutCancel(ctx)
	counts, err := store.CountJobsByStatus(rctx, bm.ID)
	if err != nil {
		errs = multierror.Append(errs, err)
		// a migration left finalizing is never ticked again
		bm.Status = models.BackgroundMigrationActive
		if err := store.UpdateMigrationStatus(rctx, bm); err != nil {
			errs = multierror.Append(errs, err)
		}
		ierr := newIncompleteError(bm, 0, 0, errs)
		l.WithError(ierr).Error("background migration finalization incomplete")
		return ierr
	}
	remaining := counts[models.JobPending] + counts[models.JobRunning] + counts[models.JobFailed]

	if remaining == 0 && bm.PlanningComplete() {
		bm.Status = models.BackgroundMigrationFinished
		if err := store.UpdateMigrationStatus(rctx, bm); err != nil {
			return err
		}
		l.Info("background migration finalized")
		notify(l, f.listener.MigrationFinalized(bm))
		return nil
	}

	if counts[models.JobFailed] > 0 {
		bm.Status = models.BackgroundMigrationFailed
		bm.ErrorCode = models.JobExceedsMaxAttemptBBMErrCode
	} else {
		// interrupted, the workers pick it up from here
		bm.Status = models.BackgroundMigrationActive
	}
	if err := store.UpdateMigrationStatus(rctx, bm); err != nil {
		errs = multierror.Append(errs, err)
	}

	ierr := newIncompleteError(bm, remaining, counts[models.JobFailed], errs)
	l.WithError(ierr).Error("background migration finalization incomplete")
	if bm.Status == models.BackgroundMigrationFailed {
		notify(l, f.listener.MigrationFailed(bm, ierr))
	}
	return ierr
}

// runJobs claims and executes the pending batches of bm one at a time until none is left, ctx expires or stop
// returns true. It waits for batches running elsewhere to complete. Permanent batch failures are returned.
func (f *Finalizer) runJobs(ctx context.Context, l log.Logger, bm *models.BackgroundMigration, maxAttempts int, opts FinalizeOptions, stop func() bool) *multierror.Error {
	var errs *multierror.Error
	store := StoreConstructor(f.db)

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultFinalizePollInterval
	}

	for {
		if err := ctx.Err(); err != nil {
			return multierror.Append(errs, err)
		}
		if stop != nil && stop() {
			return errs
		}

		job, err := store.ClaimNext(ctx, bm.ID)
		if err != nil {
			return multierror.Append(errs, err)
		}

		if job == nil {
			counts, err := store.CountJobsByStatus(ctx, bm.ID)
			if err != nil {
				return multierror.Append(errs, err)
			}
			reportProgress(opts.Progress, counts)
			if counts[models.JobRunning] == 0 {
				return errs
			}
			l.WithFields(log.Fields{"running": counts[models.JobRunning]}).Info("waiting for running background migration batches")
			if err := internal.SleepContext(ctx, f.clock, interval); err != nil {
				return multierror.Append(errs, err)
			}
			continue
		}

		m, execErr := f.executor.Execute(ctx, bm, job)
		status, err := completeJob(context.WithoutCancel(ctx), l, store, f.listener, bm, job, m, execErr, maxAttempts)
		if err != nil {
			return multierror.Append(errs, err)
		}
		if status == models.JobFailed {
			errs = multierror.Append(errs, execErr)
		}
		if status == models.JobSucceeded && opts.Progress != nil {
			counts, err := store.CountJobsByStatus(ctx, bm.ID)
			if err == nil {
				reportProgress(opts.Progress, counts)
			}
		}
	}
}

// Sample executes the pending batches of the migration `name` in the caller for at most d, recording their metrics
// so that the batch size can be tuned before the migration runs in the background. The migration status is left
// unchanged.
func (f *Finalizer) Sample(ctx context.Context, name string, d time.Duration) (int, error) {
	store := StoreConstructor(f.db)
	bm, err := store.FindMigrationByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if bm == nil {
		return 0, fmt.Errorf("%w: %s", ErrMigrationNotFound, name)
	}
	if bm.Status == models.BackgroundMigrationFinished {
		return 0, nil
	}

	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		componentKey: finalizerName,
		bbmIDKey:     bm.ID,
		bbmNameKey:   bm.Name,
	})

	if !bm.PlanningComplete() {
		err := datastore.WithTransaction(ctx, f.db, func(tx datastore.Transactor) error {
			_, err := planBatches(ctx, NewPlanner(tx), StoreConstructor(tx), bm, max(bm.PlanAhead, 1))
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("planning batches: %w", err)
		}
	}

	before, err := store.CountJobsByStatus(ctx, bm.ID)
	if err != nil {
		return 0, err
	}

	deadline := f.clock.Now().Add(d)
	errs := f.runJobs(ctx, l, bm, f.maxAttempts(bm), FinalizeOptions{}, func() bool {
		return !f.clock.Now().Before(deadline)
	})

	after, err := store.CountJobsByStatus(context.WithoutCancel(ctx), bm.ID)
	if err != nil {
		return 0, err
	}
	n := after[models.JobSucceeded] - before[models.JobSucceeded]
	l.WithFields(log.Fields{"succeeded": n, "sample_duration_s": d.Seconds()}).Info("sampled background migration batches")

	if err := errs.ErrorOrNil(); err != nil && !errors.Is(err, context.Canceled) {
		return n, err
	}
	return n, nil
}

func (f *Finalizer) maxAttempts(bm *models.BackgroundMigration) int {
	if bm.MaxAttempts > 0 {
		return bm.MaxAttempts
	}
	return f.maxJobAttempt
}

func reportProgress(progress func(done, total int), counts map[models.JobStatus]int) {
	if progress == nil {
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	progress(counts[models.JobSucceeded], total)
}

func newIncompleteError(bm *models.BackgroundMigration, remaining, failed int, errs *multierror.Error) *IncompleteError {
	return &IncompleteError{
		Migration: bm.Name,
		JobName:   bm.JobName,
		Table:     bm.TableName,
		Columns:   bm.KeyColumns.Names(),
		Status:    bm.Status,
		Remaining: remaining,
		Failed:    failed,
		Err:       errs,
	}
}
