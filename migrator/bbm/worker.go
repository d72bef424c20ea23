//go:generate mockgen -package mocks -destination mocks/bbm.go . Handler

package bbm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tigrisdata/bbm/health"
	"github.com/tigrisdata/bbm/internal/feature"
	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/bbm/metrics"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/migrator/internal"
	"github.com/tigrisdata/bbm/notifications"
)

// TickResult is the outcome of a scheduler tick of a migration.
type TickResult = models.TickResult

const (
	TickNotDue            = models.TickNotDue
	TickHealthGateBlocked = models.TickHealthGateBlocked
	TickLocked            = models.TickLocked
	TickIdle              = models.TickIdle
	TickDispatched        = models.TickDispatched
	TickFinished          = models.TickFinished
	TickFailed            = models.TickFailed
)

type runResult struct {
	dispatched        bool
	waiting           bool
	lockedElsewhere   bool
	healthGateBlocked bool
}

const (
	componentKey                      = "component"
	workerName                        = "bbm.Worker"
	defaultMaxJobAttempt              = 3
	defaultJobInterval                = 2 * time.Minute
	defaultMinJobInterval             = 2 * time.Minute
	defaultPollInterval               = 10 * time.Second
	defaultMaxInFlight                = 4
	defaultStaleJobTimeout            = 10 * time.Minute
	defaultWorkerStartupJitterSeconds = 60
	// maxRunTimeout caps the duration of each worker run, dispatch included but not the batches it dispatched.
	maxRunTimeout = 3 * time.Minute
	// defaultJobTimeout caps the execution of a single batch.
	defaultJobTimeout = 5 * time.Minute
	// maxTickFailureShift bounds the growth of the retry interval of a migration whose ticks keep failing.
	maxTickFailureShift = 5

	backoffJitterFactor = 0.33
	maxBackoff          = 30 * time.Minute

	// Background Migration job log keys
	jobIDKey        = "job_id"
	jobNameKey      = "job_name"
	jobAttemptsKey  = "job_attempts"
	jobMinKey       = "job_min_cursor"
	jobMaxKey       = "job_max_cursor"
	jobBatchSizeKey = "job_batch_size"
	jobSubBatchKey  = "job_sub_batch_size"
	jobChunkCommits = "job_chunk_commits"
	jobDurationKey  = "job_duration_s"
	jobRowsKey      = "job_rows_affected"

	// Background Migration log keys
	bbmIDKey        = "bbm_id"
	bbmNameKey      = "bbm_name"
	bbmBatchSizeKey = "bbm_batch_size"
	bbmStatusKey    = "bbm_status"
	bbmTableKey     = "bbm_table"
	bbmColumnsKey   = "bbm_key_columns"
	bbmInFlightKey  = "bbm_in_flight"
	tickResultKey   = "tick_result"
)

// Worker is the Background Migration scheduler. On each run it ticks every active migration that is due: when the
// database is healthy, it plans the next batches and dispatches pending batches to a bounded pool of executors.
type Worker struct {
	db       datastore.Handler
	executor *Executor
	planner  *Planner
	states   ScheduleStateStore
	gate     HealthGate
	locker   Locker
	listener notifications.Listener
	logger   log.Logger
	wh       Handler

	pollInterval               time.Duration
	jobInterval                time.Duration
	minJobInterval             time.Duration
	staleJobTimeout            time.Duration
	jobTimeout                 time.Duration
	workerStartupJitterSeconds int
	maxJobAttempt              int
	maxInFlight                int
	dispatchRate               float64
	executorOpts               []ExecutorOption

	limiter *rate.Limiter
	group   *errgroup.Group
	// execCtx outlives runs so that dispatched batches are not cancelled when the run that dispatched them ends.
	execCtx    context.Context
	execCancel context.CancelFunc
	stopOnce   sync.Once
}

// Handler defines the methods required to tick background migrations. It is leveraged in tests to mock ticks.
type Handler interface {
	ActiveMigrations(context.Context) (models.BackgroundMigrations, error)
	Tick(context.Context, *models.BackgroundMigration) (TickResult, error)
}

// HealthGate reports whether the database can take background migration load.
type HealthGate interface {
	IsHealthy(ctx context.Context) bool
}

// WorkerOption provides functional options for NewWorker.
type WorkerOption func(*Worker)

// WithPollInterval sets the interval between two runs of the worker. Defaults to 10 seconds.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithJobInterval sets the interval between two ticks of migrations that do not define one. Defaults to 2 minutes.
func WithJobInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.jobInterval = d
	}
}

// WithMinJobInterval sets the lower bound of migration intervals. Defaults to 2 minutes.
func WithMinJobInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.minJobInterval = d
	}
}

// WithWorkerStartupJitterSeconds sets the max bound for the startup jitter for a worker.
func WithWorkerStartupJitterSeconds(d int) WorkerOption {
	return func(w *Worker) {
		w.workerStartupJitterSeconds = d
	}
}

// WithMaxJobAttempt sets the maximum attempts to try to execute a batch of migrations that do not define one.
func WithMaxJobAttempt(d int) WorkerOption {
	return func(w *Worker) {
		w.maxJobAttempt = d
	}
}

// WithMaxInFlight caps the number of batches executing concurrently in this process.
func WithMaxInFlight(n int) WorkerOption {
	return func(w *Worker) {
		w.maxInFlight = n
	}
}

// WithDispatchRate limits the number of batches dispatched per second. Zero means unlimited.
func WithDispatchRate(r float64) WorkerOption {
	return func(w *Worker) {
		w.dispatchRate = r
	}
}

// WithStaleJobTimeout sets the age after which running batches are considered abandoned and requeued.
func WithStaleJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.staleJobTimeout = d
	}
}

// WithJobTimeout caps the execution of a single batch.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.jobTimeout = d
	}
}

// WithExecutorOptions configures the executor of the worker.
func WithExecutorOptions(opts ...ExecutorOption) WorkerOption {
	return func(w *Worker) {
		w.executorOpts = append(w.executorOpts, opts...)
	}
}

// WithScheduleStore sets the store of scheduling state. Defaults to an in memory store.
func WithScheduleStore(s ScheduleStateStore) WorkerOption {
	return func(w *Worker) {
		w.states = s
	}
}

// WithHealthGate sets the health gate consulted before each tick.
func WithHealthGate(g HealthGate) WorkerOption {
	return func(w *Worker) {
		w.gate = g
	}
}

// WithLocker sets the lease used to tick each migration from one process at a time. Defaults to Postgres advisory
// locks.
func WithLocker(l Locker) WorkerOption {
	return func(w *Worker) {
		w.locker = l
	}
}

// WithListener sets the listener notified of migration lifecycle events.
func WithListener(l notifications.Listener) WorkerOption {
	return func(w *Worker) {
		w.listener = l
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithHandler sets the worker handler.
func WithHandler(wh Handler) WorkerOption {
	return func(w *Worker) {
		w.wh = wh
	}
}

func (w *Worker) applyDefaults() {
	if w.logger == nil {
		w.logger = log.GetLogger()
	}
	if w.pollInterval == 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.jobInterval == 0 {
		w.jobInterval = defaultJobInterval
	}
	if w.minJobInterval == 0 {
		w.minJobInterval = defaultMinJobInterval
	}
	if w.staleJobTimeout == 0 {
		w.staleJobTimeout = defaultStaleJobTimeout
	}
	if w.jobTimeout == 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.workerStartupJitterSeconds == 0 {
		w.workerStartupJitterSeconds = defaultWorkerStartupJitterSeconds
	}
	if w.maxJobAttempt == 0 {
		w.maxJobAttempt = defaultMaxJobAttempt
	}
	if w.maxInFlight == 0 {
		w.maxInFlight = defaultMaxInFlight
	}
	if w.states == nil {
		w.states = NewMemoryScheduleStore()
	}
	if w.gate == nil {
		w.gate = health.AlwaysHealthy
	}
	if w.locker == nil {
		w.locker = NewAdvisoryLocker(w.db)
	}
	if w.listener == nil {
		w.listener = notifications.DiscardListener
	}
	if w.wh == nil {
		w.wh = w
	}
}

// NewWorker creates a new Worker executing work.
func NewWorker(db datastore.Handler, work WorkMap, opts ...WorkerOption) *Worker {
	w := &Worker{db: db}
	for _, opt := range opts {
		opt(w)
	}
	w.applyDefaults()

	w.logger = w.logger.WithFields(log.Fields{componentKey: workerName})
	w.executor = NewExecutor(db, work, append([]ExecutorOption{
		WithExecutorClock(SystemClock),
		WithExecutorLogger(w.logger),
	}, w.executorOpts...)...)
	w.planner = NewPlanner(db)

	limit := rate.Inf
	if w.dispatchRate > 0 {
		limit = rate.Limit(w.dispatchRate)
	}
	w.limiter = rate.NewLimiter(limit, max(1, w.maxInFlight))

	w.group = new(errgroup.Group)
	w.group.SetLimit(w.maxInFlight)
	w.execCtx, w.execCancel = context.WithCancel(context.Background())

	return w
}

// RegisterWork registers work functions to a new Background Migration worker.
func RegisterWork(db datastore.Handler, work []Work, opts ...WorkerOption) (*Worker, error) {
	workMap, err := NewWorkMap(work)
	if err != nil {
		return nil, err
	}
	return NewWorker(db, workMap, opts...), nil
}

// ListenForBackgroundMigration runs the worker until doneChan is closed or ctx is done. The returned channel is
// closed once the worker stopped and every dispatched batch completed.
func (w *Worker) ListenForBackgroundMigration(ctx context.Context, doneChan <-chan struct{}) (chan struct{}, error) {
	// gracefulFinish signals upstream processes that the worker completed any in-flight batches.
	gracefulFinish := make(chan struct{})
	b := BackoffConstructor(w.pollInterval, maxBackoff)

	// nolint: gosec // used only for jitter calculation
	jitter := time.Duration(rand.Int64N(int64(w.workerStartupJitterSeconds))) * time.Second
	w.logger.WithFields(log.Fields{"jitter_s": jitter.Seconds()}).Info("starting bbm worker")

	go func() {
		defer close(gracefulFinish)
		defer w.Stop()

		if err := internal.SleepContext(ctx, SystemClock, jitter); err != nil {
			w.logger.Info("context canceled: shutting down...")
			return
		}

		for {
			select {
			case <-doneChan:
				w.logger.Info("received shutdown signal: shutting down...")
				return
			case <-ctx.Done():
				w.logger.Info("context canceled: shutting down...")
				return
			default:
			}

			start := SystemClock.Now()
			w.logger.Debug("starting worker run...")
			report := metrics.WorkerRun(workerName)
			res, err := w.run(ctx)
			if w.shouldResetBackOff(res, err) {
				b.Reset()
			}
			report()
			w.logger.WithFields(log.Fields{"duration_s": SystemClock.Since(start).Seconds()}).Debug("run complete")

			sleep := b.NextBackOff()
			w.logger.WithFields(log.Fields{"duration_s": sleep.Seconds()}).Debug("sleeping")
			metrics.WorkerSleep(workerName, sleep)

			select {
			case <-doneChan:
				w.logger.Info("received shutdown signal: shutting down...")
				return
			case <-ctx.Done():
				w.logger.Info("context canceled: shutting down...")
				return
			case <-SystemClock.After(sleep):
			}
		}
	}()

	return gracefulFinish, nil
}

// Stop waits for dispatched batches to complete. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		_ = w.group.Wait()
		w.execCancel()
	})
}

// run ticks every active migration once.
func (w *Worker) run(ctx context.Context) (runResult, error) {
	var res runResult

	ctx = correlation.ContextWithCorrelation(ctx, correlation.ExtractFromContextOrGenerate(ctx))
	l := w.logger.WithFields(log.Fields{correlation.FieldName: correlation.ExtractFromContext(ctx)})
	ctx = log.WithLogger(ctx, l)

	ctx, cancel := context.WithTimeout(ctx, maxRunTimeout)
	defer cancel()

	bms, err := w.wh.ActiveMigrations(ctx)
	if err != nil {
		l.WithError(err).Error("failed to find active background migrations")
		errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
		return res, err
	}

	var errs *multierror.Error
	for _, bm := range bms {
		r, err := w.wh.Tick(ctx, bm)
		metrics.Tick(bm.Name, r.String())
		if err != nil {
			l.WithError(err).WithFields(log.Fields{bbmNameKey: bm.Name}).Error("background migration tick failed")
			errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
			errs = multierror.Append(errs, fmt.Errorf("ticking %s: %w", bm.Name, err))
			continue
		}

		switch r {
		case TickDispatched, TickFinished, TickFailed:
			res.dispatched = true
		case TickNotDue:
			res.waiting = true
		case TickLocked:
			res.lockedElsewhere = true
		case TickHealthGateBlocked:
			res.healthGateBlocked = true
		}
	}

	return res, errs.ErrorOrNil()
}

// ActiveMigrations returns the active background migrations in queue order.
func (w *Worker) ActiveMigrations(ctx context.Context) (models.BackgroundMigrations, error) {
	return StoreConstructor(w.db).ActiveMigrations(ctx)
}

// Tick runs one scheduler tick of bm. A migration that is not due, or whose lease is held by another process, is
// left untouched. When the health gate is closed the tick returns TickHealthGateBlocked without any write.
func (w *Worker) Tick(ctx context.Context, bm *models.BackgroundMigration) (res TickResult, err error) {
	l := log.GetLogger(ctx).WithFields(log.Fields{
		componentKey:    workerName,
		bbmIDKey:        bm.ID,
		bbmNameKey:      bm.Name,
		bbmStatusKey:    bm.Status.String(),
		bbmBatchSizeKey: bm.BatchSize,
		bbmTableKey:     bm.TableName,
		bbmColumnsKey:   bm.KeyColumns.Names(),
	})

	state, err := w.states.Get(ctx, bm.Name)
	if err != nil {
		return TickIdle, err
	}
	now := SystemClock.Now()
	if !state.Due(now) {
		return TickNotDue, nil
	}

	if feature.HealthGate.Enabled() && !w.gate.IsHealthy(ctx) {
		l.Warn("database is unhealthy, skipping background migration tick")
		metrics.HealthGateBlocked(bm.Name)
		return TickHealthGateBlocked, nil
	}

	release, err := w.locker.Obtain(ctx, lockKey(bm.Name), maxRunTimeout)
	if err != nil {
		if errors.Is(err, datastore.ErrBackgroundMigrationLockInUse) {
			l.Debug("background migration lease is held by another process")
			return TickLocked, nil
		}
		return TickIdle, err
	}
	defer release()

	if state == nil {
		state = &ScheduleState{Migration: bm.Name}
	}
	interval := bm.JobInterval
	if interval <= 0 {
		interval = w.jobInterval
	}
	state.Interval = max(interval, w.minJobInterval)

	defer func() {
		if res == TickFinished || res == TickFailed {
			return
		}
		if err != nil {
			state.ConsecutiveFailures++
			state.NextRunAt = now.Add(state.Interval << min(state.ConsecutiveFailures, maxTickFailureShift))
		} else {
			state.ConsecutiveFailures = 0
			state.NextRunAt = now.Add(state.Interval)
		}
		if perr := w.states.Put(ctx, state); perr != nil {
			l.WithError(perr).Error("failed to store schedule state")
			if err == nil {
				err = perr
			}
		}
	}()

	store := StoreConstructor(w.db)

	if feature.StaleJobRecovery.Enabled() {
		n, err := store.RequeueStaleRunning(ctx, bm.ID, w.staleJobTimeout)
		if err != nil {
			return TickIdle, err
		}
		if n > 0 {
			l.WithFields(log.Fields{"requeued": n}).Warn("requeued stale background migration batches")
		}
	}

	if !bm.PlanningComplete() {
		if err := w.optimize(ctx, l, store, bm); err != nil {
			return TickIdle, err
		}
	}

	counts, err := store.CountJobsByStatus(ctx, bm.ID)
	if err != nil {
		return TickIdle, err
	}

	ceiling := maxInFlight(bm, w.maxInFlight)
	slots := ceiling - state.InFlight
	if !bm.PlanningComplete() && counts[models.JobPending] < ceiling {
		n := max(bm.PlanAhead, ceiling-counts[models.JobPending])
		err := datastore.WithTransaction(ctx, w.db, func(tx datastore.Transactor) error {
			created, err := planBatches(ctx, NewPlanner(tx), StoreConstructor(tx), bm, n)
			counts[models.JobPending] += created
			return err
		})
		if err != nil {
			return TickIdle, fmt.Errorf("planning batches: %w", err)
		}
	}

	dispatched := 0
	for ; dispatched < slots; dispatched++ {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		job, err := store.ClaimNext(ctx, bm.ID)
		if err != nil {
			return TickIdle, err
		}
		if job == nil {
			break
		}
		n, err := w.states.AddInFlight(ctx, bm.Name, 1)
		if err != nil {
			l.WithError(err).Error("failed to count in flight batch")
		}
		metrics.InFlight(bm.Name, n)
		w.dispatch(l, *bm, job)
	}

	l = l.WithFields(log.Fields{"dispatched": dispatched, bbmInFlightKey: state.InFlight})
	if dispatched > 0 {
		l.Info("dispatched background migration batches")
		return TickDispatched, nil
	}

	if state.InFlight > 0 || !bm.PlanningComplete() ||
		counts[models.JobPending] > 0 || counts[models.JobRunning] > 0 {
		l.Debug("no background migration batch dispatched")
		return TickIdle, nil
	}

	if counts[models.JobFailed] > 0 {
		return TickFailed, w.fail(ctx, l, store, bm, counts[models.JobFailed])
	}
	return TickFinished, w.finish(ctx, l, store, bm)
}

func (w *Worker) optimize(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration) error {
	recent, err := store.RecentJobMetrics(ctx, bm.ID, optimizerSampleSize)
	if err != nil {
		return err
	}
	size := optimizeBatchSize(bm, recent)
	if size == bm.BatchSize {
		return nil
	}
	if err := store.UpdateBatchSize(ctx, bm.ID, size); err != nil {
		return err
	}
	l.WithFields(log.Fields{"previous_batch_size": bm.BatchSize, "batch_size": size}).Info("adapted background migration batch size")
	bm.BatchSize = size
	metrics.BatchSize(bm.Name, size)
	return nil
}

func (w *Worker) finish(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration) error {
	bm.Status = models.BackgroundMigrationFinished
	bm.ErrorCode = models.NullErrCode
	if err := store.UpdateMigrationStatus(ctx, bm); err != nil {
		return err
	}
	if err := w.states.Delete(ctx, bm.Name); err != nil {
		l.WithError(err).Warn("failed to delete schedule state")
	}
	l.Info("background migration finished")
	notify(l, w.listener.MigrationFinished(bm))
	return nil
}

func (w *Worker) fail(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, bm *models.BackgroundMigration, failed int) error {
	bm.Status = models.BackgroundMigrationFailed
	bm.ErrorCode = models.JobExceedsMaxAttemptBBMErrCode
	if err := store.UpdateMigrationStatus(ctx, bm); err != nil {
		return err
	}
	if err := w.states.Delete(ctx, bm.Name); err != nil {
		l.WithError(err).Warn("failed to delete schedule state")
	}

	err := fmt.Errorf("%w: %d batches of %s failed permanently", ErrMaxJobAttemptsReached, failed, bm.Name)
	l.WithError(err).Error("background migration failed")
	errortracking.Capture(err, errortracking.WithContext(ctx))
	notify(l, w.listener.MigrationFailed(bm, err))
	return nil
}

// dispatch executes job asynchronously. It blocks while the pool is full.
func (w *Worker) dispatch(l log.Logger, bm models.BackgroundMigration, job *models.BackgroundMigrationJob) {
	w.group.Go(func() error {
		ctx, cancel := context.WithTimeout(w.execCtx, w.jobTimeout)
		defer cancel()

		defer func() {
			n, err := w.states.AddInFlight(w.execCtx, bm.Name, -1)
			if err != nil {
				l.WithError(err).Error("failed to count in flight batch")
			}
			metrics.InFlight(bm.Name, n)
		}()

		m, err := w.executor.Execute(ctx, &bm, job)
		// the outcome is recorded even when the batch ran past its deadline
		completeJob(context.WithoutCancel(ctx), l, StoreConstructor(w.db), w.listener, &bm, job, m, err, w.maxAttempts(&bm))
		return nil
	})
}

func (w *Worker) maxAttempts(bm *models.BackgroundMigration) int {
	if bm.MaxAttempts > 0 {
		return bm.MaxAttempts
	}
	return w.maxJobAttempt
}

// completeJob reports the outcome of a batch execution. A failed batch is requeued while it has attempts left and
// its failure is retryable, otherwise it fails permanently. It returns the status the batch ended in.
func completeJob(ctx context.Context, l log.Logger, store datastore.BackgroundMigrationStore, listener notifications.Listener, bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, m models.JobMetrics, execErr error, maxAttempts int) (models.JobStatus, error) {
	l = l.WithFields(log.Fields{
		jobIDKey:        job.ID,
		jobNameKey:      bm.JobName,
		jobAttemptsKey:  job.Attempts,
		jobMinKey:       job.MinCursor.String(),
		jobMaxKey:       job.MaxCursor.String(),
		jobBatchSizeKey: job.BatchSize,
		jobDurationKey:  m.Duration.Seconds(),
		jobRowsKey:      m.RowsAffected,
	})

	if execErr == nil {
		ok, err := store.CompleteJob(ctx, job.ID, models.JobResult{Status: models.JobSucceeded, Metrics: m})
		if err != nil {
			l.WithError(err).Error("failed to complete background migration batch")
			return models.JobRunning, err
		}
		if !ok {
			l.Info("background migration batch is no longer running, result discarded")
			return models.JobRunning, nil
		}
		metrics.Job(bm.Name, bm.JobName, models.JobSucceeded.String(), m.Duration, m.RowsAffected)
		l.Info("background migration batch succeeded")
		return models.JobSucceeded, nil
	}

	if retryable(execErr) && job.Attempts < maxAttempts {
		ok, err := store.RequeueJob(ctx, job.ID, execErr.Error())
		if err != nil {
			l.WithError(err).Error("failed to requeue background migration batch")
			return models.JobRunning, err
		}
		if ok {
			l.WithError(execErr).Warn("background migration batch failed, requeued")
		}
		metrics.Job(bm.Name, bm.JobName, "requeued", m.Duration, 0)
		return models.JobPending, nil
	}

	code := errorCode(execErr)
	if retryable(execErr) {
		execErr = fmt.Errorf("%w after %d attempts: %w", ErrMaxJobAttemptsReached, job.Attempts, execErr)
	}
	ok, err := store.CompleteJob(ctx, job.ID, models.JobResult{
		Status:    models.JobFailed,
		Metrics:   m,
		LastError: execErr.Error(),
		ErrorCode: code,
	})
	if err != nil {
		l.WithError(err).Error("failed to fail background migration batch")
		return models.JobRunning, err
	}
	if !ok {
		l.Info("background migration batch is no longer running, result discarded")
		return models.JobRunning, nil
	}

	metrics.Job(bm.Name, bm.JobName, models.JobFailed.String(), m.Duration, 0)
	l.WithError(execErr).Error("background migration batch failed permanently")
	errortracking.Capture(execErr, errortracking.WithContext(ctx))
	job.Status = models.JobFailed
	job.ErrorCode = code
	notify(l, listener.JobFailed(bm, job, execErr))

	return models.JobFailed, nil
}

func notify(l log.Logger, err error) {
	if err != nil {
		l.WithError(err).Warn("failed to notify background migration event")
	}
}

var (
	// for testing purposes (mocks)
	BackoffConstructor                = newBackoff
	SystemClock        internal.Clock = clock.New()
	StoreConstructor                  = datastore.NewBackgroundMigrationStore
)

// Backoff computes the sleep between two worker runs.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

func newBackoff(initInterval, maxInterval time.Duration) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = backoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = SystemClock
	b.Reset()

	return b
}

// shouldResetBackOff decides whether to reset or continue backoff based on worker results.
// Returns true if backoff should be reset, false if it should continue.
func (w *Worker) shouldResetBackOff(result runResult, err error) bool {
	if err != nil {
		// Backoff continues on error
		w.logger.WithError(err).Error("failed run. Throttling background migration worker")
		return false
	}

	// Backoff continues while the database is unhealthy
	if result.healthGateBlocked {
		w.logger.Info("database is unhealthy. Throttling background migration worker")
		return false
	}

	// Reset backoff when batches were dispatched, when a migration is waiting for its next tick, or when another
	// process holds a lease
	if result.dispatched || result.waiting || result.lockedElsewhere {
		return true
	}

	// Default: continue backoff (no work found)
	w.logger.Debug("no background migration work found. Throttling background migration worker")
	return false
}
