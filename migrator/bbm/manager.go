package bbm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/notifications"
)

const (
	managerName = "bbm.Manager"

	defaultBatchSize    = 1000
	defaultSubBatchSize = 100
)

// QueueOptions describes a background migration to queue.
type QueueOptions struct {
	// Name identifies the migration. Defaults to a name derived from the job name, table and key columns.
	Name string
	// JobName is the name of the registered work function.
	JobName string
	// Table is the table to migrate, optionally schema qualified.
	Table string
	// KeyColumns are the columns of a unique index of Table, in index order. The table is walked in this order.
	KeyColumns []string
	// JobArguments are passed to every batch, encoded as JSON.
	JobArguments any

	JobInterval    time.Duration
	BatchSize      int
	SubBatchSize   int
	MinBatchSize   int
	MaxBatchSize   int
	MaxAttempts    int
	Pause          time.Duration
	TargetDuration time.Duration
	TrackJobs      bool
	// PlanAhead is the number of batches planned at a time. Zero plans every batch when queueing.
	PlanAhead int
	// ChunkCommits commits every chunk of a batch on its own instead of the whole batch at once.
	ChunkCommits bool
}

// QueueDefaults are applied to the zero fields of QueueOptions.
type QueueDefaults struct {
	BatchSize      int
	SubBatchSize   int
	MinBatchSize   int
	MaxBatchSize   int
	JobInterval    time.Duration
	MinJobInterval time.Duration
	MaxAttempts    int
	Pause          time.Duration
	TargetDuration time.Duration
}

// Identity matches a migration by what it does rather than by its name.
type Identity struct {
	JobName      string
	Table        string
	Columns      []string
	JobArguments any
}

// MigrationStatus is a migration with the counts of its batches by status.
type MigrationStatus struct {
	Migration *models.BackgroundMigration
	Jobs      map[models.JobStatus]int
	// Progress is the estimated percentage of processed rows.
	Progress float64
	// Capped is set when the estimate exceeded 100% and was capped.
	Capped bool
}

// Manager is the entry point for applications and operators: it queues, inspects, finalizes and deletes
// migrations.
type Manager struct {
	db        datastore.Handler
	work      WorkMap
	finalizer *Finalizer
	states    ScheduleStateStore
	listener  notifications.Listener
	defaults  QueueDefaults
	logger    log.Logger

	finalizerOpts []FinalizerOption
}

// ManagerOption provides functional options for NewManager.
type ManagerOption func(*Manager)

// WithQueueDefaults sets the defaults of queued migrations.
func WithQueueDefaults(d QueueDefaults) ManagerOption {
	return func(m *Manager) {
		m.defaults = d
	}
}

// WithManagerScheduleStore sets the store whose state is torn down on deletion. It must be the store of the workers.
func WithManagerScheduleStore(s ScheduleStateStore) ManagerOption {
	return func(m *Manager) {
		m.states = s
	}
}

// WithManagerListener sets the listener notified of lifecycle events.
func WithManagerListener(l notifications.Listener) ManagerOption {
	return func(m *Manager) {
		m.listener = l
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithFinalizerOptions configures the finalizer of the manager.
func WithFinalizerOptions(opts ...FinalizerOption) ManagerOption {
	return func(m *Manager) {
		m.finalizerOpts = append(m.finalizerOpts, opts...)
	}
}

// NewManager creates a Manager for the migrations of db executing work.
func NewManager(db datastore.Handler, work WorkMap, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:       db,
		work:     work,
		listener: notifications.DiscardListener,
		logger:   log.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.states == nil {
		m.states = NewMemoryScheduleStore()
	}
	m.defaults = m.defaults.withFallbacks()
	m.logger = m.logger.WithFields(log.Fields{componentKey: managerName})
	m.finalizer = NewFinalizer(db, work, append([]FinalizerOption{
		WithFinalizerListener(m.listener),
		WithFinalizerLogger(m.logger),
		WithFinalizerMaxJobAttempt(m.defaults.MaxAttempts),
	}, m.finalizerOpts...)...)

	return m
}

func (d QueueDefaults) withFallbacks() QueueDefaults {
	if d.BatchSize <= 0 {
		d.BatchSize = defaultBatchSize
	}
	if d.SubBatchSize <= 0 {
		d.SubBatchSize = min(defaultSubBatchSize, d.BatchSize)
	}
	if d.JobInterval <= 0 {
		d.JobInterval = defaultJobInterval
	}
	if d.MinJobInterval <= 0 {
		d.MinJobInterval = defaultMinJobInterval
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = defaultMaxJobAttempt
	}
	return d
}

// Queue registers a migration and plans its first batches in a single transaction. Queueing a migration identical
// to an existing one returns the existing one. A table with no rows yields a finished migration.
func (m *Manager) Queue(ctx context.Context, opts QueueOptions) (*models.BackgroundMigration, error) {
	args, err := encodeArguments(opts.JobArguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := m.applyQueueDefaults(&opts); err != nil {
		return nil, err
	}

	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		componentKey:  managerName,
		bbmNameKey:    opts.Name,
		jobNameKey:    opts.JobName,
		bbmTableKey:   opts.Table,
		bbmColumnsKey: opts.KeyColumns,
	})

	var (
		bm      *models.BackgroundMigration
		created bool
	)
	err = datastore.WithTransaction(ctx, m.db, func(tx datastore.Transactor) error {
		store := StoreConstructor(tx)

		existing, err := store.FindMigrationByIdentity(ctx, opts.JobName, opts.Table, opts.KeyColumns, args)
		if err != nil {
			return err
		}
		if existing != nil {
			bm = existing
			return nil
		}

		byName, err := store.FindMigrationByName(ctx, opts.Name)
		if err != nil {
			return err
		}
		if byName != nil {
			return fmt.Errorf("%w: %s", ErrMigrationExists, opts.Name)
		}

		kc, err := datastore.DescribeKeyColumns(ctx, tx, opts.Table, opts.KeyColumns)
		if err != nil {
			if errors.Is(err, datastore.ErrUnknownTable) {
				return fmt.Errorf("%w: %w", ErrInvalidOptions, newInvalidTableError(err))
			}
			return fmt.Errorf("%w: %w", ErrInvalidOptions, newInvalidColumnError(err))
		}

		ks, err := datastore.NewKeyset(tx, opts.Table, kc)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, newInvalidColumnError(err))
		}
		first, err := ks.First(ctx)
		if err != nil {
			return err
		}
		last, err := ks.Last(ctx)
		if err != nil {
			return err
		}
		tuples, err := datastore.EstimateTupleCount(ctx, tx, opts.Table)
		if err != nil {
			return err
		}

		bm = &models.BackgroundMigration{
			Name:            opts.Name,
			JobName:         opts.JobName,
			TableName:       opts.Table,
			KeyColumns:      kc,
			JobArguments:    args,
			Status:          models.BackgroundMigrationActive,
			BatchSize:       opts.BatchSize,
			SubBatchSize:    opts.SubBatchSize,
			MinBatchSize:    opts.MinBatchSize,
			MaxBatchSize:    opts.MaxBatchSize,
			JobInterval:     opts.JobInterval,
			MaxAttempts:     opts.MaxAttempts,
			Pause:           opts.Pause,
			TargetDuration:  opts.TargetDuration,
			TrackJobs:       opts.TrackJobs,
			PlanAhead:       opts.PlanAhead,
			ChunkCommits:    opts.ChunkCommits,
			NextCursor:      first,
			MaxCursor:       last,
			TotalTupleCount: tuples,
		}
		if first == nil {
			bm.Status = models.BackgroundMigrationFinished
		}
		if err := store.CreateMigration(ctx, bm); err != nil {
			return err
		}
		created = true

		if bm.PlanningComplete() {
			return nil
		}
		n := bm.PlanAhead
		if n <= 0 {
			n = -1
		}
		if _, err := planBatches(ctx, NewPlanner(tx), store, bm, n); err != nil {
			return fmt.Errorf("planning batches: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l = l.WithFields(log.Fields{bbmIDKey: bm.ID, bbmStatusKey: bm.Status.String()})
	if !created {
		l.WithFields(log.Fields{"existing_name": bm.Name}).Info("identical background migration already queued, skipping")
		return bm, nil
	}
	l.WithFields(log.Fields{bbmBatchSizeKey: bm.BatchSize}).Info("queued background migration")
	notify(l, m.listener.MigrationQueued(bm))

	return bm, nil
}

func (m *Manager) applyQueueDefaults(opts *QueueOptions) error {
	if opts.JobName == "" || opts.Table == "" || len(opts.KeyColumns) == 0 {
		return fmt.Errorf("%w: job name, table and key columns are required", ErrInvalidOptions)
	}
	if _, err := m.work.Lookup(opts.JobName); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s_%s_%s", opts.JobName, strings.ReplaceAll(opts.Table, ".", "_"), strings.Join(opts.KeyColumns, "_"))
	}

	d := m.defaults
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = min(d.SubBatchSize, opts.BatchSize)
	}
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = min(d.MinBatchSize, opts.BatchSize)
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = max(d.MaxBatchSize, opts.BatchSize)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.Pause <= 0 {
		opts.Pause = d.Pause
	}
	if opts.TargetDuration <= 0 {
		opts.TargetDuration = d.TargetDuration
	}
	if opts.JobInterval <= 0 {
		opts.JobInterval = d.JobInterval
	}
	if opts.JobInterval < d.MinJobInterval {
		m.logger.WithFields(log.Fields{
			bbmNameKey:           opts.Name,
			"job_interval_s":     opts.JobInterval.Seconds(),
			"min_job_interval_s": d.MinJobInterval.Seconds(),
		}).Warn("background migration job interval below minimum, using minimum")
		opts.JobInterval = d.MinJobInterval
	}

	switch {
	case opts.SubBatchSize > opts.BatchSize:
		return fmt.Errorf("%w: sub batch size %d is greater than batch size %d", ErrInvalidOptions, opts.SubBatchSize, opts.BatchSize)
	case opts.MinBatchSize > opts.BatchSize:
		return fmt.Errorf("%w: min batch size %d is greater than batch size %d", ErrInvalidOptions, opts.MinBatchSize, opts.BatchSize)
	case opts.MaxBatchSize < opts.BatchSize:
		return fmt.Errorf("%w: max batch size %d is lower than batch size %d", ErrInvalidOptions, opts.MaxBatchSize, opts.BatchSize)
	case opts.PlanAhead < 0:
		return fmt.Errorf("%w: plan ahead must not be negative", ErrInvalidOptions)
	}
	return nil
}

// EnsureFinished returns nil when the migration matching id finished. With finalize set, it finalizes the migration
// inline first. A missing migration is logged and considered finished.
func (m *Manager) EnsureFinished(ctx context.Context, id Identity, finalize bool) error {
	args, err := encodeArguments(id.JobArguments)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		componentKey:  managerName,
		jobNameKey:    id.JobName,
		bbmTableKey:   id.Table,
		bbmColumnsKey: id.Columns,
	})

	store := StoreConstructor(m.db)
	bm, err := store.FindMigrationByIdentity(ctx, id.JobName, id.Table, id.Columns, args)
	if err != nil {
		return err
	}
	if bm == nil {
		l.WithFields(log.Fields{"job_arguments": string(args)}).
			Warn("could not find background migration, assuming it has been cleaned up")
		return nil
	}
	if bm.Status == models.BackgroundMigrationFinished {
		return nil
	}

	if finalize {
		return m.finalizer.finalize(ctx, bm, FinalizeOptions{Inline: true})
	}

	counts, err := store.CountJobsByStatus(ctx, bm.ID)
	if err != nil {
		return err
	}
	remaining := counts[models.JobPending] + counts[models.JobRunning] + counts[models.JobFailed]
	return newIncompleteError(bm, remaining, counts[models.JobFailed], nil)
}

// Finalize brings the migration `name` to completion, see Finalizer.
func (m *Manager) Finalize(ctx context.Context, name string, opts FinalizeOptions) error {
	return m.finalizer.Finalize(ctx, name, opts)
}

// RunAll finalizes every active migration inline, in queue order. It stops at the first migration that does not
// finish.
func (m *Manager) RunAll(ctx context.Context, opts FinalizeOptions) error {
	bms, err := StoreConstructor(m.db).ActiveMigrations(ctx)
	if err != nil {
		return err
	}

	opts.Inline = true
	for _, bm := range bms {
		if err := m.finalizer.finalize(ctx, bm, opts); err != nil {
			return err
		}
	}
	return nil
}

// Sample runs the pending batches of the migration `name` inline for at most d and returns how many succeeded.
func (m *Manager) Sample(ctx context.Context, name string, d time.Duration) (int, error) {
	return m.finalizer.Sample(ctx, name, d)
}

// Delete deletes the migration matching id and all its batches. It reports whether a migration was deleted.
// Batches executing meanwhile complete, but their result is discarded.
func (m *Manager) Delete(ctx context.Context, id Identity) (bool, error) {
	args, err := encodeArguments(id.JobArguments)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	bm, err := StoreConstructor(m.db).FindMigrationByIdentity(ctx, id.JobName, id.Table, id.Columns, args)
	if err != nil {
		return false, err
	}
	return m.delete(ctx, bm)
}

// DeleteByName is similar to Delete, but matches the migration by name.
func (m *Manager) DeleteByName(ctx context.Context, name string) (bool, error) {
	bm, err := StoreConstructor(m.db).FindMigrationByName(ctx, name)
	if err != nil {
		return false, err
	}
	return m.delete(ctx, bm)
}

func (m *Manager) delete(ctx context.Context, bm *models.BackgroundMigration) (bool, error) {
	if bm == nil {
		return false, nil
	}

	deleted, err := StoreConstructor(m.db).DeleteMigration(ctx, bm.ID)
	if err != nil || !deleted {
		return false, err
	}

	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		componentKey: managerName,
		bbmIDKey:     bm.ID,
		bbmNameKey:   bm.Name,
	})
	if err := m.states.Delete(ctx, bm.Name); err != nil {
		l.WithError(err).Warn("failed to delete schedule state")
	}
	l.Info("deleted background migration")
	notify(l, m.listener.MigrationDeleted(bm))

	return true, nil
}

// Pause pauses every active migration and returns how many were paused.
func (m *Manager) Pause(ctx context.Context) (int64, error) {
	return StoreConstructor(m.db).PauseActive(ctx)
}

// Resume resumes every paused migration and returns how many were resumed.
func (m *Manager) Resume(ctx context.Context) (int64, error) {
	return StoreConstructor(m.db).ResumePaused(ctx)
}

// Status returns every migration in queue order with its batch counts and progress.
func (m *Manager) Status(ctx context.Context) ([]*MigrationStatus, error) {
	store := StoreConstructor(m.db)

	bms, err := store.AllMigrations(ctx)
	if err != nil {
		return nil, err
	}
	progress, err := store.Progress(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.BackgroundMigrationProgress, len(progress))
	for _, p := range progress {
		byID[p.MigrationID] = p
	}

	out := make([]*MigrationStatus, 0, len(bms))
	for _, bm := range bms {
		counts, err := store.CountJobsByStatus(ctx, bm.ID)
		if err != nil {
			return nil, err
		}
		s := &MigrationStatus{Migration: bm, Jobs: counts}
		if p, ok := byID[bm.ID]; ok {
			s.Progress = p.Progress
			s.Capped = p.Capped
		}
		if bm.Status == models.BackgroundMigrationFinished {
			s.Progress = 100
		}
		out = append(out, s)
	}
	return out, nil
}

// encodeArguments encodes job arguments as JSON. Raw JSON is used as is.
func encodeArguments(v any) (models.Payload, error) {
	switch a := v.(type) {
	case nil:
		return models.Payload("{}"), nil
	case models.Payload:
		if len(a) == 0 {
			return models.Payload("{}"), nil
		}
		return a, nil
	case json.RawMessage:
		return encodeArguments(models.Payload(a))
	case []byte:
		return encodeArguments(models.Payload(a))
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding job arguments: %w", err)
	}
	return models.Payload(b), nil
}
