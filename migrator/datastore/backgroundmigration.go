//go:generate mockgen -package mocks -destination mocks/backgroundmigration.go . BackgroundMigrationStore

package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/guregu/null/v6"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore/metrics"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

var (
	// ErrBackgroundMigrationLockInUse is returned when a background migration advisory lock could not be obtained.
	// This is most likely to occur when another process is ticking or finalizing the same migration.
	ErrBackgroundMigrationLockInUse = errors.New("background migration lock is already taken")
	// ErrBackgroundMigrationNotFound is returned when an update targets a migration that does not exist.
	ErrBackgroundMigrationNotFound = errors.New("background migration not found")
)

// insertJobsChunkSize bounds the number of rows of a single multi-row insert.
const insertJobsChunkSize = 1000

// BackgroundMigrationStore is the interface that a background migration store should conform to.
type BackgroundMigrationStore interface {
	// CreateMigration creates a new background migration definition, setting its ID and creation time.
	CreateMigration(ctx context.Context, bm *models.BackgroundMigration) error
	// FindMigrationByID finds a background migration with id `id`.
	FindMigrationByID(ctx context.Context, id int64) (*models.BackgroundMigration, error)
	// FindMigrationByName finds a background migration with name `name`.
	FindMigrationByName(ctx context.Context, name string) (*models.BackgroundMigration, error)
	// FindMigrationByIdentity finds a background migration by job name, table, key column names and job arguments.
	FindMigrationByIdentity(ctx context.Context, jobName, table string, columns []string, args models.Payload) (*models.BackgroundMigration, error)
	// AllMigrations returns all background migrations in queue order.
	AllMigrations(ctx context.Context) (models.BackgroundMigrations, error)
	// ActiveMigrations returns the active background migrations in queue order.
	ActiveMigrations(ctx context.Context) (models.BackgroundMigrations, error)
	// UpdateMigrationStatus updates the `status` and `failure_error_code` of a background migration.
	UpdateMigrationStatus(ctx context.Context, bm *models.BackgroundMigration) error
	// UpdateBatchSize updates the batch size used for batches planned from now on.
	UpdateBatchSize(ctx context.Context, id int64, batchSize int) error
	// UpdateNextCursor records the first key not yet covered by a planned batch. A nil cursor marks planning complete.
	UpdateNextCursor(ctx context.Context, id int64, next cursor.Cursor) error
	// DeleteMigration deletes a background migration and, by cascade, all its jobs.
	DeleteMigration(ctx context.Context, id int64) (bool, error)
	// PauseActive pauses all active background migrations.
	PauseActive(ctx context.Context) (int64, error)
	// ResumePaused resumes all paused background migrations.
	ResumePaused(ctx context.Context) (int64, error)

	// InsertJobs creates pending jobs, setting their IDs.
	InsertJobs(ctx context.Context, jobs models.BackgroundMigrationJobs) error
	// ClaimNext atomically turns the pending job with the lowest ID into a running job, incrementing its attempts.
	// Returns nil when no job is pending.
	ClaimNext(ctx context.Context, migrationID int64) (*models.BackgroundMigrationJob, error)
	// CompleteJob transitions a running job to its final status. Returns false when no running job with that ID
	// exists.
	CompleteJob(ctx context.Context, id int64, res models.JobResult) (bool, error)
	// RequeueJob turns a running or failed job back into a pending job.
	RequeueJob(ctx context.Context, id int64, lastError string) (bool, error)
	// CountRemaining counts the jobs of a migration that have not succeeded.
	CountRemaining(ctx context.Context, migrationID int64) (int, error)
	// CountJobsByStatus counts the jobs of a migration by status.
	CountJobsByStatus(ctx context.Context, migrationID int64) (map[models.JobStatus]int, error)
	// FindJobs returns all jobs of a migration in key order.
	FindJobs(ctx context.Context, migrationID int64) (models.BackgroundMigrationJobs, error)
	// FailedJobs returns the permanently failed jobs of a migration.
	FailedJobs(ctx context.Context, migrationID int64) (models.BackgroundMigrationJobs, error)
	// ResetFailedJobs turns failed jobs back into pending jobs with no attempts.
	ResetFailedJobs(ctx context.Context, migrationID int64) (int64, error)
	// RequeueStaleRunning requeues running jobs started longer than `olderThan` ago.
	RequeueStaleRunning(ctx context.Context, migrationID int64, olderThan time.Duration) (int64, error)
	// RecentJobMetrics returns the metrics of the last `n` succeeded jobs of a migration, most recent first.
	RecentJobMetrics(ctx context.Context, migrationID int64, n int) ([]models.JobMetrics, error)
	// TransitionLogs returns the status transitions of a job, oldest first.
	TransitionLogs(ctx context.Context, jobID int64) ([]*models.JobTransitionLog, error)
	// Progress returns the progress inputs of every migration.
	Progress(ctx context.Context) ([]*models.BackgroundMigrationProgress, error)

	// TryLock takes the transaction advisory lock `key`, failing with ErrBackgroundMigrationLockInUse if it is held.
	TryLock(ctx context.Context, key string) error
	// Lock is similar to TryLock, but waits until the lock can be obtained or the context expires.
	Lock(ctx context.Context, key string) error
}

// NewBackgroundMigrationStore builds a new backgroundMigrationStore.
func NewBackgroundMigrationStore(db Queryer) BackgroundMigrationStore {
	return &backgroundMigrationStore{db: db}
}

// backgroundMigrationStore is the concrete implementation of a BackgroundMigrationStore.
type backgroundMigrationStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

const migrationColumns = `id,
	name,
	job_name,
	table_name,
	key_columns,
	job_arguments,
	status,
	batch_size,
	sub_batch_size,
	min_batch_size,
	max_batch_size,
	job_interval_ms,
	max_attempts,
	pause_ms,
	target_duration_ms,
	track_jobs,
	plan_ahead,
	chunk_commits,
	next_cursor,
	max_cursor,
	total_tuple_count,
	failure_error_code,
	created_at,
	updated_at,
	finished_at`

var jobColumnNames = []string{
	"id",
	"batched_background_migration_id",
	"min_cursor",
	"max_cursor",
	"batch_size",
	"sub_batch_size",
	"status",
	"attempts",
	"started_at",
	"finished_at",
	"duration_ms",
	"rows_affected",
	"last_error",
	"failure_error_code",
	"created_at",
	"updated_at",
}

// jobColumns returns the job column list, each qualified with `prefix` if not empty.
func jobColumns(prefix string) string {
	if prefix == "" {
		return strings.Join(jobColumnNames, ", ")
	}
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		cols[i] = prefix + "." + c
	}
	return strings.Join(cols, ", ")
}

// transitionLogCTE writes an audit record for every row of the `updated` CTE whose migration tracks jobs. The
// `updated` CTE must return the job id, migration id, previous status, new status and last error.
const transitionLogCTE = `logged AS (
		INSERT INTO batched_background_migration_job_transition_logs (job_id, previous_status, next_status, exception_message)
		SELECT
			u.id,
			u.previous_status,
			u.status,
			u.last_error
		FROM
			updated AS u
			JOIN batched_background_migrations AS m ON m.id = u.batched_background_migration_id
		WHERE
			m.track_jobs
)`

// CreateMigration creates a new background migration definition.
func (bms *backgroundMigrationStore) CreateMigration(ctx context.Context, bm *models.BackgroundMigration) error {
	defer metrics.InstrumentQuery("bbm_create_migration")()

	q := `INSERT INTO batched_background_migrations (name, job_name, table_name, key_columns, job_arguments, status,
			batch_size, sub_batch_size, min_batch_size, max_batch_size, job_interval_ms, max_attempts, pause_ms,
			target_duration_ms, track_jobs, plan_ahead, chunk_commits, next_cursor, max_cursor, total_tuple_count,
			finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				CASE WHEN $6 = $21 THEN now() END)
		RETURNING
			id, created_at, finished_at`

	row := bms.db.QueryRowContext(ctx, q,
		bm.Name, bm.JobName, bm.TableName, bm.KeyColumns, bm.JobArguments, int(bm.Status),
		bm.BatchSize, bm.SubBatchSize, bm.MinBatchSize, bm.MaxBatchSize, bm.JobInterval.Milliseconds(),
		bm.MaxAttempts, bm.Pause.Milliseconds(), bm.TargetDuration.Milliseconds(), bm.TrackJobs, bm.PlanAhead,
		bm.ChunkCommits, bm.NextCursor, bm.MaxCursor, bm.TotalTupleCount, int(models.BackgroundMigrationFinished),
	)
	if err := row.Scan(&bm.ID, &bm.CreatedAt, &bm.FinishedAt); err != nil {
		return fmt.Errorf("creating background migration: %w", err)
	}
	return nil
}

// FindMigrationByID finds a background migration with id `id`.
func (bms *backgroundMigrationStore) FindMigrationByID(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	defer metrics.InstrumentQuery("bbm_find_migration_by_id")()

	q := `SELECT ` + migrationColumns + ` FROM batched_background_migrations WHERE id = $1`

	return scanBackgroundMigration(bms.db.QueryRowContext(ctx, q, id))
}

// FindMigrationByName finds a background migration with name `name`.
func (bms *backgroundMigrationStore) FindMigrationByName(ctx context.Context, name string) (*models.BackgroundMigration, error) {
	defer metrics.InstrumentQuery("bbm_find_migration_by_name")()

	q := `SELECT ` + migrationColumns + ` FROM batched_background_migrations WHERE name = $1`

	return scanBackgroundMigration(bms.db.QueryRowContext(ctx, q, name))
}

// FindMigrationByIdentity finds a background migration by job name, table, key column names and job arguments.
func (bms *backgroundMigrationStore) FindMigrationByIdentity(ctx context.Context, jobName, table string, columns []string, args models.Payload) (*models.BackgroundMigration, error) {
	defer metrics.InstrumentQuery("bbm_find_migration_by_identity")()

	names, err := json.Marshal(columns)
	if err != nil {
		return nil, fmt.Errorf("encoding key column names: %w", err)
	}

	q := `SELECT ` + migrationColumns + `
		FROM
			batched_background_migrations
		WHERE
			job_name = $1
			AND table_name = $2
			AND jsonb_path_query_array(key_columns, '$[*].name') = $3::jsonb
			AND job_arguments = $4::jsonb
		ORDER BY
			id DESC
		LIMIT 1`

	return scanBackgroundMigration(bms.db.QueryRowContext(ctx, q, jobName, table, string(names), args))
}

// AllMigrations returns all background migrations in queue order.
func (bms *backgroundMigrationStore) AllMigrations(ctx context.Context) (models.BackgroundMigrations, error) {
	defer metrics.InstrumentQuery("bbm_all_migrations")()

	q := `SELECT ` + migrationColumns + ` FROM batched_background_migrations ORDER BY id ASC`

	rows, err := bms.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding background migrations: %w", err)
	}

	return scanBackgroundMigrations(rows)
}

// ActiveMigrations returns the active background migrations in queue order.
func (bms *backgroundMigrationStore) ActiveMigrations(ctx context.Context) (models.BackgroundMigrations, error) {
	defer metrics.InstrumentQuery("bbm_active_migrations")()

	q := `SELECT ` + migrationColumns + ` FROM batched_background_migrations WHERE status = $1 ORDER BY id ASC`

	rows, err := bms.db.QueryContext(ctx, q, int(models.BackgroundMigrationActive))
	if err != nil {
		return nil, fmt.Errorf("finding active background migrations: %w", err)
	}

	return scanBackgroundMigrations(rows)
}

// UpdateMigrationStatus updates the `status` and `failure_error_code` of a background migration.
func (bms *backgroundMigrationStore) UpdateMigrationStatus(ctx context.Context, bm *models.BackgroundMigration) error {
	defer metrics.InstrumentQuery("bbm_update_migration_status")()

	q := `UPDATE
			batched_background_migrations
		SET
			status = $1,
			failure_error_code = $2,
			updated_at = now(),
			finished_at = CASE WHEN $1 = $4 THEN
				now()
			ELSE
				NULL
			END
		WHERE
			id = $3
		RETURNING
			status,
			failure_error_code,
			updated_at,
			finished_at`

	row := bms.db.QueryRowContext(ctx, q, int(bm.Status), bm.ErrorCode, bm.ID, int(models.BackgroundMigrationFinished))
	if err := row.Scan(&bm.Status, &bm.ErrorCode, &bm.UpdatedAt, &bm.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBackgroundMigrationNotFound
		}
		return fmt.Errorf("updating background migration status: %w", err)
	}
	return nil
}

// UpdateBatchSize updates the batch size used for batches planned from now on.
func (bms *backgroundMigrationStore) UpdateBatchSize(ctx context.Context, id int64, batchSize int) error {
	defer metrics.InstrumentQuery("bbm_update_batch_size")()

	q := `UPDATE batched_background_migrations SET batch_size = $1, updated_at = now() WHERE id = $2`
	res, err := bms.db.ExecContext(ctx, q, batchSize, id)
	if err != nil {
		return fmt.Errorf("updating background migration batch size: %w", err)
	}
	return expectOneRow(res)
}

// UpdateNextCursor records the first key not yet covered by a planned batch.
func (bms *backgroundMigrationStore) UpdateNextCursor(ctx context.Context, id int64, next cursor.Cursor) error {
	defer metrics.InstrumentQuery("bbm_update_next_cursor")()

	q := `UPDATE batched_background_migrations SET next_cursor = $1, updated_at = now() WHERE id = $2`
	res, err := bms.db.ExecContext(ctx, q, next, id)
	if err != nil {
		return fmt.Errorf("updating background migration next cursor: %w", err)
	}
	return expectOneRow(res)
}

// DeleteMigration deletes a background migration and all its jobs.
func (bms *backgroundMigrationStore) DeleteMigration(ctx context.Context, id int64) (bool, error) {
	defer metrics.InstrumentQuery("bbm_delete_migration")()

	res, err := bms.db.ExecContext(ctx, `DELETE FROM batched_background_migrations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting background migration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting background migration: %w", err)
	}
	return n == 1, nil
}

// PauseActive pauses all active background migrations.
func (bms *backgroundMigrationStore) PauseActive(ctx context.Context) (int64, error) {
	defer metrics.InstrumentQuery("bbm_pause_active")()

	q := `UPDATE
			batched_background_migrations
		SET
			status = $1,
			updated_at = now()
		WHERE
			status = $2`
	res, err := bms.db.ExecContext(ctx, q, int(models.BackgroundMigrationPaused), int(models.BackgroundMigrationActive))
	if err != nil {
		return 0, fmt.Errorf("pausing background migrations: %w", err)
	}
	return res.RowsAffected()
}

// ResumePaused resumes all paused background migrations.
func (bms *backgroundMigrationStore) ResumePaused(ctx context.Context) (int64, error) {
	defer metrics.InstrumentQuery("bbm_resume_paused")()

	q := `UPDATE
			batched_background_migrations
		SET
			status = $1,
			updated_at = now()
		WHERE
			status = $2`
	res, err := bms.db.ExecContext(ctx, q, int(models.BackgroundMigrationActive), int(models.BackgroundMigrationPaused))
	if err != nil {
		return 0, fmt.Errorf("resuming background migrations: %w", err)
	}
	return res.RowsAffected()
}

// InsertJobs creates pending jobs with multi-row inserts.
func (bms *backgroundMigrationStore) InsertJobs(ctx context.Context, jobs models.BackgroundMigrationJobs) error {
	defer metrics.InstrumentQuery("bbm_insert_jobs")()

	for start := 0; start < len(jobs); start += insertJobsChunkSize {
		end := min(start+insertJobsChunkSize, len(jobs))
		chunk := jobs[start:end]

		qb := sq.Insert("batched_background_migration_jobs").
			Columns("batched_background_migration_id", "min_cursor", "max_cursor", "batch_size", "sub_batch_size", "status").
			Suffix("RETURNING id, min_cursor, created_at").
			PlaceholderFormat(sq.Dollar)
		byMin := make(map[string]*models.BackgroundMigrationJob, len(chunk))
		for _, j := range chunk {
			qb = qb.Values(j.MigrationID, j.MinCursor, j.MaxCursor, j.BatchSize, j.SubBatchSize, int(models.JobPending))
			byMin[string(j.MinCursor)] = j
		}

		q, args, err := qb.ToSql()
		if err != nil {
			return fmt.Errorf("building background migration jobs insert: %w", err)
		}

		rows, err := bms.db.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("inserting background migration jobs: %w", err)
		}
		if err := scanInsertedJobs(rows, byMin); err != nil {
			return err
		}
	}
	return nil
}

func scanInsertedJobs(rows *sql.Rows, byMin map[string]*models.BackgroundMigrationJob) error {
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			minCursor cursor.Cursor
			createdAt time.Time
		)
		if err := rows.Scan(&id, &minCursor, &createdAt); err != nil {
			return fmt.Errorf("scanning inserted background migration job: %w", err)
		}
		if j, ok := byMin[string(minCursor)]; ok {
			j.ID = id
			j.Status = models.JobPending
			j.CreatedAt = createdAt
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scanning inserted background migration jobs: %w", err)
	}
	return nil
}

// ClaimNext atomically turns the pending job with the lowest ID into a running job. Concurrent callers skip rows
// locked by each other, so each pending job is claimed at most once.
func (bms *backgroundMigrationStore) ClaimNext(ctx context.Context, migrationID int64) (*models.BackgroundMigrationJob, error) {
	defer metrics.InstrumentQuery("bbm_claim_next")()

	q := `WITH prev AS (
			SELECT
				id,
				status
			FROM
				batched_background_migration_jobs
			WHERE
				batched_background_migration_id = $1
				AND status = $2
			ORDER BY
				id ASC
			LIMIT 1
			FOR UPDATE
				SKIP LOCKED
		),
		updated AS (
			UPDATE
				batched_background_migration_jobs AS j
			SET
				status = $3,
				attempts = j.attempts + 1,
				started_at = now(),
				finished_at = NULL,
				updated_at = now()
			FROM
				prev
			WHERE
				j.id = prev.id
			RETURNING
				` + jobColumns("j") + `,
				prev.status AS previous_status
		),
		` + transitionLogCTE + `
		SELECT
			` + jobColumns("") + `
		FROM
			updated`

	row := bms.db.QueryRowContext(ctx, q, migrationID, int(models.JobPending), int(models.JobRunning))

	return scanBackgroundMigrationJob(row)
}

// CompleteJob transitions a running job to its final status.
func (bms *backgroundMigrationStore) CompleteJob(ctx context.Context, id int64, res models.JobResult) (bool, error) {
	defer metrics.InstrumentQuery("bbm_complete_job")()

	q := `WITH updated AS (
			UPDATE
				batched_background_migration_jobs
			SET
				status = $1,
				finished_at = now(),
				updated_at = now(),
				duration_ms = $2,
				rows_affected = $3,
				last_error = $4,
				failure_error_code = $5
			WHERE
				id = $6
				AND status = $7
			RETURNING
				id,
				batched_background_migration_id,
				$7::smallint AS previous_status,
				status,
				last_error
		),
		` + transitionLogCTE + `
		SELECT
			COUNT(*)
		FROM
			updated`

	var n int
	err := bms.db.QueryRowContext(ctx, q,
		int(res.Status), res.Metrics.Duration.Milliseconds(), res.Metrics.RowsAffected,
		null.NewString(res.LastError, res.LastError != ""), res.ErrorCode, id, int(models.JobRunning),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("completing background migration job: %w", err)
	}
	return n == 1, nil
}

// RequeueJob turns a running or failed job back into a pending job.
func (bms *backgroundMigrationStore) RequeueJob(ctx context.Context, id int64, lastError string) (bool, error) {
	defer metrics.InstrumentQuery("bbm_requeue_job")()

	q := `WITH prev AS (
			SELECT
				id,
				status
			FROM
				batched_background_migration_jobs
			WHERE
				id = $1
				AND status IN ($2, $3)
			FOR UPDATE
		),
		updated AS (
			UPDATE
				batched_background_migration_jobs AS j
			SET
				status = $4,
				last_error = $5,
				updated_at = now()
			FROM
				prev
			WHERE
				j.id = prev.id
			RETURNING
				j.id,
				j.batched_background_migration_id,
				prev.status AS previous_status,
				j.status,
				j.last_error
		),
		` + transitionLogCTE + `
		SELECT
			COUNT(*)
		FROM
			updated`

	var n int
	err := bms.db.QueryRowContext(ctx, q, id, int(models.JobRunning), int(models.JobFailed), int(models.JobPending),
		null.NewString(lastError, lastError != "")).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("requeueing background migration job: %w", err)
	}
	return n == 1, nil
}

// CountRemaining counts the jobs of a migration that have not succeeded.
func (bms *backgroundMigrationStore) CountRemaining(ctx context.Context, migrationID int64) (int, error) {
	defer metrics.InstrumentQuery("bbm_count_remaining")()

	q := `SELECT
			COUNT(*)
		FROM
			batched_background_migration_jobs
		WHERE
			batched_background_migration_id = $1
			AND status != $2`

	var n int
	if err := bms.db.QueryRowContext(ctx, q, migrationID, int(models.JobSucceeded)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting remaining background migration jobs: %w", err)
	}
	return n, nil
}

// CountJobsByStatus counts the jobs of a migration by status.
func (bms *backgroundMigrationStore) CountJobsByStatus(ctx context.Context, migrationID int64) (map[models.JobStatus]int, error) {
	defer metrics.InstrumentQuery("bbm_count_jobs_by_status")()

	q := `SELECT
			status,
			COUNT(*)
		FROM
			batched_background_migration_jobs
		WHERE
			batched_background_migration_id = $1
		GROUP BY
			status`

	rows, err := bms.db.QueryContext(ctx, q, migrationID)
	if err != nil {
		return nil, fmt.Errorf("counting background migration jobs by status: %w", err)
	}
	defer rows.Close()

	statusCount := make(map[models.JobStatus]int)
	for rows.Next() {
		var (
			count  int
			status models.JobStatus
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning background migration jobs count: %w", err)
		}
		statusCount[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration jobs status rows: %w", err)
	}

	return statusCount, nil
}

// FindJobs returns all jobs of a migration in key order.
func (bms *backgroundMigrationStore) FindJobs(ctx context.Context, migrationID int64) (models.BackgroundMigrationJobs, error) {
	defer metrics.InstrumentQuery("bbm_find_jobs")()

	q := `SELECT ` + jobColumns("") + `
		FROM
			batched_background_migration_jobs
		WHERE
			batched_background_migration_id = $1
		ORDER BY
			min_cursor ASC`

	rows, err := bms.db.QueryContext(ctx, q, migrationID)
	if err != nil {
		return nil, fmt.Errorf("finding background migration jobs: %w", err)
	}
	return scanBackgroundMigrationJobs(rows)
}

// FailedJobs returns the permanently failed jobs of a migration.
func (bms *backgroundMigrationStore) FailedJobs(ctx context.Context, migrationID int64) (models.BackgroundMigrationJobs, error) {
	defer metrics.InstrumentQuery("bbm_failed_jobs")()

	q := `SELECT ` + jobColumns("") + `
		FROM
			batched_background_migration_jobs
		WHERE
			batched_background_migration_id = $1
			AND status = $2
		ORDER BY
			id ASC`

	rows, err := bms.db.QueryContext(ctx, q, migrationID, int(models.JobFailed))
	if err != nil {
		return nil, fmt.Errorf("finding failed background migration jobs: %w", err)
	}
	return scanBackgroundMigrationJobs(rows)
}

// ResetFailedJobs turns failed jobs back into pending jobs with no attempts.
func (bms *backgroundMigrationStore) ResetFailedJobs(ctx context.Context, migrationID int64) (int64, error) {
	defer metrics.InstrumentQuery("bbm_reset_failed_jobs")()

	q := `WITH updated AS (
			UPDATE
				batched_background_migration_jobs
			SET
				status = $1,
				attempts = 0,
				failure_error_code = NULL,
				updated_at = now()
			WHERE
				batched_background_migration_id = $2
				AND status = $3
			RETURNING
				id,
				batched_background_migration_id,
				$3::smallint AS previous_status,
				status,
				last_error
		),
		` + transitionLogCTE + `
		SELECT
			COUNT(*)
		FROM
			updated`

	var n int64
	if err := bms.db.QueryRowContext(ctx, q, int(models.JobPending), migrationID, int(models.JobFailed)).Scan(&n); err != nil {
		return 0, fmt.Errorf("resetting failed background migration jobs: %w", err)
	}
	return n, nil
}

// RequeueStaleRunning requeues running jobs started longer than `olderThan` ago. These belong to executions that
// were killed before reporting completion.
func (bms *backgroundMigrationStore) RequeueStaleRunning(ctx context.Context, migrationID int64, olderThan time.Duration) (int64, error) {
	defer metrics.InstrumentQuery("bbm_requeue_stale_running")()

	q := `WITH updated AS (
			UPDATE
				batched_background_migration_jobs
			SET
				status = $1,
				last_error = 'requeued after exceeding the stale job timeout',
				updated_at = now()
			WHERE
				batched_background_migration_id = $2
				AND status = $3
				AND started_at < now() - make_interval(secs => $4)
			RETURNING
				id,
				batched_background_migration_id,
				$3::smallint AS previous_status,
				status,
				last_error
		),
		` + transitionLogCTE + `
		SELECT
			COUNT(*)
		FROM
			updated`

	var n int64
	err := bms.db.QueryRowContext(ctx, q, int(models.JobPending), migrationID, int(models.JobRunning), olderThan.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale background migration jobs: %w", err)
	}
	return n, nil
}

// RecentJobMetrics returns the metrics of the last `n` succeeded jobs of a migration, most recent first.
func (bms *backgroundMigrationStore) RecentJobMetrics(ctx context.Context, migrationID int64, n int) ([]models.JobMetrics, error) {
	defer metrics.InstrumentQuery("bbm_recent_job_metrics")()

	q := `SELECT
			COALESCE(duration_ms, 0),
			COALESCE(rows_affected, 0)
		FROM
			batched_background_migration_jobs
		WHERE
			batched_background_migration_id = $1
			AND status = $2
		ORDER BY
			finished_at DESC
		LIMIT $3`

	rows, err := bms.db.QueryContext(ctx, q, migrationID, int(models.JobSucceeded), n)
	if err != nil {
		return nil, fmt.Errorf("finding recent background migration job metrics: %w", err)
	}
	defer rows.Close()

	var out []models.JobMetrics
	for rows.Next() {
		var durationMS, rowsAffected int64
		if err := rows.Scan(&durationMS, &rowsAffected); err != nil {
			return nil, fmt.Errorf("scanning background migration job metrics: %w", err)
		}
		out = append(out, models.JobMetrics{
			Duration:     time.Duration(durationMS) * time.Millisecond,
			RowsAffected: rowsAffected,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration job metrics: %w", err)
	}
	return out, nil
}

// TransitionLogs returns the status transitions of a job, oldest first.
func (bms *backgroundMigrationStore) TransitionLogs(ctx context.Context, jobID int64) ([]*models.JobTransitionLog, error) {
	defer metrics.InstrumentQuery("bbm_transition_logs")()

	q := `SELECT
			id,
			job_id,
			previous_status,
			next_status,
			exception_message,
			created_at
		FROM
			batched_background_migration_job_transition_logs
		WHERE
			job_id = $1
		ORDER BY
			id ASC`

	rows, err := bms.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("finding background migration job transition logs: %w", err)
	}
	defer rows.Close()

	var out []*models.JobTransitionLog
	for rows.Next() {
		l := new(models.JobTransitionLog)
		if err := rows.Scan(&l.ID, &l.JobID, &l.PreviousStatus, &l.NextStatus, &l.ExceptionMessage, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning background migration job transition log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration job transition logs: %w", err)
	}
	return out, nil
}

// Progress returns the progress inputs of every migration. Processed tuples are estimated from the planned size of
// succeeded jobs.
func (bms *backgroundMigrationStore) Progress(ctx context.Context) ([]*models.BackgroundMigrationProgress, error) {
	defer metrics.InstrumentQuery("bbm_progress")()

	q := `SELECT
			m.id,
			m.name,
			m.status,
			COALESCE(m.total_tuple_count, 0),
			COALESCE(SUM(j.batch_size) FILTER (WHERE j.status = $1), 0),
			COUNT(j.id) FILTER (WHERE j.status = $1)
		FROM
			batched_background_migrations AS m
			LEFT JOIN batched_background_migration_jobs AS j ON j.batched_background_migration_id = m.id
		GROUP BY
			m.id
		ORDER BY
			m.id ASC`

	rows, err := bms.db.QueryContext(ctx, q, int(models.JobSucceeded))
	if err != nil {
		return nil, fmt.Errorf("computing background migrations progress: %w", err)
	}
	defer rows.Close()

	var out []*models.BackgroundMigrationProgress
	for rows.Next() {
		var (
			p      models.BackgroundMigrationProgress
			status models.BackgroundMigrationStatus
		)
		if err := rows.Scan(&p.MigrationID, &p.MigrationName, &status, &p.TotalTupleCount, &p.ProcessedTuples, &p.SucceededJobs); err != nil {
			return nil, fmt.Errorf("scanning background migration progress: %w", err)
		}
		p.Status = status.String()

		progress, ok, capped := metrics.EstimateProgress(p.TotalTupleCount, p.ProcessedTuples, status == models.BackgroundMigrationFinished)
		if !ok {
			continue
		}
		p.Progress, p.Capped = progress, capped
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migrations progress: %w", err)
	}
	return out, nil
}

// TryLock takes a transaction advisory lock identified by `key` via `pg_try_advisory_xact_lock()`. It must be used
// within a transaction. For details on advisory locks, see
// https://www.postgresql.org/docs/current/explicit-locking.html#ADVISORY-LOCKS
func (bms *backgroundMigrationStore) TryLock(ctx context.Context, key string) error {
	defer metrics.InstrumentQuery("bbm_try_lock")()

	var ok bool
	q := "SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))"
	if err := bms.db.QueryRowContext(ctx, q, key).Scan(&ok); err != nil {
		return fmt.Errorf("obtaining background migration lock: %w", err)
	}
	if !ok {
		return ErrBackgroundMigrationLockInUse
	}
	return nil
}

// Lock is similar to TryLock, but blocks until the lock is obtained or the context expires.
func (bms *backgroundMigrationStore) Lock(ctx context.Context, key string) error {
	defer metrics.InstrumentQuery("bbm_lock")()

	q := "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))"
	if _, err := bms.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBackgroundMigrationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMigration(s rowScanner) (*models.BackgroundMigration, error) {
	var bm models.BackgroundMigration
	var jobIntervalMS, pauseMS, targetDurationMS int64
	err := s.Scan(
		&bm.ID, &bm.Name, &bm.JobName, &bm.TableName, &bm.KeyColumns, &bm.JobArguments, &bm.Status,
		&bm.BatchSize, &bm.SubBatchSize, &bm.MinBatchSize, &bm.MaxBatchSize, &jobIntervalMS, &bm.MaxAttempts,
		&pauseMS, &targetDurationMS, &bm.TrackJobs, &bm.PlanAhead, &bm.ChunkCommits, &bm.NextCursor,
		&bm.MaxCursor, &bm.TotalTupleCount, &bm.ErrorCode, &bm.CreatedAt, &bm.UpdatedAt, &bm.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	bm.JobInterval = time.Duration(jobIntervalMS) * time.Millisecond
	bm.Pause = time.Duration(pauseMS) * time.Millisecond
	bm.TargetDuration = time.Duration(targetDurationMS) * time.Millisecond
	return &bm, nil
}

func scanBackgroundMigration(row *Row) (*models.BackgroundMigration, error) {
	bm, err := scanMigration(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning background migration: %w", err)
		}
		return nil, nil
	}
	return bm, nil
}

func scanBackgroundMigrations(rows *sql.Rows) (models.BackgroundMigrations, error) {
	bb := make(models.BackgroundMigrations, 0)
	defer rows.Close()

	for rows.Next() {
		bm, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning background migrations: %w", err)
		}
		bb = append(bb, bm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning background migrations: %w", err)
	}

	return bb, nil
}

func scanJob(s rowScanner) (*models.BackgroundMigrationJob, error) {
	j := new(models.BackgroundMigrationJob)
	err := s.Scan(
		&j.ID, &j.MigrationID, &j.MinCursor, &j.MaxCursor, &j.BatchSize, &j.SubBatchSize, &j.Status, &j.Attempts,
		&j.StartedAt, &j.FinishedAt, &j.DurationMS, &j.RowsAffected, &j.LastError, &j.ErrorCode, &j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanBackgroundMigrationJob(row *Row) (*models.BackgroundMigrationJob, error) {
	j, err := scanJob(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning background migration job: %w", err)
		}
		return nil, nil
	}
	return j, nil
}

func scanBackgroundMigrationJobs(rows *sql.Rows) (models.BackgroundMigrationJobs, error) {
	jj := make(models.BackgroundMigrationJobs, 0)
	defer rows.Close()

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning background migration jobs: %w", err)
		}
		jj = append(jj, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning background migration jobs: %w", err)
	}
	return jj, nil
}
