package bbm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

var (
	workFunctionName = "doSomething"
	errAnError       = errors.New("an error")
)

func newTestMigration() *models.BackgroundMigration {
	return &models.BackgroundMigration{
		ID:           1,
		Name:         "copy_users_id",
		JobName:      workFunctionName,
		TableName:    "users",
		KeyColumns:   models.KeyColumns{{Name: "id", Type: "bigint"}},
		JobArguments: models.Payload("{}"),
		Status:       models.BackgroundMigrationActive,
		BatchSize:    10,
		SubBatchSize: 10,
		MinBatchSize: 10,
		MaxBatchSize: 10,
		MaxCursor:    cursor.MustEncode(cursor.Int(30)),
	}
}

func newTestJob(id int64, minID, maxID int64) *models.BackgroundMigrationJob {
	return &models.BackgroundMigrationJob{
		ID:           id,
		MigrationID:  1,
		MinCursor:    cursor.MustEncode(cursor.Int(minID)),
		MaxCursor:    cursor.MustEncode(cursor.Int(maxID)),
		BatchSize:    10,
		SubBatchSize: 10,
		Status:       models.JobRunning,
		Attempts:     1,
	}
}

// withStore makes StoreConstructor return store until the test ends.
func withStore(tb testing.TB, store datastore.BackgroundMigrationStore) {
	tb.Helper()

	orig := StoreConstructor
	StoreConstructor = func(datastore.Queryer) datastore.BackgroundMigrationStore { return store }
	tb.Cleanup(func() { StoreConstructor = orig })
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(event string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingListener) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) MigrationQueued(bm *models.BackgroundMigration) error {
	return r.record("queued:" + bm.Name)
}

func (r *recordingListener) MigrationFinished(bm *models.BackgroundMigration) error {
	return r.record("finished:" + bm.Name)
}

func (r *recordingListener) MigrationFailed(bm *models.BackgroundMigration, _ error) error {
	return r.record("failed:" + bm.Name)
}

func (r *recordingListener) JobFailed(_ *models.BackgroundMigration, job *models.BackgroundMigrationJob, _ error) error {
	return r.record(fmt.Sprintf("job_failed:%d", job.ID))
}

func (r *recordingListener) MigrationDeleted(bm *models.BackgroundMigration) error {
	return r.record("deleted:" + bm.Name)
}

func (r *recordingListener) MigrationFinalized(bm *models.BackgroundMigration) error {
	return r.record("finalized:" + bm.Name)
}

type fakeLocker struct {
	err      error
	obtained int
	released int
}

func (f *fakeLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.obtained++
	return func() { f.released++ }, nil
}

type fakeGate bool

func (g fakeGate) IsHealthy(context.Context) bool { return bool(g) }

func TestRetryable(t *testing.T) {
	tcs := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "plain error", err: errAnError, expected: true},
		{name: "callback error", err: newCallbackError(1, errAnError), expected: true},
		{name: "batch timeout", err: newBatchTimeoutError(context.DeadlineExceeded), expected: true},
		{name: "cursor shape mismatch", err: newCursorShapeError(cursor.ErrCursorShapeMismatch)},
		{name: "wrapped cursor shape mismatch", err: fmt.Errorf("decoding: %w", cursor.ErrCursorShapeMismatch)},
		{name: "invalid job signature", err: newInvalidJobSignatureError(ErrWorkFunctionNotFound)},
		{name: "invalid table", err: newInvalidTableError(datastore.ErrUnknownTable)},
		{name: "invalid column", err: newInvalidColumnError(datastore.ErrUnknownColumn)},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			require.Equal(tt, tc.expected, retryable(tc.err))
		})
	}
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, models.CallbackErrCode, errorCode(newCallbackError(1, errAnError)))
	require.Equal(t, models.BatchTimeoutErrCode, errorCode(newBatchTimeoutError(errAnError)))
	require.Equal(t, models.CursorShapeMismatchErrCode, errorCode(fmt.Errorf("x: %w", cursor.ErrCursorShapeMismatch)))
	require.Equal(t, models.InvalidJobSignatureBBMErrCode, errorCode(newInvalidJobSignatureError(errAnError)))
	require.Equal(t, models.UnknownBBMErrorCode, errorCode(errAnError))
}

func TestCallbackError(t *testing.T) {
	err := newCallbackError(42, errAnError)

	require.ErrorIs(t, err, ErrCallback)
	require.ErrorIs(t, err, errAnError)
	require.EqualError(t, err, "job 42: work function failed: an error")

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	require.Equal(t, int64(42), cbErr.JobID)
}

func TestBatchTimeoutError(t *testing.T) {
	err := newBatchTimeoutError(context.DeadlineExceeded)

	require.ErrorIs(t, err, ErrBatchExecutionTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrCallback)
}

func TestIncompleteError(t *testing.T) {
	bm := newTestMigration()
	bm.Status = models.BackgroundMigrationFailed

	err := newIncompleteError(bm, 3, 1, nil)
	require.Equal(t,
		`background migration "copy_users_id" (job "doSomething" on table "users", columns id) is failed with 3 batches `+
			"remaining (1 failed). Finish it before continuing by running `bbm background-migrate finalize copy_users_id` "+
			"or by calling EnsureFinished with finalize enabled",
		err.Error(),
	)
	require.NoError(t, errors.Unwrap(err))

	var errs *multierror.Error
	errs = multierror.Append(errs, newCallbackError(7, errAnError))
	err = newIncompleteError(bm, 1, 1, errs)
	require.ErrorIs(t, err, ErrCallback)
	require.ErrorIs(t, err, errAnError)
	require.Contains(t, err.Error(), "job 7: work function failed: an error")

	var ierr *IncompleteError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &ierr)
	require.Equal(t, 1, ierr.Remaining)
}
