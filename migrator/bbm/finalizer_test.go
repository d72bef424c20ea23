package bbm

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/mocks"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
	"github.com/tigrisdata/bbm/testutil"
)

func newTestFinalizer(tb testing.TB, db *datastore.DB, do WorkFunc, opts ...FinalizerOption) *Finalizer {
	tb.Helper()

	work := WorkMap{workFunctionName: {Name: workFunctionName, Do: do}}
	return NewFinalizer(db, work, append([]FinalizerOption{
		WithFinalizerClock(clock.NewMock()),
		WithFinalizerLogger(testutil.NewTestLogger(tb)),
	}, opts...)...)
}

// statusRecorder captures the status of every migration update.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.BackgroundMigrationStatus
}

func (r *statusRecorder) record(_ context.Context, bm *models.BackgroundMigration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, bm.Status)
	return nil
}

func (r *statusRecorder) Statuses() []models.BackgroundMigrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BackgroundMigrationStatus(nil), r.statuses...)
}

func TestFinalizer_Finalize_Inline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bm := newTestMigration()
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)
	listener := &recordingListener{}
	statuses := &statusRecorder{}

	// the migration lock is held in its own transaction until the end
	mock.ExpectBegin()
	mock.ExpectBegin()
	expectChunk(mock, 10, 1, 10, 10, nil)
	mock.ExpectCommit()
	mock.ExpectBegin()
	expectChunk(mock, 10, 11, 20, 20, nil)
	mock.ExpectCommit()
	mock.ExpectRollback()

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().Lock(gomock.Any(), lockKey(bm.Name)).Return(nil).Times(1),
		store.EXPECT().UpdateMigrationStatus(gomock.Any(), bm).DoAndReturn(statuses.record).Times(1),
		store.EXPECT().ResetFailedJobs(gomock.Any(), bm.ID).Return(int64(0), nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(newTestJob(1, 1, 10), nil).Times(1),
		store.EXPECT().CompleteJob(gomock.Any(), int64(1), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ int64, res models.JobResult) (bool, error) {
				require.Equal(t, models.JobSucceeded, res.Status)
				require.Equal(t, int64(10), res.Metrics.RowsAffected)
				return true, nil
			}).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(newTestJob(2, 11, 20), nil).Times(1),
		store.EXPECT().CompleteJob(gomock.Any(), int64(2), gomock.Any()).Return(true, nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(nil, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobSucceeded: 2}, nil).Times(2),
		store.EXPECT().UpdateMigrationStatus(gomock.Any(), bm).DoAndReturn(statuses.record).Times(1),
	)

	f := newTestFinalizer(t, &datastore.DB{DB: db}, flagUsers, WithFinalizerListener(listener))
	require.NoError(t, f.Finalize(context.Background(), bm.Name, FinalizeOptions{Inline: true}))

	require.Equal(t, []models.BackgroundMigrationStatus{
		models.BackgroundMigrationFinalizing,
		models.BackgroundMigrationFinished,
	}, statuses.Statuses())
	require.Equal(t, []string{"finalized:" + bm.Name}, listener.Events())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizer_Finalize_InlineAlwaysFailing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bm := newTestMigration()
	bm.MaxAttempts = 3
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)
	listener := &recordingListener{}
	statuses := &statusRecorder{}

	failing := func(context.Context, datastore.Queryer, Chunk) (int64, error) {
		return 0, errAnError
	}

	mock.ExpectBegin()
	for range 3 {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(batchEndQuery(10))).WithArgs(int64(1), int64(10)).WillReturnRows(idRows(10))
		mock.ExpectExec(regexp.QuoteMeta(setTimeoutQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()
	}
	mock.ExpectRollback()

	attempt := func(n int) *models.BackgroundMigrationJob {
		j := newTestJob(1, 1, 10)
		j.Attempts = n
		return j
	}

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().Lock(gomock.Any(), lockKey(bm.Name)).Return(nil).Times(1),
		store.EXPECT().UpdateMigrationStatus(gomock.Any(), bm).DoAndReturn(statuses.record).Times(1),
		store.EXPECT().ResetFailedJobs(gomock.Any(), bm.ID).Return(int64(0), nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(attempt(1), nil).Times(1),
		store.EXPECT().RequeueJob(gomock.Any(), int64(1), gomock.Any()).Return(true, nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(attempt(2), nil).Times(1),
		store.EXPECT().RequeueJob(gomock.Any(), int64(1), gomock.Any()).Return(true, nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(attempt(3), nil).Times(1),
		store.EXPECT().CompleteJob(gomock.Any(), int64(1), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ int64, res models.JobResult) (bool, error) {
				require.Equal(t, models.JobFailed, res.Status)
				require.Equal(t, models.CallbackErrCode, res.ErrorCode)
				require.Contains(t, res.LastError, ErrMaxJobAttemptsReached.Error())
				return true, nil
			}).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(nil, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobFailed: 1}, nil).Times(2),
		store.EXPECT().UpdateMigrationStatus(gomock.Any(), bm).DoAndReturn(statuses.record).Times(1),
	)

	f := newTestFinalizer(t, &datastore.DB{DB: db}, failing, WithFinalizerListener(listener))
	err = f.Finalize(context.Background(), bm.Name, FinalizeOptions{Inline: true})

	var ierr *IncompleteError
	require.ErrorAs(t, err, &ierr)
	require.GreaterOrEqual(t, ierr.Remaining, 1)
	require.Equal(t, 1, ierr.Failed)
	require.Equal(t, models.BackgroundMigrationFailed, ierr.Status)
	require.ErrorIs(t, err, ErrCallback)

	require.Equal(t, models.JobExceedsMaxAttemptBBMErrCode, bm.ErrorCode)
	require.Equal(t, []models.BackgroundMigrationStatus{
		models.BackgroundMigrationFinalizing,
		models.BackgroundMigrationFailed,
	}, statuses.Statuses())
	require.Equal(t, []string{"job_failed:1", "failed:" + bm.Name}, listener.Events())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizer_Finalize_InlineLockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bm := newTestMigration()
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	mock.ExpectBegin()
	mock.ExpectRollback()

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().Lock(gomock.Any(), lockKey(bm.Name)).Return(errAnError).Times(1),
	)

	err = newTestFinalizer(t, &datastore.DB{DB: db}, flagUsers).Finalize(context.Background(), bm.Name, FinalizeOptions{Inline: true})
	require.ErrorIs(t, err, errAnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizer_Finalize_InlinePreparationFailure(t *testing.T) {
	tcs := map[string]struct {
		nextCursor cursor.Cursor
		setup      func(mock sqlmock.Sqlmock, store *mocks.MockBackgroundMigrationStore, bm *models.BackgroundMigration)
		counts     map[models.JobStatus]int
		statuses   []models.BackgroundMigrationStatus
		events     []string
	}{
		"planning fails": {
			nextCursor: cursor.MustEncode(cursor.Int(21)),
			setup: func(mock sqlmock.Sqlmock, _ *mocks.MockBackgroundMigrationStore, _ *models.BackgroundMigration) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT").WillReturnError(errAnError)
				mock.ExpectRollback()
			},
			counts:   map[models.JobStatus]int{models.JobPending: 2},
			statuses: []models.BackgroundMigrationStatus{models.BackgroundMigrationFinalizing, models.BackgroundMigrationActive},
		},
		"resetting failed batches fails": {
			setup: func(_ sqlmock.Sqlmock, store *mocks.MockBackgroundMigrationStore, bm *models.BackgroundMigration) {
				store.EXPECT().ResetFailedJobs(gomock.Any(), bm.ID).Return(int64(0), errAnError).Times(1)
			},
			counts:   map[models.JobStatus]int{models.JobFailed: 1},
			statuses: []models.BackgroundMigrationStatus{models.BackgroundMigrationFinalizing, models.BackgroundMigrationFailed},
			events:   []string{"failed:copy_users_id"},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(tt *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(tt, err)
			defer db.Close()

			bm := newTestMigration()
			bm.NextCursor = tc.nextCursor
			store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(tt))
			withStore(tt, store)
			listener := &recordingListener{}
			statuses := &statusRecorder{}

			store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1)
			store.EXPECT().Lock(gomock.Any(), lockKey(bm.Name)).Return(nil).Times(1)
			store.EXPECT().UpdateMigrationStatus(gomock.Any(), bm).DoAndReturn(statuses.record).Times(2)
			store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(tc.counts, nil).Times(1)

			mock.ExpectBegin()
			tc.setup(mock, store, bm)
			mock.ExpectRollback()

			err = newTestFinalizer(tt, &datastore.DB{DB: db}, flagUsers, WithFinalizerListener(listener)).
				Finalize(context.Background(), bm.Name, FinalizeOptions{Inline: true})

			var ierr *IncompleteError
			require.ErrorAs(tt, err, &ierr)
			require.ErrorIs(tt, err, errAnError)
			require.Equal(tt, bm.Name, ierr.Migration)
			require.Equal(tt, tc.statuses[len(tc.statuses)-1], ierr.Status)
			require.Equal(tt, tc.statuses, statuses.Statuses())
			require.Equal(tt, tc.nextCursor, bm.NextCursor)
			require.Equal(tt, tc.events, listener.Events())
			require.NoError(tt, mock.ExpectationsWereMet())
		})
	}
}

func TestFinalizer_Finalize_NotFound(t *testing.T) {
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	store.EXPECT().FindMigrationByName(gomock.Any(), "unknown").Return(nil, nil).Times(1)

	err := newTestFinalizer(t, nil, flagUsers).Finalize(context.Background(), "unknown", FinalizeOptions{})
	require.ErrorIs(t, err, ErrMigrationNotFound)
}

func TestFinalizer_Finalize_AlreadyFinished(t *testing.T) {
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	bm := newTestMigration()
	bm.Status = models.BackgroundMigrationFinished
	store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1)

	require.NoError(t, newTestFinalizer(t, nil, flagUsers).Finalize(context.Background(), bm.Name, FinalizeOptions{Inline: true}))
}

func TestFinalizer_Finalize_Wait(t *testing.T) {
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	bm := newTestMigration()
	finished := newTestMigration()
	finished.Status = models.BackgroundMigrationFinished

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().FindMigrationByID(gomock.Any(), bm.ID).Return(bm, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{
			models.JobSucceeded: 1,
			models.JobRunning:   1,
		}, nil).Times(1),
		store.EXPECT().FindMigrationByID(gomock.Any(), bm.ID).Return(finished, nil).Times(1),
	)

	clk := clock.NewMock()
	f := newTestFinalizer(t, nil, flagUsers, WithFinalizerClock(clk))

	var progress [][2]int
	done := make(chan error, 1)
	go func() {
		done <- f.Finalize(context.Background(), bm.Name, FinalizeOptions{
			PollInterval: time.Second,
			Progress:     func(d, total int) { progress = append(progress, [2]int{d, total}) },
		})
	}()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Equal(t, [][2]int{{1, 2}}, progress)
			return
		case <-time.After(10 * time.Millisecond):
			clk.Add(time.Second)
		}
	}
}

func TestFinalizer_Finalize_WaitFailed(t *testing.T) {
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	bm := newTestMigration()
	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().FindMigrationByID(gomock.Any(), bm.ID).Return(bm, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{
			models.JobSucceeded: 2,
			models.JobFailed:    1,
		}, nil).Times(1),
	)

	err := newTestFinalizer(t, nil, flagUsers).Finalize(context.Background(), bm.Name, FinalizeOptions{})

	var ierr *IncompleteError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, 1, ierr.Remaining)
	require.Equal(t, 1, ierr.Failed)
}

func TestFinalizer_Finalize_WaitTimeout(t *testing.T) {
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	bm := newTestMigration()
	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().FindMigrationByID(gomock.Any(), bm.ID).Return(bm, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobPending: 3}, nil).Times(1),
	)

	// the mock clock never ticks, only the timeout ends the wait
	err := newTestFinalizer(t, nil, flagUsers).Finalize(context.Background(), bm.Name, FinalizeOptions{Timeout: 10 * time.Millisecond})

	var ierr *IncompleteError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, 3, ierr.Remaining)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFinalizer_Sample(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bm := newTestMigration()
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	mock.ExpectBegin()
	expectChunk(mock, 10, 1, 10, 10, nil)
	mock.ExpectCommit()

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobPending: 1}, nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(newTestJob(1, 1, 10), nil).Times(1),
		store.EXPECT().CompleteJob(gomock.Any(), int64(1), gomock.Any()).Return(true, nil).Times(1),
		store.EXPECT().ClaimNext(gomock.Any(), bm.ID).Return(nil, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobSucceeded: 1}, nil).Times(2),
	)

	// no UpdateMigrationStatus call is expected
	n, err := newTestFinalizer(t, &datastore.DB{DB: db}, flagUsers).Sample(context.Background(), bm.Name, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizer_Sample_ZeroDuration(t *testing.T) {
	bm := newTestMigration()
	store := mocks.NewMockBackgroundMigrationStore(gomock.NewController(t))
	withStore(t, store)

	gomock.InOrder(
		store.EXPECT().FindMigrationByName(gomock.Any(), bm.Name).Return(bm, nil).Times(1),
		store.EXPECT().CountJobsByStatus(gomock.Any(), bm.ID).Return(map[models.JobStatus]int{models.JobPending: 1}, nil).Times(2),
	)

	n, err := newTestFinalizer(t, nil, flagUsers).Sample(context.Background(), bm.Name, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReportProgress(t *testing.T) {
	var done, total int
	reportProgress(func(d, tot int) { done, total = d, tot }, map[models.JobStatus]int{
		models.JobSucceeded: 3,
		models.JobPending:   2,
		models.JobFailed:    1,
	})
	require.Equal(t, 3, done)
	require.Equal(t, 6, total)

	reportProgress(nil, nil)
}
