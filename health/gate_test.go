package health

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/testutil"
)

const (
	walQuery     = "(?s)WITH current_wal_file AS .+pending_wal_count"
	xidQuery     = "SELECT age(datfrozenxid) FROM pg_database WHERE datname = current_database()"
	lsnQuery     = "SELECT pg_current_wal_insert_lsn()::text AS location"
	timeLagQuery = "SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float AS lag"
	byteLagQuery = "SELECT pg_wal_lsn_diff($1, pg_last_wal_replay_lsn())::bigint AS diff"
)

func newMockDB(t *testing.T, host string) (*datastore.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &datastore.DB{DB: db, DSN: &datastore.DSN{Host: host, Port: 5432}}, mock
}

type stubIndicator struct {
	name   string
	signal Signal
	err    error
	calls  int
}

func (s *stubIndicator) Name() string { return s.name }

func (s *stubIndicator) Evaluate(context.Context) (Signal, error) {
	s.calls++
	return s.signal, s.err
}

func TestWALIndicator(t *testing.T) {
	db, mock := newMockDB(t, "primary")
	ind := &WALIndicator{DB: db, Threshold: 10}
	ctx := context.Background()

	tcs := []struct {
		name     string
		rows     *sqlmock.Rows
		err      error
		healthy  bool
		pending  int
		errorMsg string
	}{
		{name: "below threshold", rows: sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(3), healthy: true, pending: 3},
		{name: "at threshold", rows: sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(10), healthy: true, pending: 10},
		{name: "above threshold", rows: sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(11), pending: 11},
		{name: "archiving disabled", rows: sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(nil), healthy: true, pending: -1},
		{name: "query error", err: errors.New("boom"), errorMsg: "retrieving pending WAL count: boom"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			q := mock.ExpectQuery(walQuery)
			if tc.err != nil {
				q.WillReturnError(tc.err)
			} else {
				q.WillReturnRows(tc.rows)
			}

			s, err := ind.Evaluate(ctx)
			if tc.errorMsg != "" {
				require.ErrorContains(tt, err, tc.errorMsg)
				return
			}
			require.NoError(tt, err)
			require.Equal(tt, tc.healthy, s.Healthy)
			require.Equal(tt, tc.pending, s.PendingWALSegments)
			if !tc.healthy {
				require.Contains(tt, s.Reason, "threshold is 10")
			}
		})
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWALIndicator_DefaultThreshold(t *testing.T) {
	db, mock := newMockDB(t, "primary")
	mock.ExpectQuery(walQuery).
		WillReturnRows(sqlmock.NewRows([]string{"pending_wal_count"}).AddRow(DefaultWALSegmentThreshold + 1))

	s, err := (&WALIndicator{DB: db}).Evaluate(context.Background())
	require.NoError(t, err)
	require.False(t, s.Healthy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestXIDAgeIndicator(t *testing.T) {
	db, mock := newMockDB(t, "primary")
	ind := &XIDAgeIndicator{DB: db, MaxAge: 1000}

	mock.ExpectQuery(regexp.QuoteMeta(xidQuery)).WillReturnRows(sqlmock.NewRows([]string{"age"}).AddRow(999))
	mock.ExpectQuery(regexp.QuoteMeta(xidQuery)).WillReturnRows(sqlmock.NewRows([]string{"age"}).AddRow(1001))

	s, err := ind.Evaluate(context.Background())
	require.NoError(t, err)
	require.True(t, s.Healthy)
	require.Equal(t, int64(999), s.XIDAge)

	s, err = ind.Evaluate(context.Background())
	require.NoError(t, err)
	require.False(t, s.Healthy)
	require.Equal(t, "transaction id age is 1001, threshold is 1000", s.Reason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplicationLagIndicator(t *testing.T) {
	primary, pmock := newMockDB(t, "primary")
	replica, rmock := newMockDB(t, "replica1")
	tracker := datastore.NewReplicaLagTracker(datastore.WithMaxReplicaLag(10*time.Second, 1024))

	ind := &ReplicationLagIndicator{
		Primary:  primary,
		Replicas: []datastore.Handler{replica},
		Tracker:  tracker,
	}
	ctx := context.Background()

	t.Run("caught up", func(tt *testing.T) {
		pmock.ExpectQuery(regexp.QuoteMeta(lsnQuery)).WillReturnRows(sqlmock.NewRows([]string{"location"}).AddRow("0/3000000"))
		rmock.ExpectQuery(regexp.QuoteMeta(timeLagQuery)).WillReturnRows(sqlmock.NewRows([]string{"lag"}).AddRow(1.0))
		rmock.ExpectQuery(regexp.QuoteMeta(byteLagQuery)).WithArgs("0/3000000").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(100))

		s, err := ind.Evaluate(ctx)
		require.NoError(tt, err)
		require.True(tt, s.Healthy)
		require.Len(tt, s.ReplicaLag, 1)
		require.Equal(tt, "replica1:5432", s.ReplicaLag[0].Address)
		require.False(tt, s.ReplicaLag[0].Lagging)
	})

	t.Run("lagging", func(tt *testing.T) {
		pmock.ExpectQuery(regexp.QuoteMeta(lsnQuery)).WillReturnRows(sqlmock.NewRows([]string{"location"}).AddRow("0/4000000"))
		rmock.ExpectQuery(regexp.QuoteMeta(timeLagQuery)).WillReturnRows(sqlmock.NewRows([]string{"lag"}).AddRow(30.0))
		rmock.ExpectQuery(regexp.QuoteMeta(byteLagQuery)).WithArgs("0/4000000").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(100))

		s, err := ind.Evaluate(ctx)
		require.NoError(tt, err)
		require.False(tt, s.Healthy)
		require.Contains(tt, s.Reason, "replica1:5432")
		require.True(tt, tracker.Get("replica1:5432").Lagging)
	})

	t.Run("replica unreachable", func(tt *testing.T) {
		pmock.ExpectQuery(regexp.QuoteMeta(lsnQuery)).WillReturnRows(sqlmock.NewRows([]string{"location"}).AddRow("0/4000000"))
		rmock.ExpectQuery(regexp.QuoteMeta(timeLagQuery)).WillReturnError(errors.New("connection refused"))

		_, err := ind.Evaluate(ctx)
		require.ErrorContains(tt, err, "connection refused")
	})

	require.NoError(t, pmock.ExpectationsWereMet())
	require.NoError(t, rmock.ExpectationsWereMet())
}

func TestReplicationLagIndicator_NoReplicas(t *testing.T) {
	primary, mock := newMockDB(t, "primary")

	s, err := (&ReplicationLagIndicator{Primary: primary}).Evaluate(context.Background())
	require.NoError(t, err)
	require.True(t, s.Healthy)
	// no replicas, no queries
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStatusIndicator(t *testing.T) {
	checker := &DBStatusChecker{
		db: &mockDB{primary: &mockReplica{address: "primary"}},
		pingInfo: map[string]*pingInfo{
			"primary": {},
		},
		logger: testutil.NewTestLogger(t),
	}
	ind := &DBStatusIndicator{Checker: checker}

	s, err := ind.Evaluate(context.Background())
	require.NoError(t, err)
	require.True(t, s.Healthy)
	require.True(t, s.Reachable)

	checker.pingInfo["primary"] = &pingInfo{err: errors.New("connection refused")}
	s, err = ind.Evaluate(context.Background())
	require.NoError(t, err)
	require.False(t, s.Healthy)
	require.Contains(t, s.Reason, "connection refused")

	_, err = (&DBStatusIndicator{}).Evaluate(context.Background())
	require.Error(t, err)
}

func TestGate_IsHealthy(t *testing.T) {
	healthy := Signal{Healthy: true}
	unhealthy := Signal{Reason: "too busy"}

	tcs := []struct {
		name       string
		indicators []*stubIndicator
		expected   bool
	}{
		{
			name:     "no indicators",
			expected: true,
		},
		{
			name: "all healthy",
			indicators: []*stubIndicator{
				{name: "a", signal: healthy},
				{name: "b", signal: healthy},
			},
			expected: true,
		},
		{
			name: "one unhealthy",
			indicators: []*stubIndicator{
				{name: "a", signal: healthy},
				{name: "b", signal: unhealthy},
			},
		},
		{
			name: "indicator error fails closed",
			indicators: []*stubIndicator{
				{name: "a", signal: healthy},
				{name: "b", signal: healthy, err: errors.New("timeout")},
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			inds := make([]Indicator, 0, len(tc.indicators))
			for _, i := range tc.indicators {
				inds = append(inds, i)
			}
			g := NewGate(WithIndicators(inds...), WithLogger(testutil.NewTestLogger(tt)))

			require.Equal(tt, tc.expected, g.IsHealthy(context.Background()))
			for _, i := range tc.indicators {
				require.Equal(tt, 1, i.calls, "every indicator is evaluated")
			}
		})
	}
}

func TestGate_Signals(t *testing.T) {
	g := NewGate(
		WithIndicators(
			&stubIndicator{name: "wal", signal: Signal{Healthy: true, PendingWALSegments: 2}},
			&stubIndicator{name: "xid_age", err: errors.New("boom")},
		),
		WithTimeout(time.Second),
	)

	signals, err := g.Signals(context.Background())
	require.ErrorContains(t, err, "evaluating xid_age: boom")
	require.Len(t, signals, 2)

	require.Equal(t, "wal", signals[0].Indicator)
	require.True(t, signals[0].Healthy)
	require.Equal(t, 2, signals[0].PendingWALSegments)

	require.Equal(t, "xid_age", signals[1].Indicator)
	require.False(t, signals[1].Healthy)
	require.Equal(t, "boom", signals[1].Reason)
}

func TestGate_HealthCheck(t *testing.T) {
	ok := NewGate(WithIndicators(&stubIndicator{name: "wal", signal: Signal{Healthy: true}}))
	require.NoError(t, ok.HealthCheck(context.Background()))

	closed := NewGate(WithIndicators(&stubIndicator{name: "wal", signal: Signal{Reason: "50 WAL segments pending archival"}}))
	require.ErrorContains(t, closed.HealthCheck(context.Background()), "wal: 50 WAL segments pending archival")
}

func TestAlwaysHealthy(t *testing.T) {
	require.True(t, AlwaysHealthy.IsHealthy(context.Background()))
}
