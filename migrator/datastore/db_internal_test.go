package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// MockQueryErrorProcessor records all arguments for verification
type MockQueryErrorProcessor struct {
	callCount int
	lastDB    *DB
	lastQuery string
	lastError error
}

func (m *MockQueryErrorProcessor) ProcessQueryError(_ context.Context, db *DB, query string, err error) {
	m.callCount++
	m.lastDB = db
	m.lastQuery = query
	m.lastError = err
}

func TestApplyOptions(t *testing.T) {
	defaultLogger := logrus.New()
	defaultLogger.SetOutput(io.Discard)

	l := logrus.NewEntry(logrus.New())
	poolConfig := &PoolConfig{
		MaxIdle:     1,
		MaxOpen:     2,
		MaxLifetime: 1 * time.Minute,
		MaxIdleTime: 10 * time.Minute,
	}

	testCases := []struct {
		name           string
		opts           []Option
		wantLogger     *logrus.Entry
		wantLogLevel   tracelog.LogLevel
		wantPoolConfig *PoolConfig
	}{
		{
			name:           "empty",
			opts:           nil,
			wantLogger:     logrus.NewEntry(defaultLogger),
			wantLogLevel:   tracelog.LogLevelError,
			wantPoolConfig: &PoolConfig{},
		},
		{
			name:           "with logger",
			opts:           []Option{WithLogger(l)},
			wantLogger:     l,
			wantLogLevel:   tracelog.LogLevelError,
			wantPoolConfig: &PoolConfig{},
		},
		{
			name:           "with log level",
			opts:           []Option{WithLogLevel(logrus.DebugLevel)},
			wantLogger:     logrus.NewEntry(defaultLogger),
			wantLogLevel:   tracelog.LogLevelDebug,
			wantPoolConfig: &PoolConfig{},
		},
		{
			name:           "with pool config",
			opts:           []Option{WithPoolConfig(poolConfig)},
			wantLogger:     logrus.NewEntry(defaultLogger),
			wantLogLevel:   tracelog.LogLevelError,
			wantPoolConfig: poolConfig,
		},
		{
			name:           "combined",
			opts:           []Option{WithLogger(l), WithPoolConfig(poolConfig), WithLogLevel(logrus.TraceLevel)},
			wantLogger:     l,
			wantLogLevel:   tracelog.LogLevelTrace,
			wantPoolConfig: poolConfig,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			got := applyOptions(tc.opts)
			require.Equal(tt, tc.wantLogger.Logger.Out, got.logger.Logger.Out)
			require.Equal(tt, tc.wantLogger.Logger.Level, got.logger.Logger.Level)
			require.Equal(tt, tc.wantLogger.Logger.Formatter, got.logger.Logger.Formatter)
			require.Equal(tt, tc.wantLogLevel, got.logLevel)
			require.Equal(tt, tc.wantPoolConfig, got.pool)
			require.IsType(tt, metricsErrorProcessor{}, got.errorProcessor)
		})
	}
}

func TestIsInRecovery(t *testing.T) {
	ctx := context.Background()
	primaryDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	db := &DB{DB: primaryDB}

	// case 1 database is in recovery mode
	mock.ExpectQuery("SELECT pg_is_in_recovery()").WillReturnRows(
		sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(true),
	)

	inRecovery, err := IsInRecovery(ctx, db)
	require.NoError(t, err)
	require.True(t, inRecovery)

	// case 2 database is not in recovery mode
	mock.ExpectQuery("SELECT pg_is_in_recovery()").WillReturnRows(
		sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(false),
	)

	inRecovery, err = IsInRecovery(ctx, db)
	require.NoError(t, err)
	require.False(t, inRecovery)

	// case 3 there was a database error (query failure)
	mock.ExpectQuery("SELECT pg_is_in_recovery()").WillReturnError(fmt.Errorf("query failed"))

	inRecovery, err = IsInRecovery(ctx, db)
	require.Error(t, err)
	require.False(t, inRecovery)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDBSupported(t *testing.T) {
	ctx := context.Background()
	primaryDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	db := &DB{DB: primaryDB}
	q := "SELECT current_setting\\('server_version_num'\\)::integer >= 150000"

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	isSupported, err := IsDBSupported(ctx, db)
	require.NoError(t, err)
	require.True(t, isSupported)

	mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
	isSupported, err = IsDBSupported(ctx, db)
	require.NoError(t, err)
	require.False(t, isSupported)

	mock.ExpectQuery(q).WillReturnError(fmt.Errorf("query failed"))
	isSupported, err = IsDBSupported(ctx, db)
	require.Error(t, err)
	require.False(t, isSupported)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsArchivingEnabled(t *testing.T) {
	ctx := context.Background()
	primaryDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	db := &DB{DB: primaryDB}
	q := "SELECT current_setting\\('archive_mode'\\)"

	for _, tc := range []struct {
		mode string
		want bool
	}{
		{mode: "off", want: false},
		{mode: "on", want: true},
		{mode: "always", want: true},
	} {
		mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(tc.mode))
		isEnabled, err := IsArchivingEnabled(ctx, db)
		require.NoError(t, err)
		require.Equal(t, tc.want, isEnabled, tc.mode)
	}

	mock.ExpectQuery(q).WillReturnError(fmt.Errorf("query failed"))
	isEnabled, err := IsArchivingEnabled(ctx, db)
	require.Error(t, err)
	require.False(t, isEnabled)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_QueryContext(t *testing.T) {
	mockDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	ctx := context.Background()

	t.Run("successful query", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		query := "SELECT 1"
		sqlMock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		result, err := db.QueryContext(ctx, query)
		require.NoError(tt, err)
		defer result.Close()

		require.True(tt, result.Next())
		var val int
		require.NoError(tt, result.Scan(&val))
		require.Equal(tt, 1, val)

		require.Equal(tt, 0, mockProcessor.callCount)
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})

	t.Run("query with error", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		query := "SELECT 1"
		expectedError := errors.New("connection failure")
		sqlMock.ExpectQuery(query).WillReturnError(expectedError)

		_, err := db.QueryContext(ctx, query)
		require.Equal(tt, expectedError, err)

		require.Equal(tt, 1, mockProcessor.callCount)
		require.Equal(tt, db, mockProcessor.lastDB)
		require.Equal(tt, query, mockProcessor.lastQuery)
		require.Equal(tt, expectedError, mockProcessor.lastError)
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})
}

func TestDB_QueryRowContext(t *testing.T) {
	mockDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	ctx := context.Background()

	t.Run("successful query", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		query := "SELECT 1"
		sqlMock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		var id int
		require.NoError(tt, db.QueryRowContext(ctx, query).Scan(&id))
		require.Equal(tt, 1, id)

		require.Equal(tt, 0, mockProcessor.callCount)
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})

	t.Run("no rows is not a query error", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		query := "SELECT 1"
		sqlMock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"id"}))

		var id int
		require.Error(tt, db.QueryRowContext(ctx, query).Scan(&id))
		require.Equal(tt, 0, mockProcessor.callCount)
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})

	t.Run("query with error", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		query := "SELECT 1"
		expectedError := errors.New("query failed")
		sqlMock.ExpectQuery(query).WillReturnError(expectedError)

		var id int
		err := db.QueryRowContext(ctx, query).Scan(&id)
		require.Equal(tt, expectedError, err)

		require.Equal(tt, 1, mockProcessor.callCount)
		require.Equal(tt, db, mockProcessor.lastDB)
		require.Equal(tt, query, mockProcessor.lastQuery)
		require.Equal(tt, expectedError, mockProcessor.lastError)
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})

	t.Run("transaction", func(tt *testing.T) {
		mockProcessor := &MockQueryErrorProcessor{}
		db := &DB{DB: mockDB, errorProcessor: mockProcessor}

		sqlMock.ExpectBegin()
		tx, err := db.Begin()
		require.NoError(tt, err)

		query := "SELECT 1"
		expectedError := errors.New("transaction error")
		sqlMock.ExpectQuery(query).WillReturnError(expectedError)

		var id int
		err = tx.QueryRowContext(ctx, query).Scan(&id)
		require.Equal(tt, expectedError, err)

		require.Equal(tt, 1, mockProcessor.callCount)
		require.Equal(tt, db, mockProcessor.lastDB)
		require.Equal(tt, query, mockProcessor.lastQuery)

		sqlMock.ExpectRollback()
		require.NoError(tt, tx.Rollback())
		require.NoError(tt, sqlMock.ExpectationsWereMet())
	})
}

func TestDB_ExecContext(t *testing.T) {
	mockDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	ctx := context.Background()
	mockProcessor := &MockQueryErrorProcessor{}
	db := &DB{DB: mockDB, errorProcessor: mockProcessor}

	pgErr := &pgconn.PgError{Code: pgerrcode.QueryCanceled}
	sqlMock.ExpectExec("UPDATE foo").WillReturnError(pgErr)

	_, err = db.ExecContext(ctx, "UPDATE foo SET bar = 1")
	require.ErrorIs(t, err, pgErr)
	require.Equal(t, 1, mockProcessor.callCount)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestMetricsErrorProcessor(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := &DB{DB: mockDB, DSN: &DSN{Host: "db", Port: 5432}}

	// must not panic for both Postgres and generic errors
	metricsErrorProcessor{}.ProcessQueryError(context.Background(), db, "SELECT 1", &pgconn.PgError{Code: pgerrcode.QueryCanceled})
	metricsErrorProcessor{}.ProcessQueryError(context.Background(), db, "SELECT 1", errors.New("boom"))
}
