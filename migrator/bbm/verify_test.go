package bbm

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
)

const snapshotQuery = "SELECT id, flagged FROM users WHERE id BETWEEN $1 AND $2 ORDER BY id"

func testChunk(t *testing.T) Chunk {
	t.Helper()

	c, err := NewChunk(newTestMigration(), 1, []cursor.Value{cursor.Int(1)}, []cursor.Value{cursor.Int(2)})
	require.NoError(t, err)
	return c
}

func TestVerifyIdempotent(t *testing.T) {
	tcs := []struct {
		name       string
		second     *sqlmock.Rows
		expectedOK bool
	}{
		{
			name:       "idempotent",
			second:     sqlmock.NewRows([]string{"id", "flagged"}).AddRow(int64(1), true).AddRow(int64(2), true),
			expectedOK: true,
		},
		{
			name:   "not idempotent",
			second: sqlmock.NewRows([]string{"id", "flagged"}).AddRow(int64(1), false).AddRow(int64(2), true),
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(tt, err)
			defer db.Close()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(flagUsersQuery)).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectQuery(regexp.QuoteMeta(snapshotQuery)).WithArgs(1, 2).
				WillReturnRows(sqlmock.NewRows([]string{"id", "flagged"}).AddRow(int64(1), true).AddRow(int64(2), true))
			mock.ExpectExec(regexp.QuoteMeta(flagUsersQuery)).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta(snapshotQuery)).WithArgs(1, 2).WillReturnRows(tc.second)
			mock.ExpectRollback()

			w := Work{Name: workFunctionName, Do: flagUsers}
			err = VerifyIdempotent(context.Background(), &datastore.DB{DB: db}, w, testChunk(tt), QuerySnapshot(snapshotQuery, 1, 2))
			if tc.expectedOK {
				require.NoError(tt, err)
			} else {
				require.ErrorIs(tt, err, ErrNotIdempotent)
				require.ErrorContains(tt, err, "-once +twice")
			}
			require.NoError(tt, mock.ExpectationsWereMet())
		})
	}
}

func TestVerifyIdempotent_CallbackError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	w := Work{Name: workFunctionName, Do: func(context.Context, datastore.Queryer, Chunk) (int64, error) {
		return 0, errAnError
	}}
	err = VerifyIdempotent(context.Background(), &datastore.DB{DB: db}, w, testChunk(t), QuerySnapshot(snapshotQuery, 1, 2))
	require.ErrorIs(t, err, ErrCallback)
	require.ErrorIs(t, err, errAnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
