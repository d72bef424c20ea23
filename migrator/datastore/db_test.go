package datastore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/datastore"
)

func TestDSN_String(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		arg  datastore.DSN
		out  string
	}{
		{name: "empty", arg: datastore.DSN{}, out: ""},
		{
			name: "full",
			arg: datastore.DSN{
				Host:           "127.0.0.1",
				Port:           5432,
				User:           "bbm",
				Password:       "secret",
				DBName:         "bbm_production",
				SSLMode:        "require",
				SSLCert:        "/path/to/client.crt",
				SSLKey:         "/path/to/client.key",
				SSLRootCert:    "/path/to/root.crt",
				ConnectTimeout: 5 * time.Second,
			},
			out: "host=127.0.0.1 port=5432 user=bbm password=secret dbname=bbm_production sslmode=require sslcert=/path/to/client.crt sslkey=/path/to/client.key sslrootcert=/path/to/root.crt connect_timeout=5",
		},
		{name: "with zero port", arg: datastore.DSN{Port: 0}, out: ""},
		{name: "with spaces", arg: datastore.DSN{Password: "jw8s 0F4"}, out: `password=jw8s\ 0F4`},
		{name: "with quotes", arg: datastore.DSN{Password: "jw8s'0F4"}, out: `password=jw8s\'0F4`},
		{name: "with other special characters", arg: datastore.DSN{Password: "jw8s%^@0F4"}, out: "password=jw8s%^@0F4"},
		{name: "with zero connection timeout", arg: datastore.DSN{ConnectTimeout: 0}, out: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			require.Equal(tt, tc.out, tc.arg.String())
		})
	}
}

func TestDSN_Address(t *testing.T) {
	testCases := []struct {
		name string
		arg  datastore.DSN
		out  string
	}{
		{name: "empty", arg: datastore.DSN{}, out: ":0"},
		{name: "no port", arg: datastore.DSN{Host: "127.0.0.1"}, out: "127.0.0.1:0"},
		{name: "no host", arg: datastore.DSN{Port: 5432}, out: ":5432"},
		{name: "full", arg: datastore.DSN{Host: "127.0.0.1", Port: 5432}, out: "127.0.0.1:5432"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			require.Equal(tt, tc.out, tc.arg.Address())
		})
	}
}

func TestDB_Address(t *testing.T) {
	testCases := []struct {
		name string
		arg  datastore.DB
		out  string
	}{
		{name: "nil DSN", arg: datastore.DB{}, out: ""},
		{name: "empty DSN", arg: datastore.DB{DSN: &datastore.DSN{}}, out: ":0"},
		{name: "full DSN", arg: datastore.DB{DSN: &datastore.DSN{Host: "127.0.0.1", Port: 5432}}, out: "127.0.0.1:5432"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			require.Equal(tt, tc.out, tc.arg.Address())
		})
	}
}

func TestWithTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commit", func(tt *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(tt, err)
		defer mockDB.Close()
		db := &datastore.DB{DB: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE foo").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = datastore.WithTransaction(ctx, db, func(tx datastore.Transactor) error {
			_, err := tx.ExecContext(ctx, "UPDATE foo SET bar = 1")
			return err
		})
		require.NoError(tt, err)
		require.NoError(tt, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(tt *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(tt, err)
		defer mockDB.Close()
		db := &datastore.DB{DB: mockDB}

		mock.ExpectBegin()
		mock.ExpectRollback()

		fnErr := errors.New("boom")
		err = datastore.WithTransaction(ctx, db, func(datastore.Transactor) error { return fnErr })
		require.ErrorIs(tt, err, fnErr)
		require.NoError(tt, mock.ExpectationsWereMet())
	})
}
