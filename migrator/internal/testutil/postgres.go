//go:build integration

package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/migrations"
	_ "github.com/tigrisdata/bbm/migrator/datastore/migrations/premigrations"
)

const (
	pgDB       = "bbm_test"
	pgUser     = "boryna"
	pgPassword = "Chleboslaw"
)

// PostgresDSN starts a Postgres container that is terminated when the test ends and returns its DSN. The version is
// read from PG_CURR_VERSION and defaults to 16.
func PostgresDSN(tb testing.TB) *datastore.DSN {
	tb.Helper()

	version := os.Getenv("PG_CURR_VERSION")
	if version == "" {
		version = "16"
	}

	ctx := context.Background()
	pgc, err := postgres.Run(ctx, "postgres:"+version+"-alpine",
		postgres.WithDatabase(pgDB),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = testcontainers.TerminateContainer(pgc) })

	host, err := pgc.Host(ctx)
	require.NoError(tb, err)
	port, err := pgc.MappedPort(ctx, "5432")
	require.NoError(tb, err)
	p, err := strconv.Atoi(port.Port())
	require.NoError(tb, err)

	return &datastore.DSN{
		Host:     host,
		Port:     p,
		User:     pgUser,
		Password: pgPassword,
		DBName:   pgDB,
		SSLMode:  "disable",
	}
}

// PostgresDB opens a connection pool on a new Postgres container with every schema migration applied.
func PostgresDB(tb testing.TB) *datastore.DB {
	tb.Helper()

	db, err := datastore.Open(PostgresDSN(tb), datastore.WithPoolConfig(&datastore.PoolConfig{MaxOpen: 20, MaxIdle: 10}))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	_, err = migrations.NewMigrator(db.DB).Up()
	require.NoError(tb, err)

	return db
}
