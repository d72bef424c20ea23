package migrations_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/datastore/migrations"
	_ "github.com/tigrisdata/bbm/migrator/datastore/migrations/premigrations"
)

func TestAllPreMigrations(t *testing.T) {
	all := migrations.AllPreMigrations()
	require.NotEmpty(t, all)

	seen := make(map[string]bool, len(all))
	for i, m := range all {
		require.NotEmpty(t, m.Up, m.Id)
		require.NotEmpty(t, m.Down, m.Id)
		require.False(t, seen[m.Id], "duplicate migration %q", m.Id)
		seen[m.Id] = true

		if i > 0 {
			require.Less(t, all[i-1].Id, m.Id)
		}
	}
}

func TestMigrator_LatestVersion(t *testing.T) {
	all := migrations.AllPreMigrations()
	m := migrations.NewMigrator(nil)
	require.Equal(t, all[len(all)-1].Id, m.LatestVersion())

	require.Empty(t, migrations.NewMigrator(nil, migrations.WithMigrations(nil)).LatestVersion())
}

func TestCreateTablesMigration_JobsCascade(t *testing.T) {
	var up string
	for _, m := range migrations.AllPreMigrations() {
		if strings.HasSuffix(m.Id, "_create_batched_background_migration_tables") {
			up = strings.Join(m.Up, "\n")
		}
	}
	require.NotEmpty(t, up)
	require.Contains(t, up, "ON DELETE CASCADE")
	require.Contains(t, up, "CHECK (min_cursor <= max_cursor)")
}
