package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	migrate "github.com/rubenv/sql-migrate"
)

const (
	migrationTableName = "schema_migrations"
	dialect            = "postgres"
)

// Migration is a schema migration of the background migration tables.
type Migration struct {
	*migrate.Migration
}

var allPreMigrations []*Migration

// AppendPreMigration registers a migration. Migrations register themselves from init functions.
func AppendPreMigration(ms ...*Migration) {
	allPreMigrations = append(allPreMigrations, ms...)
}

// AllPreMigrations returns the registered migrations sorted by ID.
func AllPreMigrations() []*Migration {
	out := make([]*Migration, len(allPreMigrations))
	copy(out, allPreMigrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// MigrationStatus is the status of a single migration.
type MigrationStatus struct {
	Unknown   bool
	AppliedAt *time.Time
}

// Migrator applies and reverts schema migrations.
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
	set        migrate.MigrationSet
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigrations overrides the registered migrations.
func WithMigrations(ms []*Migration) MigratorOption {
	return func(m *Migrator) {
		m.migrations = ms
	}
}

// NewMigrator builds a Migrator over the registered migrations.
func NewMigrator(db *sql.DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		db:         db,
		migrations: AllPreMigrations(),
		set:        migrate.MigrationSet{TableName: migrationTableName},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Migrator) source() *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{}
	for _, mig := range m.migrations {
		src.Migrations = append(src.Migrations, mig.Migration)
	}
	return src
}

// Up applies all pending migrations. It returns the number of applied migrations.
func (m *Migrator) Up() (int, error) {
	return m.UpN(0)
}

// UpN applies up to n pending migrations. All pending migrations are applied if n is 0.
func (m *Migrator) UpN(n int) (int, error) {
	applied, err := m.set.ExecMax(m.db, dialect, m.source(), migrate.Up, n)
	if err != nil {
		return applied, fmt.Errorf("applying schema migrations: %w", err)
	}
	return applied, nil
}

// Down reverts all applied migrations. It returns the number of reverted migrations.
func (m *Migrator) Down() (int, error) {
	return m.DownN(0)
}

// DownN reverts up to n applied migrations. All applied migrations are reverted if n is 0.
func (m *Migrator) DownN(n int) (int, error) {
	reverted, err := m.set.ExecMax(m.db, dialect, m.source(), migrate.Down, n)
	if err != nil {
		return reverted, fmt.Errorf("reverting schema migrations: %w", err)
	}
	return reverted, nil
}

// Version returns the ID of the last applied migration, or an empty string if none was applied.
func (m *Migrator) Version() (string, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", fmt.Errorf("reading schema migration records: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[len(records)-1].Id, nil
}

// LatestVersion returns the ID of the last known migration.
func (m *Migrator) LatestVersion() string {
	if len(m.migrations) == 0 {
		return ""
	}
	return m.migrations[len(m.migrations)-1].Id
}

// Status returns the status of every known and applied migration, keyed by ID. Applied migrations missing from the
// known set are flagged as unknown.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading schema migration records: %w", err)
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, mig := range m.migrations {
		statuses[mig.Id] = &MigrationStatus{}
	}
	for _, r := range records {
		appliedAt := r.AppliedAt
		s, ok := statuses[r.Id]
		if !ok {
			s = &MigrationStatus{Unknown: true}
			statuses[r.Id] = s
		}
		s.AppliedAt = &appliedAt
	}
	return statuses, nil
}

// UpNPlan returns the IDs of the migrations UpN would apply, in order.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	return m.plan(migrate.Up, n)
}

// DownNPlan returns the IDs of the migrations DownN would revert, in order.
func (m *Migrator) DownNPlan(n int) ([]string, error) {
	return m.plan(migrate.Down, n)
}

// HasPending reports whether any known migration is not applied yet.
func (m *Migrator) HasPending() (bool, error) {
	ids, err := m.UpNPlan(0)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (m *Migrator) plan(dir migrate.MigrationDirection, n int) ([]string, error) {
	planned, _, err := m.set.PlanMigration(m.db, dialect, m.source(), dir, n)
	if err != nil {
		return nil, fmt.Errorf("planning schema migrations: %w", err)
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}
	return ids, nil
}
