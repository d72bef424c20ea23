package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/datastore/metrics"
)

const (
	// replicaLagCheckTimeout is the default timeout for checking replica lag.
	replicaLagCheckTimeout = 100 * time.Millisecond
	// MaxReplicaLagTime is the default maximum replication lag time
	MaxReplicaLagTime = 30 * time.Second
	// MaxReplicaLagBytes is the default maximum replication lag in bytes.
	MaxReplicaLagBytes = 8 * 1024 * 1024
)

// PendingWALCount returns the number of WAL (Write-Ahead Log) segments that are pending archival, or -1 when
// archiving is not enabled. This value is a good indicator of WAL pressure and is used to throttle background
// migrations.
//
// It compares the current WAL segment being written to with the last segment successfully archived, using system
// views `pg_stat_archiver` and `pg_current_wal_insert_lsn()`. The segment difference is computed using PostgreSQL's
// naming convention, where each WAL file represents a 16MB segment.
func PendingWALCount(ctx context.Context, db Queryer) (int, error) {
	defer metrics.InstrumentQuery("bbm_pending_wal_count")()

	q := `WITH current_wal_file AS (
			SELECT
				pg_walfile_name (pg_current_wal_insert_lsn ()) AS pg_walfile_name
		),
		current_wal AS (
			SELECT
				('x' || substring(pg_walfile_name, 9, 8))::bit(32)::int AS log,
				('x' || substring(pg_walfile_name, 17, 8))::bit(32)::int AS seg,
				pg_walfile_name
			FROM
				current_wal_file
		),
		archive_wal AS (
			SELECT
				('x' || substring(last_archived_wal, 9, 8))::bit(32)::int AS log,
				('x' || substring(last_archived_wal, 17, 8))::bit(32)::int AS seg,
				last_archived_wal
			FROM
				pg_stat_archiver
		)
		SELECT
			((current_wal.log - archive_wal.log) * 256) + (current_wal.seg - archive_wal.seg) AS pending_wal_count
		FROM
			current_wal,
			archive_wal`

	var count sql.NullInt64
	if err := db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("retrieving pending WAL count: %w", err)
	}

	// Query ran, but archive_wal.last_archived_wal is NULL
	// This indicates archiving is not enabled
	// https://www.postgresql.org/docs/current/monitoring-stats.html#MONITORING-PG-STAT-ARCHIVER-VIEW
	if !count.Valid {
		return -1, nil
	}

	metrics.PendingWALSegments(int(count.Int64))
	return int(count.Int64), nil
}

// XIDAge returns the age of the oldest unfrozen transaction id of the current database. Large values mean
// wraparound vacuums are close, during which background migrations should back off.
func XIDAge(ctx context.Context, db Queryer) (int64, error) {
	defer metrics.InstrumentQuery("bbm_xid_age")()

	var age int64
	q := "SELECT age(datfrozenxid) FROM pg_database WHERE datname = current_database()"
	if err := db.QueryRowContext(ctx, q).Scan(&age); err != nil {
		return 0, fmt.Errorf("retrieving transaction id age: %w", err)
	}

	metrics.XIDAge(age)
	return age, nil
}

// PrimaryLSN returns the primary database's current write location.
func PrimaryLSN(ctx context.Context, db Queryer) (string, error) {
	defer metrics.InstrumentQuery("bbm_primary_lsn")()

	var lsn string
	query := "SELECT pg_current_wal_insert_lsn()::text AS location"
	if err := db.QueryRowContext(ctx, query).Scan(&lsn); err != nil {
		return "", fmt.Errorf("retrieving primary LSN: %w", err)
	}

	return lsn, nil
}

// ReplicaLagInfo stores lag information for a replica
type ReplicaLagInfo struct {
	Address     string
	TimeLag     time.Duration
	BytesLag    int64
	LastChecked time.Time
	// Lagging is set when the time or bytes lag exceeds its threshold.
	Lagging bool
}

// ReplicaLagTracker manages replication lag tracking
type ReplicaLagTracker struct {
	sync.Mutex
	lagInfo      map[string]*ReplicaLagInfo
	maxLagTime   time.Duration
	maxLagBytes  int64
	checkTimeout time.Duration
}

// ReplicaLagTrackerOption configures a ReplicaLagTracker.
type ReplicaLagTrackerOption func(*ReplicaLagTracker)

// WithMaxReplicaLag sets the thresholds above which a replica is considered lagging.
func WithMaxReplicaLag(maxTime time.Duration, maxBytes int64) ReplicaLagTrackerOption {
	return func(t *ReplicaLagTracker) {
		if maxTime > 0 {
			t.maxLagTime = maxTime
		}
		if maxBytes > 0 {
			t.maxLagBytes = maxBytes
		}
	}
}

// WithLagCheckTimeout sets the timeout of each lag query.
func WithLagCheckTimeout(timeout time.Duration) ReplicaLagTrackerOption {
	return func(t *ReplicaLagTracker) {
		if timeout > 0 {
			t.checkTimeout = timeout
		}
	}
}

// NewReplicaLagTracker creates a new ReplicaLagTracker with the given options.
func NewReplicaLagTracker(opts ...ReplicaLagTrackerOption) *ReplicaLagTracker {
	tracker := &ReplicaLagTracker{
		lagInfo:      make(map[string]*ReplicaLagInfo),
		maxLagTime:   MaxReplicaLagTime,
		maxLagBytes:  MaxReplicaLagBytes,
		checkTimeout: replicaLagCheckTimeout,
	}

	for _, opt := range opts {
		opt(tracker)
	}

	return tracker
}

// Get returns the replication lag info for a replica
func (t *ReplicaLagTracker) Get(replicaAddr string) *ReplicaLagInfo {
	t.Lock()
	defer t.Unlock()

	info, exists := t.lagInfo[replicaAddr]
	if !exists {
		return nil
	}

	// Return a copy to avoid race conditions
	lagInfo := *info
	return &lagInfo
}

func (t *ReplicaLagTracker) set(ctx context.Context, addr string, timeLag time.Duration, bytesLag int64) *ReplicaLagInfo {
	t.Lock()
	defer t.Unlock()

	info, exists := t.lagInfo[addr]
	if !exists {
		info = &ReplicaLagInfo{Address: addr}
		t.lagInfo[addr] = info
	}

	lagging := timeLag > t.maxLagTime || bytesLag > t.maxLagBytes

	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"db_replica_addr": addr,
		"lag_time_s":      timeLag.Seconds(),
		"lag_bytes":       bytesLag,
	})
	switch {
	case lagging && !info.Lagging:
		l.WithFields(log.Fields{
			"lag_time_threshold_s": t.maxLagTime.Seconds(),
			"lag_bytes_threshold":  t.maxLagBytes,
		}).Warn("replica replication lag above max threshold")
	case !lagging && info.Lagging:
		l.Info("replica caught up on replication lag")
	}

	info.TimeLag = timeLag
	info.BytesLag = bytesLag
	info.LastChecked = time.Now()
	info.Lagging = lagging

	metrics.ReplicaLag(addr, timeLag, bytesLag)

	lagInfo := *info
	return &lagInfo
}

// CheckBytesLag retrieves the data-based replication lag for a replica
func (t *ReplicaLagTracker) CheckBytesLag(ctx context.Context, primaryLSN string, replica Queryer) (int64, error) {
	defer metrics.InstrumentQuery("bbm_check_bytes_lag")()

	queryCtx, cancel := context.WithTimeout(ctx, t.checkTimeout)
	defer cancel()

	var bytesLag int64
	query := `SELECT pg_wal_lsn_diff($1, pg_last_wal_replay_lsn())::bigint AS diff`
	if err := replica.QueryRowContext(queryCtx, query, primaryLSN).Scan(&bytesLag); err != nil {
		return 0, fmt.Errorf("failed to calculate replica bytes lag: %w", err)
	}

	return bytesLag, nil
}

// CheckTimeLag retrieves the time-based replication lag for a replica
func (t *ReplicaLagTracker) CheckTimeLag(ctx context.Context, replica Queryer) (time.Duration, error) {
	defer metrics.InstrumentQuery("bbm_check_time_lag")()

	queryCtx, cancel := context.WithTimeout(ctx, t.checkTimeout)
	defer cancel()

	query := `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float AS lag`

	var timeLagSeconds float64
	if err := replica.QueryRowContext(queryCtx, query).Scan(&timeLagSeconds); err != nil {
		return 0, fmt.Errorf("failed to check replica time lag: %w", err)
	}

	return time.Duration(timeLagSeconds * float64(time.Second)), nil
}

// Check checks replication lag for a specific replica, stores it and returns it.
func (t *ReplicaLagTracker) Check(ctx context.Context, primaryLSN string, replica Handler) (*ReplicaLagInfo, error) {
	l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
		"db_replica_addr": replica.Address(),
	})

	timeLag, err := t.CheckTimeLag(ctx, replica)
	if err != nil {
		l.WithError(err).Error("failed to check time-based replication lag")
		return nil, err
	}

	bytesLag, err := t.CheckBytesLag(ctx, primaryLSN, replica)
	if err != nil {
		l.WithError(err).Error("failed to check data-based replication lag")
		return nil, err
	}

	return t.set(ctx, replica.Address(), timeLag, bytesLag), nil
}
