package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
)

// Payload implements sql/driver.Valuer interface, allowing pgx to use
// the PostgreSQL simple protocol.
type Payload json.RawMessage

// Value returns the payload serialized as a []byte.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// Scan implements sql.Scanner for jsonb columns.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("unsupported payload source type %T", src)
	}
	return nil
}

// KeyColumn is a column of the index a migration walks, in index order.
type KeyColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// KeyColumns is the ordered list of key columns of a migration, stored as jsonb.
type KeyColumns []KeyColumn

// Names returns the column names in order.
func (kc KeyColumns) Names() []string {
	names := make([]string, len(kc))
	for i, c := range kc {
		names[i] = c.Name
	}
	return names
}

// Shape returns the cursor shape of the key columns.
func (kc KeyColumns) Shape() (cursor.Shape, error) {
	shape := make(cursor.Shape, len(kc))
	for i, c := range kc {
		k, err := cursor.ParseKind(c.Type)
		if err != nil {
			return nil, fmt.Errorf("key column %q: %w", c.Name, err)
		}
		shape[i] = k
	}
	return shape, nil
}

// Value implements driver.Valuer.
func (kc KeyColumns) Value() (driver.Value, error) {
	return json.Marshal(kc)
}

// Scan implements sql.Scanner.
func (kc *KeyColumns) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("key columns must be stored as jsonb")
	}
	return json.Unmarshal(b, kc)
}

// BackgroundMigration is the representation of a batched background migration definition.
type BackgroundMigration struct {
	ID           int64
	Name         string
	JobName      string
	TableName    string
	KeyColumns   KeyColumns
	JobArguments Payload
	Status       BackgroundMigrationStatus
	BatchSize    int
	SubBatchSize int
	MinBatchSize int
	MaxBatchSize int
	JobInterval  time.Duration
	MaxAttempts  int
	Pause        time.Duration
	// TargetDuration is the execution time a batch should take, used to adapt the batch size.
	TargetDuration time.Duration
	TrackJobs      bool
	// PlanAhead is the number of batches planned at a time. Zero plans every batch at queue time.
	PlanAhead    int
	ChunkCommits bool
	// NextCursor is the first key not yet covered by a planned batch. It is nil once planning is complete.
	NextCursor cursor.Cursor
	// MaxCursor is the greatest key present when the migration was queued.
	MaxCursor       cursor.Cursor
	TotalTupleCount sql.NullInt64
	ErrorCode       BBMErrorCode
	CreatedAt       time.Time
	UpdatedAt       null.Time
	FinishedAt      null.Time
}

// PlanningComplete reports whether every batch of the migration has been planned.
func (bm *BackgroundMigration) PlanningComplete() bool {
	return len(bm.NextCursor) == 0
}

// BackgroundMigrations is a slice of BackgroundMigration pointers.
type BackgroundMigrations []*BackgroundMigration

// BackgroundMigrationJob is a batch of a BackgroundMigration, covering the keys between MinCursor and MaxCursor
// inclusively.
type BackgroundMigrationJob struct {
	ID           int64
	MigrationID  int64
	MinCursor    cursor.Cursor
	MaxCursor    cursor.Cursor
	BatchSize    int
	SubBatchSize int
	Status       JobStatus
	Attempts     int
	StartedAt    null.Time
	FinishedAt   null.Time
	DurationMS   null.Int
	RowsAffected null.Int
	LastError    null.String
	ErrorCode    BBMErrorCode
	CreatedAt    time.Time
	UpdatedAt    null.Time
}

// BackgroundMigrationJobs is a slice of BackgroundMigrationJob pointers.
type BackgroundMigrationJobs []*BackgroundMigrationJob

// JobMetrics are the measurements of one batch execution.
type JobMetrics struct {
	Duration     time.Duration
	RowsAffected int64
	Chunks       int
}

// JobResult is the outcome of a batch execution reported to the store.
type JobResult struct {
	Status    JobStatus
	Metrics   JobMetrics
	LastError string
	ErrorCode BBMErrorCode
}

// JobTransitionLog is an audit record of a job status change, written for migrations tracking their jobs.
type JobTransitionLog struct {
	ID               int64
	JobID            int64
	PreviousStatus   JobStatus
	NextStatus       JobStatus
	ExceptionMessage null.String
	CreatedAt        time.Time
}

// BackgroundMigrationProgress is the progress estimate of a migration.
type BackgroundMigrationProgress struct {
	MigrationID     int64
	MigrationName   string
	Status          string
	TotalTupleCount int64
	ProcessedTuples int64
	SucceededJobs   int64
	Progress        float64
	Capped          bool
}

// BackgroundMigrationStatus is the status of a background migration definition.
type BackgroundMigrationStatus int

const (
	BackgroundMigrationPaused BackgroundMigrationStatus = iota
	BackgroundMigrationActive
	BackgroundMigrationFinished
	BackgroundMigrationFailed
	BackgroundMigrationFinalizing
)

func (s BackgroundMigrationStatus) String() string {
	switch s {
	case BackgroundMigrationPaused:
		return "paused"
	case BackgroundMigrationActive:
		return "active"
	case BackgroundMigrationFinished:
		return "finished"
	case BackgroundMigrationFailed:
		return "failed"
	case BackgroundMigrationFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// JobStatus is the status of a background migration job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// BBMErrorCode represent the failure codes of background migrations and their jobs.
type BBMErrorCode struct {
	sql.NullInt16
}

var (
	NullErrCode                    = BBMErrorCode{sql.NullInt16{Valid: false}}
	UnknownBBMErrorCode            = BBMErrorCode{sql.NullInt16{Int16: 0, Valid: true}}
	InvalidTableBBMErrCode         = BBMErrorCode{sql.NullInt16{Int16: 1, Valid: true}}
	InvalidColumnBBMErrCode        = BBMErrorCode{sql.NullInt16{Int16: 2, Valid: true}}
	InvalidJobSignatureBBMErrCode  = BBMErrorCode{sql.NullInt16{Int16: 3, Valid: true}}
	JobExceedsMaxAttemptBBMErrCode = BBMErrorCode{sql.NullInt16{Int16: 4, Valid: true}}
	CursorShapeMismatchErrCode     = BBMErrorCode{sql.NullInt16{Int16: 5, Valid: true}}
	BatchTimeoutErrCode            = BBMErrorCode{sql.NullInt16{Int16: 6, Valid: true}}
	CallbackErrCode                = BBMErrorCode{sql.NullInt16{Int16: 7, Valid: true}}
)

func (s BBMErrorCode) String() string {
	if !s.Valid {
		return ""
	}
	switch s.Int16 {
	default:
		return "unknown"
	case InvalidTableBBMErrCode.Int16:
		return "invalid_bbm_table"
	case InvalidColumnBBMErrCode.Int16:
		return "invalid_bbm_column"
	case InvalidJobSignatureBBMErrCode.Int16:
		return "invalid_job_signature"
	case JobExceedsMaxAttemptBBMErrCode.Int16:
		return "max_job_retry"
	case CursorShapeMismatchErrCode.Int16:
		return "cursor_shape_mismatch"
	case BatchTimeoutErrCode.Int16:
		return "batch_timeout"
	case CallbackErrCode.Int16:
		return "callback_error"
	}
}

// TickResult is the outcome of a scheduler tick of a background migration.
type TickResult int

const (
	// TickNotDue means the migration interval has not elapsed since its last tick.
	TickNotDue TickResult = iota
	// TickHealthGateBlocked means the database was unhealthy and nothing was done.
	TickHealthGateBlocked
	// TickLocked means another process is ticking the migration.
	TickLocked
	// TickIdle means the migration was due but no batch could be dispatched.
	TickIdle
	// TickDispatched means at least one batch was dispatched.
	TickDispatched
	// TickFinished means every batch succeeded and the migration is now finished.
	TickFinished
	// TickFailed means only permanently failed batches remain and the migration is now failed.
	TickFailed
)

func (r TickResult) String() string {
	switch r {
	case TickNotDue:
		return "not_due"
	case TickHealthGateBlocked:
		return "health_gate_blocked"
	case TickLocked:
		return "locked"
	case TickIdle:
		return "idle"
	case TickDispatched:
		return "dispatched"
	case TickFinished:
		return "finished"
	case TickFailed:
		return "failed"
	}
	return "unknown"
}
