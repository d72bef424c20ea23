package notifications

import (
	"errors"
	"time"
)

// EventsMediaType is the mediatype for the json event envelope. If the Event,
// MigrationRecord or JobRecord types change, the version number should be
// incremented.
const EventsMediaType = "application/vnd.bbm.events.v1+json"

// Event actions, one per background migration lifecycle transition.
const (
	EventActionQueued    = "queued"
	EventActionFinished  = "finished"
	EventActionFailed    = "failed"
	EventActionJobFailed = "job_failed"
	EventActionDeleted   = "deleted"
	EventActionFinalized = "finalized"
)

// Envelope defines the fields of a json event envelope message that can hold
// one or more events.
type Envelope struct {
	// Events make up the contents of the envelope. Events present in a single
	// envelope are not necessarily related.
	Events []Event `json:"events,omitempty"`
}

// Event provides the fields required to describe a background migration
// lifecycle event.
type Event struct {
	// ID provides a unique identifier for the event.
	ID string `json:"id,omitempty"`

	// Timestamp is the time at which the event occurred.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Action indicates what action encompasses the provided event.
	Action string `json:"action,omitempty"`

	// Migration is the background migration the event is about.
	Migration MigrationRecord `json:"migration"`

	// Job is the batch the event is about, set for job events only.
	Job *JobRecord `json:"job,omitempty"`

	// Error describes the failure behind failed events.
	Error string `json:"error,omitempty"`

	// Source identifies the process that generated the event.
	Source SourceRecord `json:"source,omitempty"`
}

// MigrationRecord describes a background migration.
type MigrationRecord struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	JobName    string   `json:"job_name"`
	Table      string   `json:"table"`
	KeyColumns []string `json:"key_columns"`
	Status     string   `json:"status"`
	ErrorCode  string   `json:"error_code,omitempty"`
}

// JobRecord describes a batch of a background migration.
type JobRecord struct {
	ID        int64  `json:"id"`
	MinCursor string `json:"min_cursor"`
	MaxCursor string `json:"max_cursor"`
	Attempts  int    `json:"attempts"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

// SourceRecord identifies the source of an event.
type SourceRecord struct {
	// Addr contains the ip or hostname and the port of the process.
	Addr string `json:"addr,omitempty"`

	// InstanceID identifies a running process. It changes after each restart.
	InstanceID string `json:"instance_id,omitempty"`
}

var (
	// ErrSinkClosed is returned if a write is issued to a sink that has been
	// closed. If encountered, the error should be considered terminal and
	// retries will not be successful.
	ErrSinkClosed = errors.New("sink: closed")
)

// Sink accepts and sends events.
type Sink interface {
	// Write writes an event to the Sink. If no error is returned, the
	// caller will assume that the event has been committed and will not
	// try to send it again. If an error is received, the caller may retry
	// sending the event. The caller should cede the event memory to the
	// sink and not modify it after calling this method.
	Write(event *Event) error

	// Close the sink, possibly waiting for pending events to flush.
	Close() error
}
