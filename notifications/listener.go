package notifications

import (
	"time"

	"github.com/google/uuid"

	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

// Listener is notified of background migration lifecycle transitions.
type Listener interface {
	MigrationQueued(bm *models.BackgroundMigration) error
	MigrationFinished(bm *models.BackgroundMigration) error
	MigrationFailed(bm *models.BackgroundMigration, err error) error
	JobFailed(bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, err error) error
	MigrationDeleted(bm *models.BackgroundMigration) error
	MigrationFinalized(bm *models.BackgroundMigration) error
}

// DiscardListener ignores every event.
var DiscardListener Listener = discardListener{}

type discardListener struct{}

func (discardListener) MigrationQueued(*models.BackgroundMigration) error { return nil }
func (discardListener) MigrationFinished(*models.BackgroundMigration) error { return nil }
func (discardListener) MigrationFailed(*models.BackgroundMigration, error) error { return nil }
func (discardListener) MigrationDeleted(*models.BackgroundMigration) error { return nil }
func (discardListener) MigrationFinalized(*models.BackgroundMigration) error { return nil }
func (discardListener) JobFailed(*models.BackgroundMigration, *models.BackgroundMigrationJob, error) error {
	return nil
}

// bridge turns lifecycle transitions into events written to a sink.
type bridge struct {
	sink   Sink
	source SourceRecord
	now    func() time.Time
}

// NewBridge returns a Listener writing an event to sink for every transition.
func NewBridge(sink Sink, source SourceRecord) Listener {
	return &bridge{sink: sink, source: source, now: time.Now}
}

func (b *bridge) MigrationQueued(bm *models.BackgroundMigration) error {
	return b.write(EventActionQueued, bm, nil, nil)
}

func (b *bridge) MigrationFinished(bm *models.BackgroundMigration) error {
	return b.write(EventActionFinished, bm, nil, nil)
}

func (b *bridge) MigrationFailed(bm *models.BackgroundMigration, err error) error {
	return b.write(EventActionFailed, bm, nil, err)
}

func (b *bridge) JobFailed(bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, err error) error {
	return b.write(EventActionJobFailed, bm, job, err)
}

func (b *bridge) MigrationDeleted(bm *models.BackgroundMigration) error {
	return b.write(EventActionDeleted, bm, nil, nil)
}

func (b *bridge) MigrationFinalized(bm *models.BackgroundMigration) error {
	return b.write(EventActionFinalized, bm, nil, nil)
}

func (b *bridge) write(action string, bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, err error) error {
	event := b.createEvent(action, bm, job, err)
	return b.sink.Write(event)
}

func (b *bridge) createEvent(action string, bm *models.BackgroundMigration, job *models.BackgroundMigrationJob, err error) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: b.now(),
		Action:    action,
		Source:    b.source,
		Migration: MigrationRecord{
			ID:         bm.ID,
			Name:       bm.Name,
			JobName:    bm.JobName,
			Table:      bm.TableName,
			KeyColumns: bm.KeyColumns.Names(),
			Status:     bm.Status.String(),
		},
	}
	if bm.ErrorCode.Valid {
		event.Migration.ErrorCode = bm.ErrorCode.String()
	}
	if job != nil {
		event.Job = &JobRecord{
			ID:        job.ID,
			MinCursor: job.MinCursor.String(),
			MaxCursor: job.MaxCursor.String(),
			Attempts:  job.Attempts,
			Status:    job.Status.String(),
		}
		if job.ErrorCode.Valid {
			event.Job.ErrorCode = job.ErrorCode.String()
		}
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}
