package bbm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

var (
	// ErrCursorShapeMismatch is returned when a job cursor does not match the key shape of its migration.
	ErrCursorShapeMismatch = cursor.ErrCursorShapeMismatch
	// ErrBatchExecutionTimeout is returned when a chunk of a batch exceeds its statement timeout or deadline.
	ErrBatchExecutionTimeout = errors.New("batch execution timed out")
	// ErrCallback is returned when a work function fails.
	ErrCallback = errors.New("work function failed")
	// ErrMaxJobAttemptsReached is returned when the maximum attempt to try a job has elapsed.
	ErrMaxJobAttemptsReached = errors.New("maximum job attempt reached")
	// ErrWorkFunctionNotFound is returned when a referenced job has no corresponding work function.
	ErrWorkFunctionNotFound = errors.New("work function not found")
	// ErrMigrationNotFound is returned when a background migration does not exist.
	ErrMigrationNotFound = errors.New("background migration not found")
	// ErrMigrationExists is returned when queueing a migration under a name used by a different migration.
	ErrMigrationExists = errors.New("a different background migration with the same name exists")
	// ErrInvalidOptions is returned when queue options are invalid.
	ErrInvalidOptions = errors.New("invalid background migration options")
	// ErrNothingToPlan is returned by the planner when the table has no rows.
	ErrNothingToPlan = errors.New("nothing to plan")
)

// migrationFailureError represents errors that cause migration or batch failures
type migrationFailureError struct {
	Err       error
	ErrorCode models.BBMErrorCode
}

func (e *migrationFailureError) Error() string {
	return e.Err.Error()
}

func (e *migrationFailureError) Unwrap() error {
	return e.Err
}

func newInvalidColumnError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.InvalidColumnBBMErrCode,
	}
}

func newInvalidTableError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.InvalidTableBBMErrCode,
	}
}

func newInvalidJobSignatureError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.InvalidJobSignatureBBMErrCode,
	}
}

func newCursorShapeError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.CursorShapeMismatchErrCode,
	}
}

func newBatchTimeoutError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       fmt.Errorf("%w: %w", ErrBatchExecutionTimeout, err),
		ErrorCode: models.BatchTimeoutErrCode,
	}
}

func newCallbackError(jobID int64, err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       &CallbackError{JobID: jobID, Err: err},
		ErrorCode: models.CallbackErrCode,
	}
}

// CallbackError wraps an error returned by a work function.
type CallbackError struct {
	JobID int64
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("job %d: %s: %s", e.JobID, ErrCallback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCallback) match any CallbackError.
func (*CallbackError) Is(target error) bool {
	return target == ErrCallback
}

// IncompleteError is returned when a migration expected to be finished is not.
type IncompleteError struct {
	Migration string
	JobName   string
	Table     string
	Columns   []string
	Status    models.BackgroundMigrationStatus
	Remaining int
	Failed    int
	// Err holds the causes, when known.
	Err *multierror.Error
}

func (e *IncompleteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "background migration %q (job %q on table %q, columns %s) is %s with %d batches remaining",
		e.Migration, e.JobName, e.Table, strings.Join(e.Columns, ", "), e.Status, e.Remaining)
	if e.Failed > 0 {
		fmt.Fprintf(&b, " (%d failed)", e.Failed)
	}
	b.WriteString(". Finish it before continuing by running `bbm background-migrate finalize ")
	b.WriteString(e.Migration)
	b.WriteString("` or by calling EnsureFinished with finalize enabled")
	if err := e.Err.ErrorOrNil(); err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *IncompleteError) Unwrap() error {
	return e.Err.ErrorOrNil()
}

// retryable reports whether a failed batch may be attempted again.
func retryable(err error) bool {
	var mfe *migrationFailureError
	if errors.As(err, &mfe) {
		switch mfe.ErrorCode {
		case models.CursorShapeMismatchErrCode, models.InvalidJobSignatureBBMErrCode,
			models.InvalidTableBBMErrCode, models.InvalidColumnBBMErrCode:
			return false
		}
	}
	return !errors.Is(err, ErrCursorShapeMismatch)
}

// errorCode returns the failure code carried by err.
func errorCode(err error) models.BBMErrorCode {
	var mfe *migrationFailureError
	if errors.As(err, &mfe) {
		return mfe.ErrorCode
	}
	if errors.Is(err, ErrCursorShapeMismatch) {
		return models.CursorShapeMismatchErrCode
	}
	return models.UnknownBBMErrorCode
}
