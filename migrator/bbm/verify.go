package bbm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/tigrisdata/bbm/migrator/datastore"
)

// ErrNotIdempotent is returned by VerifyIdempotent when a second run of a work function changes the rows again.
var ErrNotIdempotent = errors.New("work function is not idempotent")

// SnapshotFunc captures the state a work function acts upon.
type SnapshotFunc func(ctx context.Context, q datastore.Queryer) ([][]any, error)

// QuerySnapshot returns a SnapshotFunc capturing the rows returned by query. The query must order its rows.
func QuerySnapshot(query string, args ...any) SnapshotFunc {
	return func(ctx context.Context, q datastore.Queryer) ([][]any, error) {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying snapshot: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}

		var out [][]any
		for rows.Next() {
			vals := make([]any, len(cols))
			dest := make([]any, len(cols))
			for i := range vals {
				dest[i] = &vals[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return nil, fmt.Errorf("scanning snapshot: %w", err)
			}
			out = append(out, vals)
		}
		return out, rows.Err()
	}
}

// VerifyIdempotent runs w twice over chunk in a transaction that is always rolled back, and fails with
// ErrNotIdempotent when the snapshot taken after the second run differs from the one taken after the first.
func VerifyIdempotent(ctx context.Context, db datastore.Handler, w Work, chunk Chunk, snapshot SnapshotFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creating database transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run := func() ([][]any, error) {
		if _, err := w.Do(ctx, tx, chunk); err != nil {
			return nil, newCallbackError(chunk.JobID, err)
		}
		return snapshot(ctx, tx)
	}

	once, err := run()
	if err != nil {
		return err
	}
	twice, err := run()
	if err != nil {
		return err
	}

	if diff := cmp.Diff(once, twice); diff != "" {
		return fmt.Errorf("%w: %s (-once +twice):\n%s", ErrNotIdempotent, w.Name, diff)
	}
	return nil
}
