package bbm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

// WorkFunc processes the rows of a chunk and returns the number of rows it affected. It must be idempotent: running it
// twice over the same chunk leaves the table in the same state as running it once. db is the batch transaction.
type WorkFunc func(ctx context.Context, db datastore.Queryer, chunk Chunk) (int64, error)

// Work represents the underlying functions that a Background Migration job is capable of executing.
type Work struct {
	// Name must correspond to the `job_name` in `batched_background_migrations` table.
	Name string
	// Do is the work function that is assigned to a job.
	Do WorkFunc
}

// WorkMap holds work functions by name.
type WorkMap map[string]Work

// NewWorkMap indexes work by name, rejecting duplicates.
func NewWorkMap(work []Work) (WorkMap, error) {
	workMap := make(WorkMap, len(work))
	for _, val := range work {
		if val.Do == nil {
			return nil, fmt.Errorf("work %s has no function", val.Name)
		}
		if _, found := workMap[val.Name]; found {
			return nil, fmt.Errorf("can not have work with the same name %s", val.Name)
		}
		workMap[val.Name] = val
	}
	return workMap, nil
}

// Lookup returns the work registered under name.
func (wm WorkMap) Lookup(name string) (Work, error) {
	w, ok := wm[name]
	if !ok {
		return Work{}, fmt.Errorf("%w: %s", ErrWorkFunctionNotFound, name)
	}
	return w, nil
}

// AllWork is a list of all background migration work functions known to the binary.
// The `Work.Name` must correspond to the value in `batched_background_migrations.job_name` for the specific
// background migration, otherwise the migration batches fail with an `ErrWorkFunctionNotFound` when executed.
func AllWork() []Work {
	// nolint: revive // enforce-slice-style
	return []Work{
		{Name: CopyColumnWorkName, Do: copyColumn},
	}
}

// Chunk is the slice of a batch handed to a work function: the rows of Table whose key lies between Start and End
// inclusively.
type Chunk struct {
	MigrationName string
	JobID         int64
	Table         string
	KeyColumns    models.KeyColumns
	Start         []cursor.Value
	End           []cursor.Value
	Arguments     models.Payload

	exprs  []string
	logger *slog.Logger
}

// NewChunk builds the chunk of bm between start and end.
func NewChunk(bm *models.BackgroundMigration, jobID int64, start, end []cursor.Value) (Chunk, error) {
	exprs, err := datastore.KeyExprs(bm.KeyColumns)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		MigrationName: bm.Name,
		JobID:         jobID,
		Table:         bm.TableName,
		KeyColumns:    bm.KeyColumns,
		Start:         start,
		End:           end,
		Arguments:     bm.JobArguments,
		exprs:         exprs,
	}, nil
}

// Logger returns the logger of the work function running the chunk.
func (c Chunk) Logger() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// QuotedTable returns the quoted table name.
func (c Chunk) QuotedTable() string {
	return datastore.QuoteTable(c.Table)
}

// Where returns the key range condition of the chunk for squirrel builders.
func (c Chunk) Where() sq.Sqlizer {
	return sq.And{
		sq.Expr(datastore.RowComparison(c.exprs, ">="), values(c.Start)...),
		sq.Expr(datastore.RowComparison(c.exprs, "<="), values(c.End)...),
	}
}

// Predicate renders the key range condition with dollar placeholders numbered from offset+1, for work functions
// writing raw SQL.
func (c Chunk) Predicate(offset int) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(c.Start)+len(c.End))
	n := offset

	render := func(op string, vals []cursor.Value) {
		b.WriteString("(")
		b.WriteString(strings.Join(c.exprs, ", "))
		b.WriteString(") ")
		b.WriteString(op)
		b.WriteString(" (")
		for i, v := range vals {
			if i > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString("$" + strconv.Itoa(n))
			args = append(args, v.Any())
		}
		b.WriteString(")")
	}
	render(">=", c.Start)
	b.WriteString(" AND ")
	render("<=", c.End)

	return b.String(), args
}

// UnmarshalArguments decodes the job arguments of the migration into v.
func (c Chunk) UnmarshalArguments(v any) error {
	if len(c.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return fmt.Errorf("decoding job arguments: %w", err)
	}
	return nil
}

func values(vals []cursor.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Any()
	}
	return out
}

// CopyColumnWorkName is the name of the work function copying a column into another.
const CopyColumnWorkName = "copyColumn"

// CopyColumnArgs are the job arguments of the copyColumn work function.
type CopyColumnArgs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// copyColumn copies column `from` into column `to` for the rows of the chunk.
func copyColumn(ctx context.Context, db datastore.Queryer, chunk Chunk) (int64, error) {
	var args CopyColumnArgs
	if err := chunk.UnmarshalArguments(&args); err != nil {
		return 0, err
	}
	if args.From == "" || args.To == "" {
		return 0, errors.New("copyColumn requires `from` and `to` arguments")
	}

	q, qargs, err := sq.Update(chunk.QuotedTable()).
		Set(pgx.Identifier{args.To}.Sanitize(), sq.Expr(pgx.Identifier{args.From}.Sanitize())).
		Where(chunk.Where()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building copy query: %w", err)
	}

	res, err := db.ExecContext(ctx, q, qargs...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	chunk.Logger().DebugContext(ctx, "copied column", "from", args.From, "to", args.To, "rows", n)
	return n, nil
}
