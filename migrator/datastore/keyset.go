package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore/metrics"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

var (
	// ErrUnknownColumn is returned when a column referenced in a background migration is unknown.
	ErrUnknownColumn = errors.New("unknown column reference in background migration record")
	// ErrUnknownTable is returned when a table referenced in a background migration is unknown.
	ErrUnknownTable = errors.New("unknown table reference in background migration record")
	// ErrNullableKeyColumn is returned when a key column accepts NULL values. Rows with a NULL key are unreachable by
	// a keyset walk.
	ErrNullableKeyColumn = errors.New("background migration key columns must be NOT NULL")
	// ErrUnindexedTextKey is returned when the key has text columns but no btree index orders it with the "C"
	// collation. Boundary queries would sort the whole table otherwise.
	ErrUnindexedTextKey = errors.New(`background migration text key columns require a btree index on the key with the "C" collation`)
)

// byteOrderCollations holds the OIDs of the "C" and "POSIX" collations, fixed in pg_collation.
var byteOrderCollations = map[string]bool{"950": true, "951": true}

// QuoteTable quotes a table name, optionally schema qualified.
func QuoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

// KeyExprs returns the SQL expressions a keyset walk orders and compares by. Text columns use the "C" collation so
// that database order matches the byte order of encoded cursors, which DescribeKeyColumns checks an index serves.
func KeyExprs(columns models.KeyColumns) ([]string, error) {
	shape, err := columns.Shape()
	if err != nil {
		return nil, err
	}
	exprs := make([]string, len(columns))
	for i, c := range columns {
		exprs[i] = pgx.Identifier{c.Name}.Sanitize()
		if shape[i] == cursor.KindString {
			exprs[i] += ` COLLATE "C"`
		}
	}
	return exprs, nil
}

// RowComparison renders `(exprs) op (?, ...)`.
func RowComparison(exprs []string, op string) string {
	return fmt.Sprintf("(%s) %s (%s)", strings.Join(exprs, ", "), op, sq.Placeholders(len(exprs)))
}

// Keyset walks the rows of a table in the order of its key columns, reading boundary keys only.
type Keyset struct {
	db      Queryer
	table   string
	columns []string
	exprs   []string
	shape   cursor.Shape
}

// NewKeyset builds a Keyset over table ordered by columns.
func NewKeyset(db Queryer, table string, columns models.KeyColumns) (*Keyset, error) {
	if len(columns) == 0 {
		return nil, errors.New("keyset requires at least one key column")
	}
	shape, err := columns.Shape()
	if err != nil {
		return nil, err
	}
	exprs, err := KeyExprs(columns)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgx.Identifier{c.Name}.Sanitize()
	}

	return &Keyset{
		db:      db,
		table:   QuoteTable(table),
		columns: cols,
		exprs:   exprs,
		shape:   shape,
	}, nil
}

// Shape returns the cursor shape of the keyset.
func (k *Keyset) Shape() cursor.Shape {
	return k.shape
}

// First returns the smallest key of the table, or nil if the table is empty.
func (k *Keyset) First(ctx context.Context) (cursor.Cursor, error) {
	return k.boundary(ctx, "bbm_keyset_first", bounds{})
}

// Last returns the greatest key of the table, or nil if the table is empty.
func (k *Keyset) Last(ctx context.Context) (cursor.Cursor, error) {
	return k.boundary(ctx, "bbm_keyset_last", bounds{desc: true})
}

// BatchEnd returns the key n-1 rows after start, start included. When fewer than n rows remain before upper, the
// last remaining key is returned. A nil upper is unbounded. Returns nil when no key is left in [start, upper].
func (k *Keyset) BatchEnd(ctx context.Context, start, upper cursor.Cursor, n int) (cursor.Cursor, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid batch size %d", n)
	}
	end, err := k.boundary(ctx, "bbm_keyset_batch_end", bounds{lower: start, inclusive: true, upper: upper, offset: n - 1})
	if err != nil || end != nil {
		return end, err
	}
	return k.boundary(ctx, "bbm_keyset_batch_last", bounds{lower: start, inclusive: true, upper: upper, desc: true})
}

// After returns the first key strictly greater than key and not greater than upper, or nil if there is none.
func (k *Keyset) After(ctx context.Context, key, upper cursor.Cursor) (cursor.Cursor, error) {
	return k.boundary(ctx, "bbm_keyset_after", bounds{lower: key, upper: upper})
}

type bounds struct {
	lower     cursor.Cursor
	inclusive bool
	upper     cursor.Cursor
	desc      bool
	offset    int
}

func (k *Keyset) query(b bounds) (string, []any, error) {
	order := make([]string, len(k.exprs))
	for i, e := range k.exprs {
		order[i] = e
		if b.desc {
			order[i] += " DESC"
		}
	}

	qb := sq.Select(k.columns...).
		From(k.table).
		OrderBy(order...).
		Limit(1).
		PlaceholderFormat(sq.Dollar)

	if b.lower != nil {
		values, err := cursor.Decode(b.lower, k.shape)
		if err != nil {
			return "", nil, err
		}
		op := ">"
		if b.inclusive {
			op = ">="
		}
		qb = qb.Where(sq.Expr(RowComparison(k.exprs, op), args(values)...))
	}
	if b.upper != nil {
		values, err := cursor.Decode(b.upper, k.shape)
		if err != nil {
			return "", nil, err
		}
		qb = qb.Where(sq.Expr(RowComparison(k.exprs, "<="), args(values)...))
	}
	if b.offset > 0 {
		qb = qb.Offset(uint64(b.offset))
	}

	return qb.ToSql()
}

func (k *Keyset) boundary(ctx context.Context, name string, b bounds) (cursor.Cursor, error) {
	q, qargs, err := k.query(b)
	if err != nil {
		return nil, fmt.Errorf("building keyset query: %w", err)
	}

	defer metrics.InstrumentQuery(name)()

	sc := cursor.NewScanner(k.shape)
	if err := k.db.QueryRowContext(ctx, q, qargs...).Scan(sc.Dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keyset boundary of %s: %w", k.table, err)
	}
	return sc.Cursor()
}

func args(values []cursor.Value) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Any()
	}
	return out
}

// DescribeKeyColumns resolves the types of the named columns of table, in the given order. It fails with
// ErrUnknownTable, ErrUnknownColumn or ErrNullableKeyColumn.
func DescribeKeyColumns(ctx context.Context, db Queryer, table string, names []string) (models.KeyColumns, error) {
	defer metrics.InstrumentQuery("bbm_describe_key_columns")()

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", QuoteTable(table)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("validating background migration table: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%q: %w", table, ErrUnknownTable)
	}

	q := `SELECT
			a.attname,
			a.attnum,
			t.typname,
			a.attnotnull
		FROM
			pg_attribute AS a
			JOIN pg_type AS t ON t.oid = a.atttypid
		WHERE
			a.attrelid = to_regclass($1)
			AND a.attnum > 0
			AND NOT a.attisdropped
			AND a.attname = ANY ($2)`

	rows, err := db.QueryContext(ctx, q, QuoteTable(table), pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("describing background migration key columns: %w", err)
	}
	defer rows.Close()

	type column struct {
		num     int
		typ     string
		notNull bool
	}
	found := make(map[string]column, len(names))
	for rows.Next() {
		var (
			name string
			c    column
		)
		if err := rows.Scan(&name, &c.num, &c.typ, &c.notNull); err != nil {
			return nil, fmt.Errorf("scanning background migration key column: %w", err)
		}
		found[name] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration key columns: %w", err)
	}

	out := make(models.KeyColumns, 0, len(names))
	nums := make([]string, 0, len(names))
	text := make([]bool, 0, len(names))
	for _, name := range names {
		c, ok := found[name]
		if !ok {
			return nil, fmt.Errorf("%q.%q: %w", table, name, ErrUnknownColumn)
		}
		if !c.notNull {
			return nil, fmt.Errorf("%q.%q: %w", table, name, ErrNullableKeyColumn)
		}
		kind, err := cursor.ParseKind(c.typ)
		if err != nil {
			return nil, fmt.Errorf("%q.%q: %w", table, name, err)
		}
		out = append(out, models.KeyColumn{Name: name, Type: c.typ})
		nums = append(nums, strconv.Itoa(c.num))
		text = append(text, kind == cursor.KindString)
	}

	if slices.Contains(text, true) {
		ok, err := textKeyIndexed(ctx, db, table, nums, text)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%q (%s): %w", table, strings.Join(names, ", "), ErrUnindexedTextKey)
		}
	}
	return out, nil
}

// textKeyIndexed reports whether a valid, non partial btree index of table leads with the key columns nums, in
// order, and orders the text ones with a byte order collation.
func textKeyIndexed(ctx context.Context, db Queryer, table string, nums []string, text []bool) (bool, error) {
	q := `SELECT
			i.indkey::text,
			i.indcollation::text
		FROM
			pg_index AS i
			JOIN pg_class AS c ON c.oid = i.indexrelid
			JOIN pg_am AS am ON am.oid = c.relam
		WHERE
			i.indrelid = to_regclass($1)
			AND am.amname = 'btree'
			AND i.indisvalid
			AND i.indpred IS NULL`

	rows, err := db.QueryContext(ctx, q, QuoteTable(table))
	if err != nil {
		return false, fmt.Errorf("listing background migration table indexes: %w", err)
	}
	defer rows.Close()

	var indexed bool
	for rows.Next() {
		var keys, collations string
		if err := rows.Scan(&keys, &collations); err != nil {
			return false, fmt.Errorf("scanning background migration table index: %w", err)
		}
		if coversTextKey(strings.Fields(keys), strings.Fields(collations), nums, text) {
			indexed = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterating background migration table indexes: %w", err)
	}
	return indexed, nil
}

func coversTextKey(keys, collations, nums []string, text []bool) bool {
	if len(keys) < len(nums) || len(collations) < len(nums) {
		return false
	}
	for i, n := range nums {
		if keys[i] != n {
			return false
		}
		if text[i] && !byteOrderCollations[collations[i]] {
			return false
		}
	}
	return true
}

// EstimateTupleCount returns the planner estimate of the number of rows of table. The result is invalid when the
// table has never been analyzed.
func EstimateTupleCount(ctx context.Context, db Queryer, table string) (sql.NullInt64, error) {
	defer metrics.InstrumentQuery("bbm_estimate_tuple_count")()

	var n sql.NullInt64
	q := "SELECT reltuples::bigint FROM pg_class WHERE oid = to_regclass($1)"
	if err := db.QueryRowContext(ctx, q, QuoteTable(table)).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.NullInt64{}, nil
		}
		return sql.NullInt64{}, fmt.Errorf("estimating tuple count of %s: %w", table, err)
	}
	if n.Int64 < 0 {
		n.Valid = false
	}
	return n, nil
}
