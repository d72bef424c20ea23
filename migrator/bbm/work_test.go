package bbm

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/bbm/migrator/bbm/cursor"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/models"
)

func noopWork(context.Context, datastore.Queryer, Chunk) (int64, error) { return 0, nil }

func TestNewWorkMap(t *testing.T) {
	tcs := []struct {
		name     string
		work     []Work
		errorMsg string
	}{
		{
			name: "valid",
			work: []Work{{Name: "a", Do: noopWork}, {Name: "b", Do: noopWork}},
		},
		{
			name:     "duplicate name",
			work:     []Work{{Name: "a", Do: noopWork}, {Name: "a", Do: noopWork}},
			errorMsg: "can not have work with the same name a",
		},
		{
			name:     "missing function",
			work:     []Work{{Name: "a"}},
			errorMsg: "work a has no function",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(tt *testing.T) {
			wm, err := NewWorkMap(tc.work)
			if tc.errorMsg != "" {
				require.EqualError(tt, err, tc.errorMsg)
				return
			}
			require.NoError(tt, err)
			require.Len(tt, wm, len(tc.work))
		})
	}
}

func TestWorkMap_Lookup(t *testing.T) {
	wm, err := NewWorkMap(AllWork())
	require.NoError(t, err)

	w, err := wm.Lookup(CopyColumnWorkName)
	require.NoError(t, err)
	require.Equal(t, CopyColumnWorkName, w.Name)

	_, err = wm.Lookup("unknown")
	require.ErrorIs(t, err, ErrWorkFunctionNotFound)
}

func TestChunk_Predicate(t *testing.T) {
	bm := newTestMigration()
	c, err := NewChunk(bm, 1, []cursor.Value{cursor.Int(1)}, []cursor.Value{cursor.Int(10)})
	require.NoError(t, err)

	q, args := c.Predicate(0)
	require.Equal(t, `("id") >= ($1) AND ("id") <= ($2)`, q)
	require.Equal(t, []any{int64(1), int64(10)}, args)

	q, args = c.Predicate(2)
	require.Equal(t, `("id") >= ($3) AND ("id") <= ($4)`, q)
	require.Len(t, args, 2)
}

func TestChunk_Predicate_CompositeKey(t *testing.T) {
	bm := newTestMigration()
	bm.KeyColumns = models.KeyColumns{{Name: "tenant", Type: "text"}, {Name: "id", Type: "bigint"}}

	c, err := NewChunk(bm, 1,
		[]cursor.Value{cursor.String("a"), cursor.Int(1)},
		[]cursor.Value{cursor.String("b"), cursor.Int(5)},
	)
	require.NoError(t, err)

	q, args := c.Predicate(0)
	require.Equal(t, `("tenant" COLLATE "C", "id") >= ($1, $2) AND ("tenant" COLLATE "C", "id") <= ($3, $4)`, q)
	require.Equal(t, []any{"a", int64(1), "b", int64(5)}, args)
}

func TestChunk_Where(t *testing.T) {
	c, err := NewChunk(newTestMigration(), 1, []cursor.Value{cursor.Int(1)}, []cursor.Value{cursor.Int(10)})
	require.NoError(t, err)

	q, args, err := c.Where().ToSql()
	require.NoError(t, err)
	require.Equal(t, `(("id") >= (?) AND ("id") <= (?))`, q)
	require.Equal(t, []any{int64(1), int64(10)}, args)
}

func TestChunk_UnmarshalArguments(t *testing.T) {
	c := Chunk{Arguments: models.Payload(`{"from":"a","to":"b"}`)}

	var args CopyColumnArgs
	require.NoError(t, c.UnmarshalArguments(&args))
	require.Equal(t, CopyColumnArgs{From: "a", To: "b"}, args)

	require.NoError(t, Chunk{}.UnmarshalArguments(&args))

	err := Chunk{Arguments: models.Payload(`{`)}.UnmarshalArguments(&args)
	require.ErrorContains(t, err, "decoding job arguments")
}

func TestCopyColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bm := newTestMigration()
	bm.JobArguments = models.Payload(`{"from":"name","to":"new_name"}`)
	c, err := NewChunk(bm, 1, []cursor.Value{cursor.Int(1)}, []cursor.Value{cursor.Int(10)})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "users" SET "new_name" = "name" WHERE`)).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 10))

	n, err := copyColumn(context.Background(), &datastore.DB{DB: db}, c)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyColumn_MissingArguments(t *testing.T) {
	c, err := NewChunk(newTestMigration(), 1, []cursor.Value{cursor.Int(1)}, []cursor.Value{cursor.Int(10)})
	require.NoError(t, err)

	_, err = copyColumn(context.Background(), nil, c)
	require.EqualError(t, err, "copyColumn requires `from` and `to` arguments")
}
