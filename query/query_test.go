package query_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aoxd/aoxd/query"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`create table field_names (id integer primary key autoincrement, name text unique)`)
	require.NoError(t, err)
	return db
}

func TestTransaction_CommitsInsertAndSelect(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := query.Begin(ctx, db, nil)
	require.NoError(t, err)

	ins := query.New(`insert into field_names (name) select ? where not exists (select id from field_names where name=?)`, "Subject", "Subject")
	tx.Enqueue(ins)
	require.True(t, ins.Done())
	require.False(t, ins.Failed())

	sel := query.New(`select id from field_names where name=?`, "Subject")
	tx.Enqueue(sel)
	require.True(t, sel.HasResults())
	row := sel.NextRow()
	require.NotNil(t, row)
	require.Nil(t, sel.NextRow())

	require.NoError(t, tx.Commit())
	require.True(t, tx.Done())
	require.False(t, tx.Failed())
}

func TestTransaction_FailureAbortsCommit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := query.Begin(ctx, db, nil)
	require.NoError(t, err)

	bad := query.New(`insert into no_such_table (name) values (?)`, "x")
	tx.Enqueue(bad)
	require.True(t, bad.Failed())

	err = tx.Commit()
	require.Error(t, err)
	require.True(t, tx.Failed())
}
