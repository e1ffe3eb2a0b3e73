package acl_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aoxd/aoxd/acl"
	"github.com/aoxd/aoxd/query"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`create table permissions (mailbox integer, identifier text, rights text)`)
	require.NoError(t, err)
	return db
}

func TestPermissions_LoadGrantsKnownRights(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec(`insert into permissions (mailbox, identifier, rights) values (1, 'alice', 'ri')`)
	require.NoError(t, err)

	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	p := acl.Load(tx, 1, "alice", nil)
	require.NoError(t, tx.Commit())

	require.True(t, p.Ready())
	require.True(t, p.Allowed(acl.Read))
	require.True(t, p.Allowed(acl.Insert))
	require.False(t, p.Allowed(acl.Admin))
}

func TestPermissions_MissingRowGrantsNothing(t *testing.T) {
	db := openDB(t)
	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	p := acl.Load(tx, 99, "nobody", nil)
	require.NoError(t, tx.Commit())

	require.True(t, p.Ready())
	require.False(t, p.Allowed(acl.Read))
}
