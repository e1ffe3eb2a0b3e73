package ids_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/query"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`create table field_names (id integer primary key autoincrement, name text unique)`)
	require.NoError(t, err)
	_, err = db.Exec(`create table addresses (id integer primary key autoincrement, name text, localpart text, domain text)`)
	require.NoError(t, err)
	return db
}

func TestNameCache_LookupConvergesOnSingleID(t *testing.T) {
	db := openDB(t)
	c := ids.NewNameCache(
		`select id from field_names where name=?`,
		`insert into field_names (name) select ?1 where not exists (select id from field_names where name=?1)`,
	)
	fixed := ids.NewNameCache(
		`select id from field_names where name=?`,
		`insert into field_names (name) select ?1 where not exists (select id from field_names where name=?1)`,
	)
	_ = fixed

	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	c.Lookup(tx, []string{"Subject", "Subject"}, nil)
	require.NoError(t, tx.Commit())

	id := c.Translate("Subject")
	require.NotZero(t, id)
	require.Equal(t, "Subject", c.Name(id))

	tx2, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	c2 := ids.NewNameCache(
		`select id from field_names where name=?`,
		`insert into field_names (name) select ?1 where not exists (select id from field_names where name=?1)`,
	)
	c2.Lookup(tx2, []string{"Subject"}, nil)
	require.NoError(t, tx2.Commit())
	require.Equal(t, id, c2.Translate("Subject"))
}

func TestAddressCache_DeduplicatesByNormalizedKey(t *testing.T) {
	db := openDB(t)
	c := ids.NewAddressCache()

	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)

	a1 := &ids.Address{LocalPart: "Alice", Domain: "Example.com", DisplayName: "Alice A"}
	a2 := &ids.Address{LocalPart: "alice", Domain: "example.com", DisplayName: "Alice A"}
	c.Lookup(tx, []*ids.Address{a1, a2}, nil)
	require.NoError(t, tx.Commit())

	require.NotZero(t, a1.ID)
	require.Equal(t, a1.ID, a2.ID)
}
