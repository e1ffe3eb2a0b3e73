package inject_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/inject"
	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`create table mailboxes (id integer primary key, uidnext integer, uidvalidity integer, nextmodseq integer, deleted integer default 0)`,
		`create table messages (id integer primary key autoincrement, internaldate integer, wrapped integer, rfc822size integer)`,
		`create table bodyparts (id integer primary key autoincrement, hash text unique, bytes blob, text text)`,
		`create table header_fields (message integer, part text, position integer, field integer, value text)`,
		`create table field_names (id integer primary key autoincrement, name text unique)`,
		`create table flags (id integer primary key autoincrement, name text unique)`,
		`create table flag_links (mailbox integer, uid integer, flag integer)`,
		`create table annotations (mailbox integer, uid integer, owner text, name text, value text)`,
		`create table addresses (id integer primary key autoincrement, name text, localpart text, domain text)`,
		`create table address_fields (message integer, part text, position integer, field text, address integer, number integer)`,
		`create table mailbox_messages (mailbox integer, uid integer, message integer, modseq integer, seen integer, flags text)`,
		`create table message_dates (message integer, mailbox integer, uid integer, internaldate integer)`,
		`create table deliveries (id integer primary key autoincrement, sender text, message integer)`,
		`create table delivery_recipients (delivery integer, recipient text, action text, status text)`,
	}
	for _, s := range schema {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	_, err = db.Exec(`insert into mailboxes (id, uidnext, uidvalidity, nextmodseq) values (1, 5, 100, 10)`)
	require.NoError(t, err)
	return db
}

func newCaches() *inject.Caches {
	return &inject.Caches{
		Fields: ids.NewNameCache(
			`select id from field_names where name=?`,
			`insert into field_names (name) select ?1 where not exists (select id from field_names where name=?1)`,
		),
		Flags: ids.NewNameCache(
			`select id from flags where name=?`,
			`insert into flags (name) select ?1 where not exists (select id from flags where name=?1)`,
		),
		Addresses: ids.NewAddressCache(),
		Mailboxes: mailbox.NewRegistry(),
	}
}

func TestInjector_AppendRoundTrip(t *testing.T) {
	db := openDB(t)
	caches := newCaches()
	mb, err := caches.Mailboxes.Obtain("/u/a", &mailbox.Snapshot{ID: 1, Path: "/u/a", UIDNext: 5, UIDValidity: 100, NextModSeq: 10})
	require.NoError(t, err)

	msg := &inject.Message{
		Headers:      []inject.Header{{Field: "Subject", Value: "x"}},
		Root:         &inject.Bodypart{Text: "hi"},
		InternalDate: 1000,
	}

	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)

	j, err := inject.New(msg, []*mailbox.Mailbox{mb}, []inject.Flag{{Name: "\\Seen", System: true}}, nil, nil, caches, tx, nil)
	require.NoError(t, err)

	j.Run()
	require.True(t, j.Done())
	require.False(t, j.Failed(), "%v", j.Error())
	require.NoError(t, tx.Commit())

	require.EqualValues(t, 5, j.UID(mb))

	j.Announce()
	require.EqualValues(t, 6, mb.Snapshot().UIDNext)
	require.EqualValues(t, 11, mb.Snapshot().NextModSeq)
}

func TestInjector_FailsOnDeletedMailbox(t *testing.T) {
	db := openDB(t)
	caches := newCaches()
	mb, err := caches.Mailboxes.Obtain("/u/b", &mailbox.Snapshot{ID: 1, Path: "/u/b", UIDNext: 5, Deleted: true})
	require.NoError(t, err)

	msg := &inject.Message{Root: &inject.Bodypart{Text: "hi"}}
	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)

	j, err := inject.New(msg, []*mailbox.Mailbox{mb}, nil, nil, nil, caches, tx, nil)
	require.NoError(t, err)
	j.Run()

	require.True(t, j.Done())
	require.True(t, j.Failed())
}

func TestInjector_ConcurrentAppendsGetDistinctUIDs(t *testing.T) {
	db := openDB(t)
	caches := newCaches()
	mb, err := caches.Mailboxes.Obtain("/u/c", &mailbox.Snapshot{ID: 1, Path: "/u/c", UIDNext: 1, NextModSeq: 1})
	require.NoError(t, err)

	var uids []uint32
	for i := 0; i < 2; i++ {
		msg := &inject.Message{Root: &inject.Bodypart{Text: "hi"}}
		tx, err := query.Begin(context.Background(), db, nil)
		require.NoError(t, err)
		j, err := inject.New(msg, []*mailbox.Mailbox{mb}, nil, nil, nil, caches, tx, nil)
		require.NoError(t, err)
		j.Run()
		require.False(t, j.Failed(), "%v", j.Error())
		require.NoError(t, tx.Commit())
		j.Announce()
		uids = append(uids, j.UID(mb))
	}

	require.Len(t, uids, 2)
	require.NotEqual(t, uids[0], uids[1])
	require.EqualValues(t, 7, mb.Snapshot().UIDNext)
}
