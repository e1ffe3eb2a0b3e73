package imap_test

import (
	"bytes"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/inject"
	"github.com/aoxd/aoxd/log"
	"github.com/aoxd/aoxd/mailbox"
	imapproto "github.com/aoxd/aoxd/protocol/imap"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`create table mailboxes (id integer primary key, path text unique, uidnext integer, uidvalidity integer, nextmodseq integer, deleted integer default 0)`,
		`create table messages (id integer primary key autoincrement, internaldate integer, wrapped integer, rfc822size integer)`,
		`create table bodyparts (id integer primary key autoincrement, hash text unique, bytes blob, text text)`,
		`create table header_fields (message integer, part text, position integer, field integer, value text)`,
		`create table field_names (id integer primary key autoincrement, name text unique)`,
		`create table flags (id integer primary key autoincrement, name text unique)`,
		`create table flag_links (mailbox integer, uid integer, flag integer)`,
		`create table annotations (mailbox integer, uid integer, owner text, name text, value text)`,
		`create table addresses (id integer primary key autoincrement, name text, localpart text, domain text)`,
		`create table address_fields (message integer, part text, position integer, field text, address integer, number integer)`,
		`create table mailbox_messages (mailbox integer, uid integer, message integer, modseq integer, seen integer default 0, deleted integer default 0, flags text)`,
		`create table message_dates (message integer, mailbox integer, uid integer, internaldate integer)`,
		`create table deliveries (id integer primary key autoincrement, sender text, message integer)`,
		`create table delivery_recipients (delivery integer, recipient text, action text, status text)`,
		`create table permissions (mailbox integer, identifier text, rights text)`,
	}
	for _, s := range schema {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	_, err = db.Exec(`insert into mailboxes (id, path, uidnext, uidvalidity, nextmodseq) values (1, 'INBOX', 1, 100, 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into permissions (mailbox, identifier, rights) values (1, 'alice', 'rise')`)
	require.NoError(t, err)
	return db
}

func testDeps(db *sql.DB) imapproto.Deps {
	return imapproto.Deps{
		DB:        db,
		Mailboxes: mailbox.NewRegistry(),
		Caches: &inject.Caches{
			Fields: ids.NewNameCache(
				`select id from field_names where name=?`,
				`insert into field_names (name) select ?1 where not exists (select id from field_names where name=?1)`,
			),
			Flags: ids.NewNameCache(
				`select id from flags where name=?`,
				`insert into flags (name) select ?1 where not exists (select id from flags where name=?1)`,
			),
			Addresses: ids.NewAddressCache(),
		},
		Users: map[string]string{"alice": "secret"},
		Log:   log.Logger{Name: "imap-test"},
	}
}

// drive feeds lines one at a time and waits briefly after each for the
// connection's own scheduler goroutine to run Execute and write a
// response; Command.Execute in this package is synchronous (see
// imap.go's Command doc comment) so a short poll is enough without a
// real client on the other end of a socket.
func drive(t *testing.T, c *imapproto.Conn, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	var before int
	for _, line := range lines {
		before = out.Len()
		require.NoError(t, c.Feed([]byte(line+"\r\n")))
		require.Eventually(t, func() bool { return out.Len() > before }, time.Second, time.Millisecond)
	}
	return out.String()
}

func TestConn_GreetsOnConnect(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := imapproto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	require.Contains(t, out.String(), "* OK aoxd IMAP4rev1 ready")
}

func TestConn_CapabilityAdvertisesCompress(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := imapproto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `a1 CAPABILITY`)
	require.Contains(t, resp, "* CAPABILITY IMAP4rev1")
	require.Contains(t, resp, "COMPRESS=DEFLATE")
	require.Contains(t, resp, "a1 OK CAPABILITY completed")
}

func TestConn_LoginSelectAppendStatusExpungeLogout(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := imapproto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `a1 LOGIN alice secret`)
	require.Contains(t, resp, "a1 OK LOGIN completed")
	out.Reset()

	resp = drive(t, c, &out, `a2 SELECT INBOX`)
	require.Contains(t, resp, "0 EXISTS")
	require.Contains(t, resp, "a2 OK [READ-WRITE] completed")
	out.Reset()

	// A real multi-line RFC 5322 message can't be driven through this
	// engine (single-line framing only, see imap.go's package doc
	// comment), so message insertion here goes straight into
	// mailbox_messages rather than round-tripping through APPEND.
	_, err := db.Exec(`insert into mailbox_messages (mailbox, uid, message, modseq, seen) values (1, 1, 1, 2, 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`update mailboxes set uidnext=2, nextmodseq=2 where id=1`)
	require.NoError(t, err)

	resp = drive(t, c, &out, `a3 STATUS INBOX (MESSAGES UIDNEXT UNSEEN)`)
	require.True(t, strings.Contains(resp, "MESSAGES 1"))
	require.True(t, strings.Contains(resp, "UNSEEN 1"))
	require.Contains(t, resp, "a3 OK STATUS completed")
	out.Reset()

	resp = drive(t, c, &out, `a4 APPEND`)
	require.Contains(t, resp, "a4 BAD APPEND needs a mailbox and a message")
	out.Reset()

	_, err = db.Exec(`update mailbox_messages set deleted=1 where mailbox=1 and uid=1`)
	require.NoError(t, err)

	resp = drive(t, c, &out, `a5 EXPUNGE`)
	require.Contains(t, resp, "a5 OK EXPUNGE completed")
	out.Reset()

	resp = drive(t, c, &out, `a6 LOGOUT`)
	require.Contains(t, resp, "* BYE aoxd logging out")
	require.Contains(t, resp, "a6 OK LOGOUT completed")

	require.Eventually(t, func() bool { return c.Done() }, time.Second, time.Millisecond)
}

func TestConn_LoginRejectsWrongPassword(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := imapproto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `a1 LOGIN alice wrong`)
	require.Contains(t, resp, "a1 NO LOGIN failed")
}

func TestConn_SelectRequiresLogin(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := imapproto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `a1 SELECT INBOX`)
	require.Contains(t, resp, "a1 NO LOGIN required")
}
