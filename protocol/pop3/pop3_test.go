package pop3_test

import (
	"bytes"
	"database/sql"
	"testing"
	"time"

	"github.com/aoxd/aoxd/log"
	pop3proto "github.com/aoxd/aoxd/protocol/pop3"
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
		`create table mailbox_messages (mailbox integer, uid integer, message integer, modseq integer, seen integer default 0, deleted integer default 0, flags text)`,
	}
	for _, s := range schema {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	_, err = db.Exec(`insert into mailboxes (id, path, uidnext, uidvalidity, nextmodseq) values (1, 'INBOX', 3, 100, 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into messages (id, internaldate, wrapped, rfc822size) values (1, 0, 0, 120)`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into mailbox_messages (mailbox, uid, message, modseq, seen) values (1, 1, 1, 1, 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into field_names (id, name) values (1, 'Subject')`)
	require.NoError(t, err)
	_, err = db.Exec(`insert into header_fields (message, part, position, field, value) values (1, '1', 0, 1, 'hello')`)
	require.NoError(t, err)
	return db
}

func testDeps(db *sql.DB) pop3proto.Deps {
	return pop3proto.Deps{
		DB:    db,
		Users: map[string]string{"alice": "secret"},
		Log:   log.Logger{Name: "pop3-test"},
	}
}

func drive(t *testing.T, c *pop3proto.Conn, out *bytes.Buffer, lines ...string) string {
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
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	require.Contains(t, out.String(), "+OK aoxd POP3 ready")
}

func TestConn_UserPassStatList(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `USER alice`)
	require.Contains(t, resp, "+OK send PASS")
	out.Reset()

	resp = drive(t, c, &out, `PASS secret`)
	require.Contains(t, resp, "+OK authenticated")
	out.Reset()

	resp = drive(t, c, &out, `STAT`)
	require.Contains(t, resp, "+OK 1 120")
	out.Reset()

	resp = drive(t, c, &out, `LIST`)
	require.Contains(t, resp, "+OK 1 messages")
	require.Contains(t, resp, "1 120")
	require.Contains(t, resp, ".\r\n")
}

func TestConn_PassRejectsWrongPassword(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	drive(t, c, &out, `USER alice`)
	out.Reset()

	resp := drive(t, c, &out, `PASS wrong`)
	require.Contains(t, resp, "-ERR invalid credentials")
}

func TestConn_StatRequiresAuth(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	resp := drive(t, c, &out, `STAT`)
	require.Contains(t, resp, "-ERR authentication required")
}

func TestConn_RetrRendersHeadersThenDot(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	drive(t, c, &out, `USER alice`)
	out.Reset()
	drive(t, c, &out, `PASS secret`)
	out.Reset()

	resp := drive(t, c, &out, `RETR 1`)
	require.Contains(t, resp, "+OK message follows")
	require.Contains(t, resp, "Subject: hello")
	require.Contains(t, resp, ".\r\n")
}

// TestConn_DeleThenQuitFlushesDeletion exercises doQuit's flush of DELE
// marks into mailbox_messages.deleted, the same column IMAP's EXPUNGE
// selects on.
func TestConn_DeleThenQuitFlushesDeletion(t *testing.T) {
	db := openTestDB(t)
	var out bytes.Buffer
	c := pop3proto.NewConn(testDeps(db), &out)
	defer c.Close()

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, time.Millisecond)
	out.Reset()

	drive(t, c, &out, `USER alice`)
	out.Reset()
	drive(t, c, &out, `PASS secret`)
	out.Reset()

	resp := drive(t, c, &out, `DELE 1`)
	require.Contains(t, resp, "+OK message marked for deletion")
	out.Reset()

	resp = drive(t, c, &out, `QUIT`)
	require.Contains(t, resp, "+OK aoxd closing connection")
	require.Eventually(t, func() bool { return c.Done() }, time.Second, time.Millisecond)

	var deleted int
	require.NoError(t, db.QueryRow(`select deleted from mailbox_messages where mailbox=1 and uid=1`).Scan(&deleted))
	require.Equal(t, 1, deleted)
}
