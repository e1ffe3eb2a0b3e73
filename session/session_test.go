package session_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/session"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`create table mailbox_messages (mailbox integer, uid integer, modseq integer, seen integer)`)
	require.NoError(t, err)
	return db
}

func TestSession_RefreshPopulatesUIDsInOrder(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec(`insert into mailbox_messages (mailbox, uid, modseq, seen) values (1,1,1,0),(1,2,2,0),(1,3,3,0)`)
	require.NoError(t, err)

	reg := mailbox.NewRegistry()
	mb, err := reg.Obtain("/u/a", &mailbox.Snapshot{ID: 1, Path: "/u/a", UIDNext: 4, UIDValidity: 7, NextModSeq: 4})
	require.NoError(t, err)

	s := session.Open(mb, true)
	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	s.Refresh(tx, nil)
	require.NoError(t, tx.Commit())

	require.True(t, s.Initialised())
	require.Equal(t, 3, s.Count())
	require.EqualValues(t, 1, s.MSN(1))
	require.EqualValues(t, 3, s.MSN(3))
	require.EqualValues(t, 2, s.UID(2))
	require.True(t, s.IsRecent(1))
}

func TestSession_ExpungeShiftsMSNs(t *testing.T) {
	reg := mailbox.NewRegistry()
	mb, _ := reg.Obtain("/u/c", &mailbox.Snapshot{ID: 1, Path: "/u/c", UIDNext: 4})
	s := session.Open(mb, true)

	db := openDB(t)
	_, err := db.Exec(`insert into mailbox_messages (mailbox, uid, modseq, seen) values (1,1,1,0),(1,2,2,0),(1,3,3,0)`)
	require.NoError(t, err)
	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	s.Refresh(tx, nil)
	require.NoError(t, tx.Commit())

	s.ExpungeUID(2)
	require.EqualValues(t, 2, s.Count())
	require.EqualValues(t, 2, s.MSN(3)) // msg 3 shifts down to MSN 2

	expunges := s.ClearExpunged()
	require.Len(t, expunges, 1)
	require.EqualValues(t, 2, expunges[0].UID)
}

func TestSession_MailboxAdvanceMakesReadyFalseUntilRefresh(t *testing.T) {
	reg := mailbox.NewRegistry()
	mb, _ := reg.Obtain("/u/d", &mailbox.Snapshot{ID: 1, Path: "/u/d", UIDNext: 1})
	s := session.Open(mb, true)

	db := openDB(t)
	tx, err := query.Begin(context.Background(), db, nil)
	require.NoError(t, err)
	s.Refresh(tx, nil)
	require.NoError(t, tx.Commit())
	require.True(t, s.Ready())

	mb.Advance(5, 9)
	require.False(t, s.Ready())
}

func TestBaseSubject_StripsReplyAndForwardPrefixes(t *testing.T) {
	require.Equal(t, "hello", session.BaseSubject("Re: Re: hello"))
	require.Equal(t, "hello", session.BaseSubject("Fwd: hello (fwd)"))
	require.Equal(t, "hello", session.BaseSubject("[list] hello"))
}

func TestMailboxView_ThreadLookupIsDirect(t *testing.T) {
	reg := mailbox.NewRegistry()
	mb, _ := reg.Obtain("/u/e", &mailbox.Snapshot{ID: 1, Path: "/u/e", UIDNext: 1})
	v := session.OpenView(mb)

	v.ThreadMessage(1, "Re: project status")
	v.ThreadMessage(2, "project status")
	v.ThreadMessage(3, "unrelated")

	th := v.Thread(2)
	require.NotNil(t, th)
	require.Equal(t, "project status", th.Subject)
	require.ElementsMatch(t, []uint32{1, 2}, th.UIDs)

	require.Nil(t, v.Thread(99))
}
