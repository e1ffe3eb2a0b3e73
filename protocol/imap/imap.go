/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package imap is the IMAP front-end for the command engine (spec
// §4.H): it turns wire-format lines into command.Commands driving the
// mailbox/session/acl/inject packages, and renders their results back
// as tagged and untagged IMAP responses.
//
// The message literal syntax IMAP normally uses ("{310}\r\n<bytes>")
// needs continuation support the shared command.Engine does not
// implement yet (Parse can only return ErrNeedMore or a terminal
// error, never "switch to raw-byte mode"); APPEND here instead takes
// its message as a quoted string tacked onto the command line. Real
// non-synchronizing literals are future work once the engine grows a
// continuation state.
package imap

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	imapwire "github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"

	"github.com/aoxd/aoxd/acl"
	"github.com/aoxd/aoxd/command"
	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/inject"
	"github.com/aoxd/aoxd/log"
	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/sched"
	"github.com/aoxd/aoxd/session"
	"github.com/aoxd/aoxd/wire"
)

// compressExt is the same server.Extension go-imap-compress hands to a
// go-imap/server instance via serv.Enable(); CAPABILITY reuses its
// Capabilities() list directly instead of hardcoding "COMPRESS=DEFLATE"
// so the advertised extension name always matches the imported package's
// idea of it. This connection doesn't wire DEFLATE negotiation itself
// (no client in spec §8's scenarios exercises COMPRESS) -- only the
// capability-banner half of the extension is in scope.
var compressExt = compress.NewExtension()

// Deps bundles the process-global collaborators every connection
// shares; it is the IMAP package's view of cmd/aoxd's Server.
type Deps struct {
	DB        *sql.DB
	Mailboxes *mailbox.Registry
	Caches    *inject.Caches
	Users     map[string]string // identifier -> password, spec §4.H "LOGIN"
	Log       log.Logger
}

// Conn is one IMAP connection's state: its own Scheduler (per package
// sched's documented per-connection model), Engine, and the
// authenticated identity/selected mailbox the commands close over.
type Conn struct {
	deps Deps
	out  io.Writer
	log  log.Logger

	sched  *sched.Scheduler
	buf    *wire.Buffer
	engine *command.Engine

	identifier string
	authed     bool

	mb   *mailbox.Mailbox
	sess *session.Session

	closed bool
}

// NewConn wires a fresh connection: greets the client, starts its
// scheduler goroutine, and queues the first command awaiting a line.
func NewConn(deps Deps, out io.Writer) *Conn {
	c := &Conn{
		deps:  deps,
		out:   out,
		log:   deps.Log,
		sched: sched.New(),
		buf:   wire.NewBuffer(),
	}
	c.engine = command.New(c.buf, c.renderBad, c.emitRaw)
	c.emitRaw([]byte("* OK aoxd IMAP4rev1 ready\r\n"))
	c.log.DebugMsg("imap connection opened")
	c.engine.Push(&Command{conn: c})
	go c.sched.Run()
	return c
}

// Feed appends newly read bytes and wakes the connection's scheduler.
func (c *Conn) Feed(p []byte) error {
	if err := c.buf.Append(p); err != nil {
		return err
	}
	c.sched.Notify(c)
	return nil
}

// Resume implements sched.Handler.
func (c *Conn) Resume() { c.engine.Resume() }

// Done implements sched.Handler.
func (c *Conn) Done() bool { return c.closed }

// Close tears the connection down, discarding unfinished commands
// (spec §4.H "Connection close flushes...") and stopping the scheduler.
func (c *Conn) Close() {
	c.log.DebugMsg("imap connection closed", "identifier", c.identifier)
	c.engine.Close()
	c.sched.Close()
	if c.sess != nil {
		c.sess.Close()
	}
	c.closed = true
}

func (c *Conn) emitRaw(b []byte) {
	_, _ = c.out.Write(b)
}

func (c *Conn) emitTagged(tag, kind, text string) {
	c.emitRaw([]byte(tag + " " + kind + " " + text + "\r\n"))
}

func (c *Conn) emitUntagged(text string) {
	c.emitRaw([]byte("* " + text + "\r\n"))
}

func (c *Conn) renderBad(reason string) []byte {
	return []byte("* BAD " + reason + "\r\n")
}

func (c *Conn) pushNext() {
	if c.closed {
		return
	}
	c.engine.Push(&Command{conn: c})
}

// Command is the single Command implementation handling every IMAP
// verb: Parse reads and tokenizes one line, Execute dispatches on the
// verb and runs to completion synchronously (query.Transaction and
// acl.Load both resolve inline against database/sql, so there is no
// mid-command suspension to model here -- see query.Transaction.Enqueue).
type Command struct {
	conn *Conn

	tag   string
	verb  string
	args  []string
	state command.State
	group command.Group
}

func (cmd *Command) Parse(buf *wire.Buffer) error {
	line, ok, err := buf.RemoveLine(16 * 1024)
	if err != nil {
		return err
	}
	if !ok {
		return command.ErrNeedMore
	}
	fields, err := tokenize(string(line))
	if err != nil || len(fields) < 2 {
		return &command.BadCommand{Reason: "malformed command line"}
	}
	cmd.tag = fields[0]
	cmd.verb = strings.ToUpper(fields[1])
	cmd.args = fields[2:]
	switch cmd.verb {
	case "SELECT", "EXAMINE", "STATUS":
		cmd.group = command.ReadOnly
	default:
		cmd.group = command.Exclusive
	}
	return nil
}

func (cmd *Command) Execute() {
	c := cmd.conn
	switch cmd.verb {
	case "CAPABILITY":
		c.doCapability(cmd.tag)
	case "NOOP":
		c.doNoop(cmd.tag)
	case "LOGIN":
		c.doLogin(cmd.tag, cmd.args)
	case "SELECT":
		c.doSelect(cmd.tag, cmd.args, false)
	case "EXAMINE":
		c.doSelect(cmd.tag, cmd.args, true)
	case "STATUS":
		c.doStatus(cmd.tag, cmd.args)
	case "APPEND":
		c.doAppend(cmd.tag, cmd.args)
	case "EXPUNGE":
		c.doExpunge(cmd.tag, cmd.args)
	case "LOGOUT":
		c.doLogout(cmd.tag)
	default:
		c.emitTagged(cmd.tag, "BAD", "unknown command")
	}
	cmd.state = command.Finished
	if cmd.verb != "LOGOUT" {
		c.pushNext()
	}
}

func (cmd *Command) State() command.State { return cmd.state }
func (cmd *Command) Group() command.Group { return cmd.group }

func (c *Conn) doCapability(tag string) {
	caps := []string{"IMAP4rev1", "AUTH=PLAIN"}
	caps = append(caps, compressExt.Capabilities(nil)...)
	c.emitRaw([]byte("* CAPABILITY " + strings.Join(caps, " ") + "\r\n"))
	c.emitTagged(tag, "OK", "CAPABILITY completed")
}

func (c *Conn) doNoop(tag string) {
	if c.sess != nil {
		for _, r := range c.sess.EmitResponses(session.ScopeAll) {
			c.emitResponse(r)
		}
	}
	c.emitTagged(tag, "OK", "NOOP completed")
}

// doLogin authenticates via a SASL PLAIN exchange carried entirely on
// the LOGIN command line ("LOGIN user pass"), rather than a real
// AUTHENTICATE continuation -- the same engine limitation APPEND's doc
// comment describes applies here.
func (c *Conn) doLogin(tag string, args []string) {
	if len(args) != 2 {
		c.emitTagged(tag, "BAD", "LOGIN needs a user and a password")
		return
	}
	user, pass := args[0], args[1]

	var authErr error
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		want, ok := c.deps.Users[username]
		if !ok || want != password {
			return errs.PermissionDenied("invalid credentials")
		}
		return nil
	})
	ir := "\x00" + user + "\x00" + pass
	_, _, authErr = srv.Next([]byte(ir))
	if authErr != nil {
		c.emitTagged(tag, "NO", "LOGIN failed")
		return
	}

	c.identifier = user
	c.authed = true
	c.emitTagged(tag, "OK", "LOGIN completed")
}

func (c *Conn) doSelect(tag string, args []string, readonly bool) {
	if !c.authed {
		c.emitTagged(tag, "NO", "LOGIN required")
		return
	}
	if len(args) != 1 {
		c.emitTagged(tag, "BAD", "expected a mailbox name")
		return
	}
	path := args[0]

	tx, err := query.Begin(context.Background(), c.deps.DB, nil)
	if err != nil {
		c.emitTagged(tag, "NO", "internal error")
		return
	}
	defer tx.Rollback()

	sel := query.New(`select id, uidnext, uidvalidity, nextmodseq, deleted from mailboxes where path=?`, path)
	tx.Enqueue(sel)
	row := sel.NextRow()
	if row == nil {
		c.emitTagged(tag, "NO", "mailbox does not exist")
		return
	}
	id, _ := row[0].(int64)
	uidNext, _ := row[1].(int64)
	uidValidity, _ := row[2].(int64)
	nextModSeq, _ := row[3].(int64)

	mb, err := c.deps.Mailboxes.Obtain(path, &mailbox.Snapshot{
		ID: id, Path: path,
		UIDNext: uint32(uidNext), UIDValidity: uint32(uidValidity), NextModSeq: uint64(nextModSeq),
	})
	if err != nil {
		c.emitTagged(tag, "NO", "mailbox does not exist")
		return
	}

	perms := acl.Load(tx, mb.ID, c.identifier, nil)
	if !perms.Allowed(acl.Read) {
		c.emitTagged(tag, "NO", "permission denied")
		return
	}

	if c.sess != nil {
		c.sess.Close()
	}
	c.mb = mb
	c.sess = session.Open(mb, readonly)
	c.sess.Refresh(tx, nil)

	c.emitUntagged(fmt.Sprintf("%d EXISTS", c.sess.Count()))
	c.emitUntagged("FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
	c.emitUntagged(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", c.sess.UIDValidity()))
	kind := "OK"
	attr := "[READ-WRITE]"
	if readonly {
		attr = "[READ-ONLY]"
	}
	c.emitUntagged(attr + " " + kind)
	c.emitTagged(tag, "OK", attr+" completed")
}

// doStatus reports the items spec §4.H names, including the CONDSTORE
// HIGHESTMODSEQ extension item; imapwire.StatusItem only defines the
// RFC 3501 base set; HIGHESTMODSEQ (RFC 7162) isn't part of it, so it
// is rendered as a bare extra item the same way the base ones are.
func (c *Conn) doStatus(tag string, args []string) {
	if !c.authed {
		c.emitTagged(tag, "NO", "LOGIN required")
		return
	}
	if len(args) < 2 {
		c.emitTagged(tag, "BAD", "STATUS needs a mailbox and an item list")
		return
	}
	path := args[0]
	items := args[1:]

	tx, err := query.Begin(context.Background(), c.deps.DB, nil)
	if err != nil {
		c.emitTagged(tag, "NO", "internal error")
		return
	}
	defer tx.Rollback()

	sel := query.New(`select id, uidnext, uidvalidity, nextmodseq from mailboxes where path=?`, path)
	tx.Enqueue(sel)
	row := sel.NextRow()
	if row == nil {
		c.emitTagged(tag, "NO", "mailbox does not exist")
		return
	}
	id, _ := row[0].(int64)
	uidNext, _ := row[1].(int64)
	uidValidity, _ := row[2].(int64)
	nextModSeq, _ := row[3].(int64)

	countQ := query.New(`select count(*) from mailbox_messages where mailbox=?`, id)
	tx.Enqueue(countQ)
	var count int64
	if r := countQ.NextRow(); r != nil {
		count, _ = r[0].(int64)
	}
	unseenQ := query.New(`select count(*) from mailbox_messages where mailbox=? and seen=0`, id)
	tx.Enqueue(unseenQ)
	var unseen int64
	if r := unseenQ.NextRow(); r != nil {
		unseen, _ = r[0].(int64)
	}

	var parts []string
	for _, item := range items {
		switch strings.ToUpper(strings.Trim(item, "()")) {
		case string(imapwire.StatusMessages):
			parts = append(parts, fmt.Sprintf("%s %d", imapwire.StatusMessages, count))
		case string(imapwire.StatusUidNext):
			parts = append(parts, fmt.Sprintf("%s %d", imapwire.StatusUidNext, uidNext))
		case string(imapwire.StatusUidValidity):
			parts = append(parts, fmt.Sprintf("%s %d", imapwire.StatusUidValidity, uidValidity))
		case string(imapwire.StatusUnseen):
			parts = append(parts, fmt.Sprintf("%s %d", imapwire.StatusUnseen, unseen))
		case "HIGHESTMODSEQ":
			parts = append(parts, fmt.Sprintf("HIGHESTMODSEQ %d", nextModSeq))
		}
	}
	c.emitUntagged(fmt.Sprintf("STATUS %s (%s)", path, strings.Join(parts, " ")))
	c.emitTagged(tag, "OK", "STATUS completed")
}

// doAppend injects args' trailing quoted message into path, wiring the
// Injector pipeline end-to-end (spec §8 "APPEND round-trip"). An
// optional parenthesized flag list may precede the message, e.g.
// `APPEND INBOX (\Seen) "message text"`.
func (c *Conn) doAppend(tag string, args []string) {
	if !c.authed {
		c.emitTagged(tag, "NO", "LOGIN required")
		return
	}
	if len(args) < 2 {
		c.emitTagged(tag, "BAD", "APPEND needs a mailbox and a message")
		return
	}
	path := args[0]
	rest := args[1:]

	var flags []inject.Flag
	if strings.HasPrefix(rest[0], "(") {
		flagStr := strings.TrimPrefix(strings.Join(rest[:len(rest)-1], " "), "(")
		flagStr = strings.TrimSuffix(flagStr, ")")
		for _, f := range strings.Fields(flagStr) {
			_, known := flagIndex[f]
			flags = append(flags, inject.Flag{Name: f, System: known})
		}
		rest = rest[len(rest)-1:]
	}
	raw := rest[0]

	entity, err := message.Read(strings.NewReader(raw))
	if err != nil {
		c.emitTagged(tag, "NO", "invalid message: "+err.Error())
		return
	}
	msg, err := entityToMessage(entity)
	if err != nil {
		c.emitTagged(tag, "NO", "invalid message: "+err.Error())
		return
	}

	tx, err := query.Begin(context.Background(), c.deps.DB, nil)
	if err != nil {
		c.emitTagged(tag, "NO", "internal error")
		return
	}

	sel := query.New(`select id, uidnext, uidvalidity, nextmodseq from mailboxes where path=?`, path)
	tx.Enqueue(sel)
	row := sel.NextRow()
	if row == nil {
		_ = tx.Rollback()
		c.emitTagged(tag, "NO", "[TRYCREATE] mailbox does not exist")
		return
	}
	id, _ := row[0].(int64)
	uidNext, _ := row[1].(int64)
	uidValidity, _ := row[2].(int64)
	nextModSeq, _ := row[3].(int64)
	mb, err := c.deps.Mailboxes.Obtain(path, &mailbox.Snapshot{
		ID: id, Path: path,
		UIDNext: uint32(uidNext), UIDValidity: uint32(uidValidity), NextModSeq: uint64(nextModSeq),
	})
	if err != nil {
		_ = tx.Rollback()
		c.emitTagged(tag, "NO", "[TRYCREATE] mailbox does not exist")
		return
	}

	caches := *c.deps.Caches
	caches.Mailboxes = c.deps.Mailboxes
	inj, err := inject.New(msg, []*mailbox.Mailbox{mb}, flags, nil, nil, &caches, tx, nil)
	if err != nil {
		_ = tx.Rollback()
		c.emitTagged(tag, "NO", err.Error())
		return
	}
	inj.Run()
	if inj.Failed() {
		_ = tx.Rollback()
		c.emitTagged(tag, "NO", "APPEND failed: "+inj.Error().Error())
		return
	}
	if err := tx.Commit(); err != nil {
		c.emitTagged(tag, "NO", "APPEND failed: "+err.Error())
		return
	}
	inj.Announce()

	c.emitTagged(tag, "OK", fmt.Sprintf("[APPENDUID %d %d] APPEND completed", mb.UIDValidity, inj.UID(mb)))
}

// doExpunge removes messages flagged \Deleted that the session can
// currently see. args optionally names an RFC 4315 UID set (parsed via
// imapwire.SeqSet) restricting which UIDs are eligible, matching the
// UID EXPUNGE extension without this engine's verb dispatch needing a
// separate UID prefix path.
func (c *Conn) doExpunge(tag string, args []string) {
	if c.sess == nil {
		c.emitTagged(tag, "NO", "no mailbox selected")
		return
	}
	if c.sess.ReadOnly() {
		c.emitTagged(tag, "NO", "mailbox is read-only")
		return
	}

	var restrict *imapwire.SeqSet
	if len(args) == 1 {
		s, err := imapwire.ParseSeqSet(args[0])
		if err != nil {
			c.emitTagged(tag, "BAD", "invalid UID set")
			return
		}
		restrict = s
	}

	tx, err := query.Begin(context.Background(), c.deps.DB, nil)
	if err != nil {
		c.emitTagged(tag, "NO", "internal error")
		return
	}
	defer tx.Rollback()

	rows := query.New(`select uid from mailbox_messages where mailbox=? and deleted=1 order by uid desc`, c.mb.ID)
	tx.Enqueue(rows)
	var uids []uint32
	for {
		row := rows.NextRow()
		if row == nil {
			break
		}
		uid, _ := row[0].(int64)
		if restrict != nil && !restrict.Contains(uint32(uid)) {
			continue
		}
		uids = append(uids, uint32(uid))
	}

	for _, uid := range uids {
		tx.Enqueue(query.New(`delete from mailbox_messages where mailbox=? and uid=?`, c.mb.ID, uid))
	}
	if err := tx.Commit(); err != nil {
		c.emitTagged(tag, "NO", "EXPUNGE failed: "+err.Error())
		return
	}

	for _, uid := range uids {
		c.sess.ExpungeUID(uid)
	}
	for _, r := range c.sess.ClearExpunged() {
		c.emitResponse(r)
	}
	c.emitTagged(tag, "OK", "EXPUNGE completed")
}

func (c *Conn) doLogout(tag string) {
	c.emitUntagged("BYE aoxd logging out")
	c.emitTagged(tag, "OK", "LOGOUT completed")
	c.Close()
}

func (c *Conn) emitResponse(r session.Response) {
	switch r.Kind {
	case session.Exists:
		c.emitUntagged(fmt.Sprintf("%d EXISTS", c.sess.Count()))
	case session.Expunge, session.Vanished:
		c.emitUntagged(fmt.Sprintf("%d EXPUNGE", r.MSN))
	case session.Fetch:
		c.emitUntagged(fmt.Sprintf("%d FETCH (UID %d)", r.MSN, r.UID))
	}
}

func entityToMessage(e *message.Entity) (*inject.Message, error) {
	msg := &inject.Message{}
	fields := e.Header.Fields()
	for fields.Next() {
		msg.Headers = append(msg.Headers, inject.Header{Field: fields.Key(), Value: fields.Value()})
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, err
	}
	ct, _, _ := e.Header.ContentType()
	msg.Root = &inject.Bodypart{PartNumber: "1", ContentType: ct, Text: string(body)}
	return msg, nil
}


func tokenize(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	hasCur := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			hasCur = true
		case ch == ' ' && !inQuotes:
			if hasCur {
				fields = append(fields, cur.String())
				cur.Reset()
				hasCur = false
			}
		default:
			cur.WriteByte(ch)
			hasCur = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("imap: unterminated quoted string")
	}
	if hasCur {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// flagIndex recognizes the five IMAP system flags (spec §3); an
// APPEND flag outside this set is stored as a non-system (keyword) flag.
var flagIndex = map[string]struct{}{
	imapwire.SeenFlag:     {},
	imapwire.AnsweredFlag: {},
	imapwire.FlaggedFlag:  {},
	imapwire.DeletedFlag:  {},
	imapwire.DraftFlag:    {},
}

