package inject

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/sched"
)

// State is one step of the Injector's strictly-forward progression
// (spec §4.G).
type State int

const (
	Inactive State = iota
	InsertingBodyparts
	InsertingAddresses
	SelectingUids
	InsertingMessages
	LinkingFields
	LinkingFlags
	LinkingAnnotations
	LinkingAddresses
	AwaitingCompletion
	Done
)

// Caches bundles the process-global name/address caches an Injector
// resolves keys against (spec §4.D), and the mailbox registry it
// allocates UIDs and announces completion through (spec §4.E).
type Caches struct {
	Fields    *ids.NameCache
	Flags     *ids.NameCache
	Addresses *ids.AddressCache
	Mailboxes *mailbox.Registry
}

// Injector publishes one Message into one or more target mailboxes
// atomically. Construct with New, enqueue its transaction work with
// Resume on every scheduler re-entry (it is a sched.Handler), and read
// Done/Failed/UID once it finishes.
type Injector struct {
	msg       *Message
	mailboxes []*mailbox.Mailbox
	flags     []Flag
	annots    []Annotation
	envelope  *Envelope

	caches *Caches
	tx     *query.Transaction
	owner  sched.Handler

	state State
	err   error

	msgID    int64
	uids     map[int64]uint32 // mailbox id -> allocated uid
	modseqs  map[int64]uint64
}

// New builds an Injector for msg into mailboxes (must be non-empty),
// running all work inside tx and notifying owner (if non-nil) once,
// after Resume has driven the state machine to Done -- mirroring the scheduler-driven
// re-entry model of spec §4.B/§5, but expressed as a single-goroutine
// state machine rather than returning control to a global loop: Run
// drives every step synchronously against the (blocking) database/sql
// Transaction, which is the idiomatic Go shape for this once the SQL
// driver itself supplies the asynchrony via goroutines, not this code.
func New(msg *Message, mailboxes []*mailbox.Mailbox, flags []Flag, annots []Annotation, env *Envelope, caches *Caches, tx *query.Transaction, owner sched.Handler) (*Injector, error) {
	if len(mailboxes) == 0 {
		return nil, errs.Semanticf("inject: no target mailboxes")
	}
	return &Injector{
		msg:       msg,
		mailboxes: mailboxes,
		flags:     flags,
		annots:    annots,
		envelope:  env,
		caches:    caches,
		tx:        tx,
		owner:     owner,
		state:     Inactive,
		uids:      make(map[int64]uint32),
		modseqs:   make(map[int64]uint64),
	}, nil
}

func (j *Injector) Done() bool   { return j.state == Done }
func (j *Injector) Failed() bool { return j.state == Done && j.err != nil }
func (j *Injector) Error() error { return j.err }

// UID returns the UID allocated for m, valid once Done()&&!Failed().
func (j *Injector) UID(m *mailbox.Mailbox) uint32 { return j.uids[m.ID] }

// Resume implements sched.Handler: it runs every remaining step, each
// against the blocking Transaction, until the state reaches Done (a
// failed step ends it early), then calls owner.Resume. Re-entry is idempotent because each step only inspects
// j.state and the Transaction's already-enqueued query results.
func (j *Injector) Resume() {
	for j.state != Done {
		switch j.state {
		case Inactive:
			j.state = InsertingBodyparts
		case InsertingBodyparts:
			j.insertBodyparts()
		case InsertingAddresses:
			j.insertAddresses()
		case SelectingUids:
			j.selectUids()
		case InsertingMessages:
			j.insertMessages()
		case LinkingFields:
			j.linkFields()
		case LinkingFlags:
			j.linkFlags()
		case LinkingAnnotations:
			j.linkAnnotations()
		case LinkingAddresses:
			j.linkAddresses()
		case AwaitingCompletion:
			j.awaitCompletion()
		}
		if j.err != nil {
			j.state = Done
			break
		}
	}
	if j.owner != nil {
		j.owner.Resume()
	}
}

// Run drives Resume once; exposed separately from Resume so callers
// that aren't themselves a scheduler (e.g. a direct APPEND handler)
// can invoke it without implying sched.Handler semantics.
func (j *Injector) Run() { j.Resume() }

func (j *Injector) fail(err error) {
	if j.err == nil {
		j.err = err
	}
}

// insertBodyparts walks the bodypart tree depth-first, assigning
// dotted part numbers and inserting each leaf's content (deduplicated
// by hash) into the bodyparts table (spec §4.G step 1).
func (j *Injector) insertBodyparts() {
	if j.msg.Root != nil {
		assignPartNumbers(j.msg.Root, "", 1)
		j.walkBodyparts(j.msg.Root)
	}
	j.state = InsertingAddresses
}

func assignPartNumbers(b *Bodypart, prefix string, n int) {
	if prefix == "" {
		b.PartNumber = fmt.Sprintf("%d", n)
	} else {
		b.PartNumber = fmt.Sprintf("%s.%d", prefix, n)
	}
	for i, c := range b.Children {
		assignPartNumbers(c, b.PartNumber, i+1)
	}
}

func (j *Injector) walkBodyparts(b *Bodypart) {
	if len(b.Children) == 0 {
		payload := b.Binary
		if payload == nil {
			payload = []byte(b.Text)
		}
		sum := sha256.Sum256(payload)
		b.hash = hex.EncodeToString(sum[:])

		sel := query.New(`select id from bodyparts where hash=?`, b.hash)
		j.tx.Enqueue(sel)
		if sel.Failed() {
			j.fail(sel.Err())
			return
		}
		if row := sel.NextRow(); row != nil {
			if id, ok := asInt64(row[0]); ok {
				b.id = id
				return
			}
		}

		ins := query.New(`insert into bodyparts (hash, bytes, text) select ?, ?, ? where not exists
			(select id from bodyparts where hash=?)`, b.hash, b.Binary, b.Text, b.hash)
		j.tx.Enqueue(ins)
		if ins.Failed() {
			j.fail(ins.Err())
			return
		}
		sel2 := query.New(`select id from bodyparts where hash=?`, b.hash)
		j.tx.Enqueue(sel2)
		if sel2.Failed() {
			j.fail(sel2.Err())
			return
		}
		if row := sel2.NextRow(); row != nil {
			if id, ok := asInt64(row[0]); ok {
				b.id = id
			}
		}
		return
	}
	for _, c := range b.Children {
		j.walkBodyparts(c)
		if j.err != nil {
			return
		}
	}
}

// insertAddresses resolves every address in Message.Addresses via the
// Address cache (spec §4.G step 2); envelope recipients are not
// resolved here.
func (j *Injector) insertAddresses() {
	refs := make([]*ids.Address, 0, len(j.msg.Addresses))
	for i := range j.msg.Addresses {
		refs = append(refs, &j.msg.Addresses[i].Addr)
	}
	if len(refs) > 0 {
		j.caches.Addresses.Lookup(j.tx, refs, nil)
	}
	j.state = SelectingUids
}

// selectUids atomically reads-and-increments uidnext (and bumps
// nextModSeq) for every target mailbox inside the one Transaction, so
// concurrent Injectors on the same mailbox cannot collide (spec §4.G
// step 3). The UPDATE ... RETURNING form is what gives the atomicity;
// a missing/deleted mailbox fails the whole Injector.
func (j *Injector) selectUids() {
	// Deterministic order avoids lock-ordering deadlocks across
	// Injectors targeting overlapping mailbox sets.
	sort.Slice(j.mailboxes, func(a, b int) bool { return j.mailboxes[a].ID < j.mailboxes[b].ID })

	for _, m := range j.mailboxes {
		snap := m.Snapshot()
		if snap.Deleted {
			j.fail(errs.Semanticf("inject: mailbox %q is deleted", snap.Path))
			return
		}

		q := query.New(
			`update mailboxes set uidnext=uidnext+1, nextmodseq=nextmodseq+1
			 where id=? returning uidnext-1, nextmodseq-1`,
			m.ID,
		)
		j.tx.Enqueue(q)
		if q.Failed() {
			j.fail(q.Err())
			return
		}
		row := q.NextRow()
		if row == nil {
			j.fail(errs.Semanticf("inject: mailbox %d not found", m.ID))
			return
		}
		uid, _ := asUint32(row[0])
		modseq, _ := asUint64(row[1])
		j.uids[m.ID] = uid
		j.modseqs[m.ID] = modseq
	}
	j.state = InsertingMessages
}

// insertMessages inserts the one messages row shared by every target
// mailbox (spec §4.G step 4).
func (j *Injector) insertMessages() {
	q := query.New(
		`insert into messages (internaldate, wrapped, rfc822size) values (?, ?, ?) returning id`,
		j.msg.InternalDate, j.msg.Wrapped, 0,
	)
	j.tx.Enqueue(q)
	if q.Failed() {
		j.fail(q.Err())
		return
	}
	if row := q.NextRow(); row != nil {
		j.msgID, _ = asInt64(row[0])
	}
	j.state = LinkingFields
}

// linkFields resolves every header field name via the Field cache and
// inserts header_fields rows, preserving original order via an ordinal
// column (spec §4.G step 5).
func (j *Injector) linkFields() {
	names := make([]string, 0, len(j.msg.Headers))
	for _, h := range j.msg.Headers {
		names = append(names, h.Field)
	}
	if len(names) > 0 {
		j.caches.Fields.Lookup(j.tx, names, nil)
	}

	for i, h := range j.msg.Headers {
		fieldID := j.caches.Fields.Translate(h.Field)
		q := query.New(
			`insert into header_fields (message, part, position, field, value) values (?, ?, ?, ?, ?)`,
			j.msgID, "", i, fieldID, h.Value,
		)
		j.tx.Enqueue(q)
		if q.Failed() {
			j.fail(q.Err())
			return
		}
	}
	j.state = LinkingFlags
}

// linkFlags resolves flag names via the Flag cache and inserts one
// flag_links row per (mailbox, flag) (spec §4.G step 5).
func (j *Injector) linkFlags() {
	names := make([]string, 0, len(j.flags))
	for _, f := range j.flags {
		names = append(names, f.Name)
	}
	if len(names) > 0 {
		j.caches.Flags.Lookup(j.tx, names, nil)
	}

	for _, m := range j.mailboxes {
		uid := j.uids[m.ID]
		for _, f := range j.flags {
			flagID := j.caches.Flags.Translate(f.Name)
			q := query.New(`insert into flag_links (mailbox, uid, flag) values (?, ?, ?)`, m.ID, uid, flagID)
			j.tx.Enqueue(q)
			if q.Failed() {
				j.fail(q.Err())
				return
			}
		}
	}
	j.state = LinkingAnnotations
}

// linkAnnotations inserts the per-message-per-mailbox annotation rows
// (spec §4.G step 5).
func (j *Injector) linkAnnotations() {
	for _, m := range j.mailboxes {
		uid := j.uids[m.ID]
		for _, a := range j.annots {
			q := query.New(
				`insert into annotations (mailbox, uid, owner, name, value) values (?, ?, ?, ?, ?)`,
				m.ID, uid, ownerFor(a), a.Entry+"/"+a.Attribute, a.Value,
			)
			j.tx.Enqueue(q)
			if q.Failed() {
				j.fail(q.Err())
				return
			}
		}
	}
	j.state = LinkingAddresses
}

func ownerFor(a Annotation) string {
	if a.Shared {
		return ""
	}
	return "private"
}

// linkAddresses inserts address_fields rows preserving role and
// position, then the mailbox_messages row and (if an envelope was
// supplied) deliveries rows, per spec §4.G steps 4-7.
func (j *Injector) linkAddresses() {
	for _, ref := range j.msg.Addresses {
		q := query.New(
			`insert into address_fields (message, part, position, field, address, number) values (?, ?, ?, ?, ?, ?)`,
			j.msgID, "", ref.Position, ref.Role, ref.Addr.ID, ref.Position,
		)
		j.tx.Enqueue(q)
		if q.Failed() {
			j.fail(q.Err())
			return
		}
	}

	for _, m := range j.mailboxes {
		uid := j.uids[m.ID]
		modseq := j.modseqs[m.ID]
		q := query.New(
			`insert into mailbox_messages (mailbox, uid, message, modseq, seen, flags) values (?, ?, ?, ?, ?, ?)`,
			m.ID, uid, j.msgID, modseq, false, "",
		)
		j.tx.Enqueue(q)
		if q.Failed() {
			j.fail(q.Err())
			return
		}

		dateQ := query.New(`insert into message_dates (message, mailbox, uid, internaldate) values (?, ?, ?, ?)`,
			j.msgID, m.ID, uid, j.msg.InternalDate)
		j.tx.Enqueue(dateQ)
		if dateQ.Failed() {
			j.fail(dateQ.Err())
			return
		}

		if j.envelope != nil {
			for _, rcpt := range j.envelope.Recipients {
				dq := query.New(
					`insert into deliveries (sender, message) values (?, ?) returning id`,
					j.envelope.Sender, j.msgID,
				)
				j.tx.Enqueue(dq)
				if dq.Failed() {
					j.fail(dq.Err())
					return
				}
				var deliveryID int64
				if row := dq.NextRow(); row != nil {
					deliveryID, _ = asInt64(row[0])
				}
				rq := query.New(
					`insert into delivery_recipients (delivery, recipient, action, status) values (?, ?, ?, ?)`,
					deliveryID, rcpt, "", "",
				)
				j.tx.Enqueue(rq)
				if rq.Failed() {
					j.fail(rq.Err())
					return
				}
			}
		}
	}
	j.state = AwaitingCompletion
}

// awaitCompletion waits for the Transaction's own completion. The
// Transaction was driven synchronously by every prior step via
// tx.Enqueue, so by the time control reaches here it is already
// decided; Commit is the caller's responsibility once every Injector
// sharing this Transaction (if any) has reached AwaitingCompletion.
func (j *Injector) awaitCompletion() {
	if j.tx.Failed() {
		j.fail(j.tx.Err())
	}
	j.state = Done
}

// Announce advances every target mailbox's in-memory counters once the
// owning Transaction has committed, waking any open Session so it
// discovers the new messages on its next refresh (spec §4.G step 9).
// Must only be called after Done()&&!Failed().
func (j *Injector) Announce() {
	if !j.Done() || j.Failed() {
		return
	}
	for _, m := range j.mailboxes {
		m.Advance(j.uids[m.ID]+1, j.modseqs[m.ID]+1)
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asUint32(v interface{}) (uint32, bool) {
	n, ok := asInt64(v)
	return uint32(n), ok
}

func asUint64(v interface{}) (uint64, bool) {
	n, ok := asInt64(v)
	return uint64(n), ok
}
