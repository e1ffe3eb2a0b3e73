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

// Package session implements the per-client mailbox projection (spec
// §4.F): a stable UID<->MSN mapping, \Recent/\Seen/expunged
// bookkeeping, and the refresh protocol that collapses concurrent
// refresh requests into one fetch.
package session

import (
	"sync"

	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
)

// ResponseKind identifies a queued client-visible event.
type ResponseKind int

const (
	Exists ResponseKind = iota
	Expunge
	Fetch
	Vanished
)

// Response is one queued event to emit in protocol order.
type Response struct {
	Kind ResponseKind
	UID  uint32
	MSN  uint32
}

// Scope selects which queued responses EmitResponses drains.
type Scope int

const (
	ScopeNew Scope = iota
	ScopeModified
	ScopeAll
)

// Session is the per-client projection of one Mailbox, opened
// read-write or read-only. It implements mailbox.Observer: an Injector
// completion that advances the Mailbox's counters wakes the session's
// next refresh rather than being pushed synchronously (spec §4.F
// "Concurrency with Injector").
type Session struct {
	mu sync.Mutex

	mb       *mailbox.Mailbox
	readonly bool

	uidvalidity uint32
	uidnext     uint32

	uids   []uint32      // ordered; msn(uid) = 1+index
	index  map[uint32]int // uid -> index into uids
	recent map[uint32]bool
	seen   map[uint32]bool

	pending []Response

	lastSeenModSeq uint64
	initialised    bool

	refreshing   bool
	refreshQueue []func()

	headersNeeded bool // subclass (MailboxView) wants threading headers fetched too
}

// Open builds a Session over mb, snapshotting uidvalidity/uidnext and
// subscribing it to mb. It does not change the \Recent state of other
// sessions open on the same mailbox; each session marks as \Recent the
// UIDs its own refreshes discover.
func Open(mb *mailbox.Mailbox, readonly bool) *Session {
	snap := mb.Snapshot()
	s := &Session{
		mb:          mb,
		readonly:    readonly,
		uidvalidity: snap.UIDValidity,
		uidnext:     snap.UIDNext,
		index:       make(map[uint32]int),
		recent:      make(map[uint32]bool),
		seen:        make(map[uint32]bool),
	}
	mb.Subscribe(s)
	return s
}

func (s *Session) Close() {
	s.mb.Unsubscribe(s)
}

func (s *Session) ReadOnly() bool { return s.readonly }

func (s *Session) UIDValidity() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uidvalidity
}

// Initialised reports whether the session's view has completed at
// least one refresh.
func (s *Session) Initialised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialised
}

// Ready reports whether the in-memory view is caught up to the
// mailbox's uidnext and (for subclasses that need it) threading
// headers are fetched. The base Session never needs headers.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uidnext >= s.mb.Snapshot().UIDNext && !s.headersNeeded
}

// MSN returns the 1-based sequence number of uid, or 0 if not visible.
func (s *Session) MSN(uid uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[uid]
	if !ok {
		return 0
	}
	return uint32(i + 1)
}

// UID returns the UID at 1-based sequence number msn, or 0 if out of
// range.
func (s *Session) UID(msn uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msn < 1 || int(msn) > len(s.uids) {
		return 0
	}
	return s.uids[msn-1]
}

func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uids)
}

// MailboxAdvanced implements mailbox.Observer: it just marks the
// in-memory view as stale (uidnext behind the mailbox's), so the next
// Ready()/Refresh() call discovers new mail. No queries run on this
// callback -- it fires from the Injector's announce() step and must
// not block (spec §4.G step 9, §5).
func (s *Session) MailboxAdvanced(mb *mailbox.Mailbox) {
	// Nothing to do: Ready() re-reads mb.Snapshot() every call, so
	// staleness is detected lazily rather than pushed here.
}

// Refresh fetches any rows with modseq >= lastSeenModSeq and
// transitions Initialised to true. At most one refresh runs at a time
// per session; concurrent callers are enqueued behind a thin bouncer
// that invokes fn once the in-flight refresh completes, collapsing N concurrent refresh requests into one fetch.
func (s *Session) Refresh(tx *query.Transaction, fn func()) {
	s.mu.Lock()
	if s.refreshing {
		s.refreshQueue = append(s.refreshQueue, fn)
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	s.doRefresh(tx)

	s.mu.Lock()
	s.refreshing = false
	waiters := s.refreshQueue
	s.refreshQueue = nil
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	for _, w := range waiters {
		w()
	}
}

func (s *Session) doRefresh(tx *query.Transaction) {
	s.mu.Lock()
	mbID := s.mb.ID
	lastSeen := s.lastSeenModSeq
	s.mu.Unlock()

	rows := query.New(
		`select uid, modseq, seen from mailbox_messages where mailbox=? and modseq>=? order by uid`,
		mbID, lastSeen,
	)
	tx.Enqueue(rows)
	if rows.Failed() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		row := rows.NextRow()
		if row == nil {
			break
		}
		uid, _ := asUint32(row[0])
		modseq, _ := asUint64(row[1])
		if modseq >= s.lastSeenModSeq {
			s.lastSeenModSeq = modseq + 1
		}
		if _, exists := s.index[uid]; !exists {
			s.index[uid] = len(s.uids)
			s.uids = append(s.uids, uid)
			s.recent[uid] = true
			s.pending = append(s.pending, Response{Kind: Exists, UID: uid, MSN: uint32(len(s.uids))})
		} else {
			s.pending = append(s.pending, Response{Kind: Fetch, UID: uid, MSN: uint32(s.index[uid] + 1)})
		}
	}

	s.uidnext = s.mb.Snapshot().UIDNext
	s.initialised = true
}

// ExpungeUID removes uid from the visible set, queuing an EXPUNGE
// response. Per spec §5 ordering, EXPUNGE responses must descend
// through MSNs; callers draining pending responses in queue order
// satisfy this as long as ExpungeUID is invoked high-MSN-first, which
// is the caller's responsibility (it knows the expunge batch).
func (s *Session) ExpungeUID(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[uid]
	if !ok {
		return
	}
	msn := uint32(i + 1)
	s.uids = append(s.uids[:i], s.uids[i+1:]...)
	delete(s.index, uid)
	delete(s.recent, uid)
	delete(s.seen, uid)
	for u, idx := range s.index {
		if idx > i {
			s.index[u] = idx - 1
		}
	}
	s.pending = append(s.pending, Response{Kind: Expunge, UID: uid, MSN: msn})
}

// ClearExpunged drains queued EXPUNGE/VANISHED events, leaving other
// pending responses untouched.
func (s *Session) ClearExpunged() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained, kept []Response
	for _, r := range s.pending {
		if r.Kind == Expunge || r.Kind == Vanished {
			drained = append(drained, r)
		} else {
			kept = append(kept, r)
		}
	}
	s.pending = kept
	return drained
}

// EmitResponses drains and returns queued responses matching scope, in
// the order they were queued (spec §5: EXISTS before any FETCH for
// that UID; callers append in that order during refresh, so queue
// order already satisfies it).
func (s *Session) EmitResponses(scope Scope) []Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out, kept []Response
	for _, r := range s.pending {
		match := scope == ScopeAll ||
			(scope == ScopeNew && r.Kind == Exists) ||
			(scope == ScopeModified && (r.Kind == Fetch || r.Kind == Expunge || r.Kind == Vanished))
		if match {
			out = append(out, r)
		} else {
			kept = append(kept, r)
		}
	}
	s.pending = kept
	return out
}

// IsRecent reports whether uid is \Recent for this session.
func (s *Session) IsRecent(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent[uid]
}

// MarkSeen sets/clears the local \Seen bookkeeping for uid. Persisting
// the flag itself is the caller's job (a Query against mailbox_messages);
// this just keeps the session's own view consistent without a refresh.
func (s *Session) MarkSeen(uid uint32, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen {
		s.seen[uid] = true
	} else {
		delete(s.seen, uid)
	}
}

func (s *Session) IsSeen(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[uid]
}

func asUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case int64:
		return uint32(n), true
	case int:
		return uint32(n), true
	}
	return 0, false
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}
