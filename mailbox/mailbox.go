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

// Package mailbox implements the process-global mailbox registry (spec
// §4.E): a lazily built, append-only tree keyed by path, with UID
// allocation counters mirrored into memory as transactions commit.
//
// The original (original_source/core/patriciatree.h) indexes mailboxes
// in a trie for prefix queries; this server only ever looks mailboxes
// up by full path, so a plain map guarded by a RWMutex is the
// idiomatic Go substitute -- no prefix traversal is needed.
package mailbox

import (
	"sync"

	"github.com/aoxd/aoxd/errs"
)

// Mailbox is the in-memory mirror of one mailboxes row (spec §3). All
// mutation happens from within a completed DB query callback (the
// Injector's UID-allocation step, or an explicit admin action), so
// plain mutex-guarded fields suffice: there are no worker threads
// racing on this struct outside of that single serialization point.
type Mailbox struct {
	mu sync.RWMutex

	ID          int64
	Path        string
	Owner       string
	UIDNext     uint32
	UIDValidity uint32
	NextModSeq  uint64
	FirstRecent uint32
	Deleted     bool
	Synthetic   bool // virtual view not backed by a mailboxes row

	sessions []Observer
}

// Observer is notified when a Mailbox's UID/modseq counters advance,
// i.e. an Injector has committed new messages into it. Session
// implements this to treat the notification as a refresh trigger
// (spec §4.F "Concurrency with Injector").
type Observer interface {
	MailboxAdvanced(m *Mailbox)
}

// Snapshot is an immutable copy of a Mailbox's counters, safe to read
// without holding the registry or mailbox lock.
type Snapshot struct {
	ID          int64
	Path        string
	UIDNext     uint32
	UIDValidity uint32
	NextModSeq  uint64
	FirstRecent uint32
	Deleted     bool
}

func (m *Mailbox) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		ID:          m.ID,
		Path:        m.Path,
		UIDNext:     m.UIDNext,
		UIDValidity: m.UIDValidity,
		NextModSeq:  m.NextModSeq,
		FirstRecent: m.FirstRecent,
		Deleted:     m.Deleted,
	}
}

// Subscribe registers o to be notified of future UID/modseq advances.
// The mailbox owns the session list (spec §9's owner/non-owning-handle
// split): a subscribed Session keeps a direct *Mailbox pointer and
// removes itself with Unsubscribe when it is closed.
func (m *Mailbox) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, o)
}

func (m *Mailbox) Unsubscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sessions {
		if s == o {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return
		}
	}
}

// Advance bumps uidnext/nextModSeq to at least the given values (an
// Injector only ever grows them) and notifies every subscribed
// Observer. It is safe to call concurrently; notifications for a given
// mailbox are never sent from two goroutines at once because the only
// caller is the serialized Injector commit-announce step (spec §4.G
// step 9, §5 "Shared resource policy").
func (m *Mailbox) Advance(uidNext uint32, nextModSeq uint64) {
	m.mu.Lock()
	if uidNext > m.UIDNext {
		m.UIDNext = uidNext
	}
	if nextModSeq > m.NextModSeq {
		m.NextModSeq = nextModSeq
	}
	obs := append([]Observer(nil), m.sessions...)
	m.mu.Unlock()

	for _, o := range obs {
		o.MailboxAdvanced(m)
	}
}

// Registry is the process-global tree of mailboxes, keyed by path. It
// is append-only: entries are never removed, only marked Deleted, so a
// *Mailbox handed out once remains valid for the life of the process.
type Registry struct {
	mu   sync.RWMutex
	byID map[int64]*Mailbox
	byPt map[string]*Mailbox
}

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[int64]*Mailbox),
		byPt: make(map[string]*Mailbox),
	}
}

// Find returns the mailbox at path, or nil if it hasn't been obtained
// yet (it may still exist in the database; callers that need to
// discover that should go through Obtain).
func (r *Registry) Find(path string) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPt[path]
}

func (r *Registry) ByID(id int64) *Mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Obtain returns the registered Mailbox at path, registering a fresh
// in-memory entry from row if none exists yet. row may be nil when the
// caller only wants an already-registered entry; a Semantic error is
// returned in that case if path isn't registered.
func (r *Registry) Obtain(path string, row *Snapshot) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.byPt[path]; ok {
		return m, nil
	}
	if row == nil {
		return nil, errs.Semanticf("mailbox: %s not found", path)
	}

	m := &Mailbox{
		ID:          row.ID,
		Path:        row.Path,
		UIDNext:     row.UIDNext,
		UIDValidity: row.UIDValidity,
		NextModSeq:  row.NextModSeq,
		FirstRecent: row.FirstRecent,
		Deleted:     row.Deleted,
	}
	r.byPt[path] = m
	r.byID[m.ID] = m
	return m, nil
}

// MarkDeleted flags the mailbox as deleted without removing it from
// the registry -- path lookups still resolve so a stale Session can
// report a clean "mailbox gone" error instead of a registry miss.
func (r *Registry) MarkDeleted(path string) {
	r.mu.RLock()
	m := r.byPt[path]
	r.mu.RUnlock()
	if m == nil {
		return
	}
	m.mu.Lock()
	m.Deleted = true
	m.mu.Unlock()
}
