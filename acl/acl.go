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

// Package acl implements the per-mailbox permission lookup (spec
// §4.I): Load reads a user's rights on a mailbox synchronously, inside
// the caller's Transaction, and Permissions answers Allowed locally
// once Ready. Load does not return before the rights are read.
package acl

import (
	"sync"

	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/sched"
)

// Right is one ACL right a user may hold on a mailbox.
type Right byte

const (
	Read Right = iota
	Insert
	KeepSeen
	Expunge
	Admin
)

var rightCodes = map[byte]Right{
	'r': Read,
	'i': Insert,
	's': KeepSeen,
	'e': Expunge,
	'a': Admin,
}

// Permissions is the per-command, per-mailbox ACL view. A command must
// not act on a mailbox before Ready returns true (spec §4.I).
type Permissions struct {
	mu     sync.RWMutex
	ready  bool
	rights map[Right]bool
}

// Load fetches identifier's rights on mailboxID by running the select
// inside tx. tx.Enqueue blocks until the select has run, so the
// returned Permissions is already Ready, and handler.Resume is called
// before Load returns. Permissions failures never leak data: a missing permissions row
// resolves to "no rights", not an error, so the caller can render a
// uniform "not accessible" regardless of whether the mailbox exists
// (spec §7 "Propagation policy").
func Load(tx *query.Transaction, mailboxID int64, identifier string, handler sched.Handler) *Permissions {
	p := &Permissions{rights: make(map[Right]bool)}

	sel := query.New(
		`select rights from permissions where mailbox=? and identifier=?`,
		mailboxID, identifier,
	)
	tx.Enqueue(sel)

	if !sel.Failed() {
		if row := sel.NextRow(); row != nil {
			if rights, ok := row[0].(string); ok {
				for _, c := range []byte(rights) {
					if r, known := rightCodes[c]; known {
						p.rights[r] = true
					}
				}
			}
		}
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()

	if handler != nil {
		handler.Resume()
	}
	return p
}

func (p *Permissions) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Allowed answers locally once Ready returns true; it is always false
// beforehand, so callers that check Ready first never get a stale yes.
func (p *Permissions) Allowed(r Right) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready && p.rights[r]
}
