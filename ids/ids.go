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

// Package ids implements the process-wide string-to-id deduplication
// caches (spec §4.D): header field names, flag names, and addresses.
// Each follows the same contract: Lookup ensures every input key has a
// row (and a cached id) via an idempotent insert-if-absent followed by
// a select, so two writers racing on the same new key converge on one
// id; Translate answers from the in-memory cache alone.
//
// Grounded on original_source/message/fieldcache.cpp's FieldNameCache.
package ids

import (
	"sync"

	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/sched"
)

// NameCache deduplicates a single string key ("field name", "flag
// name") to a small integer id.
type NameCache struct {
	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string

	selectSQL string // "select id from <table> where name=$1"
	insertSQL string // "insert ... select $1 where not exists (select ... where name=$1)"
}

// NewNameCache builds an empty cache querying table via the given
// driver-native select/insert statements. selectSQL must take the name
// as its sole bound parameter and return an "id" column; insertSQL must
// be the matching insert-if-absent statement, and it too is given the
// name as its sole bound parameter (see fieldcache.cpp).
func NewNameCache(selectSQL, insertSQL string) *NameCache {
	return &NameCache{
		byName:    make(map[string]int64),
		byID:      make(map[int64]string),
		selectSQL: selectSQL,
		insertSQL: insertSQL,
	}
}

// Translate returns the cached id for name, or 0 if not cached.
func (c *NameCache) Translate(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// Name returns the cached name for id, or "" if not cached.
func (c *NameCache) Name(id int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// Insert seeds the cache from an external source (e.g. a row already
// read by the Injector for an unrelated reason), keeping both
// directions consistent.
func (c *NameCache) Insert(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = id
	c.byID[id] = name
}

// Lookup ensures that after it returns, every name in names has an id
// in the cache, by running (inside tx) one insert-if-absent and one
// select per name not already cached. handler.Resume is called once
// (synchronously, on the calling goroutine) after the cache has been
// updated for every name -- callers that need cooperative re-entry
// should call Lookup from the step-runner goroutine they already use
// for Transaction.Enqueue, not from the scheduler goroutine itself.
func (c *NameCache) Lookup(tx *query.Transaction, names []string, handler sched.Handler) {
	missing := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if c.Translate(n) == 0 {
			missing = append(missing, n)
		}
	}

	for _, n := range missing {
		ins := query.New(c.insertSQL, n)
		tx.Enqueue(ins)
		if ins.Failed() {
			continue
		}

		sel := query.New(c.selectSQL, n)
		tx.Enqueue(sel)
		if sel.Failed() {
			continue
		}
		if row := sel.NextRow(); row != nil {
			if id, ok := asInt64(row[0]); ok {
				c.Insert(n, id)
			}
		}
	}

	if handler != nil {
		handler.Resume()
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}
