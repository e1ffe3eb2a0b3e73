package ids

import (
	"strings"
	"sync"

	"github.com/aoxd/aoxd/query"
	"github.com/aoxd/aoxd/sched"
)

// Address mirrors the {localpart, domain, display-name} triple spec §3
// defines, already normalized by the address package at construction.
type Address struct {
	ID          int64
	LocalPart   string
	Domain      string
	DisplayName string
}

func addrKey(local, domain, name string) string {
	return strings.ToLower(local) + "\x00" + strings.ToLower(domain) + "\x00" + name
}

// AddressCache deduplicates addresses by (lower(localpart),
// lower(domain), display-name), per spec §3/§4.D.
type AddressCache struct {
	mu   sync.RWMutex
	byID map[int64]Address
	byKy map[string]int64
}

func NewAddressCache() *AddressCache {
	return &AddressCache{
		byID: make(map[int64]Address),
		byKy: make(map[string]int64),
	}
}

func (c *AddressCache) Translate(local, domain, name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKy[addrKey(local, domain, name)]
}

func (c *AddressCache) Insert(a Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[a.ID] = a
	c.byKy[addrKey(a.LocalPart, a.Domain, a.DisplayName)] = a.ID
}

// Lookup resolves every address in addrs against the cache, running one
// combined select + insert-missing + select inside tx for addresses not
// already cached, and writes the resolved id back into addrs in place.
// handler.Resume is called once all addresses have been resolved.
func (c *AddressCache) Lookup(tx *query.Transaction, addrs []*Address, handler sched.Handler) {
	for _, a := range addrs {
		if id := c.Translate(a.LocalPart, a.Domain, a.DisplayName); id != 0 {
			a.ID = id
			continue
		}

		sel := query.New(
			`select id from addresses where lower(localpart)=? and lower(domain)=? and name=?`,
			strings.ToLower(a.LocalPart), strings.ToLower(a.Domain), a.DisplayName,
		)
		tx.Enqueue(sel)
		if sel.Failed() {
			continue
		}
		if row := sel.NextRow(); row != nil {
			if id, ok := asInt64(row[0]); ok {
				a.ID = id
				c.Insert(*a)
				continue
			}
		}

		ins := query.New(
			`insert into addresses (name, localpart, domain) select ?, ?, ? where not exists
			 (select id from addresses where lower(localpart)=? and lower(domain)=? and name=?)`,
			a.DisplayName, a.LocalPart, a.Domain,
			strings.ToLower(a.LocalPart), strings.ToLower(a.Domain), a.DisplayName,
		)
		tx.Enqueue(ins)
		if ins.Failed() {
			continue
		}

		sel2 := query.New(
			`select id from addresses where lower(localpart)=? and lower(domain)=? and name=?`,
			strings.ToLower(a.LocalPart), strings.ToLower(a.Domain), a.DisplayName,
		)
		tx.Enqueue(sel2)
		if sel2.Failed() {
			continue
		}
		if row := sel2.NextRow(); row != nil {
			if id, ok := asInt64(row[0]); ok {
				a.ID = id
				c.Insert(*a)
			}
		}
	}

	if handler != nil {
		handler.Resume()
	}
}
