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

// Package future implements the (value, error) container that every
// suspension point in the server (§5: query completion, session refresh,
// permissions load, cache lookup) resolves through. It is the primitive
// the command engine and the scheduler build cooperative resumption on top
// of: a handler suspends by blocking on a Future's channel instead of a
// callback, which keeps its own control flow linear while still letting
// many other goroutines observe the same completion.
package future

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/aoxd/aoxd/log"
)

// Future is a one-shot (value, error) pair that many goroutines can wait
// on. It must not be copied after first use.
type Future struct {
	mu  sync.RWMutex
	set bool
	val interface{}
	err error

	notify chan struct{}
}

func New() *Future {
	return &Future{notify: make(chan struct{})}
}

// Set resolves the Future. All Get/GetContext callers, blocked or future,
// observe (val, err). Calling Set twice is a bug (it would mean a query or
// handler reported completion more than once) and is logged rather than
// panicking, since the first Set already won.
func (f *Future) Set(val interface{}, err error) {
	if f == nil {
		panic("future: Set called on nil Future")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		stack := debug.Stack()
		log.Println("future: Set called multiple times", string(stack))
		return
	}

	f.set = true
	f.val = val
	f.err = err
	close(f.notify)
}

func (f *Future) Get() (interface{}, error) {
	return f.GetContext(context.Background())
}

// GetContext blocks until the Future resolves or ctx is done, whichever
// comes first. This is the usual suspension point for a command engine
// handler: it is re-entered by the scheduler once the channel closes.
func (f *Future) GetContext(ctx context.Context) (interface{}, error) {
	if f == nil {
		panic("future: Get called on nil Future")
	}

	f.mu.RLock()
	if f.set {
		val, err := f.val, f.err
		f.mu.RUnlock()
		return val, err
	}
	f.mu.RUnlock()

	select {
	case <-f.notify:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.val, f.err
}

// Done reports whether Set has already been called, without blocking.
func (f *Future) Done() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set
}
