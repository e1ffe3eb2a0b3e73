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

// Package sched implements the cooperative, completion-driven scheduling
// model described in spec §4.B/§5: a connection runs one Scheduler, and
// each protocol front-end calls Notify on it when new input has been
// appended to the connection's Buffer. Query/Transaction completion,
// Session refreshes, Permissions loads and cache lookups run inline on
// the calling goroutine rather than through Notify.
//
// Unlike the historical single-process reactor this is modeled on, each
// network connection owns its own Scheduler goroutine rather than sharing
// one process-wide loop; that is the idiomatic Go shape for a many-socket
// daemon and it preserves the guarantee that actually matters here: a
// given Handler is never re-entered concurrently with itself. Resources
// shared *across* connections (the mailbox registry, the name caches) get
// their own internal synchronization instead of relying on a global loop.
package sched

import "sync"

// Handler is resumed by the Scheduler whenever something it was waiting on
// makes progress. Resume must not block; it inspects whatever state made it
// runnable, advances as far as it can, and returns -- suspending again just
// means returning without having reached Done.
type Handler interface {
	// Resume advances the handler's state machine by one step. It is
	// always called on the Scheduler's own goroutine, so Handler
	// implementations never need their own locking against each other.
	Resume()

	// Done reports whether the handler has reached a terminal state and
	// can be dropped from the run queue for good.
	Done() bool
}

// Scheduler runs a single connection's Handlers, serialized, driven by
// whichever one of them becomes runnable next.
type Scheduler struct {
	mu      sync.Mutex
	runnable []Handler
	queued   map[Handler]bool
	wake     chan struct{}
	closed   bool
}

func New() *Scheduler {
	return &Scheduler{
		queued: make(map[Handler]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Notify marks h runnable. Safe to call from any goroutine (a query
// completion callback arriving on the SQL driver's own goroutine, a timer
// firing, bytes landing on the socket reader). h.Resume() will run on the
// Scheduler's Run goroutine, not the caller's.
func (s *Scheduler) Notify(h Handler) {
	s.mu.Lock()
	if s.closed || s.queued[h] {
		s.mu.Unlock()
		return
	}
	s.queued[h] = true
	s.runnable = append(s.runnable, h)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains runnable handlers until Close is called. It is meant to be
// the body of the connection's single goroutine.
func (s *Scheduler) Run() {
	for {
		h, ok := s.pop()
		if !ok {
			if s.isClosed() {
				return
			}
			<-s.wake
			continue
		}

		h.Resume()
		if !h.Done() {
			// The handler suspended again; it re-enters the queue only
			// when something Notifies it next, not automatically.
			continue
		}
	}
}

func (s *Scheduler) pop() (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runnable) == 0 {
		return nil, false
	}
	h := s.runnable[0]
	s.runnable = s.runnable[1:]
	delete(s.queued, h)
	return h, true
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops Run once the current runnable queue drains; handlers queued
// after Close is called are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
