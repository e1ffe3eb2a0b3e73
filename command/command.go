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

// Package command implements the per-connection command engine (spec
// §4.H) shared in structure between IMAP, POP, SMTP and ManageSieve: a
// FIFO of Commands parsed from the input Buffer, executed in parse
// order subject to a group-concurrency relaxation, with a single
// "reader" lock for continuation data (literals, SASL exchanges).
package command

import (
	"sync"

	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/wire"
)

// State is a Command's position in its own lifecycle.
type State int

const (
	Unparsed State = iota
	Executing
	Finished
)

// Group classifies which commands may execute concurrently on a
// connection. Commands sharing a non-zero Group may run concurrently
// with each other (they are pure reads); Group 0 is exclusive: it waits
// for every prior command -- grouped or not -- to finish first.
type Group int

const (
	Exclusive Group = 0
	ReadOnly  Group = 4 // IMAP SELECT/STATUS/EXAMINE, per spec §4.H
)

// Command is one parsed protocol command. Parse consumes bytes from
// the connection's input Buffer (returning ErrNeedMore if the full
// command hasn't arrived yet); Execute performs its work and may
// suspend by returning without transitioning to Finished -- the engine
// re-invokes Execute on the next scheduler resumption. Group reports
// the command's concurrency class.
type Command interface {
	Parse(buf *wire.Buffer) error
	Execute()
	State() State
	Group() Group
}

// ErrNeedMore is returned by Parse when the input Buffer doesn't yet
// hold a complete command; the engine leaves the command at the head
// of the unparsed queue and waits for the next Buffer.Append.
var ErrNeedMore = errs.Transientf("command: need more input")

// BadCommand is returned by Parse for input the protocol grammar
// rejects outright, so the engine can render the protocol-specific
// "your command was bad" response and drop just that command without
// tearing down the connection (spec §4.H "Unrecognized command").
type BadCommand struct{ Reason string }

func (e *BadCommand) Error() string { return "command: bad: " + e.Reason }

// Literal is what a Parse may return when it meets a trailing "{n+}".
// The Engine does not read the n literal bytes itself: it handles a
// *Literal like any other parse error that is not a *BadCommand, so
// parsing stops and the command stays at the head of the unparsed queue.
type Literal struct{ N int }

func (l *Literal) Error() string { return "command: awaiting literal" }

// Engine is the per-connection FIFO described by spec §4.H.
type Engine struct {
	mu sync.Mutex

	buf *wire.Buffer

	unparsed []Command // awaiting Parse, head is next to parse
	queue    []Command // parsed, awaiting/undergoing Execute, head-first

	readerHeld bool // true while a command holds the continuation-data lock

	renderBad func(reason string) []byte
	onEmit    func(resp []byte)
}

// New builds an Engine reading from buf. renderBad formats the
// protocol-specific rejection for an unrecognized command (BAD for
// IMAP, NO/-ERR for POP, 501 for SMTP, NO for ManageSieve); onEmit is
// called with each such rendered response.
func New(buf *wire.Buffer, renderBad func(reason string) []byte, onEmit func([]byte)) *Engine {
	return &Engine{buf: buf, renderBad: renderBad, onEmit: onEmit}
}

// Push enqueues a freshly constructed, Unparsed Command.
func (e *Engine) Push(c Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unparsed = append(e.unparsed, c)
}

// ReaderHeld reports whether a command currently holds the
// continuation-data ("reader") lock.
func (e *Engine) ReaderHeld() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readerHeld
}

// SetReader acquires (held=true) or releases (held=false) the
// continuation-data lock for the command at the parse head. Only one
// command may hold it at a time (spec §4.H).
func (e *Engine) SetReader(held bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readerHeld = held
}

// Resume drives the engine forward: parse as many queued commands as
// the Buffer currently allows, then execute every parsed command whose
// turn has come (respecting Group), then return. Safe to call
// repeatedly (from a sched.Handler's Resume); it never blocks.
func (e *Engine) Resume() {
	e.parseReady()
	e.executeReady()
}

func (e *Engine) parseReady() {
	for {
		e.mu.Lock()
		if len(e.unparsed) == 0 || e.readerHeld {
			e.mu.Unlock()
			return
		}
		c := e.unparsed[0]
		e.mu.Unlock()

		err := c.Parse(e.buf)
		switch {
		case err == nil:
			e.mu.Lock()
			e.unparsed = e.unparsed[1:]
			e.queue = append(e.queue, c)
			e.mu.Unlock()
		case err == ErrNeedMore:
			return
		default:
			if bad, ok := err.(*BadCommand); ok {
				e.mu.Lock()
				e.unparsed = e.unparsed[1:]
				e.mu.Unlock()
				if e.renderBad != nil && e.onEmit != nil {
					e.onEmit(e.renderBad(bad.Reason))
				}
				continue
			}
			// Any other parse error (e.g. ErrLineTooLong) is fatal to
			// the connection; the caller inspects it via the Buffer/
			// transport layer, not this engine.
			return
		}
	}
}

func (e *Engine) executeReady() {
	e.mu.Lock()
	queue := append([]Command(nil), e.queue...)
	e.mu.Unlock()

	exclusiveBlocked := false
	unfinishedBefore := false // some earlier command is still unfinished
	for _, c := range queue {
		if c.State() == Finished {
			continue
		}
		if c.Group() == Exclusive {
			if exclusiveBlocked || unfinishedBefore {
				break
			}
			c.Execute()
			if c.State() != Finished {
				exclusiveBlocked = true
				unfinishedBefore = true
			}
			continue
		}
		// Grouped commands may run even while an earlier exclusive
		// command is still pending, but never ahead of an earlier
		// exclusive command that hasn't even started.
		c.Execute()
		if c.State() != Finished {
			unfinishedBefore = true
		}
	}

	e.mu.Lock()
	kept := e.queue[:0]
	for _, c := range e.queue {
		if c.State() != Finished {
			kept = append(kept, c)
		}
	}
	e.queue = kept
	e.mu.Unlock()
}

// Close discards every remaining queued command without executing it,
// after the caller has flushed whatever finished responses it already
// has (spec §4.H "Connection close flushes...").
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unparsed = nil
	e.queue = nil
}

// Pending reports how many commands are parsed-but-not-finished.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
