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

// Package wire implements the per-connection byte FIFO (spec §4.C) that
// sits between the raw transport and the protocol parsers: an ordered
// queue of bytes read off the socket, with line and literal extraction and
// optional in-stream decompression (IMAP COMPRESS=DEFLATE and friends).
//
// Buffer itself never touches the network; Transport.Read results are
// handed to Append, and a parser that needs more bytes than are currently
// queued just returns false/err and waits for the next Append.
package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrLineTooLong is returned by RemoveLine when no line terminator was
// found within max bytes. The caller must fail the connection (spec §4.C).
var ErrLineTooLong = errors.New("wire: line exceeds maximum length")

// Buffer is an ordered, growable byte FIFO. Its observable contents are
// always the concatenation of every Append payload, minus every Remove
// prefix -- nothing else is allowed to mutate it.
type Buffer struct {
	mu  sync.Mutex
	buf []byte // buf[off:] is the live content

	off int

	inflate *inflatePipe // non-nil once EnableInflate has been called
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append queues p at the tail of the FIFO. If inbound decompression was
// enabled via EnableInflate, p is treated as compressed-stream bytes and
// the decompressed plaintext is what actually lands in the FIFO.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if b.inflate != nil {
		plain, err := b.inflate.feed(p)
		if err != nil {
			return fmt.Errorf("wire: inflate: %w", err)
		}
		p = plain
		if len(p) == 0 {
			return nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.compact()
	b.buf = append(b.buf, p...)
	return nil
}

// Size reports the number of live bytes currently queued.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.off
}

// At returns the i'th live byte, or 0 if i is past the end.
func (b *Buffer) At(i int) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.off + i
	if i < 0 || idx >= len(b.buf) {
		return 0
	}
	return b.buf[idx]
}

// Remove discards the first n live bytes (fewer, if n exceeds Size).
func (b *Buffer) Remove(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return
	}
	avail := len(b.buf) - b.off
	if n > avail {
		n = avail
	}
	b.off += n
	b.compact()
}

// String copies the first n live bytes without consuming them. If fewer
// than n bytes are live, it returns everything available.
func (b *Buffer) String(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	avail := len(b.buf) - b.off
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return ""
	}
	return string(b.buf[b.off : b.off+n])
}

// Bytes works like String but returns a fresh []byte copy.
func (b *Buffer) Bytes(n int) []byte {
	s := b.String(n)
	return []byte(s)
}

// RemoveLine extracts and consumes the next CRLF- or LF-terminated line
// (terminator stripped), not counting the terminator itself towards max.
// It returns (nil, false, nil) when no full line is queued yet and the
// buffer is still under max bytes -- the caller should wait for more
// Append calls. It returns ErrLineTooLong once max bytes have accumulated
// with no terminator in sight, and also (consuming nothing) when the next
// full line is longer than max; per spec the connection must be failed.
func (b *Buffer) RemoveLine(max int) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.buf[b.off:]
	for i, c := range live {
		if c == '\n' {
			end := i
			if end > 0 && live[end-1] == '\r' {
				end--
			}
			if end > max {
				return nil, false, ErrLineTooLong
			}
			line := make([]byte, end)
			copy(line, live[:end])
			b.off += i + 1
			b.compact()
			return line, true, nil
		}
	}

	if len(live) >= max {
		return nil, false, ErrLineTooLong
	}
	return nil, false, nil
}

// Literal extracts exactly n live bytes (the payload of an IMAP/ManageSieve
// "{n+}" literal) once that many are queued; otherwise it returns
// (nil, false) and the caller waits for more Append calls.
func (b *Buffer) Literal(n int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := len(b.buf) - b.off
	if live < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b.buf[b.off:b.off+n])
	b.off += n
	b.compact()
	return out, true
}

// compact drops the consumed prefix once it grows past half the backing
// array, so a long-lived connection buffer doesn't grow without bound.
func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off < len(b.buf)/2 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}

// EnableInflate switches subsequent Append calls to treat input as a zstd
// stream (used once a connection negotiates a compression extension) and
// queue the decompressed bytes instead.
func (b *Buffer) EnableInflate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflate != nil {
		return nil
	}
	p, err := newInflatePipe()
	if err != nil {
		return err
	}
	b.inflate = p
	return nil
}

// CompressWriter wraps w so that everything written to the returned
// io.WriteCloser is zstd-compressed on the way out -- the outbound half of
// a negotiated compression extension. Close must be called to flush the
// trailing frame.
func CompressWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

// inflatePipe adapts Buffer's push-based Append to zstd.Decoder's
// pull-based io.Reader by feeding bytes through an in-memory pipe read
// synchronously within feed -- no goroutine needed since Append always
// supplies a complete chunk and we drain exactly that chunk's decoded
// output before returning.
type inflatePipe struct {
	dec *zstd.Decoder
	in  *chunkReader
}

func newInflatePipe() (*inflatePipe, error) {
	cr := &chunkReader{}
	dec, err := zstd.NewReader(cr)
	if err != nil {
		return nil, err
	}
	return &inflatePipe{dec: dec, in: cr}, nil
}

func (p *inflatePipe) feed(chunk []byte) ([]byte, error) {
	p.in.set(chunk)
	out := make([]byte, 0, len(chunk)*2)
	buf := make([]byte, 4096)
	for {
		n, err := p.dec.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF || err == errNoMoreInput {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

var errNoMoreInput = errors.New("wire: chunk drained")

// chunkReader hands zstd.Decoder exactly one pre-set chunk, then reports
// errNoMoreInput so Read loops above stop instead of blocking forever.
type chunkReader struct {
	data []byte
}

func (c *chunkReader) set(p []byte) { c.data = p }

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, errNoMoreInput
	}
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, nil
}
