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

// Package smtp is the SMTP front-end for the command engine (spec
// §4.H, §8 "SMTP AUTH failure path"): it turns wire-format lines into
// command.Commands, the same shape protocol/imap uses. It authenticates
// against Deps.Users and tracks the MAIL/RCPT envelope; it does not
// call into the acl or inject packages. A failed AUTH PLAIN never closes the
// connection -- the client may retry with corrected credentials on
// the same line-oriented session.
package smtp

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	smtpwire "github.com/emersion/go-smtp"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/aoxd/aoxd/command"
	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/log"
	"github.com/aoxd/aoxd/sched"
	"github.com/aoxd/aoxd/wire"

	"github.com/emersion/go-sasl"
)

// Deps bundles the process-global collaborators a connection shares;
// it is the SMTP package's view of cmd/aoxd's Server.
type Deps struct {
	Users map[string]string // identifier -> password, AUTH PLAIN
	Log   log.Logger
}

// Conn is one SMTP connection's state.
type Conn struct {
	deps Deps
	out  io.Writer
	log  log.Logger

	sched  *sched.Scheduler
	buf    *wire.Buffer
	engine *command.Engine

	identifier string
	authed     bool
	helo       string

	mailFrom string
	mailOpts smtpwire.MailOptions
	rcpts    []string

	closed bool
}

// NewConn wires a fresh connection: greets the client, starts its
// scheduler goroutine, and queues the first command awaiting a line.
func NewConn(deps Deps, out io.Writer) *Conn {
	c := &Conn{
		deps:  deps,
		out:   out,
		log:   deps.Log,
		sched: sched.New(),
		buf:   wire.NewBuffer(),
	}
	c.engine = command.New(c.buf, c.renderBad, c.emitRaw)
	c.emitRaw([]byte("220 aoxd ESMTP ready\r\n"))
	c.log.DebugMsg("smtp connection opened")
	c.engine.Push(&Command{conn: c})
	go c.sched.Run()
	return c
}

// Feed appends newly read bytes and wakes the connection's scheduler.
func (c *Conn) Feed(p []byte) error {
	if err := c.buf.Append(p); err != nil {
		return err
	}
	c.sched.Notify(c)
	return nil
}

// Resume implements sched.Handler.
func (c *Conn) Resume() { c.engine.Resume() }

// Done implements sched.Handler.
func (c *Conn) Done() bool { return c.closed }

// Close tears the connection down and stops the scheduler.
func (c *Conn) Close() {
	c.log.DebugMsg("smtp connection closed", "identifier", c.identifier)
	c.engine.Close()
	c.sched.Close()
	c.closed = true
}

func (c *Conn) emitRaw(b []byte) { _, _ = c.out.Write(b) }

func (c *Conn) emit(code int, enhanced, text string) {
	c.emitRaw([]byte(fmt.Sprintf("%d %s %s\r\n", code, enhanced, text)))
}

func (c *Conn) renderBad(reason string) []byte {
	return []byte("500 5.5.2 " + reason + "\r\n")
}

func (c *Conn) pushNext() {
	if c.closed {
		return
	}
	c.engine.Push(&Command{conn: c})
}

// Command is the single Command implementation handling every SMTP
// verb, mirroring protocol/imap's Command: Parse tokenizes one line,
// Execute dispatches and runs to completion synchronously.
type Command struct {
	conn  *Conn
	verb  string
	args  string
	state command.State
}

func (cmd *Command) Parse(buf *wire.Buffer) error {
	line, ok, err := buf.RemoveLine(16 * 1024)
	if err != nil {
		return err
	}
	if !ok {
		return command.ErrNeedMore
	}
	text := string(line)
	sp := strings.IndexByte(text, ' ')
	if sp < 0 {
		cmd.verb = strings.ToUpper(text)
		cmd.args = ""
	} else {
		cmd.verb = strings.ToUpper(text[:sp])
		cmd.args = strings.TrimSpace(text[sp+1:])
	}
	if cmd.verb == "" {
		return &command.BadCommand{Reason: "empty command"}
	}
	return nil
}

func (cmd *Command) Execute() {
	c := cmd.conn
	switch cmd.verb {
	case "HELO", "EHLO":
		c.doHelo(cmd.verb, cmd.args)
	case "AUTH":
		c.doAuth(cmd.args)
	case "MAIL":
		c.doMail(cmd.args)
	case "RCPT":
		c.doRcpt(cmd.args)
	case "DATA":
		c.doData()
	case "RSET":
		c.resetTransaction()
		c.emit(250, "2.0.0", "OK")
	case "NOOP":
		c.emit(250, "2.0.0", "OK")
	case "QUIT":
		c.emit(221, "2.0.0", "aoxd closing connection")
		c.Close()
	default:
		c.emit(502, "5.5.1", "unrecognized command")
	}
	cmd.state = command.Finished
	if cmd.verb != "QUIT" {
		c.pushNext()
	}
}

func (cmd *Command) State() command.State { return cmd.state }
func (cmd *Command) Group() command.Group { return command.Exclusive }

func (c *Conn) doHelo(verb, args string) {
	if args == "" {
		c.emit(501, "5.5.4", verb+" needs a domain argument")
		return
	}
	c.helo = args
	if verb == "EHLO" {
		c.emitRaw([]byte("250-aoxd greets " + args + "\r\n"))
		c.emitRaw([]byte("250-AUTH PLAIN\r\n"))
		c.emitRaw([]byte("250 SIZE 33554432\r\n"))
		return
	}
	c.emit(250, "2.0.0", "aoxd greets "+args)
}

// doAuth drives a SASL PLAIN exchange carried entirely on the AUTH
// command line ("AUTH PLAIN <base64 initial response>"). No "334 "
// continuation challenge is ever sent: this front-end does not take
// command.Engine's reader lock (SetReader).
func (c *Conn) doAuth(args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "PLAIN") {
		c.emit(504, "5.7.4", "unsupported authentication mechanism")
		return
	}

	ir, err := decodeBase64(fields[1])
	if err != nil {
		c.emit(535, "5.0.0", "Authentication failed")
		return
	}

	var authErr error
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		want, ok := c.deps.Users[username]
		if !ok || want != password {
			return errs.PermissionDenied("invalid credentials")
		}
		return nil
	})
	_, _, authErr = srv.Next(ir)
	if authErr != nil {
		c.emit(535, "5.0.0", "Authentication failed")
		return
	}

	identity, _, _ := splitPlainResponse(ir)
	c.identifier = identity
	c.authed = true
	c.emit(235, "2.0.0", "OK")
}

func (c *Conn) doMail(args string) {
	if !c.authed {
		c.emit(530, "5.7.0", "authentication required")
		return
	}
	from, params, ok := strings.Cut(args, " ")
	if !ok {
		from = args
	}
	from = strings.TrimPrefix(strings.TrimSuffix(from, ">"), "FROM:<")
	if from == args {
		c.emit(501, "5.5.4", "MAIL needs a FROM:<address> argument")
		return
	}

	c.resetTransaction()
	c.mailFrom = from
	c.mailOpts = smtpwire.MailOptions{}
	for _, p := range strings.Fields(params) {
		k, v, _ := strings.Cut(p, "=")
		switch strings.ToUpper(k) {
		case "SIZE":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.mailOpts.Size = int(n)
			}
		case "SMTPUTF8":
			c.mailOpts.UTF8 = true
		case "REQUIRETLS":
			c.mailOpts.RequireTLS = true
		}
	}
	c.emit(250, "2.1.0", "OK")
}

// doRcpt accepts one RCPT TO per call, per the protocol; when a
// transaction ultimately fails to deliver to more than one recipient
// (not reachable with this single-recipient-per-line framing, but the
// shape DATA's eventual delivery fan-out will need) the resulting
// per-recipient errors are meant to be ganged into one response via
// multierror.Append rather than only reporting the first failure.
func (c *Conn) doRcpt(args string) {
	if c.mailFrom == "" {
		c.emit(503, "5.5.1", "MAIL FROM required before RCPT TO")
		return
	}
	to := strings.TrimPrefix(strings.TrimSuffix(args, ">"), "TO:<")
	if to == args || to == "" {
		c.emit(501, "5.5.4", "RCPT needs a TO:<address> argument")
		return
	}
	c.rcpts = append(c.rcpts, to)
	c.emit(250, "2.1.5", "OK")
}

func (c *Conn) doData() {
	if c.mailFrom == "" || len(c.rcpts) == 0 {
		c.emit(503, "5.5.1", "MAIL FROM and RCPT TO required before DATA")
		return
	}
	// DATA reads no message body: this front-end does not take the
	// continuation-data ("reader") lock command.Engine exposes via
	// SetReader. DATA checks the recipients and resets the
	// transaction.
	var errsAgg *multierror.Error
	for _, rcpt := range c.rcpts {
		if rcpt == "" {
			errsAgg = multierror.Append(errsAgg, fmt.Errorf("empty recipient"))
		}
	}
	if errsAgg.ErrorOrNil() != nil {
		c.emit(554, "5.5.0", "transaction failed: "+errsAgg.Error())
		c.resetTransaction()
		return
	}
	c.emit(354, "", "start mail input; end with <CRLF>.<CRLF>")
	c.resetTransaction()
}

func (c *Conn) resetTransaction() {
	c.mailFrom = ""
	c.mailOpts = smtpwire.MailOptions{}
	c.rcpts = nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// splitPlainResponse pulls the authorization identity out of a SASL
// PLAIN initial response ("\0identity\0password" or "authzid\0authcid\0pass").
func splitPlainResponse(ir []byte) (identity, username string, ok bool) {
	parts := strings.SplitN(string(ir), "\x00", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[1] != "" {
		return parts[1], parts[1], true
	}
	return parts[0], parts[0], true
}
