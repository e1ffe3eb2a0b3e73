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

// Package managesieve is the fourth Command-engine front-end (spec
// §4.H, §8 "ManageSieve PUTSCRIPT with literal"): script upload,
// listing and activation over the same line-oriented wire shape
// protocol/imap and protocol/smtp already use, against an in-memory
// per-connection script store rather than a Sieve execution engine --
// spec §1's Non-goals exclude running Sieve scripts, only storing and
// naming them.
package managesieve

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/aoxd/aoxd/command"
	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/log"
	"github.com/aoxd/aoxd/sched"
	"github.com/aoxd/aoxd/wire"
)

// Deps bundles the process-global collaborators a connection shares.
type Deps struct {
	Users map[string]string // identifier -> password, AUTHENTICATE PLAIN
	Log   log.Logger
}

// Conn is one ManageSieve connection's state: the authenticated
// identity (if any) and its script store, keyed by script name.
type Conn struct {
	deps Deps
	out  io.Writer
	log  log.Logger

	sched  *sched.Scheduler
	buf    *wire.Buffer
	engine *command.Engine

	identifier string
	authed     bool

	scripts map[string]string
	active  string

	closed bool
}

// NewConn wires a fresh connection: emits the capability banner (spec
// §5 "ManageSieve capability banner") terminated by OK, starts the
// scheduler goroutine, and queues the first command.
func NewConn(deps Deps, out io.Writer) *Conn {
	c := &Conn{
		deps:    deps,
		out:     out,
		log:     deps.Log,
		sched:   sched.New(),
		buf:     wire.NewBuffer(),
		scripts: map[string]string{},
	}
	c.engine = command.New(c.buf, c.renderBad, c.emitRaw)
	c.emitCapabilities()
	c.log.DebugMsg("managesieve connection opened")
	c.engine.Push(&Command{conn: c})
	go c.sched.Run()
	return c
}

func (c *Conn) emitCapabilities() {
	c.emitRaw([]byte(`"SIEVE" "Fileinto Refuse Reject"` + "\r\n"))
	c.emitRaw([]byte(`"IMPLEMENTATION" "aoxd managesieve"` + "\r\n"))
	c.emitRaw([]byte(`"SASL" "PLAIN"` + "\r\n"))
	c.emitRaw([]byte("OK\r\n"))
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
	c.log.DebugMsg("managesieve connection closed", "identifier", c.identifier)
	c.engine.Close()
	c.sched.Close()
	c.closed = true
}

func (c *Conn) emitRaw(b []byte) { _, _ = c.out.Write(b) }

func (c *Conn) emitOK(text string) {
	if text == "" {
		c.emitRaw([]byte("OK\r\n"))
		return
	}
	c.emitRaw([]byte(fmt.Sprintf("OK %q\r\n", text)))
}

func (c *Conn) emitNo(text string) {
	c.emitRaw([]byte(fmt.Sprintf("NO %q\r\n", text)))
}

// renderBad satisfies command.Engine's "malformed command" path; spec
// §5 calls for a line > 2048 bytes to close the connection with BYE
// rather than a NO, which RemoveLine's max-length error triggers via
// Parse returning a terminal error instead of ErrNeedMore.
func (c *Conn) renderBad(reason string) []byte {
	return []byte(fmt.Sprintf("NO %q\r\n", reason))
}

func (c *Conn) pushNext() {
	if c.closed {
		return
	}
	c.engine.Push(&Command{conn: c})
}

// Command is the single Command implementation handling every
// ManageSieve verb, the same shape protocol/imap and protocol/smtp use.
type Command struct {
	conn  *Conn
	verb  string
	args  []string
	state command.State
}

func (cmd *Command) Parse(buf *wire.Buffer) error {
	line, ok, err := buf.RemoveLine(2048)
	if err != nil {
		cmd.conn.emitRaw([]byte("BYE \"line too long\"\r\n"))
		cmd.conn.Close()
		return err
	}
	if !ok {
		return command.ErrNeedMore
	}
	fields, err := tokenize(string(line))
	if err != nil {
		return &command.BadCommand{Reason: err.Error()}
	}
	if len(fields) == 0 {
		return &command.BadCommand{Reason: "empty command"}
	}
	cmd.verb = strings.ToUpper(fields[0])
	cmd.args = fields[1:]
	return nil
}

func (cmd *Command) Execute() {
	c := cmd.conn
	switch cmd.verb {
	case "CAPABILITY":
		c.emitCapabilities()
	case "AUTHENTICATE":
		c.doAuthenticate(cmd.args)
	case "PUTSCRIPT":
		c.doPutScript(cmd.args)
	case "LISTSCRIPTS":
		c.doListScripts()
	case "SETACTIVE":
		c.doSetActive(cmd.args)
	case "GETSCRIPT":
		c.doGetScript(cmd.args)
	case "DELETESCRIPT":
		c.doDeleteScript(cmd.args)
	case "LOGOUT":
		c.emitOK("")
		c.Close()
	default:
		c.emitNo("unrecognized command")
	}
	cmd.state = command.Finished
	if cmd.verb != "LOGOUT" {
		c.pushNext()
	}
}

func (cmd *Command) State() command.State { return cmd.state }
func (cmd *Command) Group() command.Group { return command.Exclusive }

// doAuthenticate drives a SASL PLAIN exchange carried entirely on the
// AUTHENTICATE command line, the same continuation-state workaround
// protocol/imap's LOGIN and protocol/smtp's AUTH use.
func (c *Conn) doAuthenticate(args []string) {
	if len(args) != 2 || !strings.EqualFold(args[0], "PLAIN") {
		c.emitNo("unsupported authentication mechanism")
		return
	}
	ir, err := base64.StdEncoding.DecodeString(args[1])
	if err != nil {
		c.emitNo("authentication failed")
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
		c.emitNo("authentication failed")
		return
	}

	identity, _, _ := splitPlainResponse(ir)
	c.identifier = identity
	c.authed = true
	c.emitOK("")
}

// doPutScript stores args' script text under name, requiring both a
// name and body quoted on the command line rather than the real
// "{n+}\r\n<bytes>" literal syntax (spec §8 scenario) -- the same
// continuation-state limitation protocol/imap's APPEND and
// protocol/smtp's DATA are blocked on; see DESIGN.md.
func (c *Conn) doPutScript(args []string) {
	if !c.authed {
		c.emitNo("authentication required")
		return
	}
	if len(args) != 2 {
		c.emitNo("PUTSCRIPT needs a name and a script")
		return
	}
	name, script := args[0], args[1]
	if name == "" {
		c.emitNo("script name must not be empty")
		return
	}
	c.scripts[name] = script
	c.emitOK("")
}

func (c *Conn) doListScripts() {
	if !c.authed {
		c.emitNo("authentication required")
		return
	}
	for name := range c.scripts {
		if name == c.active {
			c.emitRaw([]byte(fmt.Sprintf("%q ACTIVE\r\n", name)))
			continue
		}
		c.emitRaw([]byte(fmt.Sprintf("%q\r\n", name)))
	}
	c.emitOK("")
}

func (c *Conn) doSetActive(args []string) {
	if !c.authed {
		c.emitNo("authentication required")
		return
	}
	if len(args) != 1 {
		c.emitNo("SETACTIVE needs a script name")
		return
	}
	name := args[0]
	if name == "" {
		c.active = ""
		c.emitOK("")
		return
	}
	if _, ok := c.scripts[name]; !ok {
		c.emitNo("no such script")
		return
	}
	c.active = name
	c.emitOK("")
}

func (c *Conn) doGetScript(args []string) {
	if !c.authed {
		c.emitNo("authentication required")
		return
	}
	if len(args) != 1 {
		c.emitNo("GETSCRIPT needs a script name")
		return
	}
	script, ok := c.scripts[args[0]]
	if !ok {
		c.emitNo("no such script")
		return
	}
	c.emitRaw([]byte(fmt.Sprintf("%q\r\n", script)))
	c.emitOK("")
}

func (c *Conn) doDeleteScript(args []string) {
	if !c.authed {
		c.emitNo("authentication required")
		return
	}
	if len(args) != 1 {
		c.emitNo("DELETESCRIPT needs a script name")
		return
	}
	name := args[0]
	if _, ok := c.scripts[name]; !ok {
		c.emitNo("no such script")
		return
	}
	delete(c.scripts, name)
	if c.active == name {
		c.active = ""
	}
	c.emitOK("")
}

// splitPlainResponse pulls the authorization identity out of a SASL
// PLAIN initial response ("\0identity\0password").
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

// tokenize splits a ManageSieve command line into its verb and quoted
// string arguments, the same shape protocol/imap's tokenize handles
// IMAP command lines with.
func tokenize(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	hasCur := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			hasCur = true
		case ch == ' ' && !inQuotes:
			if hasCur {
				fields = append(fields, cur.String())
				cur.Reset()
				hasCur = false
			}
		default:
			cur.WriteByte(ch)
			hasCur = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("managesieve: unterminated quoted string")
	}
	if hasCur {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
