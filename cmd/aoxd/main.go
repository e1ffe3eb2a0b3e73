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

// Command aoxd is the mail server daemon: it wires the storage layer
// (query/ids/mailbox/inject/session/acl) to the listener(s) named on
// the command line, running one command.Engine per connection, each
// under that connection's own sched.Scheduler.
package main

import (
	"context"
	"database/sql"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/aoxd/aoxd/framework/config"
	"github.com/aoxd/aoxd/framework/hooks"
	"github.com/aoxd/aoxd/framework/resource"
	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/inject"
	"github.com/aoxd/aoxd/log"
	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/protocol/imap"
	"github.com/aoxd/aoxd/protocol/managesieve"
	"github.com/aoxd/aoxd/protocol/pop3"
	"github.com/aoxd/aoxd/protocol/smtp"
	"github.com/aoxd/aoxd/sched"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Server bundles the process-global state shared by every connection:
// the mailbox registry and name/address caches (spec §4.D/§4.E, "Shared
// resource policy" in §5), the database handle Injectors and Sessions
// run their Transactions against, and a Scheduler that run() starts and
// stops. The protocol front-ends resume each connection's
// command.Engine on that connection's own Scheduler, not on this one.
type Server struct {
	DB        *sql.DB
	DBs       *resource.Tracker[*sql.DB]
	Driver    string
	Caches    *cachesBundle
	Mailboxes *mailbox.Registry
	Users     map[string]string
	Sched     *sched.Scheduler
	Log       log.Logger
}

type cachesBundle struct {
	Fields    *ids.NameCache
	Flags     *ids.NameCache
	Addresses *ids.AddressCache
}

// newServer opens dsn through a resource.Tracker keyed by DSN string,
// so a SIGHUP reload that picks up a changed "dsn" directive opens a
// fresh handle instead of reusing a stale one (spec §5 "Shared
// resource policy").
func newServer(driver, dsn string) (*Server, error) {
	s := &Server{
		Driver:    driver,
		Mailboxes: mailbox.NewRegistry(),
		Users:     map[string]string{},
		Sched:     sched.New(),
		Log:       log.Logger{Name: "aoxd"},
		Caches: &cachesBundle{
			Fields: ids.NewNameCache(
				`select id from field_names where name=$1`,
				`insert into field_names (name) select $1 where not exists (select id from field_names where name=$1)`,
			),
			Flags: ids.NewNameCache(
				`select id from flags where name=$1`,
				`insert into flags (name) select $1 where not exists (select id from flags where name=$1)`,
			),
			Addresses: ids.NewAddressCache(),
		},
	}
	s.DBs = resource.NewTracker[*sql.DB](resource.NewSingleton[*sql.DB](&s.Log))

	db, err := s.openDB(dsn)
	if err != nil {
		return nil, err
	}
	s.DB = db
	return s, nil
}

func (s *Server) openDB(dsn string) (*sql.DB, error) {
	return s.DBs.GetOpen(dsn, func() (*sql.DB, error) {
		return sql.Open(s.Driver, dsn)
	})
}

// reload re-resolves dsn against DBs, closing any previously opened
// handle that reload no longer needs (spec §5 "Shared resource
// policy"): the SIGHUP handler calls this before anything else.
func (s *Server) reload(dsn string) error {
	s.DBs.MarkAllUnused()
	db, err := s.openDB(dsn)
	if err != nil {
		return err
	}
	s.DB = db
	return s.DBs.CloseUnused(func(key string) bool { return key == dsn })
}

func (s *Server) imapDeps() imap.Deps {
	return imap.Deps{
		DB:        s.DB,
		Mailboxes: s.Mailboxes,
		Caches: &inject.Caches{
			Fields:    s.Caches.Fields,
			Flags:     s.Caches.Flags,
			Addresses: s.Caches.Addresses,
		},
		Users: s.Users,
		Log:   s.Log,
	}
}

func (s *Server) smtpDeps() smtp.Deps {
	return smtp.Deps{
		Users: s.Users,
		Log:   s.Log,
	}
}

func (s *Server) managesieveDeps() managesieve.Deps {
	return managesieve.Deps{
		Users: s.Users,
		Log:   s.Log,
	}
}

func (s *Server) pop3Deps() pop3.Deps {
	return pop3.Deps{
		DB:    s.DB,
		Users: s.Users,
		Log:   s.Log,
	}
}

// protoConn is the shape protocol/imap.Conn, protocol/smtp.Conn,
// protocol/managesieve.Conn and protocol/pop3.Conn all share: Feed
// bytes in, ask Done, Close on exit. Serve is written once against
// this instead of once per protocol.
type protoConn interface {
	Feed(p []byte) error
	Done() bool
	Close()
}

// Serve accepts connections on ln for the lifetime of ctx, handing
// each one to handleConn (parameterized by newConn) on its own
// goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener, newConn func(out io.Writer, l log.Logger) protoConn) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		connLog := s.Log
		// uuid gives every connection a stable correlation id that
		// survives the remote address being reused by a later
		// connection from the same client, so log lines from one
		// session don't get mixed up with another's in grep output.
		connLog.Name = "aoxd/" + uuid.NewString() + "/" + conn.RemoteAddr().String()
		go s.handleConn(ctx, conn, connLog, newConn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, l log.Logger, newConn func(out io.Writer, l log.Logger) protoConn) {
	defer conn.Close()
	l.Msg("connection accepted")

	pc := newConn(conn, l)
	defer pc.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			l.DebugMsg("connection closed", "error", err)
			return
		}
		if err := pc.Feed(buf[:n]); err != nil {
			l.DebugMsg("connection closed: protocol error", "error", err)
			return
		}
		if pc.Done() {
			return
		}
	}
}

func main() {
	app := &cli.App{
		Name:  "aoxd",
		Usage: "run the mail server daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "directive file (see framework/config)"},
			&cli.StringFlag{Name: "driver", EnvVars: []string{"AOXD_DB_DRIVER"}, Value: "sqlite3"},
			&cli.StringFlag{Name: "dsn", EnvVars: []string{"AOXD_DB_DSN"}, Value: "aoxd.db"},
			&cli.StringFlag{Name: "imap", Usage: "IMAP listen address", Value: "tcp://127.0.0.1:1143"},
			&cli.StringFlag{Name: "smtp", Usage: "SMTP listen address", Value: "tcp://127.0.0.1:1025"},
			&cli.StringFlag{Name: "managesieve", Usage: "ManageSieve listen address", Value: "tcp://127.0.0.1:4190"},
			&cli.StringFlag{Name: "pop3", Usage: "POP3 listen address", Value: "tcp://127.0.0.1:1110"},
			&cli.BoolFlag{Name: "debug"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString("aoxd: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// settings is what either a --config directive file or the plain CLI
// flags resolve to before newServer opens anything.
type settings struct {
	driver, dsn, listen, listenSMTP, listenManageSieve, listenPOP3 string
	debug                                                          bool
	users                                                          map[string]string
}

// loadSettings reads path via framework/config if given, falling back
// to c's flags entirely untouched otherwise. A "user NAME PASSWORD"
// directive may repeat to seed the LOGIN table (spec §4.H "LOGIN").
func loadSettings(c *cli.Context, path string) (settings, error) {
	s := settings{
		driver:             c.String("driver"),
		dsn:                c.String("dsn"),
		listen:             c.String("imap"),
		listenSMTP:         c.String("smtp"),
		listenManageSieve:  c.String("managesieve"),
		listenPOP3:         c.String("pop3"),
		debug:              c.Bool("debug"),
		users:              map[string]string{},
	}
	if path == "" {
		return s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return s, err
	}
	defer f.Close()

	nodes, err := config.Read(f, path)
	if err != nil {
		return s, err
	}

	m := config.NewMap(nodes)
	m.String("driver", false, s.driver, &s.driver)
	m.String("dsn", false, s.dsn, &s.dsn)
	m.String("listen", false, s.listen, &s.listen)
	m.String("listen_smtp", false, s.listenSMTP, &s.listenSMTP)
	m.String("listen_managesieve", false, s.listenManageSieve, &s.listenManageSieve)
	m.String("listen_pop3", false, s.listenPOP3, &s.listenPOP3)
	m.Bool("debug", s.debug, &s.debug)
	unmatched, err := m.Process()
	if err != nil {
		return s, err
	}
	for _, n := range unmatched {
		if n.Name != "user" {
			continue
		}
		if len(n.Args) != 2 {
			return s, config.NodeErr(n, "user: expected NAME PASSWORD")
		}
		s.users[n.Args[0]] = n.Args[1]
	}
	return s, nil
}

func run(c *cli.Context) error {
	cfg, err := loadSettings(c, c.String("config"))
	if err != nil {
		return err
	}

	srv, err := newServer(cfg.driver, cfg.dsn)
	if err != nil {
		return err
	}
	defer srv.DB.Close()
	srv.Log.Debug = cfg.debug
	srv.Users = cfg.users

	imapEP, err := config.ParseEndpoint(cfg.listen)
	if err != nil {
		return err
	}
	imapLn, err := net.Listen(imapEP.Network(), imapEP.Address())
	if err != nil {
		return err
	}
	srv.Log.Msg("listening", "proto", "imap", "addr", imapLn.Addr().String())

	smtpEP, err := config.ParseEndpoint(cfg.listenSMTP)
	if err != nil {
		return err
	}
	smtpLn, err := net.Listen(smtpEP.Network(), smtpEP.Address())
	if err != nil {
		return err
	}
	srv.Log.Msg("listening", "proto", "smtp", "addr", smtpLn.Addr().String())

	sieveEP, err := config.ParseEndpoint(cfg.listenManageSieve)
	if err != nil {
		return err
	}
	sieveLn, err := net.Listen(sieveEP.Network(), sieveEP.Address())
	if err != nil {
		return err
	}
	srv.Log.Msg("listening", "proto", "managesieve", "addr", sieveLn.Addr().String())

	pop3EP, err := config.ParseEndpoint(cfg.listenPOP3)
	if err != nil {
		return err
	}
	pop3Ln, err := net.Listen(pop3EP.Network(), pop3EP.Address())
	if err != nil {
		return err
	}
	srv.Log.Msg("listening", "proto", "pop3", "addr", pop3Ln.Addr().String())

	go srv.Sched.Run()
	defer srv.Sched.Close()

	ctx, cancel := context.WithCancel(context.Background())

	hooks.AddHook(hooks.EventShutdown, func() {
		srv.Log.Msg("shutdown requested")
		cancel()
	})
	hooks.AddHook(hooks.EventReload, func() {
		if err := srv.reload(cfg.dsn); err != nil {
			srv.Log.Msg("reload failed", "error", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				hooks.RunHooks(hooks.EventReload)
			default:
				hooks.RunHooks(hooks.EventShutdown)
				return
			}
		}
	}()

	errCh := make(chan error, 4)
	go func() {
		errCh <- srv.Serve(ctx, imapLn, func(out io.Writer, l log.Logger) protoConn {
			deps := srv.imapDeps()
			deps.Log = l
			return imap.NewConn(deps, out)
		})
	}()
	go func() {
		errCh <- srv.Serve(ctx, smtpLn, func(out io.Writer, l log.Logger) protoConn {
			deps := srv.smtpDeps()
			deps.Log = l
			return smtp.NewConn(deps, out)
		})
	}()
	go func() {
		errCh <- srv.Serve(ctx, sieveLn, func(out io.Writer, l log.Logger) protoConn {
			deps := srv.managesieveDeps()
			deps.Log = l
			return managesieve.NewConn(deps, out)
		})
	}()
	go func() {
		errCh <- srv.Serve(ctx, pop3Ln, func(out io.Writer, l log.Logger) protoConn {
			deps := srv.pop3Deps()
			deps.Log = l
			return pop3.NewConn(deps, out)
		})
	}()

	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			cancel()
			return err
		}
	}
	return nil
}
