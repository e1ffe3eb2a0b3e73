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

// Command aoxctl is the administrative CLI (spec §6, supplemented from
// original_source/aox/aliases.cpp): "list aliases [pattern]", "create
// alias <addr> <mailbox>", "delete alias <addr>". It talks to the
// database directly, the same way aoxd's storage layer does -- no RPC
// to a running daemon.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/aoxd/aoxd/address"
	"github.com/aoxd/aoxd/ids"
	"github.com/aoxd/aoxd/mailbox"
	"github.com/aoxd/aoxd/query"
	"github.com/urfave/cli/v2"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	app := &cli.App{
		Name:  "aoxctl",
		Usage: "administer aoxd mailboxes, aliases and users",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "driver", EnvVars: []string{"AOXD_DB_DRIVER"}, Value: "sqlite3"},
			&cli.StringFlag{Name: "dsn", EnvVars: []string{"AOXD_DB_DSN"}, Value: "aoxd.db"},
		},
		Commands: []*cli.Command{
			listCommand(),
			createCommand(),
			deleteCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "aoxctl:", err)
		os.Exit(1)
	}
}

func openDB(c *cli.Context) (*sql.DB, error) {
	return sql.Open(c.String("driver"), c.String("dsn"))
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list aliases [pattern]",
		Subcommands: []*cli.Command{
			{
				Name:      "aliases",
				ArgsUsage: "[pattern]",
				Action: func(c *cli.Context) error {
					db, err := openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					pattern := c.Args().First()
					stmt := `select a.localpart || '@' || a.domain as address, m.path as mailbox
						from aliases al
						join addresses a on (al.address = a.id)
						join mailboxes m on (al.mailbox = m.id)`
					args := []interface{}{}
					if pattern != "" {
						stmt += ` where (a.localpart || '@' || a.domain) like ? or m.path like ?`
						args = append(args, pattern, pattern)
					}

					rows, err := db.QueryContext(context.Background(), stmt, args...)
					if err != nil {
						return err
					}
					defer rows.Close()
					for rows.Next() {
						var addr, mbox string
						if err := rows.Scan(&addr, &mbox); err != nil {
							return err
						}
						fmt.Printf("%s: %s\n", addr, mbox)
					}
					return rows.Err()
				},
			},
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "create alias <addr> <mailbox>",
		Subcommands: []*cli.Command{
			{
				Name:      "alias",
				ArgsUsage: "<addr> <mailbox>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 2 {
						return cli.Exit("usage: aoxctl create alias <addr> <mailbox>", 2)
					}
					addr, mboxPath := c.Args().Get(0), c.Args().Get(1)

					local, domain, err := address.Split(addr)
					if err != nil {
						return cli.Exit(fmt.Sprintf("invalid address: %v", err), 2)
					}

					db, err := openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()
					ctx := context.Background()

					tx, err := query.Begin(ctx, db, nil)
					if err != nil {
						return err
					}

					cache := ids.NewAddressCache()
					a := &ids.Address{LocalPart: local, Domain: domain}
					cache.Lookup(tx, []*ids.Address{a}, nil)

					sel := query.New(`select id, uidnext, uidvalidity, nextmodseq, deleted from mailboxes where path=?`, mboxPath)
					tx.Enqueue(sel)
					row := sel.NextRow()
					if row == nil {
						_ = tx.Rollback()
						return cli.Exit(fmt.Sprintf("invalid mailbox specified: %q", mboxPath), 1)
					}
					id, _ := row[0].(int64)
					reg := mailbox.NewRegistry()
					mb, err := reg.Obtain(mboxPath, &mailbox.Snapshot{ID: id, Path: mboxPath})
					if err != nil {
						_ = tx.Rollback()
						return err
					}

					ins := query.New(`insert into aliases (address, mailbox) values (?, ?)`, a.ID, mb.ID)
					tx.Enqueue(ins)
					if ins.Failed() {
						_ = tx.Rollback()
						return cli.Exit(fmt.Sprintf("couldn't create alias: %v", ins.Err()), 1)
					}

					if err := tx.Commit(); err != nil {
						return cli.Exit(fmt.Sprintf("couldn't create alias: %v", err), 1)
					}
					return nil
				},
			},
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "delete alias <addr>",
		Subcommands: []*cli.Command{
			{
				Name:      "alias",
				ArgsUsage: "<addr>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("usage: aoxctl delete alias <addr>", 2)
					}
					local, domain, err := address.Split(c.Args().First())
					if err != nil {
						return cli.Exit(fmt.Sprintf("invalid address: %v", err), 2)
					}

					db, err := openDB(c)
					if err != nil {
						return err
					}
					defer db.Close()

					res, err := db.ExecContext(context.Background(),
						`delete from aliases where address = (
							select id from addresses where lower(localpart)=? and lower(domain)=?)`,
						local, domain)
					if err != nil {
						return cli.Exit(fmt.Sprintf("couldn't delete alias: %v", err), 1)
					}
					if n, _ := res.RowsAffected(); n == 0 {
						return cli.Exit("no such alias", 1)
					}
					return nil
				},
			},
		},
	}
}
