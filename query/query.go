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

// Package query implements the Query/Transaction abstraction (spec §4.A)
// over database/sql: a prepared statement plus bound parameters plus a
// completion handler, and a group of queries that commit atomically.
//
// The driver itself (lib/pq, go-sql-driver/mysql, mattn/go-sqlite3,
// jackc/pgx/v5/stdlib) is an external collaborator registered under
// database/sql by the caller; this package only ever imports
// "database/sql".
package query

import (
	"context"
	"database/sql"
	"sync"

	"github.com/aoxd/aoxd/errs"
	"github.com/aoxd/aoxd/sched"
)

// Query is a single prepared statement plus positional bindings, run
// against a Transaction. Rows are consumed once, in order, by NextRow.
type Query struct {
	stmt string
	args []interface{}

	mu       sync.Mutex
	rows     *sql.Rows
	cols     []string
	buffered [][]interface{}
	pos      int
	done     bool
	err      error
}

// New builds a Query for stmt (a driver-native placeholder string, e.g.
// "select id from field_names where name=$1") bound to args.
func New(stmt string, args ...interface{}) *Query {
	return &Query{stmt: stmt, args: args}
}

// Done reports whether the query has finished (successfully or not).
func (q *Query) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Failed reports whether the query finished with an error.
func (q *Query) Failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done && q.err != nil
}

// Err returns the query's terminal error, if any.
func (q *Query) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// HasResults reports whether at least one unread row has arrived, even
// before the query as a whole has completed (streaming).
func (q *Query) HasResults() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pos < len(q.buffered)
}

// NextRow returns the next unread row's column values, or nil once
// exhausted. Rows are consumed in order and never re-visited.
func (q *Query) NextRow() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pos >= len(q.buffered) {
		return nil
	}
	row := q.buffered[q.pos]
	q.pos++
	return row
}

// Columns reports the column names of the result set, once known.
func (q *Query) Columns() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cols
}

func (q *Query) run(ctx context.Context, exec interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}) {
	rows, err := exec.QueryContext(ctx, q.stmt, q.args...)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		q.done = true
		q.err = errs.Transientf("query: %w", err)
		return
	}
	defer rows.Close()

	q.cols, _ = rows.Columns()
	for rows.Next() {
		vals := make([]interface{}, len(q.cols))
		ptrs := make([]interface{}, len(q.cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if scanErr := rows.Scan(ptrs...); scanErr != nil {
			q.err = errs.Transientf("query: scan: %w", scanErr)
			break
		}
		q.buffered = append(q.buffered, vals)
	}
	if err := rows.Err(); err != nil && q.err == nil {
		q.err = errs.Transientf("query: %w", err)
	}
	q.done = true
}

// Transaction groups Queries that must commit atomically. Enqueue
// schedules work within the transaction; Commit seals it. Failure of
// any enqueued query aborts the transaction: Commit is never sent to
// the driver and Done/Failed reflect the first error.
//
// Transaction runs its queries sequentially against one *sql.Tx (the
// driver serializes per-connection anyway). Enqueue blocks the calling
// goroutine until its query has run, and Commit/Rollback call the
// owner's Resume directly on the calling goroutine.
type Transaction struct {
	db  *sql.DB
	ctx context.Context

	mu      sync.Mutex
	tx      *sql.Tx
	queries []*Query
	done    bool
	failed  bool
	err     error

	owner sched.Handler
}

// Begin starts a new Transaction against db. owner (if non-nil) has its
// Resume called directly by Commit or Rollback once the transaction is
// finished.
func Begin(ctx context.Context, db *sql.DB, owner sched.Handler) (*Transaction, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Transientf("query: begin: %w", err)
	}
	return &Transaction{db: db, ctx: ctx, tx: tx, owner: owner}, nil
}

// Enqueue schedules q to run within the transaction and runs it
// synchronously in the calling goroutine -- callers that want
// cooperative re-entry should call Enqueue from inside a goroutine they
// own (the Injector's step runner) and rely on the scheduler Notify at
// the end of the step, not mid-step.
func (t *Transaction) Enqueue(q *Query) {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.queries = append(t.queries, q)
	t.mu.Unlock()

	q.run(t.ctx, t.tx)

	if q.Failed() {
		t.mu.Lock()
		t.failed = true
		t.err = q.Err()
		t.mu.Unlock()
	}
}

// Commit seals the transaction. If any enqueued query failed, the
// underlying *sql.Tx is rolled back instead and the transaction's error
// is the first query failure.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	failed := t.failed
	err := t.err
	t.mu.Unlock()

	if failed {
		_ = t.tx.Rollback()
	} else if cErr := t.tx.Commit(); cErr != nil {
		err = errs.Transientf("query: commit: %w", cErr)
		failed = true
	}

	t.mu.Lock()
	t.done = true
	t.failed = failed
	t.err = err
	t.mu.Unlock()

	if t.owner != nil {
		t.owner.Resume()
	}
	return err
}

// Rollback aborts the transaction explicitly, e.g. when the owner
// detects a failure before calling Commit.
func (t *Transaction) Rollback() error {
	err := t.tx.Rollback()
	t.mu.Lock()
	t.done = true
	t.failed = true
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	if t.owner != nil {
		t.owner.Resume()
	}
	return err
}

func (t *Transaction) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Transaction) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
