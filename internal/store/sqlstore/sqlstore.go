// Package sqlstore implements store.Registry on top of database/sql.
// The sqlite and postgres packages open the connection, take the ownership
// lock and hand the pinned connection over to New.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/store"
)

// Dialect captures the few differences between SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of "?".
	Numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true}
)

func (d Dialect) rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB is a registry backed by one pinned SQL connection.
type DB struct {
	db      *sql.DB
	conn    *sql.Conn
	dialect Dialect
	release func(context.Context, *sql.Conn) error

	mu sync.Mutex
}

// Option customises New.
type Option func(*DB)

// WithRelease registers a hook run on the pinned connection before it is closed,
// used by backends to drop session level locks explicitly.
func WithRelease(fn func(context.Context, *sql.Conn) error) Option {
	return func(d *DB) { d.release = fn }
}

// New wraps a pinned connection. Close releases both conn and db.
func New(db *sql.DB, conn *sql.Conn, dialect Dialect, opts ...Option) *DB {
	d := &DB{db: db, conn: conn, dialect: dialect}
	for _, o := range opts {
		o(d)
	}
	return d
}

// EnsureSchema creates the registry table if needed.
func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agentd_processes(
			tbl TEXT NOT NULL,
			pid TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (tbl, pid)
		);`,
	}
	for _, q := range stmts {
		if _, err := d.conn.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) View(ctx context.Context, fn func(store.Tx) error) error {
	return d.run(ctx, fn, false)
}

func (d *DB) Update(ctx context.Context, fn func(store.Tx) error) error {
	return d.run(ctx, fn, true)
}

func (d *DB) run(ctx context.Context, fn func(store.Tx) error, commit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx, dialect: d.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if !commit {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.release != nil {
		errs = append(errs, d.release(context.Background(), d.conn))
	}
	errs = append(errs, d.conn.Close(), d.db.Close())
	return errors.Join(errs...)
}

type tx struct {
	ctx     context.Context
	tx      *sql.Tx
	dialect Dialect
}

func checkTable(t store.Table) error {
	if !store.ValidTable(t) {
		return fmt.Errorf("unknown table %q", t)
	}
	return nil
}

func (t *tx) Get(tbl store.Table, pid string) (process.Record, bool, error) {
	if err := checkTable(tbl); err != nil {
		return process.Record{}, false, err
	}
	var data string
	err := t.tx.QueryRowContext(t.ctx,
		t.dialect.rebind(`SELECT data FROM agentd_processes WHERE tbl=? AND pid=?`),
		string(tbl), pid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return process.Record{}, false, nil
	}
	if err != nil {
		return process.Record{}, false, err
	}
	rec, err := decode(data)
	if err != nil {
		return process.Record{}, false, fmt.Errorf("decode %s/%s: %w", tbl, pid, err)
	}
	return rec, true, nil
}

func (t *tx) Put(tbl store.Table, rec process.Record) error {
	if err := checkTable(tbl); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, t.dialect.rebind(`
		INSERT INTO agentd_processes(tbl, pid, data) VALUES(?, ?, ?)
		ON CONFLICT(tbl, pid) DO UPDATE SET data=excluded.data;`),
		string(tbl), rec.Key(), string(b))
	return err
}

func (t *tx) Delete(tbl store.Table, pid string) (bool, error) {
	if err := checkTable(tbl); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx,
		t.dialect.rebind(`DELETE FROM agentd_processes WHERE tbl=? AND pid=?`),
		string(tbl), pid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *tx) List(tbl store.Table) ([]process.Record, error) {
	if err := checkTable(tbl); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(t.ctx,
		t.dialect.rebind(`SELECT data FROM agentd_processes WHERE tbl=? ORDER BY pid`),
		string(tbl))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []process.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *tx) Clear(tbl store.Table) error {
	if err := checkTable(tbl); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx,
		t.dialect.rebind(`DELETE FROM agentd_processes WHERE tbl=?`), string(tbl))
	return err
}

func decode(data string) (process.Record, error) {
	var rec process.Record
	err := json.Unmarshal([]byte(data), &rec)
	return rec, err
}
