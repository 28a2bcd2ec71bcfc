package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/agentd/internal/store"
	"github.com/loykin/agentd/internal/store/sqlstore"
)

// Open opens a SQLite registry at path (modernc.org/sqlite driver, CGO-free).
// The database is switched to exclusive locking mode and an exclusive
// transaction is taken immediately, so a second daemon pointed at the same
// file fails with store.ErrLocked once lockTimeout has elapsed.
// Use ":memory:" for a private in-memory registry.
func Open(ctx context.Context, path string, lockTimeout time.Duration) (*sqlstore.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	conn, err := d.Conn(ctx)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	fail := func(err error) (*sqlstore.DB, error) {
		_ = conn.Close()
		_ = d.Close()
		if isBusy(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrLocked, p)
		}
		return nil, err
	}
	stmts := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", lockTimeout.Milliseconds()),
		"PRAGMA locking_mode=EXCLUSIVE;",
		// The exclusive lock is kept after COMMIT until the connection closes.
		"BEGIN EXCLUSIVE;",
		"COMMIT;",
	}
	for _, q := range stmts {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			return fail(err)
		}
	}
	db := sqlstore.New(d, conn, sqlstore.SQLite)
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}
