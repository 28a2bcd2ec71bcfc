package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/agentd/internal/store"
	"github.com/loykin/agentd/internal/store/sqlstore"
)

// LockKey is the advisory lock id that marks registry ownership.
const LockKey int64 = 0x6167656e7464 // "agentd"

const lockPoll = 100 * time.Millisecond

// Open connects to PostgreSQL and takes a session advisory lock on a pinned
// connection. If another daemon holds the lock for longer than lockTimeout
// the call fails with store.ErrLocked.
func Open(ctx context.Context, dsn string, lockTimeout time.Duration) (*sqlstore.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	conn, err := d.Conn(ctx)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := acquire(ctx, conn, lockTimeout); err != nil {
		_ = conn.Close()
		_ = d.Close()
		return nil, err
	}
	db := sqlstore.New(d, conn, sqlstore.Postgres, sqlstore.WithRelease(release))
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func acquire(ctx context.Context, conn *sql.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, LockKey).Scan(&ok); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: advisory lock %d", store.ErrLocked, LockKey)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func release(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, LockKey)
	return err
}
