package factory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loykin/agentd/internal/store"
	"github.com/loykin/agentd/internal/store/bolt"
	pg "github.com/loykin/agentd/internal/store/postgres"
	sq "github.com/loykin/agentd/internal/store/sqlite"
)

// NewFromDSN selects a registry implementation based on DSN.
// Supported:
//   - bolt:     "bolt://<path>" or bare filepath (treated as bolt)
//   - sqlite:   "sqlite://<path>"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//
// Every backend takes exclusive ownership; a registry held by another daemon
// yields an error wrapping store.ErrLocked.
func NewFromDSN(ctx context.Context, dsn string, lockTimeout time.Duration) (store.Registry, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.Open(ctx, d, lockTimeout)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.Open(ctx, d[len("sqlite://"):], lockTimeout)
	case strings.HasPrefix(ld, "bolt://"):
		return bolt.Open(d[len("bolt://"):], lockTimeout)
	}
	return bolt.Open(d, lockTimeout)
}
