package store

import (
	"context"
	"errors"

	"github.com/loykin/agentd/internal/process"
)

// Table names one of the two registry collections.
type Table string

const (
	// Waiting holds processes launched by the daemon that have not confirmed startup.
	Waiting Table = "waiting"
	// Running holds processes that registered themselves.
	Running Table = "running"
)

// Tables lists every registry table in a stable order.
var Tables = []Table{Waiting, Running}

// ErrLocked is returned by backends when another owner holds the registry.
// It is a fatal startup condition, not a retryable one.
var ErrLocked = errors.New("registry store is locked by another owner")

// Tx is a unit of work over both tables. Changes made through a Tx passed to
// Registry.Update are committed atomically when the callback returns nil.
type Tx interface {
	Get(t Table, pid string) (process.Record, bool, error)
	Put(t Table, rec process.Record) error
	// Delete removes pid from t and reports whether it was present.
	Delete(t Table, pid string) (bool, error)
	List(t Table) ([]process.Record, error)
	Clear(t Table) error
}

// Registry is durable storage for the waiting and running tables.
// A Registry is exclusively owned by one manager between open and Close.
type Registry interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// ValidTable reports whether t names a registry table.
func ValidTable(t Table) bool { return t == Waiting || t == Running }
