package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/store"
)

// DefaultLockTimeout bounds how long Open waits for the file lock held by another daemon.
const DefaultLockTimeout = time.Second

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
	if err != nil {
		panic(err)
	}
}

// DB implements store.Registry on a bbolt file with one bucket per table.
// Records are CBOR encoded. bbolt holds an exclusive flock on the file for
// the lifetime of the handle, so a second owner fails with store.ErrLocked.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if needed) the registry file at path.
func Open(path string, lockTimeout time.Duration) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty bolt path")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := bolt.Open(p, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", store.ErrLocked, p)
		}
		return nil, fmt.Errorf("open registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range store.Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(func(t *bolt.Tx) error { return fn(tx{t}) })
}

func (d *DB) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(t *bolt.Tx) error { return fn(tx{t}) })
}

type tx struct {
	tx *bolt.Tx
}

func (t tx) bucket(tb store.Table) (*bolt.Bucket, error) {
	if !store.ValidTable(tb) {
		return nil, fmt.Errorf("unknown table %q", tb)
	}
	b := t.tx.Bucket([]byte(tb))
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", tb)
	}
	return b, nil
}

func (t tx) Get(tb store.Table, pid string) (process.Record, bool, error) {
	b, err := t.bucket(tb)
	if err != nil {
		return process.Record{}, false, err
	}
	data := b.Get([]byte(pid))
	if data == nil {
		return process.Record{}, false, nil
	}
	rec, err := decode(data)
	if err != nil {
		return process.Record{}, false, err
	}
	return rec, true, nil
}

func (t tx) Put(tb store.Table, rec process.Record) error {
	b, err := t.bucket(tb)
	if err != nil {
		return err
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.PID, err)
	}
	return b.Put([]byte(rec.Key()), data)
}

func (t tx) Delete(tb store.Table, pid string) (bool, error) {
	b, err := t.bucket(tb)
	if err != nil {
		return false, err
	}
	if b.Get([]byte(pid)) == nil {
		return false, nil
	}
	return true, b.Delete([]byte(pid))
}

func (t tx) List(tb store.Table) ([]process.Record, error) {
	b, err := t.bucket(tb)
	if err != nil {
		return nil, err
	}
	out := make([]process.Record, 0)
	err = b.ForEach(func(_, v []byte) error {
		rec, err := decode(v)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (t tx) Clear(tb store.Table) error {
	if !store.ValidTable(tb) {
		return fmt.Errorf("unknown table %q", tb)
	}
	name := []byte(tb)
	if err := t.tx.DeleteBucket(name); err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
		return err
	}
	_, err := t.tx.CreateBucket(name)
	return err
}

func decode(data []byte) (process.Record, error) {
	var rec process.Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return process.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
