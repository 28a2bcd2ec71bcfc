package process

import (
	"fmt"
	"strconv"
	"time"
)

// Record is the persisted state of a supervised process.
// Records are created at spawn time and only ever move from the waiting
// table to the running table or get deleted; they are never edited in place.
type Record struct {
	PID       int            `json:"pid" cbor:"pid"`
	Cmd       string         `json:"cmd" cbor:"cmd"`
	Args      []string       `json:"args" cbor:"args"`
	Kwargs    map[string]any `json:"kwargs" cbor:"kwargs"`
	SpawnedAt time.Time      `json:"spawned_at" cbor:"spawned_at"`
	Host      string         `json:"host" cbor:"host"`
}

// Key returns the registry key of the record (decimal pid).
func (r Record) Key() string { return Key(r.PID) }

// Key formats a pid the way registry tables index it.
func Key(pid int) string { return strconv.Itoa(pid) }

func (r Record) String() string {
	return fmt.Sprintf("pid=%d cmd=%s args=%v kwargs=%v", r.PID, r.Cmd, r.Args, r.Kwargs)
}

// Entry is the read view of a record returned by info.
// WaitedSec is only set for entries of the waiting table.
type Entry struct {
	Record
	WaitedSec *float64 `json:"waited_sec,omitempty"`
}

// Info is a snapshot of both registry tables.
type Info struct {
	Running []Entry `json:"running"`
	Waiting []Entry `json:"waiting"`
}

// RunningEntry wraps a running record.
func RunningEntry(r Record) Entry { return Entry{Record: r} }

// WaitingEntry wraps a waiting record and computes how long it has waited at now.
func WaitingEntry(r Record, now time.Time) Entry {
	w := now.Sub(r.SpawnedAt).Seconds()
	return Entry{Record: r, WaitedSec: &w}
}
