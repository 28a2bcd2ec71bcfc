// Package task holds the entry points a daemon can launch as child
// processes and the runtime those children use to talk back to it.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/agentd/pkg/client"
)

// Func is a task body. It must call rt.Register once initialized.
type Func func(ctx context.Context, rt *Runtime, args []string, kw Kwargs) error

// Table maps task names to bodies. It is filled at startup and read-only
// afterwards.
type Table struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewTable() *Table { return &Table{funcs: map[string]Func{}} }

// Add registers fn under name, replacing any previous entry.
func (t *Table) Add(name string, fn Func) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
	return t
}

func (t *Table) Get(name string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

func (t *Table) Has(name string) bool {
	_, ok := t.Get(name)
	return ok
}

func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Builtin returns the table of tasks shipped with the daemon.
func Builtin() *Table {
	return NewTable().
		Add("sleep", Sleep).
		Add("exec", Exec).
		Add("worker", Worker).
		Add("set_workers", SetWorkers).
		Add("set_workers_globally", SetWorkersGlobally)
}

// Local is the privileged channel of the daemon that launched the task.
type Local interface {
	RegisterProcess(ctx context.Context, pid int) error
	UnlinkProcess(ctx context.Context, pid int) error
	StopRegisteredProcess(ctx context.Context, pid int) error
	RunTask(ctx context.Context, req client.RunTaskRequest) error
	Info(ctx context.Context) (client.Info, error)
}

// Peer is the public channel of a fleet member.
type Peer interface {
	RunTask(ctx context.Context, req client.RunTaskRequest) error
	Info(ctx context.Context) (client.Info, error)
}

// Runtime is what a running task knows about its daemon.
type Runtime struct {
	PID    int
	Local  Local
	Remote func(host string) Peer
	// Hosts are the public base URLs of the fleet.
	Hosts       []string
	WorkerDir   string
	MinInterval time.Duration
	MaxInterval time.Duration
	Logger      *slog.Logger
	Rand        *rand.Rand
	// Exit terminates the process without running deferred unlinks.
	Exit func(code int)
}

func (rt *Runtime) defaults() {
	if rt.PID == 0 {
		rt.PID = os.Getpid()
	}
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Rand == nil {
		rt.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if rt.Exit == nil {
		rt.Exit = os.Exit
	}
	if rt.MinInterval <= 0 {
		rt.MinInterval = 3 * time.Second
	}
	if rt.MaxInterval < rt.MinInterval {
		rt.MaxInterval = rt.MinInterval
	}
}

// Register confirms to the daemon that this process started.
func (rt *Runtime) Register(ctx context.Context) error {
	if err := rt.Local.RegisterProcess(ctx, rt.PID); err != nil {
		return fmt.Errorf("register %d: %w", rt.PID, err)
	}
	return nil
}

// Unlink confirms to the daemon that this process completed.
func (rt *Runtime) Unlink(ctx context.Context) error {
	if err := rt.Local.UnlinkProcess(ctx, rt.PID); err != nil {
		return fmt.Errorf("unlink %d: %w", rt.PID, err)
	}
	return nil
}

// Interval returns a random duration in [MinInterval, MaxInterval].
func (rt *Runtime) Interval() time.Duration {
	span := int64(rt.MaxInterval - rt.MinInterval)
	if span <= 0 {
		return rt.MinInterval
	}
	return rt.MinInterval + time.Duration(rt.Rand.Int64N(span+1))
}

// ErrUnknownTask is returned by Run for names missing from the table.
var ErrUnknownTask = errors.New("unknown task")

// unlinkTimeout bounds the final unlink so a dead daemon cannot wedge a
// finished task.
const unlinkTimeout = 10 * time.Second

// Run executes task name and unlinks on every return path of its body,
// including a panic. A task killed by SIGTERM never returns here, so the
// daemon is the one that unlinks it.
func Run(ctx context.Context, t *Table, name string, args []string, kw Kwargs, rt *Runtime) (err error) {
	fn, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	rt.defaults()
	log := rt.Logger.With("task", name, "pid", rt.PID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlinkTimeout)
		defer cancel()
		if uerr := rt.Unlink(uctx); uerr != nil {
			log.Error("unlink failed", "error", uerr)
			err = errors.Join(err, uerr)
		}
	}()
	log.Debug("task started", "args", args, "kwargs", map[string]any(kw))
	if err := fn(ctx, rt, args, kw); err != nil {
		log.Error("task failed", "error", err)
		return err
	}
	log.Debug("task finished")
	return nil
}

// Main decodes the JSON arguments passed on the command line and runs the
// task. It returns the process exit code.
func Main(ctx context.Context, t *Table, name, argsJSON, kwargsJSON string, rt *Runtime) int {
	args, kw, err := DecodeArgs(argsJSON, kwargsJSON)
	if err != nil {
		rt.defaults()
		rt.Logger.Error("invalid task arguments", "task", name, "error", err)
		return 2
	}
	if err := Run(ctx, t, name, args, kw, rt); err != nil {
		return 1
	}
	return 0
}

// DecodeArgs parses the --args and --kwargs values. Empty strings decode
// to empty values.
func DecodeArgs(argsJSON, kwargsJSON string) ([]string, Kwargs, error) {
	args := []string{}
	kw := Kwargs{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if kwargsJSON != "" {
		if err := json.Unmarshal([]byte(kwargsJSON), &kw); err != nil {
			return nil, nil, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	return args, kw, nil
}
