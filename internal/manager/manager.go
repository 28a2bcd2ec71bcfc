package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/agentd/internal/history"
	"github.com/loykin/agentd/internal/logger"
	"github.com/loykin/agentd/internal/metrics"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/store"
)

var (
	// ErrUnknownCommand is returned by SpawnProcess for a name missing from the task table.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrClosed is returned once Stop has released the registry.
	ErrClosed = errors.New("manager is stopped")

	// ErrConsistency marks protocol messages that do not match the registry
	// (replayed or racing callbacks). They are logged and change nothing.
	ErrConsistency    = errors.New("registry consistency error")
	ErrNotWaiting     = fmt.Errorf("%w: pid is not waiting", ErrConsistency)
	ErrAlreadyRunning = fmt.Errorf("%w: pid is already running", ErrConsistency)
	ErrNotRunning     = fmt.Errorf("%w: pid is not running", ErrConsistency)
)

// Tasks reports whether a task name can be launched.
type Tasks interface {
	Has(name string) bool
}

// Options configures a Manager.
type Options struct {
	Registry store.Registry
	Tasks    Tasks
	Launcher process.Launcher
	Logger   *slog.Logger
	History  *history.Recorder
	// Host is stamped on every record; defaults to os.Hostname().
	Host string
	// Signal delivers the termination signal; defaults to process.Terminate.
	Signal func(pid int) error
	Now    func() time.Time
}

// Manager owns the registry and implements the supervision protocol.
// Every registry transition runs under one writer lock and inside a single
// store transaction.
type Manager struct {
	mu sync.Mutex

	reg      store.Registry
	tasks    Tasks
	launcher process.Launcher
	log      *slog.Logger
	hist     *history.Recorder
	host     string
	signal   func(int) error
	now      func() time.Time
	closed   bool
}

// New builds a manager around an already opened registry.
func New(o Options) (*Manager, error) {
	if o.Registry == nil {
		return nil, errors.New("manager: registry is required")
	}
	if o.Launcher == nil {
		return nil, errors.New("manager: launcher is required")
	}
	if o.Tasks == nil {
		return nil, errors.New("manager: task table is required")
	}
	m := &Manager{
		reg:      o.Registry,
		tasks:    o.Tasks,
		launcher: o.Launcher,
		log:      o.Logger,
		hist:     o.History,
		host:     o.Host,
		signal:   o.Signal,
		now:      o.Now,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "manager")
	if m.host == "" {
		if h, err := os.Hostname(); err == nil {
			m.host = h
		}
	}
	if m.signal == nil {
		m.signal = process.Terminate
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Host returns the host name stamped on records.
func (m *Manager) Host() string { return m.host }

// Info returns a snapshot of both tables. Waiting entries carry the time
// elapsed since spawn.
func (m *Manager) Info(ctx context.Context) (process.Info, error) {
	info := process.Info{Running: []process.Entry{}, Waiting: []process.Entry{}}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return info, ErrClosed
	}
	now := m.now()
	err := m.reg.View(ctx, func(tx store.Tx) error {
		running, err := tx.List(store.Running)
		if err != nil {
			return err
		}
		waiting, err := tx.List(store.Waiting)
		if err != nil {
			return err
		}
		for _, r := range running {
			info.Running = append(info.Running, process.RunningEntry(r))
		}
		for _, r := range waiting {
			info.Waiting = append(info.Waiting, process.WaitingEntry(r, now))
		}
		return nil
	})
	if err != nil {
		metrics.IncRegistryError("info")
		return info, fmt.Errorf("read registry: %w", err)
	}
	return info, nil
}

// SpawnProcess launches task cmd in a child process and records it as
// waiting. Failures are logged; no entry is created for a child that never
// started.
func (m *Manager) SpawnProcess(ctx context.Context, cmd string, args []string, kwargs map[string]any) (int, error) {
	if !m.tasks.Has(cmd) {
		m.log.Error("unknown command", "cmd", cmd)
		metrics.IncSpawnFailure(cmd, "unknown_command")
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	// The lock is held from launch until the waiting insert so a child that
	// registers immediately cannot overtake its own spawn.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	stderr := logger.NewLineWriter(m.log.With("task", cmd), slog.LevelWarn, "child stderr")
	pid, err := m.launcher.Launch(cmd, args, kwargs, stderr)
	if err != nil {
		m.log.Error("spawn failed", "cmd", cmd, "error", err)
		metrics.IncSpawnFailure(cmd, "launch")
		return 0, fmt.Errorf("launch %s: %w", cmd, err)
	}

	rec := process.Record{
		PID:       pid,
		Cmd:       cmd,
		Args:      args,
		Kwargs:    kwargs,
		SpawnedAt: m.now().UTC(),
		Host:      m.host,
	}
	err = m.reg.Update(ctx, func(tx store.Tx) error {
		if err := tx.Put(store.Waiting, rec); err != nil {
			return err
		}
		return m.gauges(tx)
	})
	if err != nil {
		// An untracked child could never be stopped through the registry.
		m.log.Error("record spawn failed, terminating child", "pid", pid, "cmd", cmd, "error", err)
		metrics.IncRegistryError("spawn")
		m.kill(pid)
		return 0, fmt.Errorf("record spawn: %w", err)
	}
	m.log.Info("spawned", "pid", pid, "cmd", cmd, "args", args, "kwargs", kwargs)
	metrics.IncSpawn(cmd)
	m.hist.Emit(history.NewEvent(history.EventSpawn, rec))
	return pid, nil
}

// RegisterProcess moves pid from waiting to running.
func (m *Manager) RegisterProcess(ctx context.Context, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := process.Key(pid)
	var rec process.Record
	err := m.reg.Update(ctx, func(tx store.Tx) error {
		r, ok, err := tx.Get(store.Waiting, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotWaiting
		}
		if _, ok, err := tx.Get(store.Running, key); err != nil {
			return err
		} else if ok {
			return ErrAlreadyRunning
		}
		if _, err := tx.Delete(store.Waiting, key); err != nil {
			return err
		}
		if err := tx.Put(store.Running, r); err != nil {
			return err
		}
		rec = r
		return m.gauges(tx)
	})
	switch {
	case errors.Is(err, ErrConsistency):
		m.log.Error("register rejected", "pid", pid, "reason", err)
		metrics.IncRegister("rejected")
		return err
	case err != nil:
		m.log.Error("register failed", "pid", pid, "error", err)
		metrics.IncRegistryError("register")
		return err
	}
	m.log.Info("registered", "pid", pid, "cmd", rec.Cmd)
	metrics.IncRegister("ok")
	m.hist.Emit(history.NewEvent(history.EventRegister, rec))
	return nil
}

// UnlinkProcess removes pid from running. Unlinking a pid that is not
// running (including a second unlink) is a logged error.
func (m *Manager) UnlinkProcess(ctx context.Context, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.unlinkLocked(ctx, pid)
}

func (m *Manager) unlinkLocked(ctx context.Context, pid int) error {
	key := process.Key(pid)
	var rec process.Record
	err := m.reg.Update(ctx, func(tx store.Tx) error {
		r, ok, err := tx.Get(store.Running, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotRunning
		}
		if _, err := tx.Delete(store.Running, key); err != nil {
			return err
		}
		rec = r
		return m.gauges(tx)
	})
	switch {
	case errors.Is(err, ErrConsistency):
		m.log.Error("unlink of unknown pid", "pid", pid)
		metrics.IncUnlink("missing")
		return err
	case err != nil:
		m.log.Error("unlink failed", "pid", pid, "error", err)
		metrics.IncRegistryError("unlink")
		return err
	}
	m.log.Info("unlinked", "pid", pid, "cmd", rec.Cmd, "args", rec.Args, "kwargs", rec.Kwargs,
		"lifetime", m.now().Sub(rec.SpawnedAt).Round(time.Millisecond))
	metrics.IncUnlink("ok")
	m.hist.Emit(history.NewEvent(history.EventUnlink, rec))
	return nil
}

// KillWaitingProcess signals pid and drops it from waiting if present.
// Calling it for a pid that is already gone is a no-op.
func (m *Manager) KillWaitingProcess(ctx context.Context, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.kill(pid)
	metrics.IncTerminate(string(store.Waiting))
	key := process.Key(pid)
	var (
		rec     process.Record
		removed bool
	)
	err := m.reg.Update(ctx, func(tx store.Tx) error {
		r, ok, err := tx.Get(store.Waiting, key)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.Delete(store.Waiting, key); err != nil {
			return err
		}
		rec, removed = r, true
		return m.gauges(tx)
	})
	if err != nil {
		m.log.Error("kill waiting failed", "pid", pid, "error", err)
		metrics.IncRegistryError("kill_waiting")
		return err
	}
	if removed {
		m.log.Info("killed waiting process", "pid", pid, "cmd", rec.Cmd)
		m.hist.Emit(history.NewEvent(history.EventKill, rec))
	}
	return nil
}

// StopRegisteredProcess signals pid and then unlinks it.
func (m *Manager) StopRegisteredProcess(ctx context.Context, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.stopRegisteredLocked(ctx, pid)
}

func (m *Manager) stopRegisteredLocked(ctx context.Context, pid int) error {
	var (
		rec   process.Record
		found bool
	)
	_ = m.reg.View(ctx, func(tx store.Tx) error {
		r, ok, err := tx.Get(store.Running, process.Key(pid))
		if err == nil && ok {
			rec, found = r, true
		}
		return nil
	})
	m.kill(pid)
	metrics.IncTerminate(string(store.Running))
	if found {
		m.hist.Emit(history.NewEvent(history.EventKill, rec))
	}
	return m.unlinkLocked(ctx, pid)
}

// StopAllProcesses stops every running process from a snapshot, then
// signals every waiting process and clears the waiting table at once.
func (m *Manager) StopAllProcesses(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.stopAllLocked(ctx)
}

func (m *Manager) stopAllLocked(ctx context.Context) error {
	var running []process.Record
	err := m.reg.View(ctx, func(tx store.Tx) error {
		var err error
		running, err = tx.List(store.Running)
		return err
	})
	if err != nil {
		metrics.IncRegistryError("stop_all")
		return fmt.Errorf("snapshot running: %w", err)
	}
	for _, r := range running {
		// Per-pid failures are already logged and must not abort the batch.
		_ = m.stopRegisteredLocked(ctx, r.PID)
	}

	var waiting []process.Record
	err = m.reg.Update(ctx, func(tx store.Tx) error {
		var err error
		if waiting, err = tx.List(store.Waiting); err != nil {
			return err
		}
		for _, r := range waiting {
			m.kill(r.PID)
			metrics.IncTerminate(string(store.Waiting))
		}
		if err := tx.Clear(store.Waiting); err != nil {
			return err
		}
		return m.gauges(tx)
	})
	if err != nil {
		metrics.IncRegistryError("stop_all")
		return fmt.Errorf("clear waiting: %w", err)
	}
	for _, r := range waiting {
		m.hist.Emit(history.NewEvent(history.EventKill, r))
	}
	m.log.Info("stopped all processes", "running", len(running), "waiting", len(waiting))
	return nil
}

// Stop is the daemon shutdown path: unless keepProcesses is set every
// supervised process is stopped, then the registry is closed.
func (m *Manager) Stop(ctx context.Context, keepProcesses bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var errs []error
	if !keepProcesses {
		errs = append(errs, m.stopAllLocked(ctx))
	}
	m.closed = true
	errs = append(errs, m.reg.Close())
	return errors.Join(errs...)
}

// kill sends the termination signal. A vanished process is not an error;
// anything else is logged and swallowed so batches keep going.
func (m *Manager) kill(pid int) {
	if err := m.signal(pid); err != nil {
		m.log.Error("signal failed", "pid", pid, "error", err)
	}
}

func (m *Manager) gauges(tx store.Tx) error {
	for _, t := range store.Tables {
		recs, err := tx.List(t)
		if err != nil {
			return err
		}
		metrics.SetTableSize(string(t), len(recs))
	}
	return nil
}
