package process

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Launcher starts a task in a new OS process and returns its pid.
// stderr receives the child's error stream for the lifetime of the child.
type Launcher interface {
	Launch(task string, args []string, kwargs map[string]any, stderr io.Writer) (int, error)
}

// SelfLauncher re-executes the current binary as "<exe> task <name> --args <json> --kwargs <json>".
type SelfLauncher struct {
	Executable string   // defaults to os.Executable()
	Prefix     []string // arguments placed before the task name, defaults to {"task"}
	Env        []string // full child environment; nil inherits the daemon's
	Dir        string
	Detached   bool
	Logger     *slog.Logger
}

// TaskArgv returns the argument vector that runs task with args and kwargs.
func TaskArgv(prefix []string, task string, args []string, kwargs map[string]any) ([]string, error) {
	if args == nil {
		args = []string{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	argv := append([]string(nil), prefix...)
	return append(argv, task, "--args", string(a), "--kwargs", string(k)), nil
}

func (l *SelfLauncher) Launch(task string, args []string, kwargs map[string]any, stderr io.Writer) (int, error) {
	exe := l.Executable
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = p
	}
	prefix := l.Prefix
	if prefix == nil {
		prefix = []string{"task"}
	}
	argv, err := TaskArgv(prefix, task, args, kwargs)
	if err != nil {
		return 0, err
	}
	// #nosec G204 the executable is our own binary and the task name was resolved against the task table
	cmd := exec.Command(exe, argv...)
	cmd.Env = l.Env
	cmd.Dir = l.Dir
	configureSysProcAttr(cmd, l.Detached)
	if stderr != nil {
		cmd.Stderr = stderr
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go l.reap(cmd, task, pid, stderr)
	return pid, nil
}

// reap collects the exit status so finished children do not linger as zombies.
// Registry state is never touched here: it is driven only by protocol messages.
func (l *SelfLauncher) reap(cmd *exec.Cmd, task string, pid int, stderr io.Writer) {
	err := cmd.Wait()
	if f, ok := stderr.(interface{ Flush() }); ok {
		f.Flush()
	}
	if l.Logger != nil {
		l.Logger.Debug("child exited", "pid", pid, "cmd", task, "error", err)
	}
}
