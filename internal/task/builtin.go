package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/agentd/internal/process"
)

// Sleep registers and sleeps seconds (kwarg or first argument).
func Sleep(ctx context.Context, rt *Runtime, args []string, kw Kwargs) error {
	if err := rt.Register(ctx); err != nil {
		return err
	}
	secs, err := IntArg(args, kw, "seconds", 0)
	if err != nil {
		return err
	}
	if secs < 0 {
		return fmt.Errorf("negative sleep %d", secs)
	}
	t := time.NewTimer(time.Duration(secs) * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execStopTimeout bounds how long a terminated exec task waits for its
// command group before killing it.
const execStopTimeout = 5 * time.Second

// Exec registers and runs an arbitrary command line given as the command
// kwarg or as the positional arguments. A shell is used only when the line
// contains shell metacharacters. Output goes to the task's stderr, which the
// daemon logs.
//
// The command runs in its own process group. On SIGTERM the group is
// terminated and reaped before the task exits 0 without unlinking.
func Exec(ctx context.Context, rt *Runtime, args []string, kw Kwargs) error {
	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM)
	defer signal.Stop(term)

	if err := rt.Register(ctx); err != nil {
		return err
	}
	line, err := kw.String("command", strings.Join(args, " "))
	if err != nil {
		return err
	}
	if strings.TrimSpace(line) == "" {
		return errors.New("exec: empty command")
	}
	cmd := process.BuildCommand(line)
	process.SetProcessGroup(cmd)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if dir, _ := kw.String("dir", ""); dir != "" {
		cmd.Dir = dir
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", line, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("exec %q: %w", line, err)
		}
		return nil
	case <-term:
		stopGroup(rt, cmd.Process.Pid, done)
		rt.Logger.Debug("terminated", "task", "exec", "command", line)
		rt.Exit(0)
		return nil
	case <-ctx.Done():
		stopGroup(rt, cmd.Process.Pid, done)
		return ctx.Err()
	}
}

// stopGroup sends SIGTERM to the command's process group and waits for the
// leader, escalating to SIGKILL after execStopTimeout.
func stopGroup(rt *Runtime, pgid int, done <-chan error) {
	if err := process.TerminateGroup(pgid, unix.SIGTERM); err != nil {
		rt.Logger.Error("terminate command group", "pgid", pgid, "error", err)
	}
	t := time.NewTimer(execStopTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		rt.Logger.Warn("command group ignored SIGTERM, killing", "pgid", pgid)
		_ = process.TerminateGroup(pgid, unix.SIGKILL)
		<-done
	}
}
