package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/agentd/internal/fleet"
)

// Worker is the long-running example task. It registers, traps SIGTERM,
// then appends a random line to <path>/<name>.txt at random intervals. On
// SIGTERM it removes its file and exits 0 without unlinking: the daemon
// that sent the signal unlinks it.
func Worker(ctx context.Context, rt *Runtime, _ []string, kw Kwargs) error {
	name, err := kw.String("name", "")
	if err != nil {
		return err
	}
	if !isSafeName(name) {
		return fmt.Errorf("worker: invalid name %q", name)
	}
	dir, err := kw.String("path", rt.WorkerDir)
	if err != nil {
		return err
	}
	if dir == "" {
		return errors.New("worker: no output directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	file := filepath.Join(dir, name+".txt")

	// Trap before registering so a stop that races the registration still
	// finds the handler installed.
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	defer signal.Stop(term)

	if err := rt.Register(ctx); err != nil {
		return err
	}
	log := rt.Logger.With("task", "worker", "name", name)
	for {
		if err := appendLine(file, fleet.RandomName(rt.Rand)); err != nil {
			return err
		}
		t := time.NewTimer(rt.Interval())
		select {
		case <-term:
			t.Stop()
			if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Error("remove output", "file", file, "error", err)
			}
			log.Debug("terminated")
			rt.Exit(0)
			return nil
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("worker: %w", err)
	}
	return f.Close()
}

// isSafeName rejects names that would escape the output directory.
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") || strings.ContainsAny(s, "/\\") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
