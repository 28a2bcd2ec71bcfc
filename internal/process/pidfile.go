package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile writes pid to path, replacing any previous content.
// The file is written next to its final name and renamed into place so a
// reader never sees a partial pid.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return errors.New("empty pidfile path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadPIDFile returns the pid stored in path. Only the first line is read.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path) // #nosec G304 operator supplied path
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parse pidfile %s: invalid pid %d", path, pid)
	}
	return pid, nil
}

// RemovePIDFile removes path if it still names pid. A missing file or one
// rewritten by another daemon is left alone.
func RemovePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	cur, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && cur != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
