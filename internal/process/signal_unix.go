//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Terminate sends SIGTERM to pid without waiting for it to exit.
// A process that no longer exists is not an error.
func Terminate(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// TerminateGroup sends sig to every member of the process group led by pgid.
// A group that no longer exists is not an error.
func TerminateGroup(pgid int, sig unix.Signal) error {
	if pgid <= 0 {
		return errors.New("invalid process group")
	}
	err := unix.Kill(-pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether a process with pid exists (signal 0 probe).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
