//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr sets platform-specific attributes for Unix-like systems.
// If detached is true, we create a new session (setsid) so the child is
// detached from the controlling terminal and survives parent exit cleanly.
// Otherwise, we place it in a new process group so terminal signals aimed at
// the daemon do not reach its children.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// SetProcessGroup makes cmd the leader of a new process group, so the whole
// group can be signalled with TerminateGroup(cmd.Process.Pid, ...).
func SetProcessGroup(cmd *exec.Cmd) {
	configureSysProcAttr(cmd, false)
}
