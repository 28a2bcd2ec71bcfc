//go:build !windows

package process

import "os/exec"

// getShellCommand returns a shell command for Unix systems
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// getFailCommand returns a command that exits non-zero so an empty line never looks like success.
func getFailCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/false")
}
