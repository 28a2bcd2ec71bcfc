package process

import (
	"os/exec"
	"strings"
)

// BuildCommand constructs an *exec.Cmd for a command line.
// It avoids invoking a shell when not necessary to reduce command injection surface (G204 mitigation).
// If the command contains obvious shell metacharacters, it falls back to /bin/sh -c.
func BuildCommand(line string) *exec.Cmd {
	cmdStr := strings.TrimSpace(line)
	if cmdStr == "" {
		// still create a command that will fail when started
		return getFailCommand()
	}
	// #nosec G204 Detect shell metacharacters
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}
