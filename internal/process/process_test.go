package process

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestTaskArgv(t *testing.T) {
	argv, err := TaskArgv([]string{"task"}, "worker", nil, map[string]any{"name": "abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"task", "worker", "--args", "[]", "--kwargs", `{"name":"abc"}`}, argv)

	_, err = TaskArgv(nil, "x", nil, map[string]any{"bad": func() {}})
	assert.Error(t, err)
}

func TestSelfLauncherPassesArgvAndStderr(t *testing.T) {
	var stderr syncBuffer
	l := &SelfLauncher{
		Executable: "/bin/sh",
		// $0 is the task name, $2 the JSON args.
		Prefix: []string{"-c", `echo "$0 $2 $AGENTD_TEST_MARK" >&2`},
		Env:    []string{"AGENTD_TEST_MARK=marked"},
	}
	pid, err := l.Launch("sleep", []string{"1"}, nil, &stderr)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		return stderr.String() == "sleep [\"1\"] marked\n"
	}, 5*time.Second, 10*time.Millisecond, "stderr: %q", stderr.String())
}

func TestSelfLauncherStartFailure(t *testing.T) {
	l := &SelfLauncher{Executable: "/nonexistent/agentd"}
	_, err := l.Launch("sleep", nil, nil, nil)
	assert.Error(t, err)
}

func TestBuildCommand(t *testing.T) {
	c := BuildCommand("echo hi there")
	assert.Equal(t, []string{"echo", "hi", "there"}, c.Args)

	c = BuildCommand("echo hi | cat")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi | cat"}, c.Args)

	c = BuildCommand("   ")
	assert.Error(t, c.Run())
}

func TestTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	assert.True(t, Alive(pid))

	require.NoError(t, Terminate(pid))
	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)

	assert.NoError(t, Terminate(pid), "a vanished process is not an error")
	assert.Error(t, Terminate(0))
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(-1))
}

func TestRecordViews(t *testing.T) {
	spawned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Record{PID: 42, Cmd: "worker", SpawnedAt: spawned}
	assert.Equal(t, "42", r.Key())

	w := WaitingEntry(r, spawned.Add(90*time.Second))
	require.NotNil(t, w.WaitedSec)
	assert.InDelta(t, 90.0, *w.WaitedSec, 1e-9)

	b, err := json.Marshal(RunningEntry(r))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "waited_sec")
	assert.Contains(t, string(b), `"pid":42`)
}
