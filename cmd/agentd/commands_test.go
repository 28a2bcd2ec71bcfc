package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/server"
)

type fakeSupervisor struct {
	mu    sync.Mutex
	calls []string
	info  process.Info
	spawn []string
	kw    map[string]any
}

func (f *fakeSupervisor) add(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSupervisor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSupervisor) Spawned() ([]string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawn, f.kw
}

func (f *fakeSupervisor) Info(context.Context) (process.Info, error) { return f.info, nil }

func (f *fakeSupervisor) SpawnProcess(_ context.Context, cmd string, args []string, kw map[string]any) (int, error) {
	f.mu.Lock()
	f.spawn = append([]string{cmd}, args...)
	f.kw = kw
	f.mu.Unlock()
	f.add("spawn " + cmd)
	return 77, nil
}

func (f *fakeSupervisor) RegisterProcess(_ context.Context, pid int) error {
	f.add("register " + process.Key(pid))
	return nil
}

func (f *fakeSupervisor) UnlinkProcess(_ context.Context, pid int) error {
	f.add("unlink " + process.Key(pid))
	return nil
}

func (f *fakeSupervisor) StopRegisteredProcess(_ context.Context, pid int) error {
	f.add("stop " + process.Key(pid))
	return nil
}

func (f *fakeSupervisor) KillWaitingProcess(_ context.Context, pid int) error {
	f.add("kill " + process.Key(pid))
	return nil
}

type fixture struct {
	sup     *fakeSupervisor
	srv     *server.Server
	url     string
	sock    string
	stopped *bool
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "agentd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func startFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{}
	sock := filepath.Join(shortTempDir(t), "agent.sock")
	srv := server.New(server.Options{Listen: "127.0.0.1:0", Socket: sock, Logger: quietLogger()})
	stopped := false
	d, err := dispatch.Standard(sup, func() { stopped = true; srv.Trigger() }, quietLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start(d))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &fixture{sup: sup, srv: srv, url: "http://" + srv.PublicAddr().String(), sock: sock, stopped: &stopped}
}

func (fx *fixture) command(out *bytes.Buffer) *command {
	return &command{
		global: &GlobalFlags{},
		client: &ClientFlags{URL: fx.url, Socket: fx.sock, Timeout: 5 * time.Second},
		out:    out,
	}
}

func TestHealthAndEcho(t *testing.T) {
	fx := startFixture(t)
	var out bytes.Buffer
	c := fx.command(&out)

	require.NoError(t, c.Health(context.Background()))
	require.NoError(t, c.Echo(context.Background(), "hi"))
	assert.Equal(t, "ok\nEcho: hi\n", out.String())
}

func TestInfoPrintsJSON(t *testing.T) {
	fx := startFixture(t)
	fx.sup.info = process.Info{
		Running: []process.Entry{process.RunningEntry(process.Record{PID: 10, Cmd: "worker", SpawnedAt: time.Now()})},
		Waiting: []process.Entry{},
	}
	var out bytes.Buffer
	require.NoError(t, fx.command(&out).Info(context.Background()))

	var got struct {
		Running []map[string]any `json:"running"`
		Waiting []map[string]any `json:"waiting"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Running, 1)
	assert.EqualValues(t, 10, got.Running[0]["pid"])
	assert.Empty(t, got.Waiting)
}

func TestRunTaskSendsArgsAndKwargs(t *testing.T) {
	fx := startFixture(t)
	var out bytes.Buffer
	c := fx.command(&out)

	require.NoError(t, c.RunTask(context.Background(), "sleep", []string{"3"}, `{"n":1}`))
	argv, kw := fx.sup.Spawned()
	assert.Equal(t, []string{"sleep", "3"}, argv)
	assert.EqualValues(t, 1, kw["n"])
	assert.Contains(t, out.String(), "requested task sleep")

	assert.Error(t, c.RunTask(context.Background(), "sleep", nil, "{not json"))
}

func TestPrivilegedCommandsUseSocket(t *testing.T) {
	fx := startFixture(t)
	var out bytes.Buffer
	c := fx.command(&out)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, 11))
	require.NoError(t, c.Unlink(ctx, 11))
	require.NoError(t, c.StopProcess(ctx, 12))
	require.NoError(t, c.KillWaiting(ctx, 13))
	assert.Equal(t, []string{"register 11", "unlink 11", "stop 12", "kill 13"}, fx.sup.Calls())
	assert.Equal(t, "registered 11\nunlinked 11\nstopped 12\nkilled 13\n", out.String())
}

func TestPrivilegedCommandsFailWithoutSocket(t *testing.T) {
	fx := startFixture(t)
	var out bytes.Buffer
	c := fx.command(&out)
	c.client.Socket = filepath.Join(shortTempDir(t), "missing.sock")

	assert.Error(t, c.Register(context.Background(), 11))
	assert.Empty(t, fx.sup.Calls())
}

func TestShutdownTriggersStop(t *testing.T) {
	fx := startFixture(t)
	var out bytes.Buffer
	require.NoError(t, fx.command(&out).Shutdown(context.Background()))

	select {
	case <-fx.srv.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not reach the daemon")
	}
	assert.True(t, *fx.stopped)
}

func TestParsePID(t *testing.T) {
	pid, err := parsePID("42")
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	for _, s := range []string{"", "0", "-1", "abc"} {
		_, err := parsePID(s)
		assert.Error(t, err, s)
	}
}
