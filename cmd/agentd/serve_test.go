package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentd/internal/config"
	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/manager"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/server"
	"github.com/loykin/agentd/internal/store"
	"github.com/loykin/agentd/internal/store/bolt"
	"github.com/loykin/agentd/internal/task"
	"github.com/loykin/agentd/pkg/client"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "agentd.toml")
	content := fmt.Sprintf(`
[server]
listen = %q
socket = %q
pidfile = %q
shutdown_timeout = "5s"

[store]
dsn = "bolt://%s"
lock_timeout = "100ms"

[log]
level = "error"
`, freeAddr(t), filepath.Join(dir, "agent.sock"), filepath.Join(dir, "agentd.pid"), filepath.Join(dir, "agentd.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestServeUntilStopCommand(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := shortTempDir(t)
	cfgPath := writeConfig(t, dir)
	sock := filepath.Join(dir, "agent.sock")
	pidFile := filepath.Join(dir, "agentd.pid")

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), &ServeFlags{}, []string{cfgPath}) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	c := client.New(client.Config{Socket: sock, Timeout: 5 * time.Second, Logger: quietLogger()})
	ctx := context.Background()
	s, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", s)

	// unknown tasks and stray pids are acknowledged without touching the registry
	require.NoError(t, c.RunTask(ctx, client.RunTaskRequest{Cmd: "no_such_task"}))
	require.NoError(t, c.RegisterProcess(ctx, 999999))
	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.Running)
	assert.Empty(t, info.Waiting)

	pid, err := process.ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, c.Stop(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket must be removed")
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pidfile must be removed")
}

func TestServeRefusesLockedRegistry(t *testing.T) {
	dir := shortTempDir(t)
	cfgPath := writeConfig(t, dir)

	held, err := bolt.Open(filepath.Join(dir, "agentd.db"), time.Second)
	require.NoError(t, err)
	defer func() { _ = held.Close() }()

	err = runServe(context.Background(), &ServeFlags{}, []string{cfgPath})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrLocked)
	_, statErr := os.Stat(filepath.Join(dir, "agent.sock"))
	assert.True(t, os.IsNotExist(statErr), "no channel may open without the registry")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[worker]\nmin_interval = \"5s\"\nmax_interval = \"1s\"\n"), 0o600))
	err := runServe(context.Background(), &ServeFlags{}, []string{path})
	assert.ErrorContains(t, err, "error loading config")
}

type fixedLauncher int

func (l fixedLauncher) Launch(string, []string, map[string]any, io.Writer) (int, error) {
	return int(l), nil
}

func TestShutdownStopsChildrenAfterSlowDrain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := shortTempDir(t)
	ctx := context.Background()

	reg, err := bolt.Open(filepath.Join(dir, "agentd.db"), time.Second)
	require.NoError(t, err)
	var (
		mu        sync.Mutex
		signalled []int
	)
	mgr, err := manager.New(manager.Options{
		Registry: reg,
		Tasks:    task.Builtin(),
		Launcher: fixedLauncher(4242),
		Logger:   quietLogger(),
		Host:     "node-a",
		Signal: func(pid int) error {
			mu.Lock()
			defer mu.Unlock()
			signalled = append(signalled, pid)
			return nil
		},
	})
	require.NoError(t, err)
	_, err = mgr.SpawnProcess(ctx, "sleep", nil, nil)
	require.NoError(t, err)

	srv := server.New(server.Options{Listen: "127.0.0.1:0", Socket: filepath.Join(dir, "agent.sock"), Logger: quietLogger()})
	disp, err := dispatch.Standard(mgr, srv.Trigger, quietLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start(disp))

	// A half-written request keeps its connection open, so the drain runs
	// into the deadline.
	conn, err := net.Dial("tcp", srv.PublicAddr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte("GET /health HTTP/1.1\r\n"))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.ShutdownTimeout = 200 * time.Millisecond
	d := &daemon{cfg: cfg, log: quietLogger(), reg: reg, mgr: mgr, srv: srv}

	err = d.shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, err.Error(), "manager stop")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4242}, signalled)
}
