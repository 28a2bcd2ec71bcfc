package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/manager"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/store/bolt"
)

type tasks map[string]bool

func (t tasks) Has(n string) bool { return t[n] }

type seqLauncher struct {
	mu   sync.Mutex
	next int
}

func (l *seqLauncher) Launch(string, []string, map[string]any, io.Writer) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return 5000 + l.next, nil
}

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	reg, err := bolt.Open(filepath.Join(t.TempDir(), "agentd.db"), time.Second)
	require.NoError(t, err)
	m, err := manager.New(manager.Options{
		Registry: reg,
		Tasks:    tasks{"worker": true},
		Launcher: &seqLauncher{},
		Host:     "test-host",
		Signal:   func(int) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background(), true) })
	return m
}

func setupRouters(t *testing.T) (pub, priv http.Handler, m *manager.Manager, stops *int) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m = newManager(t)
	n := 0
	d, err := dispatch.Standard(m, func() { n++ }, nil)
	require.NoError(t, err)
	pub = NewRouter(d, dispatch.Public, "", nil).Handler()
	priv = NewRouter(d, dispatch.Privileged, "", nil).Handler()
	return pub, priv, m, &n
}

func doReq(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	pub, _, _, _ := setupRouters(t)
	rec := doReq(t, pub, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":1,"response":"ok"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestPublicRejectsPrivilegedCommands(t *testing.T) {
	pub, _, _, stops := setupRouters(t)
	for _, p := range []string{"/register_process", "/unlink_process", "/stop_registered_process", "/kill_waiting_process"} {
		rec := doReq(t, pub, http.MethodPost, p, `{"pid": 1}`)
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	}
	rec := doReq(t, pub, http.MethodGet, "/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, *stops)
}

func TestRoutingNotFound(t *testing.T) {
	_, priv, _, _ := setupRouters(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/_stop"},
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/register_process"},
		{http.MethodDelete, "/info"},
	} {
		rec := doReq(t, priv, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
	}
}

func TestProtocolOverRouters(t *testing.T) {
	pub, priv, m, stops := setupRouters(t)

	rec := doReq(t, pub, http.MethodPost, "/run_task", `{"cmd":"worker","kwargs":{"name":"abc"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":1}`, rec.Body.String())

	info, err := m.Info(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Waiting, 1)
	pid := info.Waiting[0].PID

	rec = doReq(t, priv, http.MethodPost, "/register_process", `{"pid": `+process.Key(pid)+`}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, pub, http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Success  int          `json:"success"`
		Response process.Info `json:"response"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 1, env.Success)
	require.Len(t, env.Response.Running, 1)
	assert.Equal(t, pid, env.Response.Running[0].PID)
	assert.Equal(t, "abc", env.Response.Running[0].Kwargs["name"])
	assert.Empty(t, env.Response.Waiting)

	// Replayed register and double unlink are consistency errors: still acknowledged.
	rec = doReq(t, priv, http.MethodPost, "/register_process", `{"pid": "`+process.Key(pid)+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, priv, http.MethodPost, "/unlink_process", `{"pid": `+process.Key(pid)+`}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, priv, http.MethodPost, "/unlink_process", `{"pid": `+process.Key(pid)+`}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":1}`, rec.Body.String())

	// Unknown task still gets the bare acknowledgment.
	rec = doReq(t, priv, http.MethodPost, "/run_task", `{"cmd":"missing"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, priv, http.MethodGet, "/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *stops)
}

func TestBadBody(t *testing.T) {
	pub, priv, _, _ := setupRouters(t)
	rec := doReq(t, priv, http.MethodPost, "/register_process", `{"pid":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, pub, http.MethodPost, "/echo", `{"msg": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, pub, http.MethodPost, "/echo", `{"msg": "hi"}`)
	assert.JSONEq(t, `{"success":1,"response":"Echo: hi"}`, rec.Body.String())
}

func TestBasePath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d, err := dispatch.Standard(newManager(t), nil, nil)
	require.NoError(t, err)
	h := NewRouter(d, dispatch.Public, "agentd/", nil).Handler()
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/agentd/health", "").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/health", "").Code)
}

func unixClient(path string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to ~104 bytes
	dir, err := os.MkdirTemp("", "agentd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestServerDualChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	sock := filepath.Join(shortTempDir(t), "run", "agent.sock")
	// A stale socket file from a crashed daemon is replaced.
	require.NoError(t, os.MkdirAll(filepath.Dir(sock), 0o750))
	stale, err := net.Listen("unix", sock)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	srv := New(Options{Listen: "127.0.0.1:0", Socket: sock})
	d, err := dispatch.Standard(m, srv.Trigger, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(d))

	st, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	base := "http://" + srv.PublicAddr().String()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/stop")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	uc := unixClient(sock)
	resp, err = uc.Get("http://agentd/info")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-srv.Stopped():
		t.Fatal("stopped before stop command")
	default:
	}
	resp, err = uc.Get("http://agentd/stop")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-srv.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("stop command did not trigger shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestServerRefusesNonSocketPath(t *testing.T) {
	p := filepath.Join(shortTempDir(t), "agent.sock")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	d, err := dispatch.Standard(newManager(t), nil, nil)
	require.NoError(t, err)
	srv := New(Options{Listen: "127.0.0.1:0", Socket: p})
	assert.Error(t, srv.Start(d))
}
