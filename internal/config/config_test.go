package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "agentd.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8888", c.Server.Listen)
	assert.True(t, filepath.IsAbs(c.Server.Socket))
	assert.Equal(t, "agent.sock", filepath.Base(c.Server.Socket))
	assert.Contains(t, c.Store.DSN, "bolt:///")
	assert.Equal(t, time.Second, c.Store.LockTimeout)
	assert.Equal(t, 3*time.Second, c.Worker.MinInterval)
	assert.Equal(t, 7*time.Second, c.Worker.MaxInterval)
	assert.Equal(t, "info", c.Log.Level)
	assert.Empty(t, c.Fleet.Hosts)
	assert.False(t, c.History.Enabled)
	assert.Empty(t, c.Path)
	assert.Equal(t, "http://127.0.0.1:8888", c.PublicURL())
}

func TestLoadFile(t *testing.T) {
	p := writeTOML(t, `
[server]
listen = "0.0.0.0:9000"
socket = "/tmp/agentd-test/agent.sock"
keep_processes = true
shutdown_timeout = "3s"

[store]
dsn = "sqlite:///var/lib/agentd/registry.db"
lock_timeout = "250ms"

[log]
level = "debug"
format = "json"
  [log.file]
  path = "/var/log/agentd/agentd.log"
  max_size_mb = 50

[fleet]
hosts = ["http://10.0.0.1:8888", "http://10.0.0.2:8888"]

[worker]
dir = "/srv/workers"
min_interval = "1s"
max_interval = "2s"

[metrics]
enabled = true
listen = "127.0.0.1:9100"

[history]
enabled = true
sinks = ["nats://127.0.0.1:4222/agentd.history", "sqlite:///var/lib/agentd/history.db"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, c.Path)
	assert.Equal(t, "0.0.0.0:9000", c.Server.Listen)
	assert.Equal(t, "http://127.0.0.1:9000", c.PublicURL())
	assert.True(t, c.Server.KeepProcesses)
	assert.Equal(t, 3*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite:///var/lib/agentd/registry.db", c.Store.DSN)
	assert.Equal(t, 250*time.Millisecond, c.Store.LockTimeout)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 50, c.Log.File.MaxSizeMB)
	assert.Len(t, c.Fleet.Hosts, 2)
	assert.Equal(t, "/srv/workers", c.Worker.Dir)
	assert.Equal(t, 2*time.Second, c.Worker.MaxInterval)
	assert.True(t, c.Metrics.Enabled)
	assert.Len(t, c.History.Sinks, 2)
}

func TestEnvOverrides(t *testing.T) {
	p := writeTOML(t, `
[server]
listen = "127.0.0.1:9000"
`)
	t.Setenv("AGENTD_SERVER_LISTEN", "127.0.0.1:9555")
	t.Setenv("AGENTD_LOG_LEVEL", "warn")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9555", c.Server.Listen)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad level": `
[log]
level = "verbose"
`,
		"bad listen": `
[server]
listen = "nowhere"
`,
		"inverted worker interval": `
[worker]
min_interval = "5s"
max_interval = "1s"
`,
		"bad fleet host": `
[fleet]
hosts = ["not a url"]
`,
		"history without sinks": `
[history]
enabled = true
`,
		"metrics without listen": `
[metrics]
enabled = true
`,
		"tls without certificate": `
[server.tls]
enabled = true
`,
		"bad tls version": `
[server.tls]
enabled = true
dir = "/tmp/certs"
min_version = "1.0"
`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestPublicURLWithTLS(t *testing.T) {
	c := &Config{Server: ServerConfig{Listen: "agent-1.internal:8443", TLS: TLSConfig{Enabled: true}}}
	assert.Equal(t, "https://agent-1.internal:8443", c.PublicURL())
}

func TestChildEnvPointsBackAtDaemon(t *testing.T) {
	t.Setenv("AGENTD_TEST_INHERITED", "yes")
	c := &Config{
		Path:   "/etc/agentd.toml",
		Server: ServerConfig{Listen: "0.0.0.0:8888", Socket: "/run/agentd/agent.sock"},
	}
	got := c.ChildEnv("node-a")
	assert.Contains(t, got, "AGENTD_CONFIG=/etc/agentd.toml")
	assert.Contains(t, got, "AGENTD_SOCKET=/run/agentd/agent.sock")
	assert.Contains(t, got, "AGENTD_URL=http://127.0.0.1:8888")
	assert.Contains(t, got, "AGENTD_HOST=node-a")
	assert.Contains(t, got, "AGENTD_TEST_INHERITED=yes")
}
