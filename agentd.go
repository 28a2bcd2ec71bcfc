// Package agentd embeds the supervisor in another program. The host owns
// the HTTP servers and mounts the channel handlers where it likes.
package agentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/agentd/internal/config"
	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/history"
	hfactory "github.com/loykin/agentd/internal/history/factory"
	"github.com/loykin/agentd/internal/manager"
	"github.com/loykin/agentd/internal/metrics"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/server"
	sfactory "github.com/loykin/agentd/internal/store/factory"
	"github.com/loykin/agentd/internal/task"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Info = process.Info

type Entry = process.Entry

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Options configures an embedded supervisor.
type Options struct {
	Config *Config
	Logger *slog.Logger
	// Executable must understand "task <name> --args ... --kwargs ...";
	// defaults to the running binary.
	Executable string
	// Shutdown is called by the privileged stop command.
	Shutdown func()
}

// Supervisor is a manager plus its command table.
type Supervisor struct {
	mgr  *manager.Manager
	disp *dispatch.Dispatcher
	rec  *history.Recorder
	log  *slog.Logger
}

// New opens the configured registry and builds the supervisor. A registry
// owned by another daemon is reported as an error wrapping the store's
// locked error.
func New(ctx context.Context, o Options) (*Supervisor, error) {
	if o.Config == nil {
		return nil, errors.New("agentd: config is required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Shutdown == nil {
		o.Shutdown = func() {}
	}
	c := o.Config

	reg, err := sfactory.NewFromDSN(ctx, c.Store.DSN, c.Store.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	var rec *history.Recorder
	if c.History.Enabled {
		if rec, err = hfactory.NewRecorder(ctx, c.History.Sinks, o.Logger.With("component", "history")); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}
	host, _ := os.Hostname()
	mgr, err := manager.New(manager.Options{
		Registry: reg,
		Tasks:    task.Builtin(),
		Launcher: &process.SelfLauncher{
			Executable: o.Executable,
			Env:        c.ChildEnv(host),
			Logger:     o.Logger.With("component", "launcher"),
		},
		Logger:  o.Logger,
		History: rec,
		Host:    host,
	})
	if err != nil {
		_ = reg.Close()
		_ = rec.Close()
		return nil, err
	}
	disp, err := dispatch.Standard(mgr, o.Shutdown, o.Logger)
	if err != nil {
		_ = mgr.Stop(ctx, true)
		_ = rec.Close()
		return nil, err
	}
	return &Supervisor{mgr: mgr, disp: disp, rec: rec, log: o.Logger}, nil
}

// PublicHandler serves the public commands under basePath.
func (s *Supervisor) PublicHandler(basePath string) http.Handler {
	return server.NewRouter(s.disp, dispatch.Public, basePath, s.log).Handler()
}

// PrivilegedHandler serves every command under basePath. Only expose it
// on a channel reachable by trusted local callers.
func (s *Supervisor) PrivilegedHandler(basePath string) http.Handler {
	return server.NewRouter(s.disp, dispatch.Privileged, basePath, s.log).Handler()
}

// Info returns both registry tables.
func (s *Supervisor) Info(ctx context.Context) (Info, error) { return s.mgr.Info(ctx) }

// Spawn launches a task; the returned pid is in the waiting table.
func (s *Supervisor) Spawn(ctx context.Context, cmd string, args []string, kwargs map[string]any) (int, error) {
	return s.mgr.SpawnProcess(ctx, cmd, args, kwargs)
}

// Close stops the supervised processes unless keepProcesses is set and
// releases the registry.
func (s *Supervisor) Close(ctx context.Context, keepProcesses bool) error {
	err := s.mgr.Stop(ctx, keepProcesses)
	return errors.Join(err, s.rec.Close())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }
