package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/agentd/internal/config"
	"github.com/loykin/agentd/internal/dispatch"
	"github.com/loykin/agentd/internal/history"
	hfactory "github.com/loykin/agentd/internal/history/factory"
	"github.com/loykin/agentd/internal/logger"
	"github.com/loykin/agentd/internal/manager"
	"github.com/loykin/agentd/internal/metrics"
	"github.com/loykin/agentd/internal/process"
	"github.com/loykin/agentd/internal/server"
	"github.com/loykin/agentd/internal/store"
	sfactory "github.com/loykin/agentd/internal/store/factory"
	"github.com/loykin/agentd/internal/task"
	agenttls "github.com/loykin/agentd/internal/tls"
)

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.PidFile != "" {
		if abs, err := filepath.Abs(flags.PidFile); err == nil {
			cfg.Server.PIDFile = abs
		}
	}

	if flags.Daemonize {
		return daemonize(cfg.Server.PIDFile, flags.LogFile)
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d := &daemon{cfg: cfg, log: log}
	return d.run(ctx)
}

// daemon holds everything serve starts so it can be released in reverse
// order.
type daemon struct {
	cfg *config.Config
	log *slog.Logger

	reg       store.Registry
	rec       *history.Recorder
	mgr       *manager.Manager
	srv       *server.Server
	metrics   *http.Server
	resources *metrics.ResourceCollector
}

func (d *daemon) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.start(ctx); err != nil {
		d.release()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("signal received, shutting down")
	case <-d.srv.Stopped():
		d.log.Info("stop requested, shutting down")
	case runErr = <-d.srv.Errors():
		d.log.Error("channel failed, shutting down", "error", runErr)
	}
	return errors.Join(runErr, d.shutdown())
}

func (d *daemon) start(ctx context.Context) error {
	cfg := d.cfg
	reg, err := sfactory.NewFromDSN(ctx, cfg.Store.DSN, cfg.Store.LockTimeout)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return fmt.Errorf("registry %s is owned by another daemon: %w", cfg.Store.DSN, err)
		}
		return fmt.Errorf("open registry: %w", err)
	}
	d.reg = reg

	if cfg.History.Enabled {
		rec, err := hfactory.NewRecorder(ctx, cfg.History.Sinks, d.log.With("component", "history"))
		if err != nil {
			return err
		}
		d.rec = rec
	}

	host, _ := os.Hostname()
	launcher := &process.SelfLauncher{
		Env:    cfg.ChildEnv(host),
		Logger: d.log.With("component", "launcher"),
	}

	mgr, err := manager.New(manager.Options{
		Registry: reg,
		Tasks:    task.Builtin(),
		Launcher: launcher,
		Logger:   d.log,
		History:  d.rec,
		Host:     host,
	})
	if err != nil {
		return err
	}
	d.mgr = mgr

	if cfg.Metrics.Enabled {
		if err := d.startMetrics(ctx); err != nil {
			return err
		}
	}

	tlsCfg, err := agenttls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}
	srv := server.New(server.Options{
		Listen: cfg.Server.Listen,
		Socket: cfg.Server.Socket,
		TLS:    tlsCfg,
		Logger: d.log,
	})
	disp, err := dispatch.Standard(mgr, srv.Trigger, d.log)
	if err != nil {
		return err
	}
	if err := srv.Start(disp); err != nil {
		return err
	}
	d.srv = srv

	if cfg.Server.PIDFile != "" {
		if err := process.WritePIDFile(cfg.Server.PIDFile, os.Getpid()); err != nil {
			d.log.Warn("write pidfile failed", "path", cfg.Server.PIDFile, "error", err)
		}
	}
	d.log.Info("agentd started", "pid", os.Getpid(), "url", cfg.PublicURL(), "socket", cfg.Server.Socket, "store", cfg.Store.DSN)
	return nil
}

func (d *daemon) startMetrics(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if iv := d.cfg.Metrics.ResourceInterval; iv > 0 {
		rc := metrics.NewResourceCollector(iv, d.resourceTargets, d.log.With("component", "resources"))
		if err := rc.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
		rc.Start(ctx)
		d.resources = rc
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metrics = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server failed", "listen", d.cfg.Metrics.Listen, "error", err)
		}
	}()
	d.log.Info("metrics listening", "listen", d.cfg.Metrics.Listen)
	return nil
}

// resourceTargets lists the running processes sampled by the resource
// collector.
func (d *daemon) resourceTargets(ctx context.Context) ([]metrics.Target, error) {
	info, err := d.mgr.Info(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Target, 0, len(info.Running))
	for _, e := range info.Running {
		out = append(out, metrics.Target{PID: e.PID, Cmd: e.Cmd})
	}
	return out, nil
}

// shutdown closes the channels first so no command races the final
// registry pass, then stops (or keeps) the children.
func (d *daemon) shutdown() error {
	timeout := d.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs []error
	if d.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := d.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		cancel()
	}
	// A slow drain must not eat the budget of the final registry pass.
	if d.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.mgr.Stop(ctx, d.cfg.Server.KeepProcesses); err != nil {
			errs = append(errs, fmt.Errorf("manager stop: %w", err))
		}
		d.reg = nil
	}
	d.release()
	d.log.Info("agentd stopped", "kept_processes", d.cfg.Server.KeepProcesses)
	return errors.Join(errs...)
}

// release frees whatever start managed to acquire.
func (d *daemon) release() {
	if d.resources != nil {
		d.resources.Stop()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = d.metrics.Shutdown(ctx)
		cancel()
	}
	if d.reg != nil {
		_ = d.reg.Close()
	}
	if d.rec != nil {
		_ = d.rec.Close()
	}
	if d.cfg.Server.PIDFile != "" {
		_ = process.RemovePIDFile(d.cfg.Server.PIDFile, os.Getpid())
	}
}
