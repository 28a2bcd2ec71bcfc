package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/loykin/agentd/internal/config"
	agenttls "github.com/loykin/agentd/internal/tls"
	"github.com/loykin/agentd/pkg/client"
)

// command binds client subcommands to their flags and output.
type command struct {
	global *GlobalFlags
	client *ClientFlags
	out    io.Writer
}

// config loads the daemon config used to default the channel addresses.
func (c *command) config() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// public returns a client for the TCP channel.
func (c *command) public() (*client.Client, error) {
	f := c.client
	cc := client.Config{BaseURL: f.URL, Timeout: f.Timeout, Logger: quietLogger(), Insecure: f.Insecure}
	if f.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	if cc.BaseURL == "" {
		cfg, err := c.config()
		if err != nil {
			return nil, err
		}
		cc.BaseURL = cfg.PublicURL()
		if cc.TLS == nil {
			if ca := agenttls.CAFile(cfg.Server.TLS); ca != "" {
				cc.TLS = &client.TLSClientConfig{CACert: ca}
			}
		}
	}
	return client.New(cc), nil
}

// privileged returns a client for the unix socket channel.
func (c *command) privileged() (*client.Client, error) {
	sock := c.client.Socket
	if sock == "" {
		cfg, err := c.config()
		if err != nil {
			return nil, err
		}
		sock = cfg.Server.Socket
	}
	return client.New(client.Config{Socket: sock, Timeout: c.client.Timeout, Logger: quietLogger()}), nil
}

func (c *command) Health(ctx context.Context) error {
	cl, err := c.public()
	if err != nil {
		return err
	}
	s, err := cl.Health(ctx)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cl.BaseURL(), err)
	}
	_, _ = fmt.Fprintln(c.out, s)
	return nil
}

func (c *command) Info(ctx context.Context) error {
	cl, err := c.public()
	if err != nil {
		return err
	}
	info, err := cl.Info(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, info)
}

func (c *command) RunTask(ctx context.Context, name string, args []string, kwargsJSON string) error {
	req := client.RunTaskRequest{Cmd: name, Args: args}
	if kwargsJSON != "" {
		if err := json.Unmarshal([]byte(kwargsJSON), &req.Kwargs); err != nil {
			return fmt.Errorf("invalid --kwargs: %w", err)
		}
	}
	cl, err := c.public()
	if err != nil {
		return err
	}
	if err := cl.RunTask(ctx, req); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "requested task %s\n", name)
	return nil
}

func (c *command) Echo(ctx context.Context, msg string) error {
	cl, err := c.public()
	if err != nil {
		return err
	}
	s, err := cl.Echo(ctx, msg)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, s)
	return nil
}

func (c *command) Register(ctx context.Context, pid int) error {
	return c.withSocket(ctx, pid, "registered", (*client.Client).RegisterProcess)
}

func (c *command) Unlink(ctx context.Context, pid int) error {
	return c.withSocket(ctx, pid, "unlinked", (*client.Client).UnlinkProcess)
}

func (c *command) StopProcess(ctx context.Context, pid int) error {
	return c.withSocket(ctx, pid, "stopped", (*client.Client).StopRegisteredProcess)
}

func (c *command) KillWaiting(ctx context.Context, pid int) error {
	return c.withSocket(ctx, pid, "killed", (*client.Client).KillWaitingProcess)
}

func (c *command) withSocket(ctx context.Context, pid int, verb string, op func(*client.Client, context.Context, int) error) error {
	cl, err := c.privileged()
	if err != nil {
		return err
	}
	if err := op(cl, ctx, pid); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s %d\n", verb, pid)
	return nil
}

func (c *command) Shutdown(ctx context.Context) error {
	cl, err := c.privileged()
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "shutdown requested")
	return nil
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

// quietLogger keeps client debug output off the terminal.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
