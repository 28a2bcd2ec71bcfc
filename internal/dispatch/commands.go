package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loykin/agentd/internal/manager"
	"github.com/loykin/agentd/internal/process"
)

// Supervisor is the subset of the process manager the commands drive.
type Supervisor interface {
	Info(ctx context.Context) (process.Info, error)
	SpawnProcess(ctx context.Context, cmd string, args []string, kwargs map[string]any) (int, error)
	RegisterProcess(ctx context.Context, pid int) error
	UnlinkProcess(ctx context.Context, pid int) error
	StopRegisteredProcess(ctx context.Context, pid int) error
	KillWaitingProcess(ctx context.Context, pid int) error
}

// PID accepts a JSON number or a decimal string.
type PID int

func (p *PID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid pid %s", string(b))
	}
	*p = PID(n)
	return nil
}

// PIDRequest is the body of every pid-addressed privileged command.
type PIDRequest struct {
	PID PID `json:"pid" validate:"gt=0"`
}

// RunTaskRequest is the body of run_task.
type RunTaskRequest struct {
	Cmd    string         `json:"cmd" validate:"required"`
	Args   []string       `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// EchoRequest is the body of echo.
type EchoRequest struct {
	Msg string `json:"msg"`
}

// Standard builds the daemon's command table. shutdown is invoked by the
// stop command and must not block.
func Standard(sup Supervisor, shutdown func(), logger *slog.Logger) (*Dispatcher, error) {
	d := New(logger)
	cmds := []Command{
		{Name: "health", Method: http.MethodGet, Channel: Public, Handler: health},
		{Name: "info", Method: http.MethodGet, Channel: Public, Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return sup.Info(ctx)
		}},
		{Name: "run_task", Method: http.MethodPost, Channel: Public, Handler: d.runTask(sup)},
		{Name: "echo", Method: http.MethodPost, Channel: Public, Handler: echo},
		{Name: "stop", Method: http.MethodGet, Channel: Privileged, Handler: func(context.Context, json.RawMessage) (any, error) {
			d.log.Info("stop requested")
			if shutdown != nil {
				shutdown()
			}
			return nil, nil
		}},
		{Name: "register_process", Method: http.MethodPost, Channel: Privileged, Handler: byPID(sup.RegisterProcess)},
		{Name: "unlink_process", Method: http.MethodPost, Channel: Privileged, Handler: byPID(sup.UnlinkProcess)},
		{Name: "stop_registered_process", Method: http.MethodPost, Channel: Privileged, Handler: byPID(sup.StopRegisteredProcess)},
		{Name: "kill_waiting_process", Method: http.MethodPost, Channel: Privileged, Handler: byPID(sup.KillWaitingProcess)},
	}
	for _, c := range cmds {
		if err := d.Add(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func health(context.Context, json.RawMessage) (any, error) { return "ok", nil }

func echo(_ context.Context, body json.RawMessage) (any, error) {
	var req EchoRequest
	if err := Decode(body, &req); err != nil {
		return nil, err
	}
	return "Echo: " + req.Msg, nil
}

// runTask acknowledges even when the spawn fails: the failure is logged by
// the manager and never reported to the caller.
func (d *Dispatcher) runTask(sup Supervisor) Handler {
	return func(ctx context.Context, body json.RawMessage) (any, error) {
		var req RunTaskRequest
		if err := Decode(body, &req); err != nil {
			return nil, err
		}
		if _, err := sup.SpawnProcess(ctx, req.Cmd, req.Args, req.Kwargs); err != nil {
			d.log.Debug("run_task acknowledged after spawn failure", "cmd", req.Cmd, "error", err)
		}
		return nil, nil
	}
}

// byPID adapts a pid operation. Registry consistency errors are already
// logged by the manager and still acknowledged.
func byPID(op func(context.Context, int) error) Handler {
	return func(ctx context.Context, body json.RawMessage) (any, error) {
		var req PIDRequest
		if err := Decode(body, &req); err != nil {
			return nil, err
		}
		if err := op(ctx, int(req.PID)); err != nil && !errors.Is(err, manager.ErrConsistency) {
			return nil, err
		}
		return nil, nil
	}
}
