package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/agentd/internal/fleet"
	"github.com/loykin/agentd/pkg/client"
)

// SetWorkers brings the number of running workers on the local daemon to
// num: random running workers are stopped, or new workers with fresh names
// are spawned. Waiting workers are ignored, which can over-provision while
// a previous spawn has not registered yet.
func SetWorkers(ctx context.Context, rt *Runtime, args []string, kw Kwargs) error {
	if err := rt.Register(ctx); err != nil {
		return err
	}
	num, err := IntArg(args, kw, "num", 0)
	if err != nil {
		return err
	}
	if num < 0 {
		rt.Logger.Warn("set_workers: negative target ignored", "num", num)
		return nil
	}
	path, err := kw.String("path", rt.WorkerDir)
	if err != nil {
		return err
	}

	info, err := rt.Local.Info(ctx)
	if err != nil {
		return fmt.Errorf("set_workers: info: %w", err)
	}
	running := workers(info.Running)
	if waiting := workers(info.Waiting); len(waiting) > 0 {
		rt.Logger.Debug("set_workers: waiting workers not counted", "waiting", len(waiting))
	}

	plan, err := fleet.PlanLocal(running, num, rt.Rand)
	if err != nil {
		return err
	}
	rt.Logger.Info("set_workers", "running", len(running), "target", num,
		"spawn", len(plan.Spawn), "stop", len(plan.Stop))

	var errs []error
	for _, pid := range plan.Stop {
		if err := rt.Local.StopRegisteredProcess(ctx, pid); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range plan.Spawn {
		req := client.RunTaskRequest{Cmd: fleet.WorkerTask, Kwargs: map[string]any{"name": name, "path": path}}
		if err := rt.Local.RunTask(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetWorkersGlobally spreads num workers over every fleet host. Running
// worker counts are fetched concurrently, rebalanced with fleet.Rebalance,
// and every host receives set_workers with its new count.
func SetWorkersGlobally(ctx context.Context, rt *Runtime, args []string, kw Kwargs) error {
	if err := rt.Register(ctx); err != nil {
		return err
	}
	num, err := IntArg(args, kw, "num", 0)
	if err != nil {
		return err
	}
	if len(rt.Hosts) == 0 {
		return errors.New("set_workers_globally: no fleet hosts configured")
	}
	if rt.Remote == nil {
		return errors.New("set_workers_globally: no remote client")
	}

	hosts := make([]fleet.Host, len(rt.Hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range rt.Hosts {
		g.Go(func() error {
			info, err := rt.Remote(h).Info(gctx)
			if err != nil {
				return fmt.Errorf("info from %s: %w", h, err)
			}
			hosts[i] = fleet.Host{Name: h, Count: len(workers(info.Running))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("set_workers_globally: %w", err)
	}

	targets, err := fleet.Rebalance(hosts, num)
	if err != nil {
		return fmt.Errorf("set_workers_globally: %w", err)
	}
	rt.Logger.Info("set_workers_globally", "current", hosts, "target", targets)

	// Every host gets its count; set_workers is a no-op when nothing changes.
	var (
		mu   sync.Mutex
		errs []error
	)
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := client.RunTaskRequest{Cmd: "set_workers", Kwargs: map[string]any{"num": t.Count}}
			if err := rt.Remote(t.Name).RunTask(ctx, req); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("set_workers on %s: %w", t.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// workers extracts the worker task entries of a table.
func workers(ps []client.Process) []fleet.Worker {
	var out []fleet.Worker
	for _, p := range ps {
		if p.Cmd != fleet.WorkerTask {
			continue
		}
		name, _ := Kwargs(p.Kwargs).String("name", "")
		out = append(out, fleet.Worker{PID: p.PID, Name: name})
	}
	return out
}
