package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loykin/agentd/internal/config"
	"github.com/loykin/agentd/internal/env"
	"github.com/loykin/agentd/internal/logger"
	"github.com/loykin/agentd/internal/task"
)

// runTask runs one task in the current process and returns its exit code.
// The daemon exports its config path in AGENTD_CONFIG so children see the
// same settings without extra flags.
func runTask(ctx context.Context, f *TaskFlags, name string) int {
	path := f.ConfigPath
	if path == "" {
		path = os.Getenv(env.ConfigVar)
	}
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 2
	}

	// stderr is captured line by line into the daemon log, so the child
	// never writes the log file itself.
	lc := cfg.Log
	lc.File = logger.FileConfig{}
	lc.Color = false
	lc.Quiet = false
	log, _, err := logger.New(lc)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		return 2
	}

	if ctx == nil {
		ctx = context.Background()
	}
	rt := task.NewRuntime(cfg, log)
	return task.Main(ctx, task.Builtin(), name, f.Args, f.Kwargs, rt)
}
