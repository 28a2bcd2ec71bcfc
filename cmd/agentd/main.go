package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags)
	cmd := &command{global: globalFlags, client: clientFlags, out: os.Stdout}

	root.AddCommand(
		createServeCommand(globalFlags),
		createTaskCommand(globalFlags),
		createHealthCommand(cmd),
		createInfoCommand(cmd),
		createRunTaskCommand(cmd),
		createEchoCommand(cmd),
		createPIDCommand(cmd, "register", "Move a waiting process to running", (*command).Register),
		createPIDCommand(cmd, "unlink", "Remove a running process from the registry", (*command).Unlink),
		createPIDCommand(cmd, "stop-process", "SIGTERM a running process and unlink it", (*command).StopProcess),
		createPIDCommand(cmd, "kill-waiting", "SIGTERM a waiting process and drop it", (*command).KillWaiting),
		createShutdownCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Lightweight process supervisor daemon",
		Long: `agentd spawns task processes on behalf of remote callers, tracks them
through a waiting -> running registration protocol and keeps a fleet of
worker processes balanced across hosts.

Examples:
  agentd serve config.toml          # Start daemon
  agentd info                       # Show waiting and running processes
  agentd run-task worker --kwargs '{"name":"abcdefghijklmnop"}'
  agentd shutdown                   # Stop the daemon through its socket`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the agentd daemon",
		Long: `Start the daemon: open the registry, listen on the public TCP channel and
on the privileged unix socket, and serve commands until "stop" or a signal.

Examples:
  agentd serve                      # Defaults, overridable with AGENTD_* variables
  agentd serve config.toml          # Start with specific config file
  agentd serve --daemonize --pidfile run/agentd.pid --logfile run/agentd.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file (overrides [server].pidfile)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

// createTaskCommand is the entry point of spawned children. It is hidden
// because only the daemon launches it.
func createTaskCommand(globalFlags *GlobalFlags) *cobra.Command {
	taskFlags := &TaskFlags{}

	cmd := &cobra.Command{
		Use:    "task <name>",
		Short:  "Run a task in this process (used by the daemon)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskFlags.ConfigPath = globalFlags.ConfigPath
			code := runTask(cmd.Context(), taskFlags, args[0])
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFlags.Args, "args", "[]", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&taskFlags.Kwargs, "kwargs", "{}", "keyword arguments as a JSON object")
	return cmd
}

func addPublicFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.URL, "url", "", "public base URL of the daemon (default from config)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", defaultTimeout, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an https daemon")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

func addSocketFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.Socket, "socket", "", "privileged unix socket of the daemon (default from config)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", defaultTimeout, "request timeout")
}

func createHealthCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Health(cmd.Context())
		},
	}
	addPublicFlags(cmd, c.client)
	return cmd
}

func createInfoCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show waiting and running processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Info(cmd.Context())
		},
	}
	addPublicFlags(cmd, c.client)
	return cmd
}

func createRunTaskCommand(c *command) *cobra.Command {
	f := &RunTaskFlags{}
	cmd := &cobra.Command{
		Use:   "run-task <cmd> [args...]",
		Short: "Ask the daemon to spawn a task",
		Long: `Ask the daemon to spawn a task. The daemon acknowledges every request;
unknown tasks and launch failures only show up in its log.

Examples:
  agentd run-task sleep 5
  agentd run-task exec --kwargs '{"command":"echo hi"}'
  agentd run-task set_workers_globally --kwargs '{"num":6}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RunTask(cmd.Context(), args[0], args[1:], f.Kwargs)
		},
	}
	addPublicFlags(cmd, c.client)
	cmd.Flags().StringVar(&f.Kwargs, "kwargs", "", "keyword arguments as a JSON object")
	return cmd
}

func createEchoCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo <msg>",
		Short: "Round-trip a message through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Echo(cmd.Context(), args[0])
		},
	}
	addPublicFlags(cmd, c.client)
	return cmd
}

// createPIDCommand builds one of the privileged per-pid commands.
func createPIDCommand(c *command, use, short string, run func(*command, context.Context, int) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <pid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return run(c, cmd.Context(), pid)
		},
	}
	addSocketFlags(cmd, c.client)
	return cmd
}

func createShutdownCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the daemon through its privileged socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Shutdown(cmd.Context())
		},
	}
	addSocketFlags(cmd, c.client)
	return cmd
}
