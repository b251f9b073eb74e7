package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/everydev1618/mcpcage"
	"github.com/everydev1618/mcpcage/tools"
)

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sandbox and bridge it to stdin/stdout (default)",
		Args:  cobra.NoArgs,
		RunE:  a.runSession,
	}
}

func (a *app) runSession(cmd *cobra.Command, args []string) error {
	a.exitCode = 1

	// Registered before any engine work so no signal is lost between startup and spawn.
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	ctx := cmd.Context()
	orch, closeEngine, err := a.orchestrator(ctx, true)
	if err != nil {
		return err
	}
	defer closeEngine()

	a.warnIfTerminal()
	a.logger.Info("starting session", "session", orch.SessionID(), "version", version)

	code, err := orch.Run(ctx, signals)
	a.exitCode = code
	return err
}

func (a *app) toolsCommand() *cobra.Command {
	var write, all bool
	c := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool allow-list the sandbox would be started with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("write") {
				if raw := os.Getenv(mcpcage.EnvWriteEnabled); raw != "" {
					b, err := strconv.ParseBool(raw)
					if err != nil {
						return startupError(mcpcage.PhaseConfig, fmt.Errorf("%w: %s=%q", mcpcage.ErrConfigInvalid, mcpcage.EnvWriteEnabled, raw))
					}
					write = b
				}
			}

			allow := tools.Default.Allowlist(write)
			out := cmd.OutOrStdout()
			if !all {
				for _, name := range allow {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tTITLE\tCLASS\tENABLED")
			for _, class := range []tools.Class{tools.AlwaysEnabled, tools.OptIn, tools.Denied} {
				for _, name := range namesOf(class) {
					tool, err := tools.Default.Lookup(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", tool.Name, tool.Title, tool.Class, allow.Contains(tool.Name))
				}
			}
			return tw.Flush()
		},
	}
	c.Flags().BoolVar(&write, "write", false, "include write tools (default from "+mcpcage.EnvWriteEnabled+")")
	c.Flags().BoolVar(&all, "all", false, "list every known tool with its class")
	return c
}

func namesOf(class tools.Class) []string {
	switch class {
	case tools.AlwaysEnabled:
		return tools.Default.Always()
	case tools.OptIn:
		return tools.Default.OptIn()
	default:
		return tools.Default.Denylist()
	}
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove superseded tags of the tool and proxy images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeEngine, err := a.orchestrator(cmd.Context(), false)
			if err != nil {
				a.exitCode = 1
				return err
			}
			defer closeEngine()

			report, err := orch.Cleanup(cmd.Context())
			if err != nil {
				a.exitCode = 1
				return err
			}
			out := cmd.OutOrStdout()
			for _, tag := range report.Removed {
				fmt.Fprintf(out, "removed %s\n", tag)
			}
			for tag, ferr := range report.Failed {
				fmt.Fprintf(out, "failed  %s: %v\n", tag, ferr)
			}
			return nil
		},
	}
}

func (a *app) proxyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Ensure the egress proxy is running and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, closeEngine, err := a.orchestrator(cmd.Context(), false)
			if err != nil {
				a.exitCode = 1
				return err
			}
			defer closeEngine()

			status, err := orch.EnsureProxy(cmd.Context())
			if err != nil {
				a.exitCode = 1
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proxy %s (ready=%t, attempts=%d)\n", status.Outcome, status.Ready, status.Attempts)
			if !status.Ready {
				a.exitCode = 1
			}
			return nil
		},
	}
}

func (a *app) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Start the sandbox and check that it exposes only allow-listed tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = 1
			signals := make(chan os.Signal, 4)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(signals)

			orch, closeEngine, err := a.orchestrator(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeEngine()

			audit, err := orch.Verify(cmd.Context(), version, signals)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exposed %d tools\n", len(audit.Exposed))
			for _, name := range audit.Unexpected {
				fmt.Fprintf(out, "not allow-listed: %s\n", name)
			}
			if audit.OK() {
				a.exitCode = 0
			}
			return nil
		},
	}
}
