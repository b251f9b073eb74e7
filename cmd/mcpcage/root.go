package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/everydev1618/mcpcage"
	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/internal/diag"
)

// app carries state shared by all commands.
type app struct {
	logger   *diag.Logger
	stderr   io.Writer
	settings mcpcage.Settings
	logFile  io.Closer

	settingsPath string
	logLevel     string
	engineBinary string

	exitCode int
}

func (a *app) execute(args []string) (int, error) {
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.Execute()
	if a.logFile != nil {
		a.logFile.Close()
	}
	return a.exitCode, err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpcage",
		Short: "Run an MCP tool server in a locked-down container",
		Long: "mcpcage launches a Model Context Protocol tool server inside a hardened container " +
			"whose only network path is a filtering egress proxy, and bridges it to stdin/stdout.",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.configure,
		RunE:              a.runSession,
	}

	root.PersistentFlags().StringVar(&a.settingsPath, "settings", "", "settings file (default $MCPCAGE_SETTINGS or ~/.mcpcage/settings.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.engineBinary, "engine", "", "container engine CLI (overrides engine_binary)")

	root.AddCommand(
		a.runCommand(),
		a.toolsCommand(),
		a.cleanupCommand(),
		a.proxyCommand(),
		a.verifyCommand(),
		versionCommand(),
	)
	return root
}

// configure loads settings and rebuilds the diagnostic logger from them.
// The logger is replaced in place so the top-level error boundary reports
// through the configured channels too. Stderr only ever carries prefixed
// lines; JSON records go to log.file when one is set.
func (a *app) configure(cmd *cobra.Command, args []string) error {
	path, optional := a.settingsPath, false
	if path == "" {
		path, optional = mcpcage.DefaultSettingsPath(), true
	}
	settings, err := mcpcage.LoadSettings(path, mcpcage.Home(), optional)
	if err != nil {
		return startupError(mcpcage.PhaseConfig, err)
	}
	if a.engineBinary != "" {
		settings.EngineBinary = a.engineBinary
	}
	if a.logLevel != "" {
		settings.Log.Level = a.logLevel
	}
	a.settings = settings

	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.Log.Level)); err != nil {
		return startupError(mcpcage.PhaseConfig, fmt.Errorf("%w: log level %q", mcpcage.ErrConfigInvalid, settings.Log.Level))
	}

	var structured io.Writer
	if settings.Log.File != "" {
		f, err := os.OpenFile(settings.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return startupError(mcpcage.PhaseConfig, fmt.Errorf("%w: open log file: %v", mcpcage.ErrConfigInvalid, err))
		}
		a.logFile = f
		structured = f
	}

	stderr := a.stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	*a.logger = *diag.New(diag.Options{Raw: stderr, Structured: structured, Level: level})
	return nil
}

// openEngine checks that the engine CLI is installed and its daemon answers.
func (a *app) openEngine(ctx context.Context) (*container.Docker, error) {
	if _, err := container.LookupBinary(a.settings.EngineBinary); err != nil {
		return nil, startupError(mcpcage.PhaseEngine, fmt.Errorf("%w: %v", mcpcage.ErrEngineNotFound, err))
	}
	engine, err := container.NewDocker(ctx, container.WithBinary(a.settings.EngineBinary))
	if err != nil {
		return nil, startupError(mcpcage.PhaseEngine, fmt.Errorf("%w: %v", mcpcage.ErrEngineUnavailable, err))
	}
	return engine, nil
}

// orchestrator loads credentials when required and builds an Orchestrator.
func (a *app) orchestrator(ctx context.Context, needCredentials bool) (*mcpcage.Orchestrator, func(), error) {
	var cfg mcpcage.Config
	if needCredentials {
		var err error
		if cfg, err = mcpcage.LoadConfig(os.Getenv); err != nil {
			return nil, nil, startupError(mcpcage.PhaseConfig, err)
		}
	}

	engine, err := a.openEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	orch, err := mcpcage.New(engine, cfg, a.settings, a.logger)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	return orch, func() { engine.Close() }, nil
}

func startupError(phase mcpcage.Phase, err error) error {
	return pkgerrors.WithStack(&mcpcage.StartupError{Phase: phase, Err: err})
}

// warnIfTerminal flags interactive use; the message stream expects a client program.
func (a *app) warnIfTerminal() {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		a.logger.Warn("stdin is a terminal; mcpcage expects an MCP client on stdin/stdout")
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Printing the version needs no settings.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpcage %s\n", version)
		},
	}
}
