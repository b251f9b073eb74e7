// Package mcpcage runs a Model Context Protocol tool server inside a
// locked-down container and bridges it to the caller's stdin and stdout.
//
// The sandbox has no direct network access. Its only path out is an
// egress proxy container on a dedicated network, which is built, started
// and probed before the tool server is spawned.
//
// # Quick Start
//
//	engine, err := container.NewDocker(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	cfg, err := mcpcage.LoadConfig(os.Getenv)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	settings := mcpcage.DefaultSettings(mcpcage.Home())
//
//	orch, err := mcpcage.New(engine, cfg, settings, diag.New(diag.Options{Raw: os.Stderr}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, err := orch.Run(ctx, signals)
//
// # Startup
//
// Run performs these steps in order and aborts on the first fatal one:
//
//   - remove a stale tool container left by an earlier session
//   - pull the pinned tool image if it is missing
//   - remove superseded tags of tracked images (failures are logged only)
//   - ensure the egress proxy is running and answering its probe
//   - compose the tool allow-list from the catalog and the write flag
//   - spawn the tool container attached to stdio
//
// Every fatal error is a *StartupError naming the phase that failed.
//
// # Signals
//
// Interrupt, terminate and hangup signals received while the sandbox runs
// are forwarded to it exactly once each. The process exit code is the
// sandbox's own, or 128 plus the signal number when it was killed.
//
// # Credentials
//
// Credential values never appear on the engine command line. The launcher
// passes variable names only and the values travel through the engine
// CLI's environment.
package mcpcage
