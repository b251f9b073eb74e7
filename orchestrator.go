package mcpcage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/images"
	"github.com/everydev1618/mcpcage/internal/diag"
	"github.com/everydev1618/mcpcage/mcp"
	"github.com/everydev1618/mcpcage/proxy"
	"github.com/everydev1618/mcpcage/tools"
)

// Orchestrator prepares the sandbox and runs one session through it.
type Orchestrator struct {
	engine   container.Engine
	cfg      Config
	settings Settings
	catalog  *tools.Catalog
	images   *images.Manager
	proxy    *proxy.Manager
	logger   *diag.Logger
	session  string

	stdin  io.Reader
	stdout io.Writer

	toolRef  images.Ref
	proxyRef images.Ref
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCatalog sets the tool catalog. Defaults to tools.Default.
func WithCatalog(c *tools.Catalog) OrchestratorOption {
	return func(o *Orchestrator) {
		o.catalog = c
	}
}

// WithStdio sets the host streams bridged to the sandbox.
func WithStdio(in io.Reader, out io.Writer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.stdin = in
		o.stdout = out
	}
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.session = id
	}
}

// Launch is the outcome of Prepare.
type Launch struct {
	Params    container.RunParams
	Allowlist tools.Allowlist
	Proxy     proxy.Status
}

// New creates an orchestrator. cfg and settings must already be validated.
func New(engine container.Engine, cfg Config, settings Settings, logger *diag.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		engine:   engine,
		cfg:      cfg,
		settings: settings,
		catalog:  tools.Default,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.session == "" {
		o.session = uuid.NewString()
	}
	if logger == nil {
		logger = diag.New(diag.Options{Raw: os.Stderr})
	}
	o.logger = logger.With("session", o.session)

	var err error
	if o.toolRef, err = settings.ToolRef(); err != nil {
		return nil, fail(PhaseConfig, fmt.Errorf("%w: tool image: %v", ErrConfigInvalid, err))
	}
	if o.proxyRef, err = settings.ProxyRef(); err != nil {
		return nil, fail(PhaseConfig, fmt.Errorf("%w: proxy image: %v", ErrConfigInvalid, err))
	}
	proxyCfg, err := settings.ProxyConfig(sessionLabels(o.session, "proxy"))
	if err != nil {
		return nil, fail(PhaseConfig, fmt.Errorf("%w: proxy: %v", ErrConfigInvalid, err))
	}

	o.images = images.NewManager(engine,
		images.WithLogger(o.logger.Logger),
		images.WithTimeouts(settings.Timeouts.Inspect, settings.Timeouts.Pull),
	)
	o.proxy = proxy.NewManager(engine, proxyCfg, o.logger.Logger)
	return o, nil
}

// SessionID returns the id attached to this invocation's containers and logs.
func (o *Orchestrator) SessionID() string {
	return o.session
}

// Allowlist returns the tool allow-list for the configured write mode.
func (o *Orchestrator) Allowlist() tools.Allowlist {
	return o.catalog.Allowlist(o.cfg.WriteEnabled)
}

// Prepare runs every startup step up to, but not including, the spawn:
// stale container removal, tool image, image cleanup, proxy readiness and
// allow-list composition. Steps run strictly in that order.
func (o *Orchestrator) Prepare(ctx context.Context) (Launch, error) {
	name := o.settings.Tool.ContainerName

	o.logger.Info("removing stale tool container", "container", name)
	rmCtx, cancel := context.WithTimeout(ctx, o.settings.Timeouts.Inspect)
	err := o.engine.RemoveContainer(rmCtx, name)
	cancel()
	if err != nil {
		return Launch{}, fail(PhaseSpawn, fmt.Errorf("%w: remove stale container %s: %v", ErrSpawn, name, err))
	}

	if err := o.images.Ensure(ctx, o.toolRef); err != nil {
		return Launch{}, fail(PhaseImage, fmt.Errorf("%w: %v", ErrImagePull, err))
	}

	tracked, err := images.NewTracked(o.toolRef, o.proxyRef)
	if err != nil {
		o.logger.Warn("image cleanup skipped", "error", err)
	} else {
		report := o.images.Cleanup(ctx, tracked)
		if len(report.Removed) > 0 || len(report.Failed) > 0 {
			o.logger.Info("image cleanup finished", "removed", len(report.Removed), "failed", len(report.Failed))
		}
	}

	status, err := o.proxy.EnsureReady(ctx)
	if err != nil {
		return Launch{}, fail(PhaseProxy, err)
	}

	allow := o.Allowlist()
	o.logger.Info("tool allow-list composed", "tools", len(allow), "write_enabled", o.cfg.WriteEnabled)

	params := ToolParams(LaunchRequest{
		Config:    o.cfg,
		Settings:  o.settings,
		Allowlist: allow,
		ProxyAddr: o.proxy.Config().Address(),
		SessionID: o.session,
	})
	if err := params.Validate(); err != nil {
		return Launch{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}

	return Launch{Params: params, Allowlist: allow, Proxy: status}, nil
}

// Run prepares the sandbox and bridges the session until the sandboxed
// process exits. A signal received before the spawn aborts startup; after
// the spawn, signals are forwarded to the process.
func (o *Orchestrator) Run(ctx context.Context, signals <-chan os.Signal) (int, error) {
	launch, err := o.prepareInterruptible(ctx, signals)
	if err != nil {
		return 1, err
	}

	cmd, err := o.engine.Command(launch.Params)
	if err != nil {
		return 1, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	o.logger.Info("launching sandbox", "params", launch.Params.String())

	return NewSession(cmd, o.logger, o.stdin, o.stdout).Run(signals)
}

func (o *Orchestrator) prepareInterruptible(ctx context.Context, signals <-chan os.Signal) (Launch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	watched := make(chan struct{})
	var interrupted os.Signal
	go func() {
		defer close(watched)
		select {
		case sig, ok := <-signals:
			if ok {
				interrupted = sig
				cancel()
			}
		case <-stop:
		}
	}()

	launch, err := o.Prepare(ctx)
	close(stop)
	<-watched

	if interrupted != nil {
		o.logger.Warn("startup interrupted", "signal", signalName(interrupted))
		return Launch{}, fail(PhaseSpawn, fmt.Errorf("%w: interrupted by %s before spawn", ErrSpawn, signalName(interrupted)))
	}
	return launch, err
}

// EnsureProxy makes sure the proxy is running and ready without launching a session.
func (o *Orchestrator) EnsureProxy(ctx context.Context) (proxy.Status, error) {
	status, err := o.proxy.EnsureReady(ctx)
	if err != nil {
		return status, fail(PhaseProxy, err)
	}
	return status, nil
}

// Cleanup removes superseded tags of the tool and proxy images.
func (o *Orchestrator) Cleanup(ctx context.Context) (images.CleanupReport, error) {
	tracked, err := images.NewTracked(o.toolRef, o.proxyRef)
	if err != nil {
		return images.CleanupReport{}, fail(PhaseImage, err)
	}
	return o.images.Cleanup(ctx, tracked), nil
}

// Verify launches the sandbox, asks the tool server for its tool list over
// its stdio and compares it with the allow-list. The exchange is bounded by
// the handshake timeout and host signals are forwarded to the sandbox as in
// Run. Afterwards the server's stdin is closed; a server that outlives the
// shutdown timeout is killed.
func (o *Orchestrator) Verify(ctx context.Context, version string, signals <-chan os.Signal) (mcp.Audit, error) {
	launch, err := o.Prepare(ctx)
	if err != nil {
		return mcp.Audit{}, err
	}

	cmd, err := o.engine.Command(launch.Params)
	if err != nil {
		return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	setProcessGroup(cmd)
	childIn, err := cmd.StdinPipe()
	if err != nil {
		return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	childErr, err := cmd.StderrPipe()
	if err != nil {
		return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %s not found on PATH", ErrEngineNotFound, cmd.Path))
		}
		return mcp.Audit{}, fail(PhaseSpawn, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	o.logger.Info("sandbox started for verification", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(childErr)
		scanner.Buffer(make([]byte, 64*1024), maxStderrLine)
		for scanner.Scan() {
			o.logger.Sandbox(scanner.Text())
		}
	}()

	hsCtx, cancel := context.WithTimeout(ctx, o.settings.Timeouts.Handshake)
	defer cancel()

	exited := make(chan struct{})
	forwarding := make(chan struct{})
	go func() {
		defer close(forwarding)
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					signals = nil
					continue
				}
				o.logger.Info("forwarding signal to sandbox", "signal", signalName(sig))
				if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
					o.logger.Warn("signal forward failed", "signal", signalName(sig), "error", err)
				}
				cancel()
			case <-exited:
				return
			}
		}
	}()

	audit, auditErr := mcp.AuditServer(hsCtx, mcp.NewStreamTransport(childOut, childIn), launch.Allowlist, version)
	timedOut := errors.Is(hsCtx.Err(), context.DeadlineExceeded)
	childIn.Close()
	if auditErr != nil {
		o.logger.Warn("handshake failed, interrupting sandbox", "error", auditErr, "timed_out", timedOut)
		if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			o.logger.Warn("interrupt failed", "error", err)
		}
	}

	kill := time.AfterFunc(o.settings.Timeouts.Shutdown, func() {
		o.logger.Warn("sandbox still running after verification, killing it", "timeout", o.settings.Timeouts.Shutdown)
		cmd.Process.Kill()
	})
	wg.Wait()
	waitErr := cmd.Wait()
	kill.Stop()
	close(exited)
	<-forwarding
	if waitErr != nil {
		o.logger.Warn("sandbox exited abnormally after verification", "error", waitErr)
	}

	if auditErr != nil {
		if timedOut {
			return mcp.Audit{}, fmt.Errorf("verify: no answer within %s: %w", o.settings.Timeouts.Handshake, auditErr)
		}
		return mcp.Audit{}, fmt.Errorf("verify: %w", auditErr)
	}
	return audit, nil
}
