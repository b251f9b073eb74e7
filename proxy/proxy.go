// Package proxy brings up the persistent egress-filtering proxy container and
// the isolated network it shares with the sandboxed tool.
//
// The proxy itself is opaque: this package builds its image from a local
// directory, starts it with a hardened profile and probes a port inside it.
// It never interprets the filtering rules.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/images"
)

var (
	// ErrBuild is returned when the local proxy image cannot be built.
	ErrBuild = errors.New("proxy image build failed")

	// ErrStart is returned when the proxy container or its network cannot be started.
	ErrStart = errors.New("proxy start failed")

	// ErrNotReady is returned under FailClosed when the readiness probe never succeeds.
	ErrNotReady = errors.New("proxy did not become ready")
)

// ReadinessPolicy decides what happens when the proxy cannot be confirmed ready.
type ReadinessPolicy string

const (
	// FailClosed aborts startup when readiness cannot be confirmed.
	FailClosed ReadinessPolicy = "fail-closed"
	// FailOpen logs a warning and lets startup continue without confirmed filtering.
	FailOpen ReadinessPolicy = "fail-open"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (ReadinessPolicy, error) {
	switch ReadinessPolicy(s) {
	case FailClosed, FailOpen:
		return ReadinessPolicy(s), nil
	case "":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown readiness policy %q (want %q or %q)", s, FailClosed, FailOpen)
	}
}

// Outcome describes how EnsureReady left the proxy.
type Outcome int

const (
	// Reused means a running proxy was found and left untouched.
	Reused Outcome = iota
	// Started means a new proxy container was created.
	Started
)

func (o Outcome) String() string {
	if o == Reused {
		return "reused"
	}
	return "started"
}

// Status is the result of EnsureReady.
type Status struct {
	Outcome Outcome
	// Ready is false only when the probe was exhausted under FailOpen.
	Ready    bool
	Attempts int
}

// Config describes the proxy container.
type Config struct {
	Name         string
	Image        images.Ref
	BuildContext string
	Dockerfile   string
	Network      string
	Port         int

	// UID and GID of the proxy's unprivileged runtime user; writable mounts
	// are owned by them since the proxy cannot run as root.
	UID    int
	GID    int
	Mounts []string

	MountSize      string
	Memory         string
	CPUs           float64
	PidsLimit      int64
	RestartRetries int

	ProbeCommand      []string
	ReadinessAttempts int
	ReadinessDelay    time.Duration
	Policy            ReadinessPolicy

	OpTimeout    time.Duration
	BuildTimeout time.Duration
	ProbeTimeout time.Duration

	Labels map[string]string
}

// Address is the proxy URL reachable from containers on the shared network.
func (c Config) Address() string {
	return "http://" + c.Name + ":" + strconv.Itoa(c.Port)
}

func (c Config) probeCommand() []string {
	if len(c.ProbeCommand) > 0 {
		return c.ProbeCommand
	}
	return []string{"sh", "-c", "nc -z 127.0.0.1 " + strconv.Itoa(c.Port)}
}

// RunParams returns the typed parameters for the proxy container.
func (c Config) RunParams() container.RunParams {
	mounts := make([]container.Mount, 0, len(c.Mounts))
	for _, target := range c.Mounts {
		mounts = append(mounts, container.Mount{Target: target, Size: c.MountSize, UID: c.UID, GID: c.GID})
	}

	labels := map[string]string{container.LabelRole: "proxy"}
	for k, v := range c.Labels {
		labels[k] = v
	}

	return container.RunParams{
		Name:           c.Name,
		Image:          c.Image.String(),
		Network:        c.Network,
		Lifecycle:      container.Persistent,
		Security:       container.DefaultSecurityProfile(c.Memory, c.CPUs, c.PidsLimit, mounts...),
		User:           strconv.Itoa(c.UID) + ":" + strconv.Itoa(c.GID),
		Labels:         labels,
		RestartRetries: c.RestartRetries,
	}
}

// Manager owns the proxy lifecycle.
type Manager struct {
	engine container.Engine
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewManager creates a proxy manager.
func NewManager(engine container.Engine, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ReadinessAttempts <= 0 {
		cfg.ReadinessAttempts = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = FailClosed
	}
	return &Manager{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "proxy"),
		sleep:  sleepContext,
	}
}

// Config returns the manager's configuration with defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// EnsureReady reuses a running proxy or builds, starts and probes a new one.
func (m *Manager) EnsureReady(ctx context.Context) (Status, error) {
	st, err := m.inspect(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: inspect %s: %v", ErrStart, m.cfg.Name, err)
	}
	if st.Running {
		m.logger.Info("reusing running proxy", "container", m.cfg.Name, "image", st.Image)
		return Status{Outcome: Reused, Ready: true}, nil
	}

	if st.Exists {
		m.logger.Info("removing stopped proxy container", "container", m.cfg.Name)
		if err := m.withTimeout(ctx, m.cfg.OpTimeout, func(ctx context.Context) error {
			return m.engine.RemoveContainer(ctx, m.cfg.Name)
		}); err != nil {
			return Status{}, fmt.Errorf("%w: remove stale %s: %v", ErrStart, m.cfg.Name, err)
		}
	}

	if err := m.ensureImage(ctx); err != nil {
		return Status{}, err
	}

	if err := m.withTimeout(ctx, m.cfg.OpTimeout, func(ctx context.Context) error {
		return m.engine.EnsureNetwork(ctx, m.cfg.Network)
	}); err != nil {
		return Status{}, fmt.Errorf("%w: network %s: %v", ErrStart, m.cfg.Network, err)
	}

	params := m.cfg.RunParams()
	if err := m.withTimeout(ctx, m.cfg.OpTimeout, func(ctx context.Context) error {
		return m.engine.StartContainer(ctx, params)
	}); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrStart, err)
	}
	m.logger.Info("started proxy", "container", m.cfg.Name, "image", params.Image, "network", m.cfg.Network)

	attempts, ready := m.waitReady(ctx)
	status := Status{Outcome: Started, Ready: ready, Attempts: attempts}
	if ready {
		m.logger.Info("proxy ready", "attempts", attempts)
		return status, nil
	}
	if err := ctx.Err(); err != nil {
		return status, err
	}

	switch m.cfg.Policy {
	case FailOpen:
		m.logger.Warn("proxy readiness not confirmed, continuing (fail-open policy)",
			"attempts", attempts, "address", m.cfg.Address())
		return status, nil
	default:
		return status, fmt.Errorf("%w: %s not reachable on port %d after %d attempts",
			ErrNotReady, m.cfg.Name, m.cfg.Port, attempts)
	}
}

func (m *Manager) inspect(ctx context.Context) (container.State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()
	return m.engine.InspectContainer(ctx, m.cfg.Name)
}

// ensureImage builds the proxy image from the local definition. It is never
// pulled from a registry.
func (m *Manager) ensureImage(ctx context.Context) error {
	ref := m.cfg.Image.String()

	existsCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	exists := m.engine.ImageExists(existsCtx, ref)
	cancel()
	if exists {
		return nil
	}

	if m.cfg.BuildContext == "" {
		return fmt.Errorf("%w: %s is not present and no build context is configured", ErrBuild, ref)
	}

	m.logger.Info("building proxy image", "image", ref, "context", m.cfg.BuildContext)
	err := m.withTimeout(ctx, m.cfg.BuildTimeout, func(ctx context.Context) error {
		return m.engine.BuildImage(ctx, container.BuildOptions{
			ContextDir: m.cfg.BuildContext,
			Dockerfile: m.cfg.Dockerfile,
			Tag:        ref,
			Labels:     map[string]string{container.LabelRole: "proxy"},
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrBuild, ref, m.cfg.BuildContext, err)
	}
	return nil
}

// waitReady polls the probe with a fixed delay between attempts.
func (m *Manager) waitReady(ctx context.Context) (int, bool) {
	cmd := m.cfg.probeCommand()
	for attempt := 1; attempt <= m.cfg.ReadinessAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		code, err := m.engine.ExecProbe(probeCtx, m.cfg.Name, cmd)
		cancel()
		if err == nil && code == 0 {
			return attempt, true
		}
		m.logger.Debug("proxy not ready", "attempt", attempt, "exit_code", code, "error", err)

		if attempt == m.cfg.ReadinessAttempts {
			return attempt, false
		}
		if err := m.sleep(ctx, m.cfg.ReadinessDelay); err != nil {
			return attempt, false
		}
	}
	return m.cfg.ReadinessAttempts, false
}

func (m *Manager) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
