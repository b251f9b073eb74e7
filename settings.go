package mcpcage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/images"
	"github.com/everydev1618/mcpcage/proxy"
)

// Settings are the orchestrator's own knobs. They are read from an optional
// YAML file layered over DefaultSettings.
type Settings struct {
	EngineBinary string `yaml:"engine_binary"`
	Network      string `yaml:"network"`

	Tool     ToolSettings    `yaml:"tool"`
	Proxy    ProxySettings   `yaml:"proxy"`
	Timeouts TimeoutSettings `yaml:"timeouts"`
	Log      LogSettings     `yaml:"log"`
}

// ToolSettings describe the sandboxed tool container.
type ToolSettings struct {
	Image         string  `yaml:"image"`
	ContainerName string  `yaml:"container_name"`
	Memory        string  `yaml:"memory"`
	CPUs          float64 `yaml:"cpus"`
	Pids          int64   `yaml:"pids"`
	TmpSize       string  `yaml:"tmp_size"`
	UID           int     `yaml:"uid"`
	GID           int     `yaml:"gid"`
}

// ProxySettings describe the egress proxy container.
type ProxySettings struct {
	Image          string            `yaml:"image"`
	ContainerName  string            `yaml:"container_name"`
	BuildContext   string            `yaml:"build_context"`
	Dockerfile     string            `yaml:"dockerfile"`
	Port           int               `yaml:"port"`
	UID            int               `yaml:"uid"`
	GID            int               `yaml:"gid"`
	Mounts         []string          `yaml:"mounts"`
	MountSize      string            `yaml:"mount_size"`
	Memory         string            `yaml:"memory"`
	CPUs           float64           `yaml:"cpus"`
	Pids           int64             `yaml:"pids"`
	RestartRetries int               `yaml:"restart_retries"`
	ProbeCommand   []string          `yaml:"probe_command"`
	Readiness      ReadinessSettings `yaml:"readiness"`
}

// ReadinessSettings bound the proxy readiness wait.
type ReadinessSettings struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Policy   string        `yaml:"policy"`
}

// TimeoutSettings bound individual engine operations. Handshake bounds the
// MCP exchange of verify and Shutdown is how long verify waits for the
// sandbox to exit after closing its stdin before killing it.
type TimeoutSettings struct {
	Inspect   time.Duration `yaml:"inspect"`
	Pull      time.Duration `yaml:"pull"`
	Build     time.Duration `yaml:"build"`
	Probe     time.Duration `yaml:"probe"`
	Handshake time.Duration `yaml:"handshake"`
	Shutdown  time.Duration `yaml:"shutdown"`
}

// LogSettings configure the structured diagnostic channel.
type LogSettings struct {
	// File receives JSON records. Empty discards them; stderr only carries
	// prefixed lines.
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// DefaultSettings returns the built-in settings rooted at home.
func DefaultSettings(home string) Settings {
	return Settings{
		EngineBinary: container.DefaultBinary,
		Network:      "mcpcage-net",
		Tool: ToolSettings{
			Image:         "ghcr.io/sooperset/mcp-atlassian:0.11.9",
			ContainerName: "mcpcage-confluence",
			Memory:        "512m",
			CPUs:          1,
			Pids:          256,
			TmpSize:       "64m",
			UID:           1000,
			GID:           1000,
		},
		Proxy: ProxySettings{
			Image:          "mcpcage-proxy:1",
			ContainerName:  "mcpcage-proxy",
			BuildContext:   ProxyContextPath(home),
			Dockerfile:     "Dockerfile",
			Port:           3128,
			UID:            13,
			GID:            13,
			Mounts:         []string{"/var/cache/squid", "/var/log/squid", "/run"},
			MountSize:      "64m",
			Memory:         "256m",
			CPUs:           0.5,
			Pids:           128,
			RestartRetries: 5,
			Readiness: ReadinessSettings{
				Attempts: 10,
				Delay:    time.Second,
				Policy:   string(proxy.FailClosed),
			},
		},
		Timeouts: TimeoutSettings{
			Inspect:   30 * time.Second,
			Pull:      10 * time.Minute,
			Build:     10 * time.Minute,
			Probe:     5 * time.Second,
			Handshake: time.Minute,
			Shutdown:  10 * time.Second,
		},
		Log: LogSettings{Level: "info"},
	}
}

// LoadSettings reads path over DefaultSettings(home). A missing file is not
// an error when optional is true.
func LoadSettings(path, home string, optional bool) (Settings, error) {
	s := DefaultSettings(home)
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return Settings{}, fmt.Errorf("%w: read settings: %v", ErrConfigInvalid, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values that would otherwise fail later inside the engine.
func (s Settings) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if s.EngineBinary == "" {
		return invalid("engine_binary is empty")
	}
	if s.Network == "" {
		return invalid("network is empty")
	}
	if _, err := s.ToolRef(); err != nil {
		return invalid("tool.image: %v", err)
	}
	if _, err := s.ProxyRef(); err != nil {
		return invalid("proxy.image: %v", err)
	}
	for field, size := range map[string]string{
		"tool.memory":      s.Tool.Memory,
		"tool.tmp_size":    s.Tool.TmpSize,
		"proxy.memory":     s.Proxy.Memory,
		"proxy.mount_size": s.Proxy.MountSize,
	} {
		if _, err := units.RAMInBytes(size); err != nil {
			return invalid("%s %q: %v", field, size, err)
		}
	}
	if s.Proxy.Port <= 0 || s.Proxy.Port > 65535 {
		return invalid("proxy.port %d out of range", s.Proxy.Port)
	}
	if s.Proxy.Readiness.Attempts < 1 {
		return invalid("proxy.readiness.attempts must be at least 1")
	}
	if _, err := proxy.ParsePolicy(s.Proxy.Readiness.Policy); err != nil {
		return invalid("proxy.readiness.policy: %v", err)
	}
	for field, d := range map[string]time.Duration{
		"timeouts.inspect":   s.Timeouts.Inspect,
		"timeouts.pull":      s.Timeouts.Pull,
		"timeouts.build":     s.Timeouts.Build,
		"timeouts.probe":     s.Timeouts.Probe,
		"timeouts.handshake": s.Timeouts.Handshake,
		"timeouts.shutdown":  s.Timeouts.Shutdown,
	} {
		if d <= 0 {
			return invalid("%s must be positive", field)
		}
	}
	if s.Tool.ContainerName == s.Proxy.ContainerName {
		return invalid("tool and proxy container names must differ")
	}
	return nil
}

// ToolRef is the pinned tool image reference.
func (s Settings) ToolRef() (images.Ref, error) {
	return images.ParseRef(s.Tool.Image)
}

// ProxyRef is the pinned proxy image reference.
func (s Settings) ProxyRef() (images.Ref, error) {
	return images.ParseRef(s.Proxy.Image)
}

// ProxyConfig converts the proxy settings for proxy.NewManager.
func (s Settings) ProxyConfig(labels map[string]string) (proxy.Config, error) {
	ref, err := s.ProxyRef()
	if err != nil {
		return proxy.Config{}, err
	}
	policy, err := proxy.ParsePolicy(s.Proxy.Readiness.Policy)
	if err != nil {
		return proxy.Config{}, err
	}
	p := s.Proxy
	return proxy.Config{
		Name:              p.ContainerName,
		Image:             ref,
		BuildContext:      p.BuildContext,
		Dockerfile:        p.Dockerfile,
		Network:           s.Network,
		Port:              p.Port,
		UID:               p.UID,
		GID:               p.GID,
		Mounts:            p.Mounts,
		MountSize:         p.MountSize,
		Memory:            p.Memory,
		CPUs:              p.CPUs,
		PidsLimit:         p.Pids,
		RestartRetries:    p.RestartRetries,
		ProbeCommand:      p.ProbeCommand,
		ReadinessAttempts: p.Readiness.Attempts,
		ReadinessDelay:    p.Readiness.Delay,
		Policy:            policy,
		OpTimeout:         s.Timeouts.Inspect,
		BuildTimeout:      s.Timeouts.Build,
		ProbeTimeout:      s.Timeouts.Probe,
		Labels:            labels,
	}, nil
}
