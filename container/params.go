package container

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
)

// Lifecycle describes how long a container outlives the invocation that started it.
type Lifecycle int

const (
	// Ephemeral containers are removed on exit and recreated every invocation.
	Ephemeral Lifecycle = iota
	// Persistent containers restart on failure and are reused across invocations.
	Persistent
)

func (l Lifecycle) String() string {
	switch l {
	case Ephemeral:
		return "ephemeral"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Mount is a writable tmpfs mount. Every mount is noexec and nosuid.
type Mount struct {
	Target string `validate:"required,startswith=/"`
	Size   string `validate:"required"`
	UID    int    `validate:"gte=0"`
	GID    int    `validate:"gte=0"`
}

// options renders the tmpfs option string understood by both the CLI and the API.
func (m Mount) options() string {
	return fmt.Sprintf("rw,noexec,nosuid,size=%s,uid=%d,gid=%d", m.Size, m.UID, m.GID)
}

// SecurityProfile is the hardening applied to every container. All fields
// are mandatory; Validate rejects a profile with any of them unset.
type SecurityProfile struct {
	DropAllCapabilities bool    `validate:"required"`
	NoNewPrivileges     bool    `validate:"required"`
	ReadOnlyRootfs      bool    `validate:"required"`
	Mounts              []Mount `validate:"required,min=1,dive"`
	Memory              string  `validate:"required"`
	CPUs                float64 `validate:"gt=0"`
	PidsLimit           int64   `validate:"gt=0"`
}

// DefaultSecurityProfile returns a fully populated profile.
func DefaultSecurityProfile(memory string, cpus float64, pids int64, mounts ...Mount) SecurityProfile {
	return SecurityProfile{
		DropAllCapabilities: true,
		NoNewPrivileges:     true,
		ReadOnlyRootfs:      true,
		Mounts:              mounts,
		Memory:              memory,
		CPUs:                cpus,
		PidsLimit:           pids,
	}
}

// EnvVar is a single environment entry. Values never appear on the command line.
type EnvVar struct {
	Name  string `validate:"required"`
	Value string
}

// RunParams is the typed description of a container to start.
type RunParams struct {
	Name      string          `validate:"required"`
	Image     string          `validate:"required"`
	Network   string          `validate:"required"`
	Lifecycle Lifecycle
	Security  SecurityProfile
	User      string
	Env       []EnvVar `validate:"dive"`
	Labels    map[string]string
	Cmd       []string

	// RestartRetries bounds on-failure restarts for persistent containers.
	RestartRetries int `validate:"gte=0"`
}

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)
	envPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	reservedNames = map[string]bool{"host": true, "none": true, "bridge": true, "default": true}
)

// Validate checks p before it is serialized into engine arguments.
func (p RunParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid run params for %q: %w", p.Name, err)
	}
	if !namePattern.MatchString(p.Name) {
		return fmt.Errorf("invalid container name %q", p.Name)
	}
	if reservedNames[p.Network] {
		return fmt.Errorf("container %s: network %q is not an isolated network", p.Name, p.Network)
	}
	if _, err := units.RAMInBytes(p.Security.Memory); err != nil {
		return fmt.Errorf("container %s: memory %q: %w", p.Name, p.Security.Memory, err)
	}
	seen := make(map[string]bool, len(p.Security.Mounts))
	for _, m := range p.Security.Mounts {
		if _, err := units.RAMInBytes(m.Size); err != nil {
			return fmt.Errorf("container %s: tmpfs %s size %q: %w", p.Name, m.Target, m.Size, err)
		}
		if seen[m.Target] {
			return fmt.Errorf("container %s: duplicate mount %s", p.Name, m.Target)
		}
		seen[m.Target] = true
	}
	for _, e := range p.Env {
		if !envPattern.MatchString(e.Name) {
			return fmt.Errorf("container %s: invalid environment name %q", p.Name, e.Name)
		}
	}
	return nil
}

// Environ returns NAME=value pairs for the process that runs the engine CLI.
func (p RunParams) Environ() []string {
	out := make([]string, 0, len(p.Env))
	for _, e := range p.Env {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}

// Args serializes p into a "run" invocation of the engine CLI. Environment
// values are passed by name only and resolved from the CLI's own environment.
func (p RunParams) Args() ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	args := []string{"run", "--name", p.Name, "--network", p.Network}
	switch p.Lifecycle {
	case Ephemeral:
		args = append(args, "--rm", "-i")
	case Persistent:
		args = append(args, "-d", "--restart", "on-failure:"+strconv.Itoa(p.RestartRetries))
	}

	sec := p.Security
	args = append(args,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--memory", sec.Memory,
		"--cpus", strconv.FormatFloat(sec.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.FormatInt(sec.PidsLimit, 10),
	)
	for _, m := range sec.Mounts {
		args = append(args, "--tmpfs", m.Target+":"+m.options())
	}
	if p.User != "" {
		args = append(args, "--user", p.User)
	}
	for _, k := range sortedKeys(p.Labels) {
		args = append(args, "--label", k+"="+p.Labels[k])
	}
	for _, e := range p.Env {
		args = append(args, "-e", e.Name)
	}

	args = append(args, p.Image)
	args = append(args, p.Cmd...)
	return args, nil
}

// configs converts p into Docker API create structs.
func (p RunParams) configs() (*container.Config, *container.HostConfig, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	memory, _ := units.RAMInBytes(p.Security.Memory)
	pids := p.Security.PidsLimit

	tmpfs := make(map[string]string, len(p.Security.Mounts))
	for _, m := range p.Security.Mounts {
		tmpfs[m.Target] = m.options()
	}

	cfg := &container.Config{
		Image:  p.Image,
		Env:    p.Environ(),
		Labels: p.Labels,
		User:   p.User,
	}
	if len(p.Cmd) > 0 {
		cfg.Cmd = p.Cmd
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(p.Network),
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          tmpfs,
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  int64(math.Round(p.Security.CPUs * 1e9)),
			PidsLimit: &pids,
		},
	}
	switch p.Lifecycle {
	case Ephemeral:
		hostCfg.AutoRemove = true
	case Persistent:
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: p.RestartRetries,
		}
	}
	return cfg, hostCfg, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders p for diagnostics with environment values redacted.
func (p RunParams) String() string {
	names := make([]string, 0, len(p.Env))
	for _, e := range p.Env {
		names = append(names, e.Name)
	}
	return fmt.Sprintf("%s (%s, image=%s, network=%s, env=[%s])",
		p.Name, p.Lifecycle, p.Image, p.Network, strings.Join(names, ","))
}
