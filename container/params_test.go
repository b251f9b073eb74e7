package container

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func testParams() RunParams {
	return RunParams{
		Name:      "mcpcage-confluence",
		Image:     "ghcr.io/sooperset/mcp-atlassian:0.11.9",
		Network:   "mcpcage-net",
		Lifecycle: Ephemeral,
		Security: DefaultSecurityProfile("512m", 1, 128, Mount{
			Target: "/tmp", Size: "64m", UID: 1000, GID: 1000,
		}),
		Env: []EnvVar{
			{Name: "CONFLUENCE_API_TOKEN", Value: "s3cret"},
			{Name: "ENABLED_TOOLS", Value: "confluence_search"},
		},
		Labels: map[string]string{LabelRole: "tool", LabelSession: "abc"},
	}
}

func TestRunParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *RunParams)
		ok     bool
	}{
		{"complete", func(p *RunParams) {}, true},
		{"missing name", func(p *RunParams) { p.Name = "" }, false},
		{"bad name", func(p *RunParams) { p.Name = "-bad name" }, false},
		{"missing network", func(p *RunParams) { p.Network = "" }, false},
		{"host network", func(p *RunParams) { p.Network = "host" }, false},
		{"capabilities kept", func(p *RunParams) { p.Security.DropAllCapabilities = false }, false},
		{"privilege escalation", func(p *RunParams) { p.Security.NoNewPrivileges = false }, false},
		{"writable root", func(p *RunParams) { p.Security.ReadOnlyRootfs = false }, false},
		{"no mounts", func(p *RunParams) { p.Security.Mounts = nil }, false},
		{"relative mount", func(p *RunParams) { p.Security.Mounts[0].Target = "tmp" }, false},
		{"bad mount size", func(p *RunParams) { p.Security.Mounts[0].Size = "lots" }, false},
		{"no memory", func(p *RunParams) { p.Security.Memory = "" }, false},
		{"bad memory", func(p *RunParams) { p.Security.Memory = "big" }, false},
		{"no cpu", func(p *RunParams) { p.Security.CPUs = 0 }, false},
		{"no pids limit", func(p *RunParams) { p.Security.PidsLimit = 0 }, false},
		{"bad env name", func(p *RunParams) { p.Env = append(p.Env, EnvVar{Name: "A-B"}) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			p.Security.Mounts = slices.Clone(p.Security.Mounts)
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestRunParamsArgsEphemeral(t *testing.T) {
	args, err := testParams().Args()
	if err != nil {
		t.Fatalf("Args() error: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"run --name mcpcage-confluence --network mcpcage-net --rm -i",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--read-only",
		"--memory 512m",
		"--cpus 1",
		"--pids-limit 128",
		"--tmpfs /tmp:rw,noexec,nosuid,size=64m,uid=1000,gid=1000",
		"--label mcpcage.role=tool",
		"-e CONFLUENCE_API_TOKEN",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q\n got: %s", want, joined)
		}
	}

	if strings.Contains(joined, "s3cret") {
		t.Error("environment value leaked into command line")
	}
	if args[len(args)-1] != "ghcr.io/sooperset/mcp-atlassian:0.11.9" {
		t.Errorf("last arg = %q, want image", args[len(args)-1])
	}
}

func TestRunParamsArgsPersistent(t *testing.T) {
	p := testParams()
	p.Lifecycle = Persistent
	p.RestartRetries = 5
	p.Cmd = []string{"squid", "-N"}

	args, err := p.Args()
	if err != nil {
		t.Fatalf("Args() error: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-d --restart on-failure:5") {
		t.Errorf("persistent flags missing: %s", joined)
	}
	if strings.Contains(joined, "--rm") {
		t.Error("persistent container must not be auto-removed")
	}
	if !strings.HasSuffix(joined, "squid -N") {
		t.Errorf("command not appended: %s", joined)
	}
}

func TestRunParamsArgsRejectsInvalid(t *testing.T) {
	p := testParams()
	p.Security.ReadOnlyRootfs = false
	if _, err := p.Args(); err == nil {
		t.Fatal("Args() should refuse a partial security profile")
	}
}

func TestRunParamsConfigs(t *testing.T) {
	p := testParams()
	p.Lifecycle = Persistent
	p.RestartRetries = 3

	cfg, hostCfg, err := p.configs()
	if err != nil {
		t.Fatalf("configs() error: %v", err)
	}
	if cfg.Image != p.Image {
		t.Errorf("Image = %q", cfg.Image)
	}
	if !slices.Contains(cfg.Env, "CONFLUENCE_API_TOKEN=s3cret") {
		t.Errorf("Env = %v", cfg.Env)
	}
	if !hostCfg.ReadonlyRootfs {
		t.Error("ReadonlyRootfs not set")
	}
	if len(hostCfg.CapDrop) != 1 || hostCfg.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v", hostCfg.CapDrop)
	}
	if hostCfg.Memory != 512*1024*1024 {
		t.Errorf("Memory = %d", hostCfg.Memory)
	}
	if hostCfg.NanoCPUs != 1e9 {
		t.Errorf("NanoCPUs = %d", hostCfg.NanoCPUs)
	}
	if got := hostCfg.Tmpfs["/tmp"]; got != "rw,noexec,nosuid,size=64m,uid=1000,gid=1000" {
		t.Errorf("Tmpfs[/tmp] = %q", got)
	}
	if hostCfg.RestartPolicy.MaximumRetryCount != 3 || string(hostCfg.RestartPolicy.Name) != "on-failure" {
		t.Errorf("RestartPolicy = %+v", hostCfg.RestartPolicy)
	}
	if hostCfg.AutoRemove {
		t.Error("persistent container must not auto-remove")
	}
}

func TestRunParamsStringRedactsValues(t *testing.T) {
	s := testParams().String()
	if strings.Contains(s, "s3cret") {
		t.Errorf("String() leaked a value: %s", s)
	}
	if !strings.Contains(s, "CONFLUENCE_API_TOKEN") {
		t.Errorf("String() = %s", s)
	}
}

func TestLookupBinaryNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := LookupBinary("docker")
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("LookupBinary() = %v, want ErrBinaryNotFound", err)
	}
}
