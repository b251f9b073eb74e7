package mcpcage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/everydev1618/mcpcage/container"
	"github.com/everydev1618/mcpcage/internal/diag"
	"github.com/everydev1618/mcpcage/tools"
)

const (
	testToolImage  = "ghcr.io/sooperset/mcp-atlassian:0.11.9"
	testProxyImage = "mcpcage-proxy:1"
)

func testConfig() Config {
	return Config{
		SiteURL:  "https://example.atlassian.net",
		Email:    "dev@example.com",
		APIToken: "secret-token",
	}
}

func testSettings(t *testing.T) Settings {
	s := DefaultSettings(t.TempDir())
	s.Proxy.Readiness.Delay = 0
	s.Proxy.Readiness.Attempts = 3
	return s
}

func newTestOrchestrator(t *testing.T, fake *container.Fake, cfg Config, s Settings, opts ...OrchestratorOption) (*Orchestrator, *bytes.Buffer) {
	t.Helper()
	var raw bytes.Buffer
	opts = append([]OrchestratorOption{WithSessionID("test-session")}, opts...)
	o, err := New(fake, cfg, s, diag.New(diag.Options{Raw: &raw}), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o, &raw
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestPrepareRunsStepsInOrder(t *testing.T) {
	fake := container.NewFake()
	fake.Images["ghcr.io/sooperset/mcp-atlassian:0.11.8"] = true
	fake.Containers["mcpcage-confluence"] = container.State{Exists: true}

	o, _ := newTestOrchestrator(t, fake, testConfig(), testSettings(t))
	if _, err := o.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	order := []string{
		"RemoveContainer mcpcage-confluence",
		"PullImage " + testToolImage,
		"RemoveImage ghcr.io/sooperset/mcp-atlassian:0.11.8",
		"PruneImages ",
		"InspectContainer mcpcage-proxy",
		"BuildImage " + testProxyImage,
		"StartContainer mcpcage-proxy",
		"ExecProbe mcpcage-proxy",
	}
	prev := -1
	for _, call := range order {
		i := indexOf(fake.Calls, call)
		if i < 0 {
			t.Fatalf("missing call %q in %v", call, fake.Calls)
		}
		if i <= prev {
			t.Errorf("call %q out of order in %v", call, fake.Calls)
		}
		prev = i
	}
	if !fake.Images[testToolImage] {
		t.Error("current tool image was removed")
	}
	if len(fake.CallsTo("PullImage")) != 1 {
		t.Errorf("PullImage calls = %v, the proxy image must never be pulled", fake.CallsTo("PullImage"))
	}
}

func TestPrepareSkipsPullWhenPresent(t *testing.T) {
	fake := container.NewFake()
	fake.Images[testToolImage] = true

	o, _ := newTestOrchestrator(t, fake, testConfig(), testSettings(t))
	if _, err := o.Prepare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := fake.CallsTo("PullImage"); len(calls) != 0 {
		t.Errorf("PullImage called: %v", calls)
	}
}

func TestPrepareReusesRunningProxy(t *testing.T) {
	fake := container.NewFake()
	fake.Images[testToolImage] = true
	fake.Containers["mcpcage-proxy"] = container.State{Exists: true, Running: true, Image: testProxyImage}

	o, _ := newTestOrchestrator(t, fake, testConfig(), testSettings(t))
	launch, err := o.Prepare(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fake.CallsTo("BuildImage")) != 0 || len(fake.CallsTo("StartContainer")) != 0 {
		t.Errorf("running proxy was rebuilt or restarted: %v", fake.Calls)
	}
	if launch.Proxy.Outcome.String() != "reused" {
		t.Errorf("proxy outcome = %v", launch.Proxy.Outcome)
	}
}

func envMap(p container.RunParams) map[string]string {
	m := make(map[string]string, len(p.Env))
	for _, e := range p.Env {
		m[e.Name] = e.Value
	}
	return m
}

func TestPrepareBuildsToolParams(t *testing.T) {
	fake := container.NewFake()
	cfg := testConfig()
	cfg.SpacesFilter = "ENG"
	cfg.ProjectsFilter = "PROJ,OPS"

	o, _ := newTestOrchestrator(t, fake, cfg, testSettings(t))
	launch, err := o.Prepare(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p := launch.Params

	if p.Lifecycle != container.Ephemeral || p.Image != testToolImage || p.Network != "mcpcage-net" {
		t.Errorf("params = %s", p)
	}
	env := envMap(p)
	want := map[string]string{
		"CONFLUENCE_URL":           "https://example.atlassian.net/wiki",
		"CONFLUENCE_USERNAME":      "dev@example.com",
		"CONFLUENCE_API_TOKEN":     "secret-token",
		"CONFLUENCE_SPACES_FILTER": "ENG",
		"JIRA_PROJECTS_FILTER":     "PROJ,OPS",
		"READ_ONLY_MODE":           "true",
		"ENABLED_TOOLS":            tools.Default.Allowlist(false).String(),
		"HTTPS_PROXY":              "http://mcpcage-proxy:3128",
		"http_proxy":               "http://mcpcage-proxy:3128",
		"NO_PROXY":                 "localhost,127.0.0.1,::1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env %s = %q, want %q", k, env[k], v)
		}
	}
	if p.Labels[container.LabelSession] != "test-session" || p.Labels[container.LabelRole] != "tool" {
		t.Errorf("labels = %v", p.Labels)
	}
	if len(p.Security.Mounts) != 1 || p.Security.Mounts[0].Target != "/tmp" {
		t.Errorf("mounts = %+v", p.Security.Mounts)
	}

	args, err := p.Args()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(strings.Join(args, " "), "secret-token") {
		t.Error("credential value leaked onto the command line")
	}
}

func TestPrepareWriteEnabledAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.WriteEnabled = true

	o, _ := newTestOrchestrator(t, container.NewFake(), cfg, testSettings(t))
	launch, err := o.Prepare(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !launch.Allowlist.Contains("confluence_create_page") {
		t.Error("write tools missing with writes enabled")
	}
	if launch.Allowlist.Contains("confluence_delete_page") {
		t.Error("denied tool enabled")
	}
	if envMap(launch.Params)["READ_ONLY_MODE"] != "false" {
		t.Error("READ_ONLY_MODE should be false with writes enabled")
	}
}

func TestPrepareFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*container.Fake, *Settings)
		want       error
		wantPhase  Phase
		wantSubstr string
	}{
		{
			name:       "stale removal",
			setup:      func(f *container.Fake, _ *Settings) { f.Errors["RemoveContainer"] = errors.New("daemon busy") },
			want:       ErrSpawn,
			wantPhase:  PhaseSpawn,
			wantSubstr: "mcpcage-confluence",
		},
		{
			name:       "pull",
			setup:      func(f *container.Fake, _ *Settings) { f.Errors["PullImage"] = errors.New("manifest unknown") },
			want:       ErrImagePull,
			wantPhase:  PhaseImage,
			wantSubstr: testToolImage,
		},
		{
			name:       "proxy build",
			setup:      func(f *container.Fake, _ *Settings) { f.Errors["BuildImage"] = errors.New("no Dockerfile") },
			want:       ErrProxyBuild,
			wantPhase:  PhaseProxy,
			wantSubstr: testProxyImage,
		},
		{
			name:       "proxy start",
			setup:      func(f *container.Fake, _ *Settings) { f.Errors["StartContainer"] = errors.New("port in use") },
			want:       ErrProxyStart,
			wantPhase:  PhaseProxy,
			wantSubstr: "port in use",
		},
		{
			name:       "proxy not ready",
			setup:      func(f *container.Fake, _ *Settings) { f.ProbeResults = []int{1} },
			want:       ErrProxyNotReady,
			wantPhase:  PhaseProxy,
			wantSubstr: "3 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := container.NewFake()
			s := testSettings(t)
			tt.setup(fake, &s)

			o, _ := newTestOrchestrator(t, fake, testConfig(), s)
			_, err := o.Prepare(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var se *StartupError
			if !errors.As(err, &se) || se.Phase != tt.wantPhase {
				t.Errorf("phase = %v, want %s", se, tt.wantPhase)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("error %q does not mention %q", err, tt.wantSubstr)
			}
			if len(fake.CallsTo("Command")) != 0 {
				t.Error("sandbox spawned after a fatal startup error")
			}
		})
	}
}

func TestPrepareFailOpenContinues(t *testing.T) {
	fake := container.NewFake()
	fake.ProbeResults = []int{1}
	s := testSettings(t)
	s.Proxy.Readiness.Policy = "fail-open"

	o, raw := newTestOrchestrator(t, fake, testConfig(), s)
	launch, err := o.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if launch.Proxy.Ready {
		t.Error("proxy reported ready")
	}
	if !strings.Contains(raw.String(), "WARN: proxy readiness not confirmed") {
		t.Errorf("fail-open warning missing: %q", raw.String())
	}
}

func TestPrepareCleanupFailureIsNotFatal(t *testing.T) {
	fake := container.NewFake()
	fake.Images["ghcr.io/sooperset/mcp-atlassian:0.11.8"] = true
	fake.Errors["RemoveImage"] = errors.New("image is in use")
	fake.Errors["PruneImages"] = errors.New("prune busy")

	o, raw := newTestOrchestrator(t, fake, testConfig(), testSettings(t))
	if _, err := o.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !strings.Contains(raw.String(), "WARN: image cleanup: remove failed") {
		t.Errorf("cleanup warning missing: %q", raw.String())
	}
}

func TestRunAdoptsSandboxExitCode(t *testing.T) {
	fake := container.NewFake()
	fake.CommandFunc = func(container.RunParams) *exec.Cmd { return helperCommand("exit", "5") }

	o, _ := newTestOrchestrator(t, fake, testConfig(), testSettings(t), WithStdio(strings.NewReader(""), &bytes.Buffer{}))
	code, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}
	if i, j := indexOf(fake.Calls, "ExecProbe mcpcage-proxy"), indexOf(fake.Calls, "Command mcpcage-confluence"); j < 0 || j < i {
		t.Errorf("sandbox spawned before proxy readiness: %v", fake.Calls)
	}
}

func TestRunMissingEngineBinary(t *testing.T) {
	fake := container.NewFake()
	fake.CommandFunc = func(container.RunParams) *exec.Cmd { return exec.Command("mcpcage-no-such-engine") }

	var raw bytes.Buffer
	logger := diag.New(diag.Options{Raw: &raw})
	o, err := New(fake, testConfig(), testSettings(t), logger, WithStdio(strings.NewReader(""), &bytes.Buffer{}))
	if err != nil {
		t.Fatal(err)
	}

	code := diag.Guard(logger, func() (int, error) {
		return o.Run(context.Background(), nil)
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(raw.String(), "not found") {
		t.Errorf("diagnostic does not say not found: %q", raw.String())
	}
}

func TestRunInterruptedBeforeSpawn(t *testing.T) {
	fake := container.NewFake()
	fake.ProbeResults = []int{1}
	s := testSettings(t)
	s.Proxy.Readiness.Attempts = 100
	s.Proxy.Readiness.Delay = 100 * time.Millisecond

	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGTERM

	o, _ := newTestOrchestrator(t, fake, testConfig(), s)
	code, err := o.Run(context.Background(), signals)
	if code != 1 || !errors.Is(err, ErrSpawn) {
		t.Errorf("Run() = %d, %v; want 1, ErrSpawn", code, err)
	}
	if len(fake.CallsTo("Command")) != 0 {
		t.Error("sandbox spawned after interruption")
	}
}

func TestVerifyReportsUnexpectedTools(t *testing.T) {
	fake := container.NewFake()
	fake.CommandFunc = func(container.RunParams) *exec.Cmd {
		return helperCommand("mcpserver", "confluence_search", "confluence_delete_page")
	}

	o, raw := newTestOrchestrator(t, fake, testConfig(), testSettings(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	audit, err := o.Verify(ctx, "test", nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if audit.OK() || len(audit.Unexpected) != 1 || audit.Unexpected[0] != "confluence_delete_page" {
		t.Errorf("audit = %+v", audit)
	}
	if !strings.Contains(raw.String(), "[sandbox] client disconnected") {
		t.Errorf("sandbox stdin was not closed: %q", raw.String())
	}
}

func TestVerifyBoundsSilentServer(t *testing.T) {
	fake := container.NewFake()
	fake.CommandFunc = func(container.RunParams) *exec.Cmd {
		return helperCommand("silent")
	}
	s := testSettings(t)
	s.Timeouts.Handshake = 200 * time.Millisecond
	s.Timeouts.Shutdown = 5 * time.Second

	o, raw := newTestOrchestrator(t, fake, testConfig(), s)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := o.Verify(ctx, "test", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Verify() error = %v, want DeadlineExceeded", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("Verify() returned only after the outer deadline (%s)", time.Since(start))
	}
	if !strings.Contains(raw.String(), "interrupting sandbox") {
		t.Errorf("sandbox was not interrupted: %q", raw.String())
	}
}

func TestVerifyKillsServerIgnoringInterrupt(t *testing.T) {
	fake := container.NewFake()
	fake.CommandFunc = func(container.RunParams) *exec.Cmd {
		return helperCommand("stubborn")
	}
	s := testSettings(t)
	s.Timeouts.Handshake = 200 * time.Millisecond
	s.Timeouts.Shutdown = 200 * time.Millisecond

	o, raw := newTestOrchestrator(t, fake, testConfig(), s)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := o.Verify(ctx, "test", nil); err == nil {
		t.Fatal("Verify() succeeded against a silent server")
	}
	if ctx.Err() != nil {
		t.Fatal("Verify() did not return before the outer deadline")
	}
	if !strings.Contains(raw.String(), "killing it") {
		t.Errorf("sandbox was not killed: %q", raw.String())
	}
}

func TestNewRejectsFloatingImage(t *testing.T) {
	s := testSettings(t)
	s.Tool.Image = "ghcr.io/sooperset/mcp-atlassian:latest"

	_, err := New(container.NewFake(), testConfig(), s, nil)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}
