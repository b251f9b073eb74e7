package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/everydev1618/mcpcage"
	"github.com/everydev1618/mcpcage/internal/diag"
)

func runCLI(t *testing.T, args ...string) (string, *bytes.Buffer, int, error) {
	t.Helper()
	t.Setenv("MCPCAGE_HOME", t.TempDir())
	t.Setenv("MCPCAGE_SETTINGS", "")

	var raw bytes.Buffer
	a := &app{logger: diag.New(diag.Options{Raw: &raw}), stderr: &raw}
	root := a.rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), &raw, a.exitCode, err
}

func TestToolsCommandReadOnly(t *testing.T) {
	t.Setenv(mcpcage.EnvWriteEnabled, "")
	out, _, _, err := runCLI(t, "tools")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(out)
	if len(lines) == 0 || lines[0] != "confluence_search" {
		t.Errorf("tools output = %q", out)
	}
	if strings.Contains(out, "confluence_create_page") || strings.Contains(out, "confluence_delete_page") {
		t.Errorf("read-only allow-list contains write or denied tools: %q", out)
	}
}

func TestToolsCommandWriteFromEnv(t *testing.T) {
	t.Setenv(mcpcage.EnvWriteEnabled, "true")
	out, _, _, err := runCLI(t, "tools")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "confluence_create_page") {
		t.Errorf("write tools missing: %q", out)
	}
}

func TestToolsCommandAll(t *testing.T) {
	out, _, _, err := runCLI(t, "tools", "--all", "--write=false")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"TOOL", "TITLE", "confluence_delete_page", "Delete Page", "denied", "false"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestRunMissingCredentials(t *testing.T) {
	for _, k := range []string{mcpcage.EnvSiteURL, mcpcage.EnvEmail, mcpcage.EnvAPIToken} {
		t.Setenv(k, "")
	}
	t.Setenv(mcpcage.EnvSiteURL, "https://example.atlassian.net")
	t.Setenv(mcpcage.EnvEmail, "dev@example.com")

	_, _, code, err := runCLI(t, "run", "--engine", "mcpcage-no-such-engine")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !errors.Is(err, mcpcage.ErrConfigMissing) {
		t.Fatalf("error = %v, want ErrConfigMissing", err)
	}
	if !strings.Contains(err.Error(), mcpcage.EnvAPIToken) {
		t.Errorf("error %q does not name %s", err, mcpcage.EnvAPIToken)
	}
}

func TestRunMissingEngine(t *testing.T) {
	t.Setenv(mcpcage.EnvSiteURL, "https://example.atlassian.net")
	t.Setenv(mcpcage.EnvEmail, "dev@example.com")
	t.Setenv(mcpcage.EnvAPIToken, "secret-token")

	_, _, code, err := runCLI(t, "run", "--engine", "mcpcage-no-such-engine")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !errors.Is(err, mcpcage.ErrEngineNotFound) {
		t.Fatalf("error = %v, want ErrEngineNotFound", err)
	}
	if !strings.Contains(err.Error(), "not on PATH") {
		t.Errorf("error %q does not say the binary is missing", err)
	}
}

func TestInvalidSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("tool:\n  image: repo:latest\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, _, err := runCLI(t, "tools", "--settings", path)
	if !errors.Is(err, mcpcage.ErrConfigInvalid) {
		t.Errorf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "mcpcage dev\n" {
		t.Errorf("version output = %q", out)
	}
}

func TestStderrCarriesOnlyPrefixedLines(t *testing.T) {
	t.Setenv("MCPCAGE_HOME", t.TempDir())
	t.Setenv("MCPCAGE_SETTINGS", "")
	t.Setenv(mcpcage.EnvSiteURL, "https://example.atlassian.net")
	t.Setenv(mcpcage.EnvEmail, "dev@example.com")
	t.Setenv(mcpcage.EnvAPIToken, "secret-token")

	var stderr bytes.Buffer
	logger := diag.New(diag.Options{Raw: &stderr})
	a := &app{logger: logger, stderr: &stderr}
	code := diag.Guard(logger, func() (int, error) {
		return a.execute([]string{"run", "--log-level", "debug", "--engine", "mcpcage-no-such-engine"})
	})

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	out := strings.TrimRight(stderr.String(), "\n")
	if !strings.Contains(out, "not on PATH") {
		t.Errorf("stderr missing fatal diagnostic: %q", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, diag.Prefix) {
			t.Errorf("unprefixed stderr line %q", line)
		}
	}
}
