package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewDockerNoDaemon(t *testing.T) {
	if _, err := os.Stat("/var/run/docker.sock"); err == nil {
		t.Skip("a Docker socket exists on this host")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DOCKER_HOST", "unix://"+filepath.Join(home, "missing.sock"))

	_, err := NewDocker(context.Background())
	if !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("NewDocker() = %v, want ErrDaemonUnavailable", err)
	}
}
