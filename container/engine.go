package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

const (
	// LabelManagedBy marks every container and image mcpcage creates.
	LabelManagedBy = "mcpcage.managed-by"
	// LabelSession carries the invocation id that started a container.
	LabelSession = "mcpcage.session"
	// LabelRole distinguishes the proxy container from the tool container.
	LabelRole = "mcpcage.role"

	// ManagedByValue is the LabelManagedBy value.
	ManagedByValue = "mcpcage"
)

var (
	// ErrBinaryNotFound is returned when the engine CLI is not on PATH.
	ErrBinaryNotFound = errors.New("container engine binary not found")

	// ErrDaemonUnavailable is returned when the engine daemon does not answer.
	ErrDaemonUnavailable = errors.New("container engine daemon unavailable")
)

// Engine is the narrow set of container engine operations the orchestrator needs.
// Docker is the production implementation; Fake is an in-memory double.
type Engine interface {
	// ImageExists reports whether ref is present locally. Any failure counts as absent.
	ImageExists(ctx context.Context, ref string) bool

	// PullImage fetches ref from its registry.
	PullImage(ctx context.Context, ref string) error

	// BuildImage builds an image from a local context directory.
	BuildImage(ctx context.Context, opts BuildOptions) error

	// ImageTags lists every local "repository:tag" string for repository.
	ImageTags(ctx context.Context, repository string) ([]string, error)

	// RemoveImage untags and removes an image by its tag string.
	RemoveImage(ctx context.Context, tag string) error

	// PruneImages removes dangling, untagged layers.
	PruneImages(ctx context.Context) error

	// InspectContainer returns the state of the named container. A missing
	// container is reported as State{} with a nil error.
	InspectContainer(ctx context.Context, name string) (State, error)

	// RemoveContainer force-removes the named container. Missing is not an error.
	RemoveContainer(ctx context.Context, name string) error

	// EnsureNetwork creates the named network unless it already exists.
	EnsureNetwork(ctx context.Context, name string) error

	// StartContainer creates and starts a detached container.
	StartContainer(ctx context.Context, p RunParams) error

	// ExecProbe runs cmd inside the named container and returns its exit code.
	ExecProbe(ctx context.Context, name string, cmd []string) (int, error)

	// Command prepares, but does not start, an attached session for p.
	Command(p RunParams) (*exec.Cmd, error)
}

// State is the observed state of a named container.
type State struct {
	Exists  bool
	Running bool
	Image   string
}

// BuildOptions configures a local image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tag        string
	Labels     map[string]string
}

// LookupBinary resolves the engine CLI on PATH.
func LookupBinary(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not on PATH: %v", ErrBinaryNotFound, name, err)
	}
	return path, nil
}
