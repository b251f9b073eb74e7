package mcpcage

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/everydev1618/mcpcage/proxy"
)

// Standard errors
var (
	// ErrConfigMissing is returned when a required credential is not set.
	ErrConfigMissing = errors.New("required configuration missing")

	// ErrConfigInvalid is returned when a setting cannot be parsed.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrEngineNotFound is returned when the container engine binary is not on PATH.
	ErrEngineNotFound = errors.New("container engine not found")

	// ErrEngineUnavailable is returned when the engine daemon cannot be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrImagePull is returned when the tool image is absent and cannot be pulled.
	ErrImagePull = errors.New("image pull failed")

	// ErrSpawn is returned when the main container cannot be launched.
	ErrSpawn = errors.New("spawn failed")

	// Proxy failures are reported with the proxy package's sentinels.
	ErrProxyBuild    = proxy.ErrBuild
	ErrProxyStart    = proxy.ErrStart
	ErrProxyNotReady = proxy.ErrNotReady
)

// Phase names a startup step.
type Phase string

const (
	PhaseConfig Phase = "config"
	PhaseEngine Phase = "engine"
	PhaseImage  Phase = "image"
	PhaseProxy  Phase = "proxy"
	PhaseSpawn  Phase = "spawn"
)

// StartupError wraps a fatal error with the phase it happened in.
type StartupError struct {
	Phase Phase
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// fail wraps err for phase and records the call stack.
func fail(phase Phase, err error) error {
	return pkgerrors.WithStack(&StartupError{Phase: phase, Err: err})
}
