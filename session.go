package mcpcage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/everydev1618/mcpcage/internal/diag"
)

// SessionState is the lifecycle state of the sandboxed process.
type SessionState int32

const (
	StateStarting SessionState = iota
	StateRunning
	StateTerminating
	StateExited
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// maxStderrLine bounds one diagnostic line read from the sandbox.
const maxStderrLine = 1024 * 1024

// Session bridges the host's stdio to an attached sandbox process and
// relays signals until it exits.
type Session struct {
	cmd    *exec.Cmd
	logger *diag.Logger
	stdin  io.Reader
	stdout io.Writer

	state atomic.Int32
}

// NewSession wraps a prepared, unstarted command.
func NewSession(cmd *exec.Cmd, logger *diag.Logger, stdin io.Reader, stdout io.Writer) *Session {
	return &Session{
		cmd:    cmd,
		logger: logger,
		stdin:  stdin,
		stdout: stdout,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Run starts the process and blocks until it exits. Each value received on
// signals is forwarded to the process exactly once; the process is never
// killed by the orchestrator. The returned code is the process's own exit
// code, or 128+signo when it was terminated by a signal. A non-nil error
// means the process could not be started.
func (s *Session) Run(signals <-chan os.Signal) (int, error) {
	s.setState(StateStarting)
	setProcessGroup(s.cmd)

	childIn, err := s.cmd.StdinPipe()
	if err != nil {
		return 1, fail(PhaseSpawn, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err))
	}
	childOut, err := s.cmd.StdoutPipe()
	if err != nil {
		return 1, fail(PhaseSpawn, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err))
	}
	childErr, err := s.cmd.StderrPipe()
	if err != nil {
		return 1, fail(PhaseSpawn, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err))
	}

	if err := s.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 1, fail(PhaseSpawn, fmt.Errorf("%w: %s not found on PATH", ErrEngineNotFound, s.cmd.Path))
		}
		return 1, fail(PhaseSpawn, fmt.Errorf("%w: %s: %v", ErrSpawn, s.cmd.Path, err))
	}
	s.setState(StateRunning)
	s.logger.Info("sandbox started", "pid", s.cmd.Process.Pid)

	var closeStdin sync.Once
	go func() {
		if _, err := io.Copy(childIn, s.stdin); err != nil {
			s.logger.Debug("stdin copy ended", "error", err)
		}
		closeStdin.Do(func() {
			s.logger.Info("host stdin closed, closing sandbox stdin")
			childIn.Close()
		})
	}()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		if _, err := io.Copy(s.stdout, childOut); err != nil {
			s.logger.Warn("stdout copy failed", "error", err)
			io.Copy(io.Discard, childOut)
		}
	}()
	go func() {
		defer streams.Done()
		scanner := bufio.NewScanner(childErr)
		scanner.Buffer(make([]byte, 64*1024), maxStderrLine)
		for scanner.Scan() {
			s.logger.Sandbox(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("stderr read failed", "error", err)
			io.Copy(io.Discard, childErr)
		}
	}()

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
				s.forward(sig)
			case <-exited:
				return
			}
		}
	}()

	streams.Wait()
	waitErr := s.cmd.Wait()
	close(exited)
	<-forwarding
	s.setState(StateExited)

	return s.exitCode(waitErr), nil
}

func (s *Session) forward(sig os.Signal) {
	s.setState(StateTerminating)
	s.logger.Info("forwarding signal to sandbox", "signal", signalName(sig))
	if err := s.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("signal forward failed", "signal", signalName(sig), "error", err)
	}
}

func (s *Session) exitCode(waitErr error) int {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		s.logger.Error("wait for sandbox failed", "error", waitErr)
		return 1
	}

	state := s.cmd.ProcessState
	if sig, ok := exitSignal(state); ok {
		code := 128 + signalNumber(sig)
		s.logger.Warn("sandbox terminated by signal", "signal", signalName(sig), "exit_code", code)
		return code
	}

	code := state.ExitCode()
	s.logger.Info("sandbox exited", "exit_code", code)
	return code
}
