//go:build !unix

package mcpcage

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func exitSignal(state *os.ProcessState) (os.Signal, bool) { return nil, false }

func signalNumber(sig os.Signal) int { return 0 }

func signalName(sig os.Signal) string { return sig.String() }
