package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// ExitCode derives a shell-style exit code from a finished process.
// A signal death maps to 128 + signal number; a wait error with no
// process state maps to 1.
func ExitCode(state *os.ProcessState, err error) int {
	if state == nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			state = exitErr.ProcessState
		}
	}
	if state == nil {
		if err == nil {
			return 0
		}
		return 1
	}

	if status, ok := state.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return state.ExitCode()
}
