package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// exitClass partitions command endings into the terminal report they get.
type exitClass int

const (
	exitClean exitClass = iota
	exitError
	exitResource
	exitUnknown
)

// classifyExit maps a Wait error to a terminal report class. A nil error is
// a clean exit and a nonzero exit code is a regular task failure. SIGKILL
// and SIGXCPU are what the kernel and batch systems deliver when a job blows
// a memory or cpu limit, so they classify as resource errors. Everything
// else lands in unknown.
func classifyExit(waitErr error) (exitClass, string) {
	if waitErr == nil {
		return exitClean, ""
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return classifyWaitStatus(status)
		}
		return exitError, fmt.Sprintf("command exited with code %d", exitErr.ExitCode())
	}
	return exitUnknown, fmt.Sprintf("wait failed: %v", waitErr)
}

func classifyWaitStatus(status syscall.WaitStatus) (exitClass, string) {
	switch {
	case status.Exited() && status.ExitStatus() == 0:
		return exitClean, ""
	case status.Exited():
		return exitError, fmt.Sprintf("command exited with code %d", status.ExitStatus())
	case status.Signaled():
		switch status.Signal() {
		case syscall.SIGKILL:
			return exitResource, "command killed by SIGKILL, possibly out of memory"
		case syscall.SIGXCPU:
			return exitResource, "command killed by SIGXCPU, over the cpu time limit"
		default:
			return exitUnknown, fmt.Sprintf("command killed by signal %s", status.Signal())
		}
	}
	return exitUnknown, "command ended in an unrecognized state"
}
