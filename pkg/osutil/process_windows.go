//go:build windows

// Package osutil holds the platform specific process handling used to run
// MCP server subprocesses in their own process group.
package osutil

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// SetProcessGroup starts the command in a new process group.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// KillProcessGroup terminates the process. Child processes may survive since
// windows has no unix-style process groups.
func KillProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "failed to kill process %d", pid)
	}
	return nil
}

// TerminateProcessGroup kills the process unless it already exited.
func TerminateProcessGroup(pid int, _ time.Duration, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	default:
		return KillProcessGroup(pid)
	}
}
