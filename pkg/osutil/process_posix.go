//go:build unix

// Package osutil holds the platform specific process handling used to run
// MCP server subprocesses in their own process group.
package osutil

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// SetProcessGroup configures the command to run in its own process group so
// the whole server tree can be signalled at once.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup sends SIGKILL to the process group led by pid.
// A group that no longer exists is not an error.
func KillProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "failed to kill process group %d", pid)
	}
	return nil
}

// TerminateProcessGroup sends SIGTERM to the process group led by pid and
// escalates to SIGKILL when exited has not been closed within grace.
func TerminateProcessGroup(pid int, grace time.Duration, exited <-chan struct{}) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "failed to signal process group %d", pid)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		return KillProcessGroup(pid)
	}
}
