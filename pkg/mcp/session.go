package mcp

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/osutil"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Session is the handle of one started server. Callers share a Session; it
// stays valid until the manager stops it or the process exits.
type Session struct {
	ID        string                 `json:"id"`
	Server    string                 `json:"server"`
	Transport capabilities.Transport `json:"transport"`
	PID       int                    `json:"pid,omitempty"`
	URL       string                 `json:"url,omitempty"`
	StartedAt time.Time              `json:"started_at"`

	// Reported by the server during the stdio handshake
	ServerName      string `json:"server_name,omitempty"`
	ServerVersion   string `json:"server_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	def    *capabilities.MCPServerDef
	client *client.Client

	cmd     *exec.Cmd
	stdin   io.Closer
	stdout  io.Closer
	exited  chan struct{}
	exitErr error

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// Client returns the MCP client of a stdio session, nil for http
func (s *Session) Client() *client.Client {
	return s.client
}

// Definition returns the declaration the session was started from
func (s *Session) Definition() *capabilities.MCPServerDef {
	return s.def
}

// Done is closed when the server process exits. It is nil for http sessions.
func (s *Session) Done() <-chan struct{} {
	if s.exited == nil {
		return nil
	}
	return s.exited
}

// Running reports whether the session has neither been stopped nor lost its process
func (s *Session) Running() bool {
	if s.stopped.Load() {
		return false
	}
	if s.exited == nil {
		return true
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// exitCode is valid once exited is closed
func (s *Session) exitCode() int {
	if s.exitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(s.exitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stop closes the client, terminates the process group and waits for the
// process to be reaped. Only the first call does any work.
func (s *Session) stop(ctx context.Context, grace time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.stopErr = s.teardown(ctx, grace)
	})
	return s.stopErr
}

func (s *Session) teardown(ctx context.Context, grace time.Duration) error {
	if s.client != nil {
		// closes the server's stdin, which is the polite way to ask it to leave
		_ = s.client.Close()
	} else if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	var err error
	pid := s.cmd.Process.Pid
	if grace > 0 {
		err = osutil.TerminateProcessGroup(pid, grace, s.exited)
	} else {
		err = osutil.KillProcessGroup(pid)
	}

	select {
	case <-s.exited:
	case <-ctx.Done():
		if killErr := osutil.KillProcessGroup(pid); killErr != nil && err == nil {
			err = killErr
		}
		<-s.exited
	}

	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	return err
}

// kill tears a half-started session down without a grace period
func (s *Session) kill() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.stopErr = s.teardown(context.Background(), 0)
	})
}

func closeAll(closers ...*os.File) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
