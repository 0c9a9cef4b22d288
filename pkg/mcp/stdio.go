package mcp

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/osutil"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// exitSettle is how long a failed handshake waits for the process exit to
// be observed, so a crash reports its exit code instead of a broken pipe
const exitSettle = 250 * time.Millisecond

type handshake struct {
	result *gomcp.InitializeResult
	err    error
}

func (m *Manager) startStdio(ctx context.Context, def *capabilities.MCPServerDef) (*Session, error) {
	if def.Command == "" {
		return nil, &StartError{Kind: StartInvalid, Server: def.Name, Err: errors.New("stdio server has no command")}
	}

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = append(os.Environ(), envPairs(def.Env)...)
	osutil.SetProcessGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Kind: StartSpawn, Server: def.Name, Err: errors.Wrap(err, "failed to create stdin pipe")}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, &StartError{Kind: StartSpawn, Server: def.Name, Err: errors.Wrap(err, "failed to create stdout pipe")}
	}
	stderr := logger.LineWriter(ctx, logrus.DebugLevel)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		_ = stderr.Close()
		return nil, &StartError{Kind: StartSpawn, Server: def.Name, Err: err}
	}
	// the child holds its own copies now
	closeAll(stdinR, stdoutW)

	s := &Session{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}
	go func() {
		s.exitErr = cmd.Wait()
		_ = stderr.Close()
		close(s.exited)
	}()

	logger.G(ctx).WithField("pid", s.PID).Debug("spawned mcp server, waiting for handshake")

	c := client.NewClient(transport.NewIO(stdoutR, stdinW, io.NopCloser(strings.NewReader(""))))
	s.client = c

	hsCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	done := make(chan handshake, 1)
	go func() {
		if err := c.Start(hsCtx); err != nil {
			done <- handshake{err: err}
			return
		}
		req := gomcp.InitializeRequest{}
		req.Params.ClientInfo = gomcp.Implementation{
			Name:    m.clientName,
			Version: m.clientVersion,
		}
		req.Params.ProtocolVersion = gomcp.LATEST_PROTOCOL_VERSION
		result, err := c.Initialize(hsCtx, req)
		done <- handshake{result: result, err: err}
	}()

	select {
	case hs := <-done:
		if hs.err == nil {
			s.ServerName = hs.result.ServerInfo.Name
			s.ServerVersion = hs.result.ServerInfo.Version
			s.ProtocolVersion = hs.result.ProtocolVersion
			return s, nil
		}
		return nil, m.handshakeFailure(hsCtx, def, s, hs.err)
	case <-s.exited:
		err := s.exitError(def.Name)
		s.kill()
		return nil, err
	case <-hsCtx.Done():
		s.kill()
		return nil, &StartError{
			Kind:   StartTimeout,
			Server: def.Name,
			Err:    errors.Errorf("no initialize response within %s", m.handshakeTimeout),
		}
	}
}

func (m *Manager) handshakeFailure(hsCtx context.Context, def *capabilities.MCPServerDef, s *Session, cause error) error {
	timer := time.NewTimer(exitSettle)
	defer timer.Stop()

	select {
	case <-s.exited:
		err := s.exitError(def.Name)
		s.kill()
		return err
	case <-timer.C:
	}

	s.kill()
	if hsCtx.Err() != nil {
		return &StartError{Kind: StartTimeout, Server: def.Name, Err: cause}
	}
	return &StartError{Kind: StartHandshake, Server: def.Name, Err: cause}
}

// exitError classifies an exit observed before the handshake completed
func (s *Session) exitError(server string) error {
	code := s.exitCode()
	if code == 0 {
		return &StartError{Kind: StartExited, Server: server, Err: errors.New("process exited before completing the handshake")}
	}
	return &StartError{Kind: StartNonZeroExit, Server: server, ExitCode: code, Err: s.exitErr}
}

func (m *Manager) checkStdio(ctx context.Context, s *Session) error {
	select {
	case <-s.exited:
		return errors.Errorf("mcp server %q exited with code %d", s.Server, s.exitCode())
	default:
	}
	alive, err := process.PidExistsWithContext(ctx, int32(s.PID))
	if err != nil {
		return errors.Wrapf(err, "failed to look up process %d", s.PID)
	}
	if !alive {
		return errors.Errorf("mcp server %q process %d is gone", s.Server, s.PID)
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := s.client.Ping(pingCtx); err != nil {
		return errors.Wrapf(err, "mcp server %q did not answer ping", s.Server)
	}
	return nil
}

// envPairs renders env as KEY=value in key order
func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
