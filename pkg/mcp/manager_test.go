package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/capsule/pkg/osutil"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

func helperDef(t *testing.T, name, mode string) *capabilities.MCPServerDef {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return &capabilities.MCPServerDef{
		Name:      name,
		Transport: capabilities.TransportStdio,
		Command:   exe,
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{helperEnv: mode},
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithStopGrace(500 * time.Millisecond), WithHandshakeTimeout(5 * time.Second)}, opts...)
	m := NewManager(opts...)
	t.Cleanup(func() {
		assert.NoError(t, m.StopAll(context.Background()))
	})
	return m
}

func requireStartError(t *testing.T, err error, kind StartErrorKind) *StartError {
	t.Helper()
	require.Error(t, err)
	var startErr *StartError
	require.True(t, errors.As(err, &startErr), "expected StartError, got %v", err)
	assert.Equal(t, kind, startErr.Kind, err.Error())
	return startErr
}

func TestEnsureStartedStdio(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	def := helperDef(t, "helper", "serve")

	s, err := m.EnsureStarted(ctx, def)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "helper", s.Server)
	assert.Equal(t, capabilities.TransportStdio, s.Transport)
	assert.Positive(t, s.PID)
	assert.Equal(t, "helper", s.ServerName)
	assert.Equal(t, "1.2.3", s.ServerVersion)
	assert.NotEmpty(t, s.ProtocolVersion)
	assert.True(t, s.Running())
	assert.NotNil(t, s.Client())
	assert.Same(t, def, s.Definition())

	require.NoError(t, m.Health(ctx, "helper"))

	again, err := m.EnsureStarted(ctx, def)
	require.NoError(t, err)
	assert.Same(t, s, again)

	got, ok := m.Get("helper")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, m.Sessions(), 1)

	require.NoError(t, m.Stop(ctx, s))
	assert.False(t, s.Running())
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped")
	}

	_, ok = m.Get("helper")
	assert.False(t, ok)
	assert.Empty(t, m.Sessions())
	assert.NoError(t, m.Stop(ctx, s), "stop is idempotent")
	assert.ErrorIs(t, m.Health(ctx, "helper"), ErrNotStarted)
}

func TestEnsureStartedConcurrentCallersShareOneProcess(t *testing.T) {
	m := newTestManager(t)
	def := helperDef(t, "shared", "serve")

	const callers = 8
	sessions := make([]*Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			sessions[i], errs[i] = m.EnsureStarted(context.Background(), def)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
		assert.Equal(t, sessions[0].PID, sessions[i].PID)
	}
	assert.Len(t, m.Sessions(), 1)
}

func TestEnsureStartedRestartsExitedServer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	def := helperDef(t, "flaky", "serve")

	first, err := m.EnsureStarted(ctx, def)
	require.NoError(t, err)

	require.NoError(t, osutil.KillProcessGroup(first.PID))
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, m.Health(ctx, "flaky"))

	second, err := m.EnsureStarted(ctx, def)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestStartFailures(t *testing.T) {
	t.Run("handshake timeout", func(t *testing.T) {
		m := newTestManager(t, WithHandshakeTimeout(300*time.Millisecond))
		started := time.Now()
		_, err := m.EnsureStarted(context.Background(), helperDef(t, "silent", "silent"))
		requireStartError(t, err, StartTimeout)
		assert.Less(t, time.Since(started), 5*time.Second)
		assert.Empty(t, m.Sessions())
	})

	t.Run("non-zero exit", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.EnsureStarted(context.Background(), helperDef(t, "crash", "exit3"))
		startErr := requireStartError(t, err, StartNonZeroExit)
		assert.Equal(t, 3, startErr.ExitCode)
		assert.Equal(t, "crash", startErr.Server)
		assert.Contains(t, err.Error(), "exit code 3")
	})

	t.Run("clean exit", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.EnsureStarted(context.Background(), helperDef(t, "quitter", "exit0"))
		requireStartError(t, err, StartExited)
	})

	t.Run("spawn", func(t *testing.T) {
		m := newTestManager(t)
		def := &capabilities.MCPServerDef{
			Name:      "missing",
			Transport: capabilities.TransportStdio,
			Command:   "/nonexistent/capsule-test-server",
		}
		_, err := m.EnsureStarted(context.Background(), def)
		requireStartError(t, err, StartSpawn)
		assert.True(t, IsStartError(err, ""))
	})

	t.Run("invalid declarations", func(t *testing.T) {
		m := newTestManager(t)
		for _, def := range []*capabilities.MCPServerDef{
			nil,
			{Name: "grpc", Transport: "grpc"},
			{Name: "no-command", Transport: capabilities.TransportStdio},
			{Name: "no-url", Transport: capabilities.TransportHTTP},
		} {
			_, err := m.EnsureStarted(context.Background(), def)
			requireStartError(t, err, StartInvalid)
		}
	})
}

func TestEnsureStartedCallerCancellation(t *testing.T) {
	m := newTestManager(t)
	def := helperDef(t, "patient", "serve")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.EnsureStarted(ctx, def)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	s, err := m.EnsureStarted(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, s.Running())
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithStopGrace(500 * time.Millisecond))

	a, err := m.EnsureStarted(ctx, helperDef(t, "a", "serve"))
	require.NoError(t, err)
	b, err := m.EnsureStarted(ctx, helperDef(t, "b", "serve"))
	require.NoError(t, err)

	sessions := m.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].Server)
	assert.Equal(t, "b", sessions[1].Server)

	require.NoError(t, m.StopAll(ctx))
	assert.False(t, a.Running())
	assert.False(t, b.Running())
	assert.Empty(t, m.Sessions())
	assert.NoError(t, m.StopAll(ctx))
}

func TestStopAllWaitsForAbandonedStart(t *testing.T) {
	m := NewManager(WithStopGrace(500*time.Millisecond), WithHandshakeTimeout(5*time.Second))
	def := helperDef(t, "slow", "slow")

	ctx, cancel := context.WithCancel(context.Background())
	waited := make(chan error, 1)
	go func() {
		_, err := m.EnsureStarted(ctx, def)
		waited <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-waited, context.Canceled)

	require.NoError(t, m.StopAll(context.Background()))
	assert.Empty(t, m.Sessions())

	// a start that outlived its caller must not register after close
	time.Sleep(time.Second)
	assert.Empty(t, m.Sessions())
	_, ok := m.Get("slow")
	assert.False(t, ok)

	_, err := m.EnsureStarted(context.Background(), def)
	requireStartError(t, err, StartInvalid)
	assert.ErrorIs(t, err, ErrClosed)
}

func httpDef(url string) *capabilities.MCPServerDef {
	return &capabilities.MCPServerDef{
		Name:      "remote",
		Transport: capabilities.TransportHTTP,
		URL:       url,
		Headers:   map[string]string{"Authorization": "Bearer token"},
	}
}

func TestEnsureStartedHTTP(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t)
	s, err := m.EnsureStarted(context.Background(), httpDef(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, srv.URL, s.URL)
	assert.Zero(t, s.PID)
	assert.Nil(t, s.Done())
	assert.Nil(t, s.Client())
	assert.Equal(t, "Bearer token", auth.Load())

	require.NoError(t, m.Health(context.Background(), "remote"))
	require.NoError(t, m.Stop(context.Background(), s))
	assert.False(t, s.Running())
}

func TestHTTPProbe(t *testing.T) {
	t.Run("falls back to GET on 405", func(t *testing.T) {
		var methods []string
		var mu sync.Mutex
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			methods = append(methods, r.Method)
			mu.Unlock()
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		m := newTestManager(t)
		_, err := m.EnsureStarted(context.Background(), httpDef(srv.URL))
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
	})

	t.Run("client errors count as reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		m := newTestManager(t)
		_, err := m.EnsureStarted(context.Background(), httpDef(srv.URL))
		assert.NoError(t, err)
	})

	t.Run("server errors are retried then unreachable", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		m := newTestManager(t, WithProbeAttempts(2), WithProbeDelay(10*time.Millisecond))
		_, err := m.EnsureStarted(context.Background(), httpDef(srv.URL))
		requireStartError(t, err, StartUnreachable)
		assert.Contains(t, err.Error(), "503")
		assert.Equal(t, int32(2), hits.Load())
		assert.Empty(t, m.Sessions())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		m := newTestManager(t, WithProbeAttempts(1), WithProbeTimeout(time.Second))
		_, err := m.EnsureStarted(context.Background(), httpDef(url))
		requireStartError(t, err, StartUnreachable)
	})
}

func TestHealthUnknownServer(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.Health(context.Background(), "nope"), ErrNotStarted)
	assert.NoError(t, m.Stop(context.Background(), nil))
	assert.NoError(t, m.StopAll(context.Background()))
}

func TestEnvPairs(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=two"}, envPairs(map[string]string{"B": "two", "A": "1"}))
	assert.Empty(t, envPairs(nil))
}

func TestStartErrorMessage(t *testing.T) {
	err := &StartError{Kind: StartNonZeroExit, Server: "x", ExitCode: 2, Err: errors.New("exit status 2")}
	assert.Equal(t, `mcp server "x": NonZeroExit (exit code 2): exit status 2`, err.Error())
	assert.True(t, IsStartError(errors.Wrap(err, "outer"), StartNonZeroExit))
	assert.False(t, IsStartError(err, StartTimeout))
	assert.False(t, IsStartError(errors.New("plain"), ""))
}
