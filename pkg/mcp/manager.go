// Package mcp manages the lifecycle of the MCP servers a content pack
// declares. Servers are started lazily and at most once per name: stdio
// servers are spawned in their own process group and must complete the
// initialize handshake in time, http servers must answer a reachability
// probe.
package mcp

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/telemetry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
	"github.com/jingkaihe/capsule/pkg/version"
)

// Defaults used when options are not given
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbeAttempts    = 3
	DefaultProbeDelay       = 200 * time.Millisecond
	DefaultStopGrace        = 2 * time.Second
)

// ErrNotStarted is returned for a server without a running session
var ErrNotStarted = errors.New("mcp server is not started")

// ErrClosed is returned by EnsureStarted once StopAll has run
var ErrClosed = errors.New("mcp manager is closed")

// Manager starts and stops declared servers. It is safe for concurrent use.
type Manager struct {
	handshakeTimeout time.Duration
	probeTimeout     time.Duration
	probeAttempts    uint
	probeDelay       time.Duration
	stopGrace        time.Duration
	httpClient       *http.Client
	clientName       string
	clientVersion    string

	group   singleflight.Group
	pending sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithHandshakeTimeout bounds the stdio initialize handshake
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTimeout = d
		}
	}
}

// WithProbeTimeout bounds each http probe attempt
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithProbeAttempts sets how many times an http probe is tried
func WithProbeAttempts(n uint) Option {
	return func(m *Manager) {
		if n > 0 {
			m.probeAttempts = n
		}
	}
}

// WithProbeDelay sets the initial backoff between probe attempts
func WithProbeDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.probeDelay = d
		}
	}
}

// WithStopGrace sets how long a stopping server gets between SIGTERM and SIGKILL
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopGrace = d
		}
	}
}

// WithHTTPClient sets the client used for http probes
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithClientInfo sets the implementation reported during the handshake
func WithClientInfo(name, version string) Option {
	return func(m *Manager) {
		m.clientName = name
		m.clientVersion = version
	}
}

// NewManager creates a manager with no sessions
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handshakeTimeout: DefaultHandshakeTimeout,
		probeTimeout:     DefaultProbeTimeout,
		probeAttempts:    DefaultProbeAttempts,
		probeDelay:       DefaultProbeDelay,
		stopGrace:        DefaultStopGrace,
		httpClient:       http.DefaultClient,
		clientName:       "capsule",
		clientVersion:    version.Version,
		sessions:         make(map[string]*Session),
		locks:            make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureStarted returns the running session of def, starting it when there
// is none. Concurrent callers for one name share a single start. Cancelling
// ctx abandons this caller's wait; the shared start carries on for the others.
func (m *Manager) EnsureStarted(ctx context.Context, def *capabilities.MCPServerDef) (*Session, error) {
	if def == nil || def.Name == "" {
		return nil, &StartError{Kind: StartInvalid, Err: errors.New("server declaration has no name")}
	}
	if s, ok := m.Get(def.Name); ok {
		return s, nil
	}

	startCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(def.Name, func() (interface{}, error) {
		if !m.beginStart() {
			return nil, &StartError{Kind: StartInvalid, Server: def.Name, Err: ErrClosed}
		}
		defer m.pending.Done()
		return m.start(startCtx, def)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for mcp server %q", def.Name)
	}
}

// beginStart registers an in-flight start unless the manager is closed
func (m *Manager) beginStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.pending.Add(1)
	return true
}

func (m *Manager) start(ctx context.Context, def *capabilities.MCPServerDef) (*Session, error) {
	lock := m.lockFor(def.Name)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := m.Get(def.Name); ok {
		return s, nil
	}
	m.mu.Lock()
	stale := m.sessions[def.Name]
	delete(m.sessions, def.Name)
	m.mu.Unlock()
	if stale != nil {
		// release the pipes and client of a server whose process went away
		_ = stale.stop(ctx, 0)
	}

	ctx = logger.WithLogger(ctx, logger.G(ctx).
		WithField("server", def.Name).
		WithField("transport", def.Transport))

	var session *Session
	err := telemetry.WithSpan(ctx, "mcp.ensure_started", func(ctx context.Context) error {
		var err error
		switch def.Transport {
		case capabilities.TransportStdio:
			session, err = m.startStdio(ctx, def)
		case capabilities.TransportHTTP:
			session, err = m.startHTTP(ctx, def)
		default:
			err = &StartError{Kind: StartInvalid, Server: def.Name, Err: errors.Errorf("unsupported transport %q", def.Transport)}
		}
		return err
	}, attribute.String("mcp.server", def.Name), attribute.String("mcp.transport", string(def.Transport)))
	if err != nil {
		logger.G(ctx).WithError(err).Warn("mcp server unavailable")
		return nil, err
	}

	session.ID = uuid.New().String()
	session.Server = def.Name
	session.Transport = def.Transport
	session.StartedAt = time.Now()
	session.def = def

	m.mu.Lock()
	m.sessions[def.Name] = session
	m.mu.Unlock()

	logger.G(ctx).WithField("session", session.ID).WithField("pid", session.PID).Info("mcp server started")
	return session, nil
}

// Get returns the running session of name
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[name]
	if !ok || !s.Running() {
		return nil, false
	}
	return s, true
}

// Sessions returns the running sessions ordered by server name
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Running() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Stop stops s. Stopping a stopped session is a no-op.
func (m *Manager) Stop(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	lock := m.lockFor(s.Server)
	lock.Lock()
	defer lock.Unlock()

	err := telemetry.WithSpan(ctx, "mcp.stop", func(ctx context.Context) error {
		return s.stop(ctx, m.stopGrace)
	}, attribute.String("mcp.server", s.Server))

	m.mu.Lock()
	if m.sessions[s.Server] == s {
		delete(m.sessions, s.Server)
	}
	m.mu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "failed to stop mcp server %q", s.Server)
	}
	logger.G(ctx).WithField("server", s.Server).WithField("session", s.ID).Debug("mcp server stopped")
	return nil
}

// StopAll closes the manager and stops every session it knows of, including
// ones whose process already exited, and aggregates the failures. Starts
// still in flight, even those whose callers gave up waiting, are finished
// and stopped too. EnsureStarted fails with ErrClosed afterwards.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.pending.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Server < sessions[j].Server })

	var result *multierror.Error
	for _, s := range sessions {
		if err := m.Stop(ctx, s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Health checks that the session of name is still usable
func (m *Manager) Health(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok || s.stopped.Load() {
		return errors.Wrapf(ErrNotStarted, "mcp server %q", name)
	}

	switch s.Transport {
	case capabilities.TransportHTTP:
		return m.probe(ctx, s.def, 1)
	default:
		return m.checkStdio(ctx, s)
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}
