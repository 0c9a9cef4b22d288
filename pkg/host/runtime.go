// Package host is the boundary a host runtime consumes: it resolves a request
// against the current registry snapshot and assembles everything needed to
// invoke the selected capability, bringing up the MCP servers it declares.
// Server failures degrade the affected tools to unavailable; they never fail
// the dispatch itself.
package host

import (
	"context"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/mcp"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/telemetry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// ErrNoRegistry is returned by Prepare before the store has loaded anything
var ErrNoRegistry = errors.New("no registry snapshot is loaded")

// ErrNotDeclared marks a tool server no manifest declares
var ErrNotDeclared = errors.New("mcp server is not declared")

// ToolStatus is the availability of one MCP server a capability needs
type ToolStatus struct {
	Server    string       `json:"server" yaml:"server"`
	Available bool         `json:"available" yaml:"available"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
	Session   *mcp.Session `json:"-" yaml:"-"`
	Err       error        `json:"-" yaml:"-"`
}

// Plan is a resolved request with its materials
type Plan struct {
	Result     dispatch.Result `json:"result" yaml:"result"`
	Generation uint64          `json:"generation" yaml:"generation"`

	Agent   *capabilities.AgentDef   `json:"agent,omitempty" yaml:"agent,omitempty"`
	Command *capabilities.CommandDef `json:"command,omitempty" yaml:"command,omitempty"`
	Skill   *capabilities.SkillDef   `json:"skill,omitempty" yaml:"skill,omitempty"`

	// Body is the agent or command body, verbatim
	Body string `json:"body,omitempty" yaml:"body,omitempty"`
	// Chunks is the disclosure of a skill
	Chunks []disclosure.Chunk `json:"chunks,omitempty" yaml:"chunks,omitempty"`
	// CommandSchema describes the arguments of a command
	CommandSchema *jsonschema.Schema `json:"command_schema,omitempty" yaml:"-"`

	Tools []ToolStatus `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Runtime prepares plans from a registry store
type Runtime struct {
	store      *registry.Store
	dispatcher *dispatch.Dispatcher
	engine     *disclosure.Engine
	budget     disclosure.Budget
	manager    *mcp.Manager
	startTools bool
}

// Option configures a Runtime
type Option func(*Runtime)

// WithDispatcher replaces the default dispatcher
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(r *Runtime) {
		if d != nil {
			r.dispatcher = d
		}
	}
}

// WithDisclosure sets the engine and budget used for skills
func WithDisclosure(engine *disclosure.Engine, budget disclosure.Budget) Option {
	return func(r *Runtime) {
		if engine != nil {
			r.engine = engine
		}
		r.budget = budget
	}
}

// WithManager sets the MCP session manager
func WithManager(m *mcp.Manager) Option {
	return func(r *Runtime) {
		if m != nil {
			r.manager = m
		}
	}
}

// WithoutToolStart checks tool servers against the declarations only.
// Declared servers are reported available without being started.
func WithoutToolStart() Option {
	return func(r *Runtime) {
		r.startTools = false
	}
}

// New creates a runtime over store
func New(store *registry.Store, opts ...Option) *Runtime {
	r := &Runtime{
		store:      store,
		dispatcher: dispatch.New(dispatch.Options{}),
		engine:     disclosure.NewEngine(),
		budget:     disclosure.Bytes(disclosure.DefaultLimit),
		manager:    mcp.NewManager(),
		startTools: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Manager returns the session manager owned by the runtime
func (r *Runtime) Manager() *mcp.Manager {
	return r.manager
}

// Prepare resolves req and, for a match, gathers the capability's materials
// and tool servers. NotFound and Ambiguous are returned as plans, not errors.
func (r *Runtime) Prepare(ctx context.Context, req dispatch.Request) (*Plan, error) {
	reg := r.store.Current()
	if reg == nil {
		return nil, ErrNoRegistry
	}

	plan := &Plan{Generation: r.store.Generation()}
	telemetry.WithSpanFunc(ctx, "dispatch.resolve", func(ctx context.Context) {
		plan.Result = r.dispatcher.Resolve(req, reg)
		telemetry.SetAttributes(ctx,
			attribute.String("dispatch.outcome", string(plan.Result.Outcome)),
			attribute.String("dispatch.ref", plan.Result.Ref.String()),
			attribute.Bool("dispatch.explicit", plan.Result.Explicit),
		)
	})

	log := logger.G(ctx).WithField("outcome", plan.Result.Outcome)
	if plan.Result.Outcome != dispatch.OutcomeMatched {
		log.WithField("candidates", len(plan.Result.Candidates)).Debug("request did not resolve to a single capability")
		return plan, nil
	}
	log = log.WithField("ref", plan.Result.Ref.String())

	var servers []string
	switch ref := plan.Result.Ref; ref.Kind {
	case capabilities.KindAgent:
		agent, ok := reg.LookupAgent(ref.Name)
		if !ok {
			return nil, errors.Errorf("resolved agent %q is missing from the registry", ref.Name)
		}
		plan.Agent = agent
		plan.Body = agent.Body
		servers = agent.Tools
	case capabilities.KindCommand:
		cmd, ok := reg.LookupCommandID(ref.Name)
		if !ok {
			return nil, errors.Errorf("resolved command %q is missing from the registry", ref.Name)
		}
		plan.Command = cmd
		plan.Body = cmd.Body
		plan.CommandSchema = cmd.ArgumentSchema()
		servers = cmd.Tools
	case capabilities.KindSkill:
		skill, ok := reg.LookupSkill(ref.Name)
		if !ok {
			return nil, errors.Errorf("resolved skill %q is missing from the registry", ref.Name)
		}
		plan.Skill = skill
		plan.Chunks = slices.Collect(r.engine.Disclose(skill, r.budget))
		servers = skill.Tools
	default:
		return nil, errors.Errorf("unexpected capability kind %q", ref.Kind)
	}

	plan.Tools = r.tools(ctx, reg, servers)
	log.WithField("tools", len(plan.Tools)).Debug("prepared plan")
	return plan, nil
}

// tools brings up the named servers concurrently. The result follows the
// order of names.
func (r *Runtime) tools(ctx context.Context, reg *registry.Registry, names []string) []ToolStatus {
	if len(names) == 0 {
		return nil
	}

	statuses := make([]ToolStatus, len(names))
	var g errgroup.Group
	for i, name := range names {
		statuses[i].Server = name

		def, ok := reg.LookupMCPServer(name)
		if !ok {
			statuses[i].Err = ErrNotDeclared
			statuses[i].Error = ErrNotDeclared.Error()
			continue
		}
		if !r.startTools {
			statuses[i].Available = true
			continue
		}

		g.Go(func() error {
			session, err := r.manager.EnsureStarted(ctx, def)
			if err != nil {
				logger.G(ctx).WithError(err).WithField("server", name).Warn("tool server unavailable")
				statuses[i].Err = err
				statuses[i].Error = err.Error()
				return nil
			}
			statuses[i].Available = true
			statuses[i].Session = session
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// Close stops every MCP session the runtime started
func (r *Runtime) Close(ctx context.Context) error {
	return r.manager.StopAll(ctx)
}
