// Package serve exposes a capability registry to MCP hosts. A host that
// speaks MCP can resolve requests, disclose skills and list capabilities
// through tools instead of linking the registry.
package serve

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/host"
	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
	"github.com/jingkaihe/capsule/pkg/version"
)

// Tool names
const (
	ToolResolve  = "resolve"
	ToolDisclose = "disclose"
	ToolList     = "list"
)

// Server serves the registry over MCP
type Server struct {
	runtime *host.Runtime
	store   *registry.Store
	engine  *disclosure.Engine
	budget  disclosure.Budget
	mcp     *server.MCPServer
}

// Option configures a Server
type Option func(*Server)

// WithDisclosure sets the engine and default budget of the disclose tool
func WithDisclosure(engine *disclosure.Engine, budget disclosure.Budget) Option {
	return func(s *Server) {
		if engine != nil {
			s.engine = engine
		}
		s.budget = budget
	}
}

// New creates a server backed by rt for resolution and store for lookups
func New(rt *host.Runtime, store *registry.Store, opts ...Option) *Server {
	s := &Server{
		runtime: rt,
		store:   store,
		engine:  disclosure.NewEngine(),
		budget:  disclosure.Bytes(disclosure.DefaultLimit),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer("capsule", version.Get().Version, server.WithToolCapabilities(false))
	s.mcp.AddTool(mcp.NewTool(ToolResolve,
		mcp.WithDescription("Resolve a request to the agent, command or skill that should handle it"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Free-text request")),
		mcp.WithString("hint", mcp.Description("Explicit invocation such as /workflows:review")),
	), s.handleResolve)
	s.mcp.AddTool(mcp.NewTool(ToolDisclose,
		mcp.WithDescription("Disclose a skill summary and as many references as fit the budget"),
		mcp.WithString("skill", mcp.Required(), mcp.Description("Skill name")),
		mcp.WithNumber("budget", mcp.Description("Budget limit, the server default when omitted")),
		mcp.WithString("unit", mcp.Description("Budget unit"), mcp.Enum(string(disclosure.UnitBytes), string(disclosure.UnitTokens))),
	), s.handleDisclose)
	s.mcp.AddTool(mcp.NewTool(ToolList,
		mcp.WithDescription("List the declared capabilities"),
		mcp.WithString("kind", mcp.Description("Restrict the listing to one kind"),
			mcp.Enum(string(capabilities.KindAgent), string(capabilities.KindCommand), string(capabilities.KindSkill), string(capabilities.KindMCP))),
	), s.handleList)
	return s
}

// MCPServer returns the underlying MCP server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Listen serves MCP over in and out until ctx is done or in is closed
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(logger.G(ctx).WriterLevel(logrus.ErrorLevel), "", 0))
	logger.G(ctx).Info("serving capabilities over mcp stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "mcp server stopped")
	}
	return nil
}

func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, err := s.runtime.Prepare(ctx, dispatch.Request{Text: text, Hint: req.GetString("hint", "")})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(plan)
}

func (s *Server) handleDisclose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("skill")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reg := s.store.Current()
	if reg == nil {
		return mcp.NewToolResultError(host.ErrNoRegistry.Error()), nil
	}
	skill, ok := reg.LookupSkill(name)
	if !ok {
		return mcp.NewToolResultError("unknown skill " + name), nil
	}

	budget := s.budget
	if limit := req.GetInt("budget", 0); limit > 0 {
		budget.Limit = limit
	}
	if raw := req.GetString("unit", ""); raw != "" {
		unit, err := disclosure.ParseUnit(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		budget.Unit = unit
	}

	var chunks []disclosure.Chunk
	for c := range s.engine.Disclose(skill, budget) {
		chunks = append(chunks, c)
	}
	logger.G(ctx).WithField("skill", name).WithField("chunks", len(chunks)).Debug("disclosed skill")
	return jsonResult(chunks)
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg := s.store.Current()
	if reg == nil {
		return mcp.NewToolResultError(host.ErrNoRegistry.Error()), nil
	}

	switch capabilities.Kind(strings.ToLower(req.GetString("kind", ""))) {
	case capabilities.KindAgent:
		return jsonResult(reg.ListAgents())
	case capabilities.KindCommand:
		return jsonResult(reg.ListCommands())
	case capabilities.KindSkill:
		return jsonResult(reg.ListSkills())
	case capabilities.KindMCP:
		return jsonResult(reg.ListMCPServers())
	case "":
		return jsonResult(reg.Manifest())
	}
	return mcp.NewToolResultError("unknown kind " + req.GetString("kind", "")), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tool result")
	}
	return mcp.NewToolResultText(string(data)), nil
}
