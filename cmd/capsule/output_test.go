package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/host"
	"github.com/jingkaihe/capsule/pkg/mcp"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

func testRegistry(serverURL string) *registry.Registry {
	return registry.New(&capabilities.Manifest{
		Agents: []*capabilities.AgentDef{
			{Name: "security-sentinel", Description: "Security audits", Category: "review", Tools: []string{"context7"}},
		},
		Commands: []*capabilities.CommandDef{
			{Namespace: "workflows", Name: "review", Description: "Exhaustive reviews", ArgumentHint: "<pr>"},
		},
		Skills: []*capabilities.SkillDef{
			{Name: "dhh-rails-style", Description: "Rails style", Topics: []string{"rails", "style"}},
		},
		MCPServers: []*capabilities.MCPServerDef{
			{Name: "context7", Transport: capabilities.TransportHTTP, URL: serverURL},
			{Name: "playwright", Transport: capabilities.TransportStdio, Command: "npx", Args: []string{"@playwright/mcp"}},
		},
	})
}

func TestParseListKind(t *testing.T) {
	tests := map[string]capabilities.Kind{
		"":         "",
		"agents":   capabilities.KindAgent,
		"agent":    capabilities.KindAgent,
		"Commands": capabilities.KindCommand,
		"skills":   capabilities.KindSkill,
		"mcp":      capabilities.KindMCP,
		"servers":  capabilities.KindMCP,
	}
	for in, want := range tests {
		got, err := parseListKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseListKind("plugins")
	assert.Error(t, err)
}

func TestValidateFormat(t *testing.T) {
	for _, f := range []string{"text", "json", "yaml"} {
		assert.NoError(t, validateFormat(f))
	}
	assert.Error(t, validateFormat("xml"))
}

func TestCountRows(t *testing.T) {
	reg := testRegistry("http://localhost")
	assert.Equal(t, [][]string{
		{"agent", "1"},
		{"command", "1"},
		{"skill", "1"},
		{"mcp", "2"},
	}, countRows(reg.Manifest()))
}

func TestListTable(t *testing.T) {
	reg := testRegistry("http://localhost:7000/mcp")

	headers, rows := listTable(reg, capabilities.KindCommand)
	assert.Equal(t, []string{"COMMAND", "ARGUMENTS", "DESCRIPTION"}, headers)
	assert.Equal(t, [][]string{{"/workflows:review", "<pr>", "Exhaustive reviews"}}, rows)

	_, rows = listTable(reg, capabilities.KindMCP)
	assert.Equal(t, [][]string{
		{"context7", "http", "http://localhost:7000/mcp"},
		{"playwright", "stdio", "npx @playwright/mcp"},
	}, rows)

	_, rows = listTable(reg, capabilities.KindSkill)
	assert.Equal(t, [][]string{{"dhh-rails-style", "0", "rails,style", "Rails style"}}, rows)
}

func TestWriteStructured(t *testing.T) {
	reg := testRegistry("http://localhost")

	var buf bytes.Buffer
	require.NoError(t, writeStructured(&buf, formatJSON, listValue(reg, capabilities.KindAgent)))
	var agents []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "security-sentinel", agents[0]["name"])

	buf.Reset()
	require.NoError(t, writeStructured(&buf, formatYAML, listValue(reg, "")))
	var all map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &all))
	assert.Contains(t, all, "mcp_servers")
	assert.Contains(t, all, "agents")

	assert.Error(t, writeStructured(&buf, formatText, nil))
}

func TestWritePlanText(t *testing.T) {
	sentinel := capabilities.Ref{Kind: capabilities.KindAgent, Name: "security-sentinel"}
	simplicity := capabilities.Ref{Kind: capabilities.KindAgent, Name: "code-simplicity-reviewer"}

	tests := []struct {
		name     string
		plan     *host.Plan
		contains []string
	}{
		{
			name: "matched with runner-ups and tools",
			plan: &host.Plan{
				Result: dispatch.Result{
					Outcome:   dispatch.OutcomeMatched,
					Ref:       sentinel,
					Score:     dispatch.Score{Value: 0.6, Matched: 3},
					Category:  "review",
					RunnerUps: []dispatch.Ranked{{Ref: simplicity, Score: dispatch.Score{Value: 0.4}}},
				},
				Tools: []host.ToolStatus{
					{Server: "context7", Available: true},
					{Server: "ghost", Error: "mcp server is not declared"},
				},
			},
			contains: []string{
				"matched agent:security-sentinel (score 0.600, 3 terms)",
				"category: review",
				"  agent:code-simplicity-reviewer (score 0.400)",
				"tool context7: available",
				"tool ghost: unavailable: mcp server is not declared",
			},
		},
		{
			name: "explicit command",
			plan: &host.Plan{Result: dispatch.Result{
				Outcome:   dispatch.OutcomeMatched,
				Ref:       capabilities.Ref{Kind: capabilities.KindCommand, Name: "workflows:review"},
				Explicit:  true,
				Arguments: "123",
			}},
			contains: []string{"matched command:workflows:review (explicit)", "arguments: 123"},
		},
		{
			name: "ambiguous",
			plan: &host.Plan{Result: dispatch.Result{
				Outcome:    dispatch.OutcomeAmbiguous,
				Candidates: []dispatch.Ranked{{Ref: sentinel}, {Ref: simplicity}},
			}},
			contains: []string{"ambiguous between:", "  agent:security-sentinel", "  agent:code-simplicity-reviewer"},
		},
		{
			name:     "missing command",
			plan:     &host.Plan{Result: dispatch.Result{Outcome: dispatch.OutcomeNotFound, Explicit: true, Requested: "workflows:nope"}},
			contains: []string{"not found: no command /workflows:nope"},
		},
		{
			name:     "nothing matches",
			plan:     &host.Plan{Result: dispatch.Result{Outcome: dispatch.OutcomeNotFound}},
			contains: []string{"not found: no capability matches the request"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writePlanText(&buf, tt.plan)
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

func TestWriteChunkText(t *testing.T) {
	var buf bytes.Buffer
	writeChunkText(&buf, disclosure.Chunk{Kind: disclosure.ChunkSummary, Content: "Use the browser.\n", Cost: 17})
	writeChunkText(&buf, disclosure.Chunk{Kind: disclosure.ChunkReference, Topic: "selectors", Path: "references/selectors.md", Content: "prefer roles", Cost: 12})
	writeChunkText(&buf, disclosure.Chunk{
		Kind:  disclosure.ChunkWithheld,
		Used:  12,
		Limit: 20,
		Withheld: []disclosure.Withheld{
			{Topic: "waits", Path: "references/waits.md", Reason: disclosure.ReasonBudget},
			{Topic: "gone", Path: "references/gone.md", Reason: disclosure.ReasonUnreadable, Error: "no such file"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "# summary (17)\n\nUse the browser.\n")
	assert.Contains(t, out, "# reference selectors: references/selectors.md (12)")
	assert.Contains(t, out, "# used 12 of 20")
	assert.Contains(t, out, "withheld waits: references/waits.md (budget)")
	assert.Contains(t, out, "withheld gone: references/gone.md (unreadable, no such file)")
}

func TestServerNames(t *testing.T) {
	reg := testRegistry("http://localhost")

	names, err := serverNames(reg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"context7", "playwright"}, names)

	names, err = serverNames(reg, []string{"playwright"})
	require.NoError(t, err)
	assert.Equal(t, []string{"playwright"}, names)

	_, err = serverNames(reg, []string{"zeta", "alpha", "context7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha, zeta")
}

func TestCheckServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New(&capabilities.Manifest{
		MCPServers: []*capabilities.MCPServerDef{
			{Name: "context7", Transport: capabilities.TransportHTTP, URL: srv.URL},
			{Name: "missing", Transport: capabilities.TransportStdio, Command: "/nonexistent/capsule-test-server"},
		},
	})

	ctx := context.Background()
	manager := mcp.NewManager(mcp.WithProbeAttempts(1))
	defer manager.StopAll(ctx)

	checks := checkServers(ctx, manager, reg, []string{"context7", "missing"})
	require.Len(t, checks, 2)

	assert.Equal(t, serverCheck{Server: "context7", Transport: "http", Available: true}, checks[0])

	assert.Equal(t, "missing", checks[1].Server)
	assert.False(t, checks[1].Available)
	assert.Equal(t, string(mcp.StartSpawn), checks[1].Kind)
	assert.NotEmpty(t, checks[1].Error)
}
