package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

func reviewRegistry() *registry.Registry {
	return registry.New(&capabilities.Manifest{
		Agents: []*capabilities.AgentDef{
			{Name: "code-simplicity-reviewer", Description: "Final pass for simplicity and minimalism", Category: "review", Order: 0},
			{Name: "security-sentinel", Description: "Security audits and vulnerability assessments", Category: "review", Order: 1},
		},
		Commands: []*capabilities.CommandDef{
			{Namespace: "workflows", Name: "review", Description: "Perform exhaustive code reviews", Order: 0},
		},
	})
}

func agentRef(name string) capabilities.Ref {
	return capabilities.Ref{Kind: capabilities.KindAgent, Name: name}
}

func TestResolveFreeText(t *testing.T) {
	result := Resolve(Request{Text: "review this diff for SQL injection risk"}, reviewRegistry())

	require.Equal(t, OutcomeMatched, result.Outcome)
	assert.Equal(t, agentRef("security-sentinel"), result.Ref)
	assert.InDelta(t, 0.6, result.Score.Value, 1e-9)
	assert.Equal(t, 3, result.Score.Matched)
	assert.Equal(t, "review", result.Category)
	assert.False(t, result.Explicit)

	require.Len(t, result.RunnerUps, 1)
	assert.Equal(t, agentRef("code-simplicity-reviewer"), result.RunnerUps[0].Ref)
	assert.InDelta(t, 0.4, result.RunnerUps[0].Score.Value, 1e-9)
}

func TestResolveExplicitCommand(t *testing.T) {
	reg := reviewRegistry()
	commandRef := capabilities.Ref{Kind: capabilities.KindCommand, Name: "workflows:review"}

	tests := []struct {
		name     string
		req      Request
		outcome  Outcome
		ref      capabilities.Ref
		args     string
		resolved string
	}{
		{
			name:     "slash text",
			req:      Request{Text: "/workflows:review"},
			outcome:  OutcomeMatched,
			ref:      commandRef,
			resolved: "workflows:review",
		},
		{
			name:     "slash text with arguments",
			req:      Request{Text: "/workflows:review 123 --fast"},
			outcome:  OutcomeMatched,
			ref:      commandRef,
			args:     "123 --fast",
			resolved: "workflows:review",
		},
		{
			name:     "hint wins over text that scores an agent",
			req:      Request{Text: "security audits for SQL injection", Hint: "/workflows:review"},
			outcome:  OutcomeMatched,
			ref:      commandRef,
			args:     "security audits for SQL injection",
			resolved: "workflows:review",
		},
		{
			name:     "hint without slash",
			req:      Request{Hint: "workflows:review"},
			outcome:  OutcomeMatched,
			ref:      commandRef,
			resolved: "workflows:review",
		},
		{
			name:     "unknown command never falls back",
			req:      Request{Text: "security vulnerability audit", Hint: "/workflows:nope"},
			outcome:  OutcomeNotFound,
			args:     "security vulnerability audit",
			resolved: "workflows:nope",
		},
		{
			name:     "missing namespace is a miss",
			req:      Request{Text: "/review"},
			outcome:  OutcomeNotFound,
			resolved: "review",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Resolve(tt.req, reg)
			assert.True(t, result.Explicit)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.ref, result.Ref)
			assert.Equal(t, tt.args, result.Arguments)
			assert.Equal(t, tt.resolved, result.Requested)
			assert.Empty(t, result.RunnerUps)
		})
	}
}

func TestResolveAmbiguous(t *testing.T) {
	reg := registry.New(&capabilities.Manifest{
		Agents: []*capabilities.AgentDef{
			{Name: "kieran-rails-reviewer", Description: "Review Rails code", Order: 0},
			{Name: "dhh-rails-reviewer", Description: "Review Rails code", Order: 1},
		},
	})

	result := Resolve(Request{Text: "rails code"}, reg)
	require.Equal(t, OutcomeAmbiguous, result.Outcome)
	assert.Equal(t, capabilities.Ref{}, result.Ref)

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, agentRef("kieran-rails-reviewer"), result.Candidates[0].Ref)
	assert.Equal(t, agentRef("dhh-rails-reviewer"), result.Candidates[1].Ref)
	assert.Equal(t, result.Candidates[0].Score, result.Candidates[1].Score)
}

func TestResolveCategoryBreaksTie(t *testing.T) {
	reg := registry.New(&capabilities.Manifest{
		Agents: []*capabilities.AgentDef{
			{Name: "alpha-helper", Description: "Rails framework documentation lookup", Category: "workflow", Order: 0},
			{Name: "beta-helper", Description: "Rails framework documentation lookup", Category: "research", Order: 1},
		},
	})

	result := Resolve(Request{Text: "research rails framework"}, reg)
	require.Equal(t, OutcomeMatched, result.Outcome)
	assert.Equal(t, agentRef("beta-helper"), result.Ref)
	assert.Equal(t, "research", result.Category)

	require.Len(t, result.RunnerUps, 1)
	assert.Equal(t, agentRef("alpha-helper"), result.RunnerUps[0].Ref)
	assert.False(t, result.RunnerUps[0].CategoryMatch)
}

func TestResolveAgentsBeforeSkills(t *testing.T) {
	reg := registry.New(&capabilities.Manifest{
		Skills: []*capabilities.SkillDef{
			{Name: "rails-style", Description: "Rails conventions", Order: 0},
		},
		Agents: []*capabilities.AgentDef{
			{Name: "rails-style", Description: "Rails conventions", Order: 5},
		},
	})

	result := Resolve(Request{Text: "rails conventions"}, reg)
	require.Equal(t, OutcomeAmbiguous, result.Outcome)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, capabilities.KindAgent, result.Candidates[0].Ref.Kind)
	assert.Equal(t, capabilities.KindSkill, result.Candidates[1].Ref.Kind)
}

func TestResolveNotFound(t *testing.T) {
	reg := reviewRegistry()

	result := Resolve(Request{Text: "bake a cake"}, reg)
	assert.Equal(t, OutcomeNotFound, result.Outcome)
	assert.Empty(t, result.RunnerUps)
	assert.Empty(t, result.Candidates)

	result = Resolve(Request{Text: "   "}, reg)
	assert.Equal(t, OutcomeNotFound, result.Outcome)

	result = Resolve(Request{Text: "security"}, nil)
	assert.Equal(t, OutcomeNotFound, result.Outcome)
}

func TestResolveMinScore(t *testing.T) {
	d := New(Options{MinScore: 1.0})
	result := d.Resolve(Request{Text: "review this diff for SQL injection risk"}, reviewRegistry())
	assert.Equal(t, OutcomeNotFound, result.Outcome)
}

func TestRunnerUpsCapped(t *testing.T) {
	m := &capabilities.Manifest{}
	for i, name := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf"} {
		m.Agents = append(m.Agents, &capabilities.AgentDef{
			Name:        "helper-" + name,
			Description: "Rails helper",
			Order:       i,
		})
	}
	reg := registry.New(m)

	result := Resolve(Request{Text: "rails helper"}, reg)
	require.Equal(t, OutcomeAmbiguous, result.Outcome)
	assert.Len(t, result.RunnerUps, MaxRunnerUps)
	assert.Len(t, result.Candidates, MaxRunnerUps+1)
	assert.Equal(t, agentRef("helper-alpha"), result.Candidates[0].Ref)

	result = New(Options{RunnerUps: 2}).Resolve(Request{Text: "rails helper"}, reg)
	assert.Len(t, result.RunnerUps, 2)
	assert.Len(t, result.Candidates, 3)

	result = New(Options{RunnerUps: 10}).Resolve(Request{Text: "rails helper"}, reg)
	assert.Len(t, result.RunnerUps, MaxRunnerUps)
}

func TestResolveDeterministic(t *testing.T) {
	reg := reviewRegistry()
	req := Request{Text: "review this diff for SQL injection risk"}
	want := Resolve(req, reg)

	var wg sync.WaitGroup
	diffs := make([]string, 32)
	for i := range diffs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			diffs[i] = cmp.Diff(want, Resolve(req, reg))
		}(i)
	}
	wg.Wait()

	for i, d := range diffs {
		assert.Empty(t, d, "call %d differed", i)
	}
}

type scorerFunc func(Query, Candidate) Score

func (f scorerFunc) Score(q Query, c Candidate) Score { return f(q, c) }

func TestCustomScorer(t *testing.T) {
	reg := reviewRegistry()
	var seen []string
	d := New(Options{Scorer: scorerFunc(func(q Query, c Candidate) Score {
		seen = append(seen, fmt.Sprintf("%s:%s", c.Ref.Kind, c.Name))
		if c.Name == "code-simplicity-reviewer" {
			return Score{Value: 1, Matched: 1}
		}
		return Score{}
	})})

	result := d.Resolve(Request{Text: "anything at all"}, reg)
	require.Equal(t, OutcomeMatched, result.Outcome)
	assert.Equal(t, agentRef("code-simplicity-reviewer"), result.Ref)
	assert.Empty(t, result.RunnerUps, "zero scores are never returned")
	assert.Equal(t, []string{"agent:code-simplicity-reviewer", "agent:security-sentinel"}, seen)
}

func TestEpsilonOption(t *testing.T) {
	reg := reviewRegistry()
	d := New(Options{Epsilon: 0.5})

	result := d.Resolve(Request{Text: "review this diff for SQL injection risk"}, reg)
	require.Equal(t, OutcomeAmbiguous, result.Outcome)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, agentRef("security-sentinel"), result.Candidates[0].Ref)
}
