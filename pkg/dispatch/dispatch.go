// Package dispatch selects the capability that applies to a request.
//
// An explicit invocation such as "/workflows:review 123" is an exact command
// lookup. Anything else is scored against every agent and skill in the
// registry and ranked; near ties are reported as ambiguous instead of being
// settled silently. Resolution performs no I/O and depends only on the
// request and the registry snapshot.
package dispatch

import (
	"sort"
	"strings"

	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Outcome is the kind of a dispatch result
type Outcome string

// Dispatch outcomes
const (
	OutcomeMatched   Outcome = "matched"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeNotFound  Outcome = "not_found"
)

// Defaults used when Options fields are zero
const (
	DefaultEpsilon = 0.05
	MaxRunnerUps   = 4
)

// categoryAliases maps stemmed words to the categories agents are grouped by
var categoryAliases = map[string]string{
	"review":     "review",
	"research":   "research",
	"design":     "design",
	"workflow":   "workflow",
	"doc":        "docs",
	"documentat": "docs",
}

// Request is one dispatch request
type Request struct {
	Text string `json:"text" yaml:"text"`
	// Hint is an explicit invocation such as "/workflows:review"
	Hint string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Ranked is a scored candidate
type Ranked struct {
	Ref           capabilities.Ref `json:"ref" yaml:"ref"`
	Score         Score            `json:"score" yaml:"score"`
	CategoryMatch bool             `json:"category_match,omitempty" yaml:"category_match,omitempty"`
}

// Result is what the host consumes. Ref is set only for OutcomeMatched;
// Candidates lists the tied contenders of an ambiguous result.
type Result struct {
	Outcome    Outcome          `json:"outcome" yaml:"outcome"`
	Ref        capabilities.Ref `json:"ref,omitzero" yaml:"ref,omitempty"`
	Score      Score            `json:"score,omitzero" yaml:"score,omitempty"`
	Explicit   bool             `json:"explicit,omitempty" yaml:"explicit,omitempty"`
	Requested  string           `json:"requested,omitempty" yaml:"requested,omitempty"`
	Arguments  string           `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Category   string           `json:"category,omitempty" yaml:"category,omitempty"`
	RunnerUps  []Ranked         `json:"runner_ups,omitempty" yaml:"runner_ups,omitempty"`
	Candidates []Ranked         `json:"candidates,omitempty" yaml:"candidates,omitempty"`
}

// Options configures a Dispatcher
type Options struct {
	Scorer Scorer
	// Epsilon is the score difference under which the top two are tied
	Epsilon float64
	// MinScore is the lowest score that still counts as a match
	MinScore float64
	// RunnerUps is capped at MaxRunnerUps
	RunnerUps int
}

// Dispatcher resolves requests. It holds no per-request state and is safe
// for concurrent use.
type Dispatcher struct {
	scorer    Scorer
	epsilon   float64
	minScore  float64
	runnerUps int
}

// New creates a dispatcher, filling zero options with defaults
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		scorer:    opts.Scorer,
		epsilon:   opts.Epsilon,
		minScore:  opts.MinScore,
		runnerUps: opts.RunnerUps,
	}
	if d.scorer == nil {
		d.scorer = &TokenOverlapScorer{}
	}
	if d.epsilon <= 0 {
		d.epsilon = DefaultEpsilon
	}
	if d.runnerUps <= 0 || d.runnerUps > MaxRunnerUps {
		d.runnerUps = MaxRunnerUps
	}
	return d
}

var defaultDispatcher = New(Options{})

// Resolve uses a dispatcher with default options
func Resolve(req Request, reg *registry.Registry) Result {
	return defaultDispatcher.Resolve(req, reg)
}

// Resolve selects the capability for req from reg
func (d *Dispatcher) Resolve(req Request, reg *registry.Registry) Result {
	if invocation, ok := explicitInvocation(req); ok {
		result := resolveExplicit(invocation, reg)
		if result.Arguments == "" && strings.TrimSpace(req.Hint) != "" {
			result.Arguments = strings.TrimSpace(req.Text)
		}
		return result
	}

	q := d.prepare(req.Text, reg)
	ranked := d.rank(q, reg)
	if len(ranked) == 0 {
		return Result{Outcome: OutcomeNotFound, Category: q.Category}
	}

	top := ranked[0]
	result := Result{Category: q.Category, Outcome: OutcomeMatched}

	var tied []Ranked
	for _, r := range ranked {
		if r.Score.Value >= top.Score.Value-d.epsilon && r.CategoryMatch == top.CategoryMatch {
			tied = append(tied, r)
		}
	}

	if len(tied) > 1 {
		result.Outcome = OutcomeAmbiguous
		result.Candidates = capRanked(tied, d.runnerUps+1)
	} else {
		result.Ref = top.Ref
		result.Score = top.Score
	}
	result.RunnerUps = capRanked(ranked[1:], d.runnerUps)
	return result
}

func (d *Dispatcher) prepare(text string, reg *registry.Registry) Query {
	q := Query{Text: text, Terms: Terms(text)}

	known := make(map[string]bool)
	for _, c := range categoryAliases {
		known[c] = true
	}
	if reg != nil {
		for _, a := range reg.ListAgents() {
			if c := normalizeCategory(a.Category); c != "" {
				known[c] = true
			}
		}
	}

	for _, term := range q.Terms {
		if c := normalizeCategory(term); known[c] {
			q.Category = c
			break
		}
	}
	return q
}

func (d *Dispatcher) rank(q Query, reg *registry.Registry) []Ranked {
	if reg == nil {
		return nil
	}

	var candidates []Candidate
	for _, a := range reg.ListAgents() {
		candidates = append(candidates, Candidate{
			Ref:         capabilities.Ref{Kind: capabilities.KindAgent, Name: a.Name},
			Name:        a.Name,
			Description: a.Description,
			Category:    a.Category,
			Order:       a.Order,
		})
	}
	for _, s := range reg.ListSkills() {
		candidates = append(candidates, Candidate{
			Ref:         capabilities.Ref{Kind: capabilities.KindSkill, Name: s.Name},
			Name:        s.Name,
			Description: s.Description,
			Order:       s.Order,
		})
	}

	type scored struct {
		Ranked
		order int
	}
	var list []scored
	for _, c := range candidates {
		score := d.scorer.Score(q, c)
		if score.Value <= 0 || score.Value < d.minScore {
			continue
		}
		list = append(list, scored{
			Ranked: Ranked{
				Ref:           c.Ref,
				Score:         score,
				CategoryMatch: q.Category != "" && normalizeCategory(c.Category) == q.Category,
			},
			order: c.Order,
		})
	}
	if len(list) == 0 {
		return nil
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Score.Value != b.Score.Value {
			return a.Score.Value > b.Score.Value
		}
		if a.Score.Matched != b.Score.Matched {
			return a.Score.Matched > b.Score.Matched
		}
		if a.Score.Density != b.Score.Density {
			return a.Score.Density > b.Score.Density
		}
		if a.Ref.Kind != b.Ref.Kind {
			return a.Ref.Kind == capabilities.KindAgent
		}
		return a.order < b.order
	})

	// Among the contenders within epsilon of the top score, a category match wins
	topValue := list[0].Score.Value
	n := 0
	for n < len(list) && list[n].Score.Value >= topValue-d.epsilon {
		n++
	}
	contenders := list[:n]
	sort.SliceStable(contenders, func(i, j int) bool {
		return contenders[i].CategoryMatch && !contenders[j].CategoryMatch
	})

	ranked := make([]Ranked, len(list))
	for i, s := range list {
		ranked[i] = s.Ranked
	}
	return ranked
}

// explicitInvocation extracts "/ns:name args" from the hint, or from the
// text when it starts with a slash
func explicitInvocation(req Request) (string, bool) {
	if hint := strings.TrimSpace(req.Hint); hint != "" {
		return hint, true
	}
	text := strings.TrimSpace(req.Text)
	if strings.HasPrefix(text, "/") && len(text) > 1 {
		return text, true
	}
	return "", false
}

func resolveExplicit(invocation string, reg *registry.Registry) Result {
	invocation = strings.TrimPrefix(strings.TrimSpace(invocation), "/")
	id, args := invocation, ""
	if idx := strings.IndexFunc(invocation, isSpace); idx >= 0 {
		id, args = invocation[:idx], strings.TrimSpace(invocation[idx:])
	}

	result := Result{Explicit: true, Requested: id, Arguments: args, Outcome: OutcomeNotFound}
	if reg == nil || id == "" {
		return result
	}
	if cmd, ok := reg.LookupCommandID(id); ok {
		result.Outcome = OutcomeMatched
		result.Ref = capabilities.Ref{Kind: capabilities.KindCommand, Name: cmd.ID()}
	}
	return result
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func normalizeCategory(category string) string {
	c := Stem(strings.ToLower(strings.TrimSpace(category)))
	if canonical, ok := categoryAliases[c]; ok {
		return canonical
	}
	return c
}

func capRanked(list []Ranked, n int) []Ranked {
	if len(list) > n {
		list = list[:n]
	}
	if len(list) == 0 {
		return nil
	}
	return append([]Ranked(nil), list...)
}
