package dispatch

import (
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Query is a request prepared for scoring
type Query struct {
	Text     string
	Terms    []string
	Category string // normalized category named by the request, if any
}

// Candidate is an agent or skill being scored
type Candidate struct {
	Ref         capabilities.Ref
	Name        string
	Description string
	Category    string
	Order       int
}

// Score is the relevance of one candidate to one query
type Score struct {
	Value   float64 `json:"value" yaml:"value"`
	Matched int     `json:"matched" yaml:"matched"` // query terms that matched
	Density float64 `json:"density" yaml:"density"` // matched share of the description terms
}

// Scorer rates candidates against a query. Implementations must be pure.
type Scorer interface {
	Score(q Query, c Candidate) Score
}

// Default weights of TokenOverlapScorer
const (
	DefaultNameWeight        = 2.0
	DefaultDescriptionWeight = 1.0
	DefaultRelatedWeight     = 0.5
)

// relatedGroups lists words that count as weak evidence for each other
var relatedGroups = [][]string{
	{"security", "secure", "vulnerability", "vulnerabilities", "sql", "injection", "xss", "csrf", "exploit", "auth", "authentication", "authorization", "password", "secret", "risk", "attack", "owasp", "threat", "audit"},
	{"performance", "slow", "latency", "speed", "optimize", "bottleneck", "memory", "cpu", "scalability", "profiling"},
	{"simplicity", "simple", "simplify", "complexity", "minimal", "minimalism", "yagni", "cleanup", "refactor"},
	{"database", "migration", "schema", "table", "index", "query", "sql", "data", "integrity", "transaction"},
	{"test", "tests", "testing", "spec", "coverage", "minitest", "rspec"},
	{"docs", "documentation", "document", "readme", "changelog", "guide"},
	{"design", "ui", "ux", "figma", "layout", "css", "visual", "interface"},
	{"research", "best", "practice", "practices", "library", "framework", "documentation", "history"},
	{"git", "history", "commit", "blame", "diff", "change", "pr"},
	{"architecture", "pattern", "patterns", "structure", "boundary", "boundaries", "layer"},
	{"deploy", "deployment", "release", "rollout", "ship"},
	{"rails", "ruby", "gem", "activerecord"},
	{"typescript", "javascript", "react", "stimulus", "frontend", "turbo", "hotwire"},
	{"python", "django", "fastapi"},
	{"elixir", "phoenix", "liveview", "ecto"},
}

// DefaultRelated builds the related-term table from relatedGroups, keyed by stem
func DefaultRelated() map[string][]string {
	related := make(map[string][]string)
	for _, group := range relatedGroups {
		stems := make([]string, 0, len(group))
		for _, w := range group {
			stems = append(stems, Stem(w))
		}
		for _, a := range stems {
			for _, b := range stems {
				if a != b && !contains(related[a], b) {
					related[a] = append(related[a], b)
				}
			}
		}
	}
	return related
}

var defaultRelated = DefaultRelated()

// TokenOverlapScorer scores by weighted term overlap. A query term found in
// the candidate name scores NameWeight, in the description DescriptionWeight,
// and a related term scores the same weights scaled by RelatedWeight. The
// sum is divided by the number of query terms.
type TokenOverlapScorer struct {
	NameWeight        float64
	DescriptionWeight float64
	RelatedWeight     float64
	// Related maps a stemmed term to stems that count as weak matches. Nil
	// uses DefaultRelated; an empty map disables related matching.
	Related map[string][]string
}

// Score implements Scorer
func (s *TokenOverlapScorer) Score(q Query, c Candidate) Score {
	if len(q.Terms) == 0 {
		return Score{}
	}

	nameW := orDefault(s.NameWeight, DefaultNameWeight)
	descW := orDefault(s.DescriptionWeight, DefaultDescriptionWeight)
	relW := orDefault(s.RelatedWeight, DefaultRelatedWeight)
	related := s.Related
	if related == nil {
		related = defaultRelated
	}

	nameTerms := termSet(Terms(c.Name))
	descList := Terms(c.Description)
	descTerms := termSet(descList)

	var total float64
	var matched, descMatched int
	for _, term := range q.Terms {
		var best float64
		inDesc := false

		switch {
		case nameTerms[term]:
			best = nameW
			inDesc = descTerms[term]
		case descTerms[term]:
			best = descW
			inDesc = true
		default:
			for _, rel := range related[term] {
				if nameTerms[rel] {
					best = max(best, nameW*relW)
				}
				if descTerms[rel] {
					best = max(best, descW*relW)
					inDesc = true
				}
			}
		}

		if best > 0 {
			matched++
			total += best
		}
		if inDesc {
			descMatched++
		}
	}

	score := Score{
		Value:   total / float64(len(q.Terms)),
		Matched: matched,
	}
	if len(descList) > 0 {
		score.Density = float64(descMatched) / float64(len(descList))
	}
	return score
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func termSet(terms []string) map[string]bool {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
