// Package disclosure serves a skill progressively: its summary first, then
// reference documents in declared order while they fit a budget, then a
// marker naming everything that was held back.
package disclosure

import (
	"iter"
	"strings"

	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Unit is what a budget counts
type Unit string

// Budget units
const (
	UnitBytes  Unit = "bytes"
	UnitTokens Unit = "tokens"
)

// ParseUnit parses a unit name; the empty string means bytes
func ParseUnit(s string) (Unit, error) {
	switch Unit(strings.ToLower(strings.TrimSpace(s))) {
	case "", UnitBytes:
		return UnitBytes, nil
	case UnitTokens:
		return UnitTokens, nil
	}
	return "", errors.Errorf("unknown budget unit %q, expected bytes or tokens", s)
}

// Budget bounds the content of one disclosure. The summary is always
// disclosed and its cost is taken from the limit before any reference.
type Budget struct {
	Limit int  `json:"limit" yaml:"limit"`
	Unit  Unit `json:"unit" yaml:"unit"`
}

// DefaultLimit is the budget limit used when none is configured
const DefaultLimit = 16384

// Bytes is a byte budget
func Bytes(limit int) Budget { return Budget{Limit: limit, Unit: UnitBytes} }

// Tokens is a token budget
func Tokens(limit int) Budget { return Budget{Limit: limit, Unit: UnitTokens} }

// ChunkKind identifies a chunk
type ChunkKind string

// Chunk kinds, in the order they appear
const (
	ChunkSummary   ChunkKind = "summary"
	ChunkReference ChunkKind = "reference"
	ChunkWithheld  ChunkKind = "withheld"
)

// Reason explains why a reference was withheld
type Reason string

// Withhold reasons
const (
	ReasonBudget     Reason = "budget"
	ReasonUnreadable Reason = "unreadable"
)

// Withheld describes a reference that was not disclosed
type Withheld struct {
	Topic  string `json:"topic" yaml:"topic"`
	Path   string `json:"path" yaml:"path"`
	Size   int    `json:"size" yaml:"size"`
	Reason Reason `json:"reason" yaml:"reason"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Chunk is one element of a disclosure. Content is set for summary and
// reference chunks; Withheld, Used and Limit only on the terminal marker.
type Chunk struct {
	Kind     ChunkKind  `json:"kind" yaml:"kind"`
	Topic    string     `json:"topic,omitempty" yaml:"topic,omitempty"`
	Path     string     `json:"path,omitempty" yaml:"path,omitempty"`
	Content  string     `json:"content,omitempty" yaml:"content,omitempty"`
	Cost     int        `json:"cost" yaml:"cost"`
	Withheld []Withheld `json:"withheld,omitempty" yaml:"withheld,omitempty"`
	Used     int        `json:"used,omitempty" yaml:"used,omitempty"`
	Limit    int        `json:"limit,omitempty" yaml:"limit,omitempty"`
}

var defaultEngine = NewEngine()

// Disclose discloses skill with the default engine
func Disclose(skill *capabilities.SkillDef, budget Budget) iter.Seq[Chunk] {
	return defaultEngine.Disclose(skill, budget)
}

// Disclose returns the lazy disclosure sequence of skill. Reference bodies
// are read only when the consumer asks for the chunk that needs them, and a
// byte budget rejects a reference by its declared size without reading it.
//
// Cumulative reference cost never exceeds budget.Limit minus the summary cost.
// The withheld marker is always the final chunk.
func (e *Engine) Disclose(skill *capabilities.SkillDef, budget Budget) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if skill == nil {
			return
		}
		measure := e.measure(budget.Unit)
		limit := max(budget.Limit, 0)

		summaryCost := measure(skill.Summary)
		if !yield(Chunk{Kind: ChunkSummary, Path: skill.Path, Content: skill.Summary, Cost: summaryCost}) {
			return
		}

		remaining := max(limit-summaryCost, 0)
		used := 0
		withheld := []Withheld{}

		for _, ref := range skill.References {
			if ref == nil {
				continue
			}
			declared := int(ref.Size)
			if budget.Unit != UnitTokens && declared > remaining {
				withheld = append(withheld, Withheld{Topic: ref.Topic, Path: ref.Path, Size: declared, Reason: ReasonBudget})
				continue
			}

			content, err := ref.Load()
			if err != nil {
				withheld = append(withheld, Withheld{
					Topic:  ref.Topic,
					Path:   ref.Path,
					Size:   declared,
					Reason: ReasonUnreadable,
					Error:  err.Error(),
				})
				continue
			}

			cost := measure(content)
			if cost > remaining {
				withheld = append(withheld, Withheld{Topic: ref.Topic, Path: ref.Path, Size: cost, Reason: ReasonBudget})
				continue
			}

			remaining -= cost
			used += cost
			if !yield(Chunk{Kind: ChunkReference, Topic: ref.Topic, Path: ref.Path, Content: content, Cost: cost}) {
				return
			}
		}

		yield(Chunk{Kind: ChunkWithheld, Withheld: withheld, Used: used, Limit: limit})
	}
}
