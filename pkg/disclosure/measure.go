package disclosure

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jingkaihe/capsule/pkg/logger"
)

// DefaultEncoding is the tiktoken encoding used for token budgets
const DefaultEncoding = "cl100k_base"

// Measure returns the cost of text in some unit
type Measure func(text string) int

// ByteMeasure counts bytes
func ByteMeasure(text string) int { return len(text) }

// EstimateTokens approximates a token count as one token per four bytes
func EstimateTokens(text string) int { return (len(text) + 3) / 4 }

// Engine discloses skills with configurable measures. It is safe for
// concurrent use.
type Engine struct {
	encoding string
	tokens   Measure

	once sync.Once
}

// Option configures an Engine
type Option func(*Engine)

// WithEncoding sets the tiktoken encoding used for token budgets
func WithEncoding(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.encoding = name
		}
	}
}

// WithTokenMeasure replaces the tiktoken measure
func WithTokenMeasure(m Measure) Option {
	return func(e *Engine) {
		e.tokens = m
	}
}

// NewEngine creates an engine. The token encoder is initialized on the
// first token budget.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{encoding: DefaultEncoding}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) measure(unit Unit) Measure {
	if unit != UnitTokens {
		return ByteMeasure
	}
	e.once.Do(func() {
		if e.tokens != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			logger.L.WithError(err).WithField("encoding", e.encoding).
				Warn("failed to initialize token encoder, estimating tokens from bytes")
			e.tokens = EstimateTokens
			return
		}
		e.tokens = func(text string) int {
			return len(enc.Encode(text, nil, nil))
		}
	})
	return e.tokens
}
