package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/manifest"
	"github.com/jingkaihe/capsule/pkg/telemetry"
)

// LoadFunc builds a fresh registry, typically by loading manifests from disk
type LoadFunc func(ctx context.Context) (*Registry, error)

// ManifestLoader returns a LoadFunc that loads roots with the manifest
// loader and indexes the result
func ManifestLoader(roots []string, loaderOpts []manifest.Option, opts ...Option) LoadFunc {
	return func(ctx context.Context) (*Registry, error) {
		m, err := manifest.Load(ctx, roots, loaderOpts...)
		if err != nil {
			return nil, err
		}
		return New(m, opts...), nil
	}
}

// Store publishes the current registry snapshot. Readers never observe a
// partially built registry; a failed reload keeps the previous snapshot.
type Store struct {
	load       LoadFunc
	current    atomic.Pointer[Registry]
	generation atomic.Uint64
	mu         sync.Mutex // serializes reloads
}

// NewStore creates an empty store. Call Reload to publish the first snapshot.
func NewStore(load LoadFunc) *Store {
	return &Store{load: load}
}

// Reload builds a new registry and swaps it in
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return telemetry.WithSpan(ctx, "registry.reload", func(ctx context.Context) error {
		reg, err := s.load(ctx)
		if err != nil {
			logger.G(ctx).WithError(err).
				WithField("generation", s.generation.Load()).
				Warn("registry reload failed, keeping previous snapshot")
			return err
		}
		if reg == nil {
			return errors.New("load function returned no registry")
		}

		s.current.Store(reg)
		gen := s.generation.Add(1)
		telemetry.SetAttributes(ctx, attribute.Int64("registry.generation", int64(gen)))
		logger.G(ctx).WithField("generation", gen).Debug("registry snapshot published")
		return nil
	})
}

// Current returns the published snapshot, nil before the first successful reload
func (s *Store) Current() *Registry {
	return s.current.Load()
}

// Generation counts successful reloads
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}
