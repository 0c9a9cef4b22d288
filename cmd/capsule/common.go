package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/config"
	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/manifest"
	"github.com/jingkaihe/capsule/pkg/mcp"
	"github.com/jingkaihe/capsule/pkg/presenter"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/version"
)

// mustConfig loads the configuration or exits
func mustConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		presenter.Error(err, "Invalid configuration")
		os.Exit(1)
	}
	return cfg
}

func newStore(cfg config.Config) *registry.Store {
	loaderOpts := []manifest.Option{manifest.WithMaxFileSize(cfg.Loader.MaxFileSize)}
	registryOpts := []registry.Option{
		registry.WithAllowedAgents(cfg.Registry.AllowedAgents...),
		registry.WithAllowedSkills(cfg.Registry.AllowedSkills...),
	}
	return registry.NewStore(registry.ManifestLoader(cfg.Roots, loaderOpts, registryOpts...))
}

// mustLoad loads the configured roots. A known-bad registry is never served,
// so any load problem exits.
func mustLoad(ctx context.Context, cfg config.Config) *registry.Store {
	store := newStore(cfg)
	if err := store.Reload(ctx); err != nil {
		reportLoadError(err)
		os.Exit(1)
	}
	return store
}

// reportLoadError prints every problem of a failed load
func reportLoadError(err error) {
	problems := manifest.Errors(err)
	if len(problems) == 0 {
		presenter.Error(err, "Failed to load manifests")
		return
	}

	presenter.Error(errors.Errorf("%d problem(s) found", len(problems)), "Manifest validation failed")
	for _, p := range problems {
		presenter.Warning(fmt.Sprintf("  [%s] %s", p.Kind, p.Error()))
	}
}

func newDispatcher(cfg config.Config) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Options{
		Epsilon:   cfg.Dispatch.Epsilon,
		MinScore:  cfg.Dispatch.MinScore,
		RunnerUps: cfg.Dispatch.RunnerUps,
	})
}

func newDisclosure(cfg config.Config) (*disclosure.Engine, disclosure.Budget, error) {
	unit, err := disclosure.ParseUnit(cfg.Disclosure.Unit)
	if err != nil {
		return nil, disclosure.Budget{}, err
	}
	engine := disclosure.NewEngine(disclosure.WithEncoding(cfg.Disclosure.Encoding))
	return engine, disclosure.Budget{Limit: cfg.Disclosure.Budget, Unit: unit}, nil
}

func newManager(cfg config.Config) *mcp.Manager {
	return mcp.NewManager(
		mcp.WithHandshakeTimeout(cfg.MCP.HandshakeTimeout),
		mcp.WithProbeTimeout(cfg.MCP.ProbeTimeout),
		mcp.WithProbeAttempts(cfg.MCP.ProbeAttempts),
		mcp.WithStopGrace(cfg.MCP.StopGrace),
		mcp.WithClientInfo("capsule", version.Get().Version),
	)
}
