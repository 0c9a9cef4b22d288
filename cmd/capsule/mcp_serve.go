package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/capsule/pkg/host"
	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/mcp/serve"
	"github.com/jingkaihe/capsule/pkg/presenter"
	"github.com/jingkaihe/capsule/pkg/registry"
)

// MCPServeConfig holds the flags of the mcp serve command
type MCPServeConfig struct {
	Watch      bool
	StartTools bool
}

// NewMCPServeConfig creates a MCPServeConfig with default values
func NewMCPServeConfig() *MCPServeConfig {
	return &MCPServeConfig{
		Watch:      false,
		StartTools: false,
	}
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the registry to an MCP host over stdio",
	Long: `Serve the registry as an MCP server on stdin and stdout. The server offers
the resolve, disclose and list tools. Logs go to stderr.

With --watch the roots are watched and the registry reloads on change; a
failed reload keeps serving the previous registry.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getMCPServeConfigFromFlags(cmd)
		ctx := cmd.Context()
		cfg := mustConfig()
		store := mustLoad(ctx, cfg)

		engine, budget, err := newDisclosure(cfg)
		if err != nil {
			presenter.Error(err, "Invalid disclosure configuration")
			os.Exit(1)
		}
		opts := []host.Option{
			host.WithDispatcher(newDispatcher(cfg)),
			host.WithDisclosure(engine, budget),
			host.WithManager(newManager(cfg)),
		}
		if !config.StartTools {
			opts = append(opts, host.WithoutToolStart())
		}
		rt := host.New(store, opts...)
		srv := serve.New(rt, store, serve.WithDisclosure(engine, budget))

		if err := serveRegistry(ctx, rt, srv, store, cfg.Roots, config, os.Stdin, os.Stdout); err != nil {
			logger.G(ctx).WithError(err).Error("mcp server failed")
			os.Exit(1)
		}
	},
}

// serveRegistry serves srv on in and out, watching roots when configured.
// The runtime is closed before it returns, whatever the outcome.
func serveRegistry(ctx context.Context, rt *host.Runtime, srv *serve.Server, store *registry.Store, roots []string, config *MCPServeConfig, in io.Reader, out io.Writer) error {
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to stop mcp servers")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if config.Watch {
		g.Go(func() error { return watchStore(gctx, store, roots) })
	}
	g.Go(func() error {
		defer cancel()
		return srv.Listen(gctx, in, out)
	})
	return g.Wait()
}

// watchStore reloads store on change, logging instead of printing since
// stdout carries the protocol
func watchStore(ctx context.Context, store *registry.Store, roots []string) error {
	log := logger.G(ctx)
	watcher := registry.NewWatcher(store, roots,
		registry.WithDebounce(registry.DefaultDebounce),
		registry.WithReloadCallback(func(_ context.Context, generation uint64, err error) {
			if err != nil {
				log.WithError(err).WithField("generation", generation).Warn("reload failed, keeping current registry")
				return
			}
			log.WithField("generation", generation).Info("registry reloaded")
		}),
	)
	err := watcher.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func init() {
	defaults := NewMCPServeConfig()
	mcpServeCmd.Flags().Bool("watch", defaults.Watch, "Reload the registry when a manifest changes")
	mcpServeCmd.Flags().Bool("start-tools", defaults.StartTools, "Start the MCP servers a resolved capability declares")

	mcpCmd.AddCommand(mcpServeCmd)
}

func getMCPServeConfigFromFlags(cmd *cobra.Command) *MCPServeConfig {
	config := NewMCPServeConfig()
	if watch, err := cmd.Flags().GetBool("watch"); err == nil {
		config.Watch = watch
	}
	if startTools, err := cmd.Flags().GetBool("start-tools"); err == nil {
		config.StartTools = startTools
	}
	return config
}
