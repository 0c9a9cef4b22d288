package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/capsule/pkg/presenter"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// WatchConfig holds configuration for the watch command
type WatchConfig struct {
	DebounceTime int
}

// NewWatchConfig creates a new WatchConfig with default values
func NewWatchConfig() *WatchConfig {
	return &WatchConfig{
		DebounceTime: int(registry.DefaultDebounce / time.Millisecond),
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reload the registry whenever a manifest changes",
	Long: `Load the configured roots, then watch them and reload on every change.
A reload that fails keeps serving the previous registry and prints the
problems.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getWatchConfigFromFlags(cmd)
		if config.DebounceTime < 0 {
			presenter.Error(errors.Errorf("debounce time cannot be negative: %d", config.DebounceTime), "Invalid configuration")
			os.Exit(1)
		}

		ctx := cmd.Context()
		cfg := mustConfig()
		store := mustLoad(ctx, cfg)
		presenter.Info(fmt.Sprintf("generation %d: %s", store.Generation(), countSummary(store.Current())))

		watcher := registry.NewWatcher(store, cfg.Roots,
			registry.WithDebounce(time.Duration(config.DebounceTime)*time.Millisecond),
			registry.WithReloadCallback(func(_ context.Context, generation uint64, err error) {
				if err != nil {
					reportLoadError(err)
					presenter.Warning(fmt.Sprintf("still serving generation %d", generation))
					return
				}
				presenter.Success(fmt.Sprintf("generation %d: %s", generation, countSummary(store.Current())))
			}),
		)

		presenter.Info("watching for changes, press Ctrl+C to stop")
		if err := watcher.Run(ctx); err != nil {
			presenter.Error(err, "Watcher failed")
			os.Exit(1)
		}
	},
}

func countSummary(reg *registry.Registry) string {
	counts := reg.Manifest().Counts()
	return fmt.Sprintf("%d agents, %d commands, %d skills, %d mcp servers",
		counts[capabilities.KindAgent], counts[capabilities.KindCommand],
		counts[capabilities.KindSkill], counts[capabilities.KindMCP])
}

func init() {
	defaults := NewWatchConfig()
	watchCmd.Flags().IntP("debounce", "d", defaults.DebounceTime, "Debounce time in milliseconds for file change events")
	rootCmd.AddCommand(watchCmd)
}

// getWatchConfigFromFlags extracts watch configuration from command flags
func getWatchConfigFromFlags(cmd *cobra.Command) *WatchConfig {
	config := NewWatchConfig()
	if debounce, err := cmd.Flags().GetInt("debounce"); err == nil {
		config.DebounceTime = debounce
	}
	return config
}
