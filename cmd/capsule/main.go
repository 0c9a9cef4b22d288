package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/presenter"
)

func init() {
	// Environment variables
	viper.SetEnvPrefix("CAPSULE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.capsule")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()
}

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "Load, validate and dispatch AI plugin content packs",
	Long: `capsule loads agents, commands, skills and MCP server declarations from
plugin content packs, validates them, resolves which capability applies to a
request, discloses skill references under a budget and manages the lifecycle
of declared MCP servers.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format")); err != nil {
			presenter.Error(err, "Invalid logging configuration")
			os.Exit(1)
		}
		startTracing(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		stopTracing(cmd.Context())
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceP("root", "r", nil, "Manifest root directory, repeatable (default: current directory)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, text, json)")

	viper.BindPFlag("roots", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
