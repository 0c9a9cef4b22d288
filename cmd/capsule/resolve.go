package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/host"
	"github.com/jingkaihe/capsule/pkg/presenter"
)

// ResolveConfig holds the flags of the resolve command
type ResolveConfig struct {
	Hint       string
	Format     string
	StartTools bool
}

// NewResolveConfig creates a ResolveConfig with default values
func NewResolveConfig() *ResolveConfig {
	return &ResolveConfig{
		Hint:       "",
		Format:     formatText,
		StartTools: false,
	}
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <text...>",
	Short: "Resolve a request to an agent, skill or command",
	Long: `Resolve a request against the registry. Text starting with a slash, or
an explicit --hint, is an exact command lookup; anything else is scored
against every agent and skill.

Examples:
  capsule resolve review this diff for SQL injection risk
  capsule resolve /workflows:review 123
  capsule resolve --hint /workflows:review "PR 42" --format json`,
	Run: func(cmd *cobra.Command, args []string) {
		config := getResolveConfigFromFlags(cmd)
		if err := validateFormat(config.Format); err != nil {
			presenter.Error(err, "Invalid format")
			os.Exit(1)
		}

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
		defer rt.Close(ctx)

		plan, err := rt.Prepare(ctx, dispatch.Request{
			Text: strings.Join(args, " "),
			Hint: config.Hint,
		})
		if err != nil {
			presenter.Error(err, "Failed to resolve request")
			return
		}

		if config.Format == formatText {
			writePlanText(os.Stdout, plan)
			return
		}
		if err := writeStructured(os.Stdout, config.Format, plan); err != nil {
			presenter.Error(err, "Failed to write output")
		}
	},
}

func init() {
	defaults := NewResolveConfig()
	resolveCmd.Flags().String("hint", defaults.Hint, "Explicit command invocation such as /workflows:review")
	resolveCmd.Flags().StringP("format", "f", defaults.Format, "Output format (text, json, yaml)")
	resolveCmd.Flags().Bool("start-tools", defaults.StartTools, "Start the MCP servers the capability declares")
	rootCmd.AddCommand(resolveCmd)
}

func getResolveConfigFromFlags(cmd *cobra.Command) *ResolveConfig {
	config := NewResolveConfig()
	if hint, err := cmd.Flags().GetString("hint"); err == nil {
		config.Hint = hint
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	if start, err := cmd.Flags().GetBool("start-tools"); err == nil {
		config.StartTools = start
	}
	return config
}
