package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/capsule/pkg/presenter"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// ListConfig holds the flags of the list command
type ListConfig struct {
	JSON bool
}

// NewListConfig creates a ListConfig with default values
func NewListConfig() *ListConfig {
	return &ListConfig{JSON: false}
}

var listCmd = &cobra.Command{
	Use:       "list [agents|commands|skills|mcp]",
	Short:     "List the capabilities in the registry",
	Long:      `List agents, commands, skills and MCP servers. Without an argument every kind is listed.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"agents", "commands", "skills", "mcp"},
	Run: func(cmd *cobra.Command, args []string) {
		config := getListConfigFromFlags(cmd)

		var arg string
		if len(args) > 0 {
			arg = args[0]
		}
		kind, err := parseListKind(arg)
		if err != nil {
			presenter.Error(err, "Invalid argument")
			os.Exit(1)
		}

		cfg := mustConfig()
		reg := mustLoad(cmd.Context(), cfg).Current()

		if config.JSON {
			if err := writeStructured(os.Stdout, formatJSON, listValue(reg, kind)); err != nil {
				presenter.Error(err, "Failed to write output")
				os.Exit(1)
			}
			return
		}

		kinds := kindOrder
		if kind != "" {
			kinds = []capabilities.Kind{kind}
		}
		for _, k := range kinds {
			headers, rows := listTable(reg, k)
			if len(kinds) > 1 {
				presenter.Section(string(k))
			}
			if len(rows) == 0 {
				presenter.Info("none")
				continue
			}
			presenter.Table(headers, rows)
		}
	},
}

func init() {
	defaults := NewListConfig()
	listCmd.Flags().Bool("json", defaults.JSON, "Output as JSON")
	rootCmd.AddCommand(listCmd)
}

func getListConfigFromFlags(cmd *cobra.Command) *ListConfig {
	config := NewListConfig()
	if j, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSON = j
	}
	return config
}
