package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/capsule/pkg/presenter"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the manifest roots",
	Long: `Load every configured root and report all problems at once: missing
fields, duplicate names, oversized files and invalid MCP declarations.
Exits non-zero when anything is wrong.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := mustConfig()
		store := mustLoad(cmd.Context(), cfg)
		m := store.Current().Manifest()

		presenter.Section("Manifest")
		presenter.Info(fmt.Sprintf("roots: %s", strings.Join(m.Roots, ", ")))
		for _, p := range m.Plugins {
			version := p.Version
			if version == "" {
				version = "unversioned"
			}
			presenter.Info(fmt.Sprintf("plugin %s %s (%s)", p.Name, version, p.Root))
		}
		presenter.Table([]string{"KIND", "COUNT"}, countRows(m))
		presenter.Success("Manifest is valid")
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
