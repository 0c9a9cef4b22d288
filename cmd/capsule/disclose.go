package main

import (
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/presenter"
)

// DiscloseConfig holds the flags of the disclose command
type DiscloseConfig struct {
	Format string
}

// NewDiscloseConfig creates a DiscloseConfig with default values
func NewDiscloseConfig() *DiscloseConfig {
	return &DiscloseConfig{Format: formatText}
}

var discloseCmd = &cobra.Command{
	Use:   "disclose <skill>",
	Short: "Print a skill summary and the references that fit the budget",
	Long: `Disclose a skill progressively: the summary first, then its references in
declared order while they fit the budget, then the list of withheld
references.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := getDiscloseConfigFromFlags(cmd)
		if err := validateFormat(config.Format); err != nil {
			presenter.Error(err, "Invalid format")
			os.Exit(1)
		}

		cfg := mustConfig()
		reg := mustLoad(cmd.Context(), cfg).Current()

		skill, ok := reg.LookupSkill(args[0])
		if !ok {
			presenter.Error(errors.Errorf("skill %q not found", args[0]), "Unknown skill")
			os.Exit(1)
		}

		engine, budget, err := newDisclosure(cfg)
		if err != nil {
			presenter.Error(err, "Invalid disclosure configuration")
			os.Exit(1)
		}

		chunks := engine.Disclose(skill, budget)
		if config.Format == formatText {
			for c := range chunks {
				writeChunkText(os.Stdout, c)
			}
			return
		}
		if err := writeStructured(os.Stdout, config.Format, slices.Collect(chunks)); err != nil {
			presenter.Error(err, "Failed to write output")
			os.Exit(1)
		}
	},
}

func init() {
	defaults := NewDiscloseConfig()
	discloseCmd.Flags().Int("budget", disclosure.DefaultLimit, "Reference budget")
	discloseCmd.Flags().String("unit", string(disclosure.UnitBytes), "Budget unit (bytes, tokens)")
	discloseCmd.Flags().StringP("format", "f", defaults.Format, "Output format (text, json, yaml)")

	viper.BindPFlag("disclosure.budget", discloseCmd.Flags().Lookup("budget"))
	viper.BindPFlag("disclosure.unit", discloseCmd.Flags().Lookup("unit"))
	rootCmd.AddCommand(discloseCmd)
}

func getDiscloseConfigFromFlags(cmd *cobra.Command) *DiscloseConfig {
	config := NewDiscloseConfig()
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	return config
}
