package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/capsule/pkg/mcp"
	"github.com/jingkaihe/capsule/pkg/presenter"
	"github.com/jingkaihe/capsule/pkg/registry"
)

// MCPCheckConfig holds the flags of the mcp check command
type MCPCheckConfig struct {
	Format string
}

// NewMCPCheckConfig creates a MCPCheckConfig with default values
func NewMCPCheckConfig() *MCPCheckConfig {
	return &MCPCheckConfig{Format: formatText}
}

// serverCheck is the outcome of checking one declared server
type serverCheck struct {
	Server    string `json:"server" yaml:"server"`
	Transport string `json:"transport" yaml:"transport"`
	Available bool   `json:"available" yaml:"available"`
	Kind      string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	PID       int    `json:"pid,omitempty" yaml:"pid,omitempty"`
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Work with the MCP servers declared by the content packs",
}

var mcpCheckCmd = &cobra.Command{
	Use:   "check [name...]",
	Short: "Start each declared MCP server, check its health and stop it",
	Long: `Start every declared MCP server (or the named ones), run a health check and
stop it again. stdio servers must complete the initialize handshake, http
servers must answer a probe. Exits non-zero when a server is unavailable.`,
	Run: func(cmd *cobra.Command, args []string) {
		config := getMCPCheckConfigFromFlags(cmd)
		if err := validateFormat(config.Format); err != nil {
			presenter.Error(err, "Invalid format")
			os.Exit(1)
		}

		ctx := cmd.Context()
		cfg := mustConfig()
		reg := mustLoad(ctx, cfg).Current()

		names, err := serverNames(reg, args)
		if err != nil {
			presenter.Error(err, "Unknown server")
			os.Exit(1)
		}

		manager := newManager(cfg)
		checks := checkServers(ctx, manager, reg, names)
		if err := manager.StopAll(ctx); err != nil {
			presenter.Warning("failed to stop some servers: " + err.Error())
		}

		if config.Format == formatText {
			rows := make([][]string, 0, len(checks))
			for _, c := range checks {
				status := "available"
				if !c.Available {
					status = "unavailable"
				}
				rows = append(rows, []string{c.Server, c.Transport, status, c.Error})
			}
			presenter.Table([]string{"SERVER", "TRANSPORT", "STATUS", "DETAIL"}, rows)
		} else if err := writeStructured(os.Stdout, config.Format, checks); err != nil {
			presenter.Error(err, "Failed to write output")
		}

		for _, c := range checks {
			if !c.Available {
				os.Exit(1)
			}
		}
	},
}

// checkServers starts and health-checks each server in turn
func checkServers(ctx context.Context, manager *mcp.Manager, reg *registry.Registry, names []string) []serverCheck {
	checks := make([]serverCheck, 0, len(names))
	for _, name := range names {
		def, _ := reg.LookupMCPServer(name)
		check := serverCheck{Server: name, Transport: string(def.Transport)}

		session, err := manager.EnsureStarted(ctx, def)
		if err == nil {
			check.PID = session.PID
			err = manager.Health(ctx, name)
		}
		if err != nil {
			var startErr *mcp.StartError
			if errors.As(err, &startErr) {
				check.Kind = string(startErr.Kind)
			}
			check.Error = err.Error()
		} else {
			check.Available = true
		}
		checks = append(checks, check)
	}
	return checks
}

func init() {
	defaults := NewMCPCheckConfig()
	mcpCheckCmd.Flags().StringP("format", "f", defaults.Format, "Output format (text, json, yaml)")

	mcpCmd.AddCommand(mcpCheckCmd)
	rootCmd.AddCommand(mcpCmd)
}

func getMCPCheckConfigFromFlags(cmd *cobra.Command) *MCPCheckConfig {
	config := NewMCPCheckConfig()
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	return config
}
