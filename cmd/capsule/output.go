package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/capsule/pkg/disclosure"
	"github.com/jingkaihe/capsule/pkg/dispatch"
	"github.com/jingkaihe/capsule/pkg/host"
	"github.com/jingkaihe/capsule/pkg/registry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Output formats
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return errors.Errorf("unknown format %q, expected text, json or yaml", format)
}

// writeStructured encodes v as JSON or YAML
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "failed to encode json")
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to encode yaml")
		}
		return errors.Wrap(enc.Close(), "failed to encode yaml")
	}
	return errors.Errorf("format %q is not structured", format)
}

var kindOrder = []capabilities.Kind{
	capabilities.KindAgent,
	capabilities.KindCommand,
	capabilities.KindSkill,
	capabilities.KindMCP,
}

// countRows renders manifest counts in a fixed kind order
func countRows(m *capabilities.Manifest) [][]string {
	counts := m.Counts()
	rows := make([][]string, 0, len(kindOrder))
	for _, k := range kindOrder {
		rows = append(rows, []string{string(k), fmt.Sprint(counts[k])})
	}
	return rows
}

// parseListKind maps a list argument to a kind; empty means all kinds
func parseListKind(arg string) (capabilities.Kind, error) {
	switch strings.ToLower(strings.TrimSuffix(arg, "s")) {
	case "":
		return "", nil
	case "agent":
		return capabilities.KindAgent, nil
	case "command":
		return capabilities.KindCommand, nil
	case "skill":
		return capabilities.KindSkill, nil
	case "mcp", "server":
		return capabilities.KindMCP, nil
	}
	return "", errors.Errorf("unknown kind %q, expected agents, commands, skills or mcp", arg)
}

// listTable renders one kind of the registry as a table
func listTable(reg *registry.Registry, kind capabilities.Kind) ([]string, [][]string) {
	var rows [][]string
	switch kind {
	case capabilities.KindAgent:
		for _, a := range reg.ListAgents() {
			rows = append(rows, []string{a.Name, a.Category, strings.Join(a.Tools, ","), a.Description})
		}
		return []string{"NAME", "CATEGORY", "TOOLS", "DESCRIPTION"}, rows
	case capabilities.KindCommand:
		for _, c := range reg.ListCommands() {
			rows = append(rows, []string{"/" + c.ID(), c.ArgumentHint, c.Description})
		}
		return []string{"COMMAND", "ARGUMENTS", "DESCRIPTION"}, rows
	case capabilities.KindSkill:
		for _, s := range reg.ListSkills() {
			rows = append(rows, []string{s.Name, fmt.Sprint(len(s.References)), strings.Join(s.Topics, ","), s.Description})
		}
		return []string{"NAME", "REFERENCES", "TOPICS", "DESCRIPTION"}, rows
	case capabilities.KindMCP:
		for _, srv := range reg.ListMCPServers() {
			target := srv.URL
			if srv.Transport == capabilities.TransportStdio {
				target = strings.TrimSpace(srv.Command + " " + strings.Join(srv.Args, " "))
			}
			rows = append(rows, []string{srv.Name, string(srv.Transport), target})
		}
		return []string{"NAME", "TRANSPORT", "TARGET"}, rows
	}
	return nil, nil
}

// listValue is the structured form of a listing
func listValue(reg *registry.Registry, kind capabilities.Kind) any {
	switch kind {
	case capabilities.KindAgent:
		return reg.ListAgents()
	case capabilities.KindCommand:
		return reg.ListCommands()
	case capabilities.KindSkill:
		return reg.ListSkills()
	case capabilities.KindMCP:
		return reg.ListMCPServers()
	}
	return map[string]any{
		"agents":      reg.ListAgents(),
		"commands":    reg.ListCommands(),
		"skills":      reg.ListSkills(),
		"mcp_servers": reg.ListMCPServers(),
	}
}

// writePlanText prints a plan for people
func writePlanText(w io.Writer, plan *host.Plan) {
	res := plan.Result
	switch res.Outcome {
	case dispatch.OutcomeMatched:
		if res.Explicit {
			fmt.Fprintf(w, "matched %s (explicit)\n", res.Ref)
		} else {
			fmt.Fprintf(w, "matched %s (score %.3f, %d terms)\n", res.Ref, res.Score.Value, res.Score.Matched)
		}
	case dispatch.OutcomeAmbiguous:
		fmt.Fprintln(w, "ambiguous between:")
		for _, c := range res.Candidates {
			fmt.Fprintf(w, "  %s (score %.3f)\n", c.Ref, c.Score.Value)
		}
	default:
		if res.Explicit {
			fmt.Fprintf(w, "not found: no command /%s\n", res.Requested)
		} else {
			fmt.Fprintln(w, "not found: no capability matches the request")
		}
	}

	if res.Category != "" {
		fmt.Fprintf(w, "category: %s\n", res.Category)
	}
	if res.Arguments != "" {
		fmt.Fprintf(w, "arguments: %s\n", res.Arguments)
	}
	if res.Outcome == dispatch.OutcomeMatched && len(res.RunnerUps) > 0 {
		fmt.Fprintln(w, "runner-ups:")
		for _, r := range res.RunnerUps {
			fmt.Fprintf(w, "  %s (score %.3f)\n", r.Ref, r.Score.Value)
		}
	}
	for _, t := range plan.Tools {
		status := "available"
		if !t.Available {
			status = "unavailable: " + t.Error
		}
		fmt.Fprintf(w, "tool %s: %s\n", t.Server, status)
	}
}

// writeChunkText prints one disclosure chunk for people
func writeChunkText(w io.Writer, c disclosure.Chunk) {
	switch c.Kind {
	case disclosure.ChunkSummary:
		fmt.Fprintf(w, "# summary (%d)\n\n%s\n", c.Cost, strings.TrimRight(c.Content, "\n"))
	case disclosure.ChunkReference:
		fmt.Fprintf(w, "\n# reference %s: %s (%d)\n\n%s\n", c.Topic, c.Path, c.Cost, strings.TrimRight(c.Content, "\n"))
	case disclosure.ChunkWithheld:
		fmt.Fprintf(w, "\n# used %d of %d\n", c.Used, c.Limit)
		for _, wh := range c.Withheld {
			line := fmt.Sprintf("withheld %s: %s (%s", wh.Topic, wh.Path, wh.Reason)
			if wh.Error != "" {
				line += ", " + wh.Error
			}
			fmt.Fprintln(w, line+")")
		}
	}
}

// serverNames returns the names to check: the requested ones, or
// every declared server
func serverNames(reg *registry.Registry, requested []string) ([]string, error) {
	if len(requested) == 0 {
		var names []string
		for _, srv := range reg.ListMCPServers() {
			names = append(names, srv.Name)
		}
		return names, nil
	}

	var unknown []string
	for _, name := range requested {
		if _, ok := reg.LookupMCPServer(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.Errorf("undeclared mcp server(s): %s", strings.Join(unknown, ", "))
	}
	return requested, nil
}
