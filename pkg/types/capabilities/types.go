// Package capabilities defines the typed records produced by the manifest
// loader: agents, commands, skills with their reference documents, MCP
// server declarations and the manifest that holds them in load order.
package capabilities

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies the kind of a capability declaration
type Kind string

// Capability kinds
const (
	KindAgent   Kind = "agent"
	KindCommand Kind = "command"
	KindSkill   Kind = "skill"
	KindMCP     Kind = "mcp"
)

// Transport is the connection type of a declared MCP server
type Transport string

// Supported MCP transports
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Valid reports whether t is a supported transport
func (t Transport) Valid() bool {
	return t == TransportStdio || t == TransportHTTP
}

// Ref points at one capability in a registry snapshot
type Ref struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.Name
}

// AgentDef is a named persona. The body is passed to the host verbatim.
type AgentDef struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Color       string   `json:"color,omitempty" yaml:"color,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"` // MCP server names
	Body        string   `json:"-" yaml:"-"`
	Path        string   `json:"path" yaml:"path"`
	Order       int      `json:"-" yaml:"-"`
}

// Argument is a named command parameter
type Argument struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
}

// CommandDef is an explicitly invoked capability addressed as namespace:name
type CommandDef struct {
	Namespace    string     `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description" yaml:"description"`
	ArgumentHint string     `json:"argument_hint,omitempty" yaml:"argument_hint,omitempty"`
	Arguments    []Argument `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Tools        []string   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Body         string     `json:"-" yaml:"-"`
	Path         string     `json:"path" yaml:"path"`
	Order        int        `json:"-" yaml:"-"`
}

// ID returns the invocation identity, namespace:name or just name
func (c *CommandDef) ID() string {
	return CommandID(c.Namespace, c.Name)
}

// CommandID joins a namespace and a name into a command identity
func CommandID(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + ":" + name
}

// SplitCommandID splits "ns:name" at its last colon. An identity without a
// colon has an empty namespace.
func SplitCommandID(id string) (namespace, name string) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return "", id
	}
	return id[:idx], id[idx+1:]
}

// SkillDef is a reusable reference body with progressively disclosed documents
type SkillDef struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Summary     string          `json:"-" yaml:"-"`
	Topics      []string        `json:"topics,omitempty" yaml:"topics,omitempty"`
	References  []*ReferenceDoc `json:"references,omitempty" yaml:"references,omitempty"`
	Tools       []string        `json:"tools,omitempty" yaml:"tools,omitempty"`
	Directory   string          `json:"directory" yaml:"directory"`
	Path        string          `json:"path" yaml:"path"`
	Order       int             `json:"-" yaml:"-"`
}

// ReferenceDoc is a deep-dive document belonging to a skill. Size is the
// on-disk size in bytes recorded at load time; the body is read only when
// Load is called.
type ReferenceDoc struct {
	Topic string `json:"topic" yaml:"topic"`
	Path  string `json:"path" yaml:"path"`
	Size  int64  `json:"size" yaml:"size"`

	// loader replaces the file read, used for in-memory manifests.
	loader func() (string, error)
}

// NewInMemoryReference builds a reference whose body is served from memory
func NewInMemoryReference(topic, path, body string) *ReferenceDoc {
	return &ReferenceDoc{
		Topic:  topic,
		Path:   path,
		Size:   int64(len(body)),
		loader: func() (string, error) { return body, nil },
	}
}

// Load reads the reference body
func (r *ReferenceDoc) Load() (string, error) {
	if r.loader != nil {
		return r.loader()
	}
	content, err := os.ReadFile(r.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read reference '%s'", r.Path)
	}
	return string(content), nil
}

// MCPServerDef is a declared external tool server
type MCPServerDef struct {
	Name      string            `json:"name" yaml:"name"`
	Transport Transport         `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Source    string            `json:"source" yaml:"source"`
	Order     int               `json:"-" yaml:"-"`
}

// PluginInfo is the optional .claude-plugin/plugin.json of a root
type PluginInfo struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Root        string `json:"root" yaml:"root"`
}

// Manifest is the validated set of declarations loaded from one or more roots.
// It is not modified after the loader returns it.
type Manifest struct {
	Roots      []string        `json:"roots" yaml:"roots"`
	Plugins    []PluginInfo    `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Agents     []*AgentDef     `json:"agents" yaml:"agents"`
	Commands   []*CommandDef   `json:"commands" yaml:"commands"`
	Skills     []*SkillDef     `json:"skills" yaml:"skills"`
	MCPServers []*MCPServerDef `json:"mcp_servers" yaml:"mcp_servers"`
}

// Counts returns the number of declarations per kind
func (m *Manifest) Counts() map[Kind]int {
	return map[Kind]int{
		KindAgent:   len(m.Agents),
		KindCommand: len(m.Commands),
		KindSkill:   len(m.Skills),
		KindMCP:     len(m.MCPServers),
	}
}
