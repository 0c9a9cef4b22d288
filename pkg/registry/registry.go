// Package registry holds a validated manifest behind read-only lookups and
// publishes reloaded snapshots atomically.
package registry

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// Registry answers lookups over one manifest. It is never modified after
// New returns, so concurrent reads need no locking.
type Registry struct {
	manifest *capabilities.Manifest

	agents   map[string]*capabilities.AgentDef
	commands map[string]*capabilities.CommandDef
	skills   map[string]*capabilities.SkillDef
	servers  map[string]*capabilities.MCPServerDef
	topics   map[string][]*capabilities.SkillDef
}

type settings struct {
	allowedAgents []string
	allowedSkills []string
}

// Option configures a Registry
type Option func(*settings)

// WithAllowedAgents keeps only agents whose name matches one of the glob
// patterns. No patterns means every agent is kept.
func WithAllowedAgents(patterns ...string) Option {
	return func(s *settings) {
		s.allowedAgents = append(s.allowedAgents, patterns...)
	}
}

// WithAllowedSkills is WithAllowedAgents for skills
func WithAllowedSkills(patterns ...string) Option {
	return func(s *settings) {
		s.allowedSkills = append(s.allowedSkills, patterns...)
	}
}

// New indexes m. The manifest itself is not modified; filtered lists are
// copies.
func New(m *capabilities.Manifest, opts ...Option) *Registry {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if m == nil {
		m = &capabilities.Manifest{}
	}

	agentAllowed := newAllowlist(s.allowedAgents)
	skillAllowed := newAllowlist(s.allowedSkills)

	view := &capabilities.Manifest{
		Roots:      m.Roots,
		Plugins:    m.Plugins,
		Commands:   m.Commands,
		MCPServers: m.MCPServers,
	}
	for _, a := range m.Agents {
		if agentAllowed.match(a.Name) {
			view.Agents = append(view.Agents, a)
		}
	}
	for _, sk := range m.Skills {
		if skillAllowed.match(sk.Name) {
			view.Skills = append(view.Skills, sk)
		}
	}

	r := &Registry{
		manifest: view,
		agents:   make(map[string]*capabilities.AgentDef, len(view.Agents)),
		commands: make(map[string]*capabilities.CommandDef, len(view.Commands)),
		skills:   make(map[string]*capabilities.SkillDef, len(view.Skills)),
		servers:  make(map[string]*capabilities.MCPServerDef, len(view.MCPServers)),
		topics:   make(map[string][]*capabilities.SkillDef),
	}
	for _, a := range view.Agents {
		r.agents[a.Name] = a
	}
	for _, c := range view.Commands {
		r.commands[c.ID()] = c
	}
	for _, srv := range view.MCPServers {
		r.servers[srv.Name] = srv
	}
	for _, sk := range view.Skills {
		r.skills[sk.Name] = sk
		r.indexTopics(sk)
	}
	return r
}

func (r *Registry) indexTopics(sk *capabilities.SkillDef) {
	seen := make(map[string]bool)
	add := func(topic string) {
		key := strings.ToLower(strings.TrimSpace(topic))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		r.topics[key] = append(r.topics[key], sk)
	}

	for _, topic := range sk.Topics {
		add(topic)
	}
	for _, ref := range sk.References {
		add(ref.Topic)
	}
}

// Manifest returns the manifest view this registry serves
func (r *Registry) Manifest() *capabilities.Manifest {
	return r.manifest
}

// LookupAgent returns the agent with the given name
func (r *Registry) LookupAgent(name string) (*capabilities.AgentDef, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// LookupCommand returns the command namespace:name
func (r *Registry) LookupCommand(namespace, name string) (*capabilities.CommandDef, bool) {
	return r.LookupCommandID(capabilities.CommandID(namespace, name))
}

// LookupCommandID returns the command with the given identity
func (r *Registry) LookupCommandID(id string) (*capabilities.CommandDef, bool) {
	c, ok := r.commands[id]
	return c, ok
}

// LookupSkill returns the skill with the given name
func (r *Registry) LookupSkill(name string) (*capabilities.SkillDef, bool) {
	sk, ok := r.skills[name]
	return sk, ok
}

// LookupMCPServer returns the declared server with the given name
func (r *Registry) LookupMCPServer(name string) (*capabilities.MCPServerDef, bool) {
	srv, ok := r.servers[name]
	return srv, ok
}

// ListAgents returns agents in load order
func (r *Registry) ListAgents() []*capabilities.AgentDef {
	return append([]*capabilities.AgentDef(nil), r.manifest.Agents...)
}

// ListCommands returns commands in load order
func (r *Registry) ListCommands() []*capabilities.CommandDef {
	return append([]*capabilities.CommandDef(nil), r.manifest.Commands...)
}

// ListSkills returns skills in load order
func (r *Registry) ListSkills() []*capabilities.SkillDef {
	return append([]*capabilities.SkillDef(nil), r.manifest.Skills...)
}

// ListMCPServers returns declared servers in load order
func (r *Registry) ListMCPServers() []*capabilities.MCPServerDef {
	return append([]*capabilities.MCPServerDef(nil), r.manifest.MCPServers...)
}

// FindSkillsByTopic returns skills tagged with topic, either directly or
// through one of their references. Matching ignores case.
func (r *Registry) FindSkillsByTopic(topic string) []*capabilities.SkillDef {
	found := r.topics[strings.ToLower(strings.TrimSpace(topic))]
	return append([]*capabilities.SkillDef(nil), found...)
}

type allowlist struct {
	globs    []glob.Glob
	literals map[string]bool
}

// newAllowlist compiles patterns. A pattern that is not a valid glob is
// matched literally.
func newAllowlist(patterns []string) *allowlist {
	if len(patterns) == 0 {
		return nil
	}
	al := &allowlist{literals: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if g, err := glob.Compile(p); err == nil {
			al.globs = append(al.globs, g)
		} else {
			al.literals[p] = true
		}
	}
	return al
}

func (al *allowlist) match(name string) bool {
	if al == nil {
		return true
	}
	if al.literals[name] {
		return true
	}
	for _, g := range al.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
