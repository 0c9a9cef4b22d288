// Package manifest loads capability declarations from content pack
// directories into a validated capabilities.Manifest.
//
// A root is laid out the way plugin packs are:
//
//	agents/**/*.md              agents
//	commands/**/*.md            commands, subdirectories become the namespace
//	skills/<skill>/SKILL.md     skills
//	skills/<skill>/**/*.md      skill references
//
// A SKILL.md below skills/<skill>/ and reference files whose skill
// directory has no SKILL.md are reported, not silently dropped.
//	.mcp.json, .mcp.yaml, mcp/*.json
//	.claude-plugin/plugin.json  plugin metadata
//
// Every problem found in the tree is reported together and no manifest is
// returned unless the tree is clean.
package manifest

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/telemetry"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

// DefaultMaxFileSize is the per-file limit applied when none is configured
const DefaultMaxFileSize int64 = 256 * 1024

type fileClass int

const (
	classIgnored fileClass = iota
	classAgent
	classCommand
	classSkill
	classMisplacedSkill
	classReference
	classMCP
)

var classPatterns = []struct {
	pattern string
	class   fileClass
}{
	{"agents/**/*.md", classAgent},
	{"commands/**/*.md", classCommand},
	{"skills/*/SKILL.md", classSkill},
	{"skills/*/**/SKILL.md", classMisplacedSkill},
	{"skills/*/**/*.md", classReference},
	{".mcp.json", classMCP},
	{".mcp.yaml", classMCP},
	{".mcp.yml", classMCP},
	{"mcp/*.json", classMCP},
	{"mcp/*.yaml", classMCP},
	{"mcp/*.yml", classMCP},
}

func classify(rel string) fileClass {
	for _, p := range classPatterns {
		if ok, _ := doublestar.Match(p.pattern, rel); ok {
			return p.class
		}
	}
	return classIgnored
}

// Loader walks roots and builds manifests
type Loader struct {
	maxFileSize int64
}

// Option configures a Loader
type Option func(*Loader) error

// WithMaxFileSize sets the per-file size limit in bytes
func WithMaxFileSize(n int64) Option {
	return func(l *Loader) error {
		if n <= 0 {
			return errors.Errorf("max file size must be positive, got %d", n)
		}
		l.maxFileSize = n
		return nil
	}
}

// NewLoader creates a loader with the given options
func NewLoader(opts ...Option) (*Loader, error) {
	l := &Loader{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Load is a convenience wrapper that builds a Loader and loads roots
func Load(ctx context.Context, roots []string, opts ...Option) (*capabilities.Manifest, error) {
	l, err := NewLoader(opts...)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, roots)
}

// Load walks every root in order. The returned error, when not nil, is a
// multierror whose elements are all *LoadError.
func (l *Loader) Load(ctx context.Context, roots []string) (*capabilities.Manifest, error) {
	var m *capabilities.Manifest
	err := telemetry.WithSpan(ctx, "manifest.load", func(ctx context.Context) error {
		st := newLoadState(l)
		for _, root := range roots {
			if err := ctx.Err(); err != nil {
				return err
			}
			st.loadRoot(ctx, root)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		built, err := st.build()
		if err != nil {
			return err
		}
		m = built
		return nil
	}, attribute.StringSlice("manifest.roots", roots))
	if err != nil {
		return nil, err
	}

	logger.G(ctx).WithField("roots", roots).
		WithField("agents", len(m.Agents)).
		WithField("commands", len(m.Commands)).
		WithField("skills", len(m.Skills)).
		WithField("mcp_servers", len(m.MCPServers)).
		Debug("manifest loaded")
	return m, nil
}

// pendingSkill is a SKILL.md waiting for its references
type pendingSkill struct {
	def  *capabilities.SkillDef
	refs referenceSpec
}

type referenceFile struct {
	rel  string // relative to the skill directory, slash separated
	path string
	size int64
}

type loadState struct {
	loader *Loader
	errs   []*LoadError

	roots    []string
	plugins  []capabilities.PluginInfo
	agents   []*capabilities.AgentDef
	commands []*capabilities.CommandDef
	skills   []*pendingSkill
	servers  []*capabilities.MCPServerDef

	// references keyed by skill directory
	references map[string][]referenceFile
	// skill directories holding a SKILL.md, valid or not
	skillDirs map[string]bool
}

func newLoadState(l *Loader) *loadState {
	return &loadState{
		loader:     l,
		references: make(map[string][]referenceFile),
		skillDirs:  make(map[string]bool),
	}
}

func (s *loadState) fail(err *LoadError) {
	s.errs = append(s.errs, err)
}

func (s *loadState) loadRoot(ctx context.Context, root string) {
	info, err := os.Stat(root)
	if err != nil {
		s.fail(readFailure(root, errors.Wrap(err, "failed to stat root")))
		return
	}
	if !info.IsDir() {
		s.fail(readFailure(root, errors.New("root is not a directory")))
		return
	}
	s.roots = append(s.roots, root)

	plugin := s.loadPlugin(root)
	if plugin != nil {
		s.plugins = append(s.plugins, *plugin)
	}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.fail(readFailure(p, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		class := classify(rel)
		switch class {
		case classIgnored:
			return nil
		case classMisplacedSkill:
			s.fail(invalidField(p, "path", errors.New("SKILL.md must sit directly under skills/<skill>/")))
			return nil
		case classSkill:
			s.skillDirs[filepath.Dir(p)] = true
		}

		fi, err := d.Info()
		if err != nil {
			s.fail(readFailure(p, err))
			return nil
		}
		if fi.Size() > s.loader.maxFileSize {
			s.fail(&LoadError{Kind: FileTooLarge, Path: p, Size: fi.Size(), Limit: s.loader.maxFileSize})
			return nil
		}

		if class == classReference {
			parts := strings.SplitN(rel, "/", 3)
			skillDir := filepath.Join(root, parts[0], parts[1])
			s.references[skillDir] = append(s.references[skillDir], referenceFile{
				rel:  parts[2],
				path: p,
				size: fi.Size(),
			})
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			s.fail(readFailure(p, errors.Wrap(err, "failed to read file")))
			return nil
		}

		switch class {
		case classAgent:
			s.addAgent(p, rel, content)
		case classCommand:
			s.addCommand(p, rel, plugin, content)
		case classSkill:
			s.addSkill(p, content)
		case classMCP:
			s.addMCP(p, content)
		}
		return nil
	})
	if walkErr != nil && ctx.Err() == nil {
		s.fail(readFailure(root, walkErr))
	}
}

func (s *loadState) build() (*capabilities.Manifest, error) {
	skills := make([]*capabilities.SkillDef, 0, len(s.skills))
	for _, ps := range s.skills {
		s.attachReferences(ps)
		skills = append(skills, ps.def)
	}
	s.checkOrphanReferences()

	s.checkDuplicates(capabilities.KindAgent, len(s.agents), func(i int) (string, string) {
		return s.agents[i].Name, s.agents[i].Path
	})
	s.checkDuplicates(capabilities.KindCommand, len(s.commands), func(i int) (string, string) {
		return s.commands[i].ID(), s.commands[i].Path
	})
	s.checkDuplicates(capabilities.KindSkill, len(skills), func(i int) (string, string) {
		return skills[i].Name, skills[i].Path
	})
	s.checkDuplicates(capabilities.KindMCP, len(s.servers), func(i int) (string, string) {
		return s.servers[i].Name, s.servers[i].Source
	})

	if err := aggregate(s.errs); err != nil {
		return nil, err
	}

	for i, a := range s.agents {
		a.Order = i
	}
	for i, c := range s.commands {
		c.Order = i
	}
	for i, sk := range skills {
		sk.Order = i
	}
	for i, srv := range s.servers {
		srv.Order = i
	}

	return &capabilities.Manifest{
		Roots:      s.roots,
		Plugins:    s.plugins,
		Agents:     s.agents,
		Commands:   s.commands,
		Skills:     skills,
		MCPServers: s.servers,
	}, nil
}

// checkDuplicates reports each name declared more than once within a kind.
// The lexically smallest path is reported first so the error does not depend
// on walk order.
// checkOrphanReferences reports skill directories that hold reference
// files but no SKILL.md
func (s *loadState) checkOrphanReferences() {
	dirs := make([]string, 0, len(s.references))
	for dir := range s.references {
		if !s.skillDirs[dir] {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		s.fail(invalidField(dir, "SKILL.md",
			errors.Errorf("not found, %d reference file(s) belong to no skill", len(s.references[dir]))))
	}
}

func (s *loadState) checkDuplicates(kind capabilities.Kind, n int, at func(int) (name, path string)) {
	byName := make(map[string][]string)
	var names []string
	for i := 0; i < n; i++ {
		name, p := at(i)
		if _, seen := byName[name]; !seen {
			names = append(names, name)
		}
		byName[name] = append(byName[name], p)
	}

	for _, name := range names {
		paths := byName[name]
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		s.fail(&LoadError{
			Kind:   DuplicateName,
			Path:   paths[0],
			Field:  string(kind),
			Name:   name,
			Others: paths[1:],
		})
	}
}

// agentCategory is the first directory under agents/, or empty for an
// agent at the top of agents/
func agentCategory(rel string) string {
	dir := path.Dir(strings.TrimPrefix(rel, "agents/"))
	if dir == "." {
		return ""
	}
	category, _, _ := strings.Cut(dir, "/")
	return category
}

// commandNamespace derives the namespace from the directories between
// commands/ and the file
func commandNamespace(rel string, plugin *capabilities.PluginInfo) string {
	dir := path.Dir(strings.TrimPrefix(rel, "commands/"))
	if dir == "." {
		if plugin != nil {
			return plugin.Name
		}
		return ""
	}
	return strings.ReplaceAll(dir, "/", ":")
}
