package manifest

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

const mcpToolPrefix = "mcp__"

type agentFrontmatter struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Category    string   `mapstructure:"category"`
	Model       string   `mapstructure:"model"`
	Color       string   `mapstructure:"color"`
	Tools       []string `mapstructure:"tools"`
	MCPServers  []string `mapstructure:"mcp-servers"`
}

type commandFrontmatter struct {
	Name         string        `mapstructure:"name"`
	Description  string        `mapstructure:"description"`
	ArgumentHint string        `mapstructure:"argument-hint"`
	Arguments    []interface{} `mapstructure:"arguments"`
	AllowedTools []string      `mapstructure:"allowed-tools"`
	MCPServers   []string      `mapstructure:"mcp-servers"`
}

type skillFrontmatter struct {
	Name        string      `mapstructure:"name"`
	Description string      `mapstructure:"description"`
	Topics      []string    `mapstructure:"topics"`
	References  interface{} `mapstructure:"references"`
	Tools       []string    `mapstructure:"allowed-tools"`
	MCPServers  []string    `mapstructure:"mcp-servers"`
}

// referenceSpec is the parsed "references" frontmatter of a skill. It is
// either a list, which fixes the disclosure order, or a path to topic map.
type referenceSpec struct {
	ordered []string
	topics  map[string]string
}

// readDocument parses a markdown declaration and checks the mandatory
// name and description. It returns nil when the document is unusable.
func (s *loadState) readDocument(p string, content []byte, out interface{}) *document {
	doc, err := parseDocument(content)
	if err != nil {
		s.fail(invalidField(p, "frontmatter", err))
		return nil
	}
	if err := doc.decode(out); err != nil {
		s.fail(invalidField(p, "frontmatter", err))
		return nil
	}
	return doc
}

func (s *loadState) requireFields(p string, fields ...[2]string) bool {
	ok := true
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			s.fail(missingField(p, f[0]))
			ok = false
		}
	}
	return ok
}

func (s *loadState) addAgent(p, rel string, content []byte) {
	var fm agentFrontmatter
	doc := s.readDocument(p, content, &fm)
	if doc == nil {
		return
	}
	if !s.requireFields(p, [2]string{"name", fm.Name}, [2]string{"description", fm.Description}) {
		return
	}

	category := strings.TrimSpace(fm.Category)
	if category == "" {
		category = agentCategory(rel)
	}

	s.agents = append(s.agents, &capabilities.AgentDef{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Category:    category,
		Model:       strings.TrimSpace(fm.Model),
		Color:       strings.TrimSpace(fm.Color),
		Tools:       toolServers(fm.Tools, fm.MCPServers),
		Body:        doc.Body,
		Path:        p,
	})
}

func (s *loadState) addCommand(p, rel string, plugin *capabilities.PluginInfo, content []byte) {
	var fm commandFrontmatter
	doc := s.readDocument(p, content, &fm)
	if doc == nil {
		return
	}
	if !s.requireFields(p, [2]string{"name", fm.Name}, [2]string{"description", fm.Description}) {
		return
	}

	namespace := commandNamespace(rel, plugin)
	name := strings.TrimSpace(fm.Name)
	if strings.Contains(name, ":") {
		namespace, name = capabilities.SplitCommandID(name)
	}
	if name == "" {
		s.fail(invalidField(p, "name", errors.New("command name is empty after namespace")))
		return
	}

	args, err := decodeArguments(fm.Arguments)
	if err != nil {
		s.fail(invalidField(p, "arguments", err))
		return
	}
	if len(args) == 0 {
		args = capabilities.ParseArgumentHint(fm.ArgumentHint)
	}

	s.commands = append(s.commands, &capabilities.CommandDef{
		Namespace:    namespace,
		Name:         name,
		Description:  strings.TrimSpace(fm.Description),
		ArgumentHint: strings.TrimSpace(fm.ArgumentHint),
		Arguments:    args,
		Tools:        toolServers(fm.AllowedTools, fm.MCPServers),
		Body:         doc.Body,
		Path:         p,
	})
}

func (s *loadState) addSkill(p string, content []byte) {
	var fm skillFrontmatter
	doc := s.readDocument(p, content, &fm)
	if doc == nil {
		return
	}
	if !s.requireFields(p, [2]string{"name", fm.Name}, [2]string{"description", fm.Description}) {
		return
	}

	refs, err := parseReferenceSpec(fm.References)
	if err != nil {
		s.fail(invalidField(p, "references", err))
		return
	}

	s.skills = append(s.skills, &pendingSkill{
		def: &capabilities.SkillDef{
			Name:        strings.TrimSpace(fm.Name),
			Description: strings.TrimSpace(fm.Description),
			Summary:     doc.Body,
			Topics:      trimAll(fm.Topics),
			Tools:       toolServers(fm.Tools, fm.MCPServers),
			Directory:   filepath.Dir(p),
			Path:        p,
		},
		refs: refs,
	})
}

// attachReferences orders the skill's reference files. Files named in a
// list come first in list order, the rest follow in path order.
func (s *loadState) attachReferences(ps *pendingSkill) {
	files := s.references[ps.def.Directory]
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	byRel := make(map[string]referenceFile, len(files))
	for _, f := range files {
		byRel[f.rel] = f
	}

	for rel := range ps.refs.topics {
		if _, ok := byRel[rel]; !ok {
			s.fail(invalidField(ps.def.Path, "references", errors.Errorf("unknown reference '%s'", rel)))
		}
	}

	placed := make(map[string]bool, len(files))
	var ordered []referenceFile
	for _, rel := range ps.refs.ordered {
		f, ok := byRel[rel]
		if !ok {
			s.fail(invalidField(ps.def.Path, "references", errors.Errorf("unknown reference '%s'", rel)))
			continue
		}
		if !placed[rel] {
			ordered = append(ordered, f)
			placed[rel] = true
		}
	}
	for _, f := range files {
		if !placed[f.rel] {
			ordered = append(ordered, f)
		}
	}

	for _, f := range ordered {
		topic := ps.refs.topics[f.rel]
		if topic == "" {
			topic = strings.TrimSuffix(path.Base(f.rel), path.Ext(f.rel))
		}
		ps.def.References = append(ps.def.References, &capabilities.ReferenceDoc{
			Topic: topic,
			Path:  f.path,
			Size:  f.size,
		})
	}
}

func parseReferenceSpec(raw interface{}) (referenceSpec, error) {
	parsed := referenceSpec{topics: map[string]string{}}
	switch val := normalize(raw).(type) {
	case nil:
		return parsed, nil
	case map[string]interface{}:
		for rel, topic := range val {
			t, ok := topic.(string)
			if !ok {
				return parsed, errors.Errorf("topic for '%s' must be a string", rel)
			}
			parsed.topics[cleanRel(rel)] = strings.TrimSpace(t)
		}
		return parsed, nil
	case []interface{}:
		for _, item := range val {
			switch entry := item.(type) {
			case string:
				parsed.ordered = append(parsed.ordered, cleanRel(entry))
			case map[string]interface{}:
				var ref struct {
					Path  string `mapstructure:"path"`
					Topic string `mapstructure:"topic"`
				}
				if err := mapstructure.Decode(entry, &ref); err != nil {
					return parsed, errors.Wrap(err, "invalid reference entry")
				}
				if ref.Path == "" {
					return parsed, errors.New("reference entry is missing 'path'")
				}
				rel := cleanRel(ref.Path)
				parsed.ordered = append(parsed.ordered, rel)
				if ref.Topic != "" {
					parsed.topics[rel] = strings.TrimSpace(ref.Topic)
				}
			default:
				return parsed, errors.Errorf("unsupported reference entry %v", item)
			}
		}
		return parsed, nil
	default:
		return parsed, errors.Errorf("references must be a list or a map, got %T", raw)
	}
}

func cleanRel(rel string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(strings.TrimSpace(rel))), "./")
}

// decodeArguments accepts a list of names or of {name, description, required} maps
func decodeArguments(raw []interface{}) ([]capabilities.Argument, error) {
	var args []capabilities.Argument
	for _, item := range raw {
		switch entry := normalize(item).(type) {
		case string:
			if name := strings.TrimSpace(entry); name != "" {
				args = append(args, capabilities.Argument{Name: name})
			}
		case map[string]interface{}:
			var arg capabilities.Argument
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:           &arg,
				WeaklyTypedInput: true,
			})
			if err != nil {
				return nil, errors.Wrap(err, "failed to create argument decoder")
			}
			if err := decoder.Decode(entry); err != nil {
				return nil, errors.Wrap(err, "invalid argument")
			}
			if arg.Name == "" {
				return nil, errors.New("argument is missing 'name'")
			}
			args = append(args, arg)
		default:
			return nil, errors.Errorf("unsupported argument %v", item)
		}
	}
	return args, nil
}

// toolServers collects MCP server names from explicit mcp-servers entries
// and from host tool names of the form mcp__<server>__<tool>
func toolServers(tools, servers []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, name := range trimAll(servers) {
		add(name)
	}
	for _, tool := range trimAll(tools) {
		if !strings.HasPrefix(tool, mcpToolPrefix) {
			continue
		}
		rest := strings.TrimPrefix(tool, mcpToolPrefix)
		if idx := strings.Index(rest, "__"); idx >= 0 {
			rest = rest[:idx]
		}
		add(rest)
	}
	return out
}
