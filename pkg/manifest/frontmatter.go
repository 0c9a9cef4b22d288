package manifest

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// document is a markdown file split into its metadata block and body
type document struct {
	Meta map[string]interface{}
	Body string
}

var markdown = goldmark.New(goldmark.WithExtensions(meta.Meta))

// parseDocument reads the leading --- YAML block. A file without one has
// empty metadata and the whole content as body.
func parseDocument(content []byte) (*document, error) {
	pctx := parser.NewContext()
	markdown.Parser().Parse(text.NewReader(content), parser.WithContext(pctx))

	metaData, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse frontmatter")
	}
	if metaData == nil {
		metaData = map[string]interface{}{}
	}

	return &document{
		Meta: metaData,
		Body: extractBodyContent(string(content)),
	}, nil
}

// decode maps the metadata onto a typed frontmatter struct. Strings are
// split on commas when the target is a slice, matching how hosts write
// "tools: Read, Grep, Glob".
func (d *document) decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create frontmatter decoder")
	}
	return decoder.Decode(d.Meta)
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// normalize converts yaml.v2 style maps with interface keys into string keyed maps
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				m[ks] = normalize(item)
			}
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = normalize(item)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
