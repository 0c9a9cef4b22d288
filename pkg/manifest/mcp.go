package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

const claudeServersKey = "mcpServers"

//go:embed schema/mcp_server.schema.json
var serverSchemaBytes []byte

var (
	serverSchema     *jsonschema.Schema
	serverSchemaOnce sync.Once
	serverSchemaErr  error
)

func getServerSchema() (*jsonschema.Schema, error) {
	serverSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(serverSchemaBytes))
		if err != nil {
			serverSchemaErr = errors.Wrap(err, "failed to unmarshal server schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("mcp_server.schema.json", doc); err != nil {
			serverSchemaErr = errors.Wrap(err, "failed to add server schema")
			return
		}
		serverSchema, serverSchemaErr = c.Compile("mcp_server.schema.json")
		if serverSchemaErr != nil {
			serverSchemaErr = errors.Wrap(serverSchemaErr, "failed to compile server schema")
		}
	})
	return serverSchema, serverSchemaErr
}

// namedEntry is one key of a JSON or YAML object with its value re-encoded
// as JSON, in declaration order
type namedEntry struct {
	name string
	raw  json.RawMessage
}

type serverFields struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

func (s *loadState) addMCP(p string, content []byte) {
	entries, claudeShape, err := decodeServers(p, content)
	if err != nil {
		s.fail(invalidField(p, claudeServersKey, err))
		return
	}

	for _, entry := range entries {
		if def := s.decodeServer(p, entry, claudeShape); def != nil {
			s.servers = append(s.servers, def)
		}
	}
}

func (s *loadState) decodeServer(p string, entry namedEntry, claudeShape bool) *capabilities.MCPServerDef {
	field := func(name string) string { return entry.name + "." + name }

	schema, err := getServerSchema()
	if err != nil {
		s.fail(invalidField(p, entry.name, err))
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(entry.raw))
	if err != nil {
		s.fail(invalidField(p, entry.name, err))
		return nil
	}
	if err := schema.Validate(inst); err != nil {
		s.fail(schemaFailure(p, entry.name, err))
		return nil
	}

	var values map[string]interface{}
	if err := json.Unmarshal(entry.raw, &values); err != nil {
		s.fail(invalidField(p, entry.name, err))
		return nil
	}

	var fields serverFields
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fields,
		WeaklyTypedInput: true,
	})
	if err != nil {
		s.fail(invalidField(p, entry.name, err))
		return nil
	}
	if err := decoder.Decode(values); err != nil {
		s.fail(invalidField(p, entry.name, err))
		return nil
	}

	transport, ok := resolveTransport(values, fields, claudeShape)
	if !ok {
		s.fail(missingField(p, field("transport")))
		return nil
	}
	if !transport.Valid() {
		s.fail(invalidField(p, field("transport"), errors.Errorf("unsupported transport '%s'", transport)))
		return nil
	}

	switch transport {
	case capabilities.TransportStdio:
		if strings.TrimSpace(fields.Command) == "" {
			s.fail(missingField(p, field("command")))
			return nil
		}
	case capabilities.TransportHTTP:
		if strings.TrimSpace(fields.URL) == "" {
			s.fail(missingField(p, field("url")))
			return nil
		}
		u, err := url.Parse(fields.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			s.fail(invalidField(p, field("url"), errors.Errorf("'%s' is not an http(s) URL", fields.URL)))
			return nil
		}
	}

	return &capabilities.MCPServerDef{
		Name:      entry.name,
		Transport: transport,
		Command:   fields.Command,
		Args:      fields.Args,
		Env:       fields.Env,
		URL:       fields.URL,
		Headers:   fields.Headers,
		Source:    p,
	}
}

// resolveTransport reads transport, then the Claude "type" key. Inference
// from command or url only applies to the mcpServers shape. An explicit
// empty transport is treated as missing.
func resolveTransport(values map[string]interface{}, fields serverFields, claudeShape bool) (capabilities.Transport, bool) {
	for _, key := range []string{"transport", "type"} {
		if v, ok := values[key]; ok {
			str, _ := v.(string)
			str = strings.ToLower(strings.TrimSpace(str))
			if str == "" {
				return "", false
			}
			return capabilities.Transport(str), true
		}
	}

	if !claudeShape {
		return "", false
	}
	switch {
	case fields.Command != "":
		return capabilities.TransportStdio, true
	case fields.URL != "":
		return capabilities.TransportHTTP, true
	}
	return "", false
}

func schemaFailure(p, name string, err error) *LoadError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalidField(p, name, err)
	}

	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := name
	if len(leaf.InstanceLocation) > 0 {
		field = name + "." + strings.Join(leaf.InstanceLocation, ".")
	}
	return invalidField(p, field, errors.New(leaf.Error()))
}

// decodeServers returns the server entries of a declaration file and
// whether they were nested under mcpServers
func decodeServers(p string, content []byte) ([]namedEntry, bool, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		return decodeYAMLServers(content)
	}

	entries, err := decodeJSONObject(content)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.name == claudeServersKey {
			nested, err := decodeJSONObject(e.raw)
			return nested, true, err
		}
	}
	return entries, false, nil
}

// decodeJSONObject splits a JSON object into its members in source order
func decodeJSONObject(data []byte) ([]namedEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var entries []namedEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON")
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.Wrapf(err, "failed to parse value of '%s'", key)
		}
		entries = append(entries, namedEntry{name: key, raw: raw})
	}
	return entries, nil
}

func decodeYAMLServers(data []byte) ([]namedEntry, bool, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, false, errors.Wrap(err, "failed to parse YAML")
	}
	if len(root.Content) == 0 {
		return nil, false, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, false, errors.New("expected a YAML mapping")
	}

	claudeShape := false
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == claudeServersKey {
			doc, claudeShape = doc.Content[i+1], true
			break
		}
	}
	if doc.Kind != yaml.MappingNode {
		return nil, claudeShape, errors.Errorf("%s must be a mapping", claudeServersKey)
	}

	var entries []namedEntry
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i].Value, doc.Content[i+1]

		var v interface{}
		if err := value.Decode(&v); err != nil {
			return nil, claudeShape, errors.Wrapf(err, "failed to decode '%s'", key)
		}
		raw, err := json.Marshal(normalize(v))
		if err != nil {
			return nil, claudeShape, errors.Wrapf(err, "failed to convert '%s' to JSON", key)
		}
		entries = append(entries, namedEntry{name: key, raw: raw})
	}
	return entries, claudeShape, nil
}
