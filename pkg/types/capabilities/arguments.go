package capabilities

import (
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
)

var hintTokenRe = regexp.MustCompile(`<([^<>]+)>|\[([^\[\]]+)\]`)

// ParseArgumentHint derives arguments from an argument-hint string such as
// "<pr-number> [--fast]". Angle brackets mark required arguments and square
// brackets optional ones. Free text without brackets yields one optional
// argument named "arguments" carrying the hint as its description.
func ParseArgumentHint(hint string) []Argument {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil
	}

	matches := hintTokenRe.FindAllStringSubmatch(hint, -1)
	if len(matches) == 0 {
		return []Argument{{Name: "arguments", Description: hint}}
	}

	var args []Argument
	seen := make(map[string]bool)
	for _, m := range matches {
		raw, required := m[1], true
		if raw == "" {
			raw, required = m[2], false
		}
		name := argumentName(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		args = append(args, Argument{Name: name, Description: strings.TrimSpace(raw), Required: required})
	}
	return args
}

func argumentName(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimLeft(raw, "-")
	if idx := strings.IndexAny(raw, " =|"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.ToLower(raw)
}

// ArgumentSchema returns a JSON schema describing the command arguments as
// an object of string properties.
func (c *CommandDef) ArgumentSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	var required []string
	for _, arg := range c.Arguments {
		props.Set(arg.Name, &jsonschema.Schema{
			Type:        "string",
			Description: arg.Description,
		})
		if arg.Required {
			required = append(required, arg.Name)
		}
	}

	return &jsonschema.Schema{
		Type:                 "object",
		Title:                c.ID(),
		Description:          c.Description,
		Properties:           props,
		Required:             required,
		AdditionalProperties: jsonschema.FalseSchema,
	}
}
