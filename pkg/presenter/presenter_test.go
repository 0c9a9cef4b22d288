package presenter

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresenter() (*TerminalPresenter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewWithOptions(&out, &errOut, ColorNever), &out, &errOut
}

func TestNew(t *testing.T) {
	p := New()
	assert.Equal(t, os.Stdout, p.output)
	assert.Equal(t, os.Stderr, p.errorOutput)
	assert.False(t, p.quiet)
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name         string
		noColor      string
		capsuleColor string
		expected     ColorMode
	}{
		{"NO_COLOR set", "1", "", ColorNever},
		{"CAPSULE_COLOR always", "", "always", ColorAlways},
		{"CAPSULE_COLOR force", "", "force", ColorAlways},
		{"CAPSULE_COLOR never", "", "never", ColorNever},
		{"CAPSULE_COLOR off", "", "off", ColorNever},
		{"default", "", "", ColorAuto},
		{"unknown value", "", "sometimes", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("CAPSULE_COLOR", tt.capsuleColor)
			if tt.noColor == "" {
				os.Unsetenv("NO_COLOR")
			}

			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestMessages(t *testing.T) {
	p, out, errOut := newTestPresenter()

	p.Error(errors.New("duplicate agent"), "load failed")
	p.Error(nil, "ignored")
	p.Success("manifest valid")
	p.Warning("2 references withheld")
	p.Info("generation 3")

	assert.Equal(t, "[ERROR] load failed: duplicate agent\n", errOut.String())
	assert.Contains(t, out.String(), "✓ manifest valid")
	assert.Contains(t, out.String(), "⚠ 2 references withheld")
	assert.Contains(t, out.String(), "generation 3")
}

func TestQuiet(t *testing.T) {
	p, out, errOut := newTestPresenter()
	p.SetQuiet(true)
	require.True(t, p.IsQuiet())

	p.Success("hidden")
	p.Info("hidden")
	p.Section("hidden")
	p.Error(errors.New("shown"), "")

	assert.Empty(t, out.String())
	assert.Equal(t, "[ERROR] shown\n", errOut.String())
}

func TestSection(t *testing.T) {
	p, out, _ := newTestPresenter()
	p.Section("Agents (2)")

	assert.Equal(t, "Agents (2)\n----------\n", out.String())
}

func TestTable(t *testing.T) {
	p, out, _ := newTestPresenter()
	p.Table([]string{"NAME", "CATEGORY"}, [][]string{
		{"security-sentinel", "review"},
		{"best-practices-researcher", "research"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Equal(t, strings.Index(lines[0], "CATEGORY"), strings.Index(lines[1], "review"))
}
