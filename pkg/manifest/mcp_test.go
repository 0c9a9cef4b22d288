package manifest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

func loadMCP(t *testing.T, files map[string]string) ([]*capabilities.MCPServerDef, []*LoadError) {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)

	m, err := Load(context.Background(), []string{root})
	if err != nil {
		return nil, Errors(err)
	}
	return m.MCPServers, nil
}

func TestMCPDeclarations(t *testing.T) {
	t.Run("bare shape with explicit transport", func(t *testing.T) {
		servers, errs := loadMCP(t, map[string]string{
			"mcp/browser.json": `{"browser": {"transport": "stdio", "command": "npx", "args": ["@playwright/mcp"], "env": {"DEBUG": 1}}}`,
		})
		require.Empty(t, errs)
		require.Len(t, servers, 1)
		assert.Equal(t, capabilities.TransportStdio, servers[0].Transport)
		assert.Equal(t, map[string]string{"DEBUG": "1"}, servers[0].Env)
	})

	t.Run("bare shape never infers transport", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"browser": {"command": "npx"}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, MissingField, errs[0].Kind)
		assert.Equal(t, "browser.transport", errs[0].Field)
	})

	t.Run("claude shape infers transport", func(t *testing.T) {
		servers, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"mcpServers": {"docs": {"url": "https://mcp.context7.com/mcp"}, "browser": {"command": "npx"}}}`,
		})
		require.Empty(t, errs)
		require.Len(t, servers, 2)
		assert.Equal(t, "docs", servers[0].Name)
		assert.Equal(t, capabilities.TransportHTTP, servers[0].Transport)
		assert.Equal(t, capabilities.TransportStdio, servers[1].Transport)
	})

	t.Run("explicit empty transport is missing", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"mcpServers": {"browser": {"transport": "", "command": "npx"}}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, MissingField, errs[0].Kind)
	})

	t.Run("unsupported transport", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"mcpServers": {"legacy": {"type": "websocket", "url": "wss://example.com"}}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, InvalidField, errs[0].Kind)
		assert.Equal(t, "legacy.transport", errs[0].Field)
	})

	t.Run("stdio without command", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"browser": {"transport": "stdio"}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, "browser.command", errs[0].Field)
	})

	t.Run("http with a bad url", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"docs": {"transport": "http", "url": "ftp://example.com"}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, InvalidField, errs[0].Kind)
		assert.Equal(t, "docs.url", errs[0].Field)
	})

	t.Run("schema violation names the location", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"browser": {"transport": "stdio", "command": "npx", "args": "not-a-list"}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, InvalidField, errs[0].Kind)
		assert.Equal(t, "browser.args", errs[0].Field)
	})

	t.Run("yaml keeps declaration order", func(t *testing.T) {
		servers, errs := loadMCP(t, map[string]string{
			".mcp.yaml": `mcpServers:
  zeta:
    command: zeta-server
  alpha:
    type: http
    url: http://localhost:8080/mcp
    headers:
      Authorization: Bearer token
`,
		})
		require.Empty(t, errs)
		require.Len(t, servers, 2)
		assert.Equal(t, "zeta", servers[0].Name)
		assert.Equal(t, "alpha", servers[1].Name)
		assert.Equal(t, map[string]string{"Authorization": "Bearer token"}, servers[1].Headers)
	})

	t.Run("duplicates across files", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json":         `{"mcpServers": {"context7": {"url": "https://mcp.context7.com/mcp"}}}`,
			"mcp/context7.json": `{"context7": {"transport": "http", "url": "https://mcp.context7.com/mcp"}}`,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, DuplicateName, errs[0].Kind)
		assert.Equal(t, "context7", errs[0].Name)
		assert.Equal(t, ".mcp.json", filepath.Base(errs[0].Path))
	})

	t.Run("malformed json", func(t *testing.T) {
		_, errs := loadMCP(t, map[string]string{
			".mcp.json": `{"mcpServers": `,
		})
		require.Len(t, errs, 1)
		assert.Equal(t, InvalidField, errs[0].Kind)
	})
}
