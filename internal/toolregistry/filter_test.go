package toolregistry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func TestFilterLocalPassthrough(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("write_file"),
		mcp.NewTool("run_command"),
		mcp.NewTool("search_docs"),
	}

	out := Filter(catalog, DefaultPolicy(ContextLocal))
	assert.Len(t, out, len(catalog))
}

func TestFilterRemoteDeniesMutatingTools(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("write_file"),
		mcp.NewTool("edit_lines"),
		mcp.NewTool("delete_branch"),
		mcp.NewTool("create_terminal"),
		mcp.NewTool("shell_execute"),
		mcp.NewTool("run_command"),
		mcp.NewTool("open_project"),
		mcp.NewTool("search_docs"),
		mcp.NewTool("get_diagnostics"),
	}

	out := Filter(catalog, DefaultPolicy(ContextRemote))
	names := catalogNames(out)
	assert.ElementsMatch(t, []string{"search_docs", "get_diagnostics"}, names)
}

func TestFilterRemoteRejectsDestructiveHint(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("cleanup_workspace", mcp.WithDestructiveHintAnnotation(true)),
		mcp.NewTool("list_workspaces", mcp.WithDestructiveHintAnnotation(false)),
	}

	out := Filter(catalog, DefaultPolicy(ContextRemote))
	require.Len(t, out, 1)
	assert.Equal(t, "list_workspaces", out[0].Name)
}

func TestFilterRemoteRejectsLocalOnlyParams(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("inspect_tree", mcp.WithString("absolute_path", mcp.Required())),
		mcp.NewTool("spawn_job", mcp.WithString("cwd")),
		mcp.NewTool("search_docs", mcp.WithString("query", mcp.Required())),
	}

	out := Filter(catalog, DefaultPolicy(ContextRemote))
	require.Len(t, out, 1)
	assert.Equal(t, "search_docs", out[0].Name)
}

func TestFilterAllowPatterns(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("search_docs"),
		mcp.NewTool("search_code"),
		mcp.NewTool("get_diagnostics"),
	}

	out := Filter(catalog, Policy{Context: ContextLocal, AllowPatterns: []string{"search_*"}})
	assert.ElementsMatch(t, []string{"search_docs", "search_code"}, catalogNames(out))
}

func TestFilterDenyAppliesAfterAllow(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("search_docs"),
		mcp.NewTool("search_secrets"),
	}

	out := Filter(catalog, Policy{
		Context:       ContextLocal,
		AllowPatterns: []string{"search_*"},
		DenyPatterns:  []string{"*_secrets"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "search_docs", out[0].Name)
}

func TestFilterDeterministic(t *testing.T) {
	catalog := []mcp.Tool{
		mcp.NewTool("write_file"),
		mcp.NewTool("search_docs"),
	}
	policy := DefaultPolicy(ContextRemote)

	first := catalogNames(Filter(catalog, policy))
	second := catalogNames(Filter(catalog, policy))
	assert.Equal(t, first, second)
}
