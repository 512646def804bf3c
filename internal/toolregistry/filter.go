package toolregistry

import (
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// SecurityContext classifies where a request came from.
type SecurityContext string

const (
	ContextLocal  SecurityContext = "local"  // stdio, same machine
	ContextRemote SecurityContext = "remote" // HTTP or WebSocket
)

// Policy drives catalog filtering. Filtering is pure and stateless: the
// same policy and catalog always produce the same result.
type Policy struct {
	Context       SecurityContext
	AllowPatterns []string // glob; empty means allow all
	DenyPatterns  []string // glob; checked after allow
}

// remoteDenyPatterns strips filesystem-mutating, terminal, and
// editor-control tools from remote callers.
var remoteDenyPatterns = []string{
	"write_*", "edit_*", "delete_*", "remove_*", "move_*",
	"*_file", "*_terminal", "terminal*", "shell*", "exec*", "run_command*",
	"editor*", "open_*",
}

// localOnlyParams are schema property names that imply absolute host paths.
var localOnlyParams = map[string]bool{
	"absolute_path": true,
	"local_path":    true,
	"host_path":     true,
	"workdir":       true,
	"cwd":           true,
}

// DefaultPolicy returns the stock policy for a security context.
func DefaultPolicy(ctx SecurityContext) Policy {
	p := Policy{Context: ctx}
	if ctx == ContextRemote {
		p.DenyPatterns = remoteDenyPatterns
	}
	return p
}

// Filter applies the policy to a catalog. Local context passes everything
// through untouched.
func Filter(catalog []mcp.Tool, policy Policy) []mcp.Tool {
	if policy.Context == ContextLocal && len(policy.AllowPatterns) == 0 && len(policy.DenyPatterns) == 0 {
		return catalog
	}

	out := make([]mcp.Tool, 0, len(catalog))
	for _, t := range catalog {
		if !allowed(t.Name, policy.AllowPatterns) {
			continue
		}
		if matchesAny(t.Name, policy.DenyPatterns) {
			continue
		}
		if policy.Context == ContextRemote && !remoteSafe(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// remoteSafe rejects tools that declare destructive behavior or whose
// schema references local-only parameters.
func remoteSafe(t mcp.Tool) bool {
	if t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint {
		return false
	}
	for name := range t.InputSchema.Properties {
		if localOnlyParams[strings.ToLower(name)] {
			return false
		}
	}
	return true
}

func allowed(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	return matchesAny(name, patterns)
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
