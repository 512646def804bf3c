// Package toolregistry merges the coordinator's native tools with the
// catalogs of ready backends and resolves tool names to their handler.
package toolregistry

import (
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
)

// Kind classifies where a tool call is dispatched.
type Kind int

const (
	KindNative Kind = iota
	KindBackend
)

// Resolution is the outcome of a tool name lookup.
type Resolution struct {
	Kind    Kind
	Backend string // set for KindBackend
}

// Registry is the merged tool catalog. Native tools always win name
// collisions; between backends, first registered wins.
type Registry struct {
	native      []mcp.Tool
	nativeNames map[string]bool

	backendTools map[string][]mcp.Tool
	backendOrder []string          // registration order, for collision arbitration
	owners       map[string]string // tool name -> owning backend

	logger *logger.Logger
	mu     sync.RWMutex
}

// NewRegistry builds the registry with the native catalog preloaded.
func NewRegistry(lg *logger.Logger) *Registry {
	native := nativeTools()
	names := make(map[string]bool, len(native))
	for _, t := range native {
		names[t.Name] = true
	}
	return &Registry{
		native:       native,
		nativeNames:  names,
		backendTools: make(map[string][]mcp.Tool),
		owners:       make(map[string]string),
		logger:       lg.WithFields(zap.String("component", "tool-registry")),
	}
}

// BackendReady merges a backend's tools into the catalog. Implements the
// supervisor's catalog listener.
func (r *Registry) BackendReady(name string, tools []mcp.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.backendTools[name]; !known {
		r.backendOrder = append(r.backendOrder, name)
	}
	r.backendTools[name] = tools
	r.rebuildOwners()
	r.logger.Info("backend catalog merged",
		zap.String("backend", name),
		zap.Int("tools", len(tools)))
}

// BackendDead withdraws a backend's tools until it recovers.
func (r *Registry) BackendDead(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.backendTools[name]; !known {
		return
	}
	delete(r.backendTools, name)
	for i, n := range r.backendOrder {
		if n == name {
			r.backendOrder = append(r.backendOrder[:i], r.backendOrder[i+1:]...)
			break
		}
	}
	r.rebuildOwners()
	r.logger.Warn("backend catalog withdrawn", zap.String("backend", name))
}

// rebuildOwners recomputes tool ownership in backend registration order.
// Caller holds the lock.
func (r *Registry) rebuildOwners() {
	owners := make(map[string]string)
	for _, backend := range r.backendOrder {
		for _, t := range r.backendTools[backend] {
			if r.nativeNames[t.Name] {
				r.logger.Warn("backend tool shadowed by native tool",
					zap.String("backend", backend),
					zap.String("tool", t.Name))
				continue
			}
			if owner, taken := owners[t.Name]; taken {
				r.logger.Warn("tool name collision, first-registered wins",
					zap.String("tool", t.Name),
					zap.String("owner", owner),
					zap.String("shadowed", backend))
				continue
			}
			owners[t.Name] = backend
		}
	}
	r.owners = owners
}

// Resolve maps a tool name to its handler by direct lookup of the
// discovered name set.
func (r *Registry) Resolve(name string) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.nativeNames[name] {
		return Resolution{Kind: KindNative}, true
	}
	if backend, ok := r.owners[name]; ok {
		return Resolution{Kind: KindBackend, Backend: backend}, true
	}
	return Resolution{}, false
}

// Catalog returns the merged tool list: native tools first, then each
// backend's owned tools in registration order.
func (r *Registry) Catalog() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.Tool, 0, len(r.native))
	out = append(out, r.native...)
	for _, backend := range r.backendOrder {
		for _, t := range r.backendTools[backend] {
			if r.owners[t.Name] == backend {
				out = append(out, t)
			}
		}
	}
	return out
}

// NativeNames returns the set of native tool names.
func (r *Registry) NativeNames() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.nativeNames))
	for name := range r.nativeNames {
		out[name] = true
	}
	return out
}
