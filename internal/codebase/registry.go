// Package codebase tracks the codebases agents work in and the dependency
// edges between them.
package codebase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

// Common errors
var (
	ErrNotFound      = errors.New("codebase not found")
	ErrExists        = errors.New("codebase already registered")
	ErrPathConflict  = errors.New("workspace path already registered")
	ErrSelfDependent = errors.New("codebase cannot depend on itself")
)

// Dependency is a directed edge between two codebases.
type Dependency struct {
	SourceID string            `json:"source_codebase_id"`
	TargetID string            `json:"target_codebase_id"`
	Type     string            `json:"dependency_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
	AddedAt  time.Time         `json:"added_at"`
}

// Codebase describes one registered codebase.
type Codebase struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	WorkspacePath string            `json:"workspace_path"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Dependencies  []Dependency      `json:"dependencies,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// Registry is the authoritative codebase store. Dependency cycles are
// permitted but ignored by scheduling.
type Registry struct {
	codebases map[string]*Codebase
	byPath    map[string]string // workspace path -> codebase id
	log       eventlog.Log
	logger    *logger.Logger
	mu        sync.RWMutex
}

// NewRegistry creates a codebase registry backed by the given event log.
func NewRegistry(log eventlog.Log, lg *logger.Logger) *Registry {
	return &Registry{
		codebases: make(map[string]*Codebase),
		byPath:    make(map[string]string),
		log:       log,
		logger:    lg.WithFields(zap.String("component", "codebase-registry")),
	}
}

// Restore replays the codebase stream to rebuild in-memory state.
func (r *Registry) Restore(ctx context.Context) error {
	_, err := r.log.Replay(ctx, events.StreamCodebases, 0, func(ctx context.Context, e *events.Event) error {
		r.apply(e)
		return nil
	})
	if err != nil {
		r.logger.Warn("codebase stream replay degraded to in-memory state", zap.Error(err))
		return nil
	}
	r.logger.Info("codebase registry restored", zap.Int("codebases", len(r.codebases)))
	return nil
}

// apply folds a stored event into registry state during replay.
func (r *Registry) apply(e *events.Event) {
	switch e.Kind {
	case events.CodebaseRegistered:
		cb := &Codebase{
			ID:            stringField(e.Payload, "codebase_id"),
			Name:          stringField(e.Payload, "name"),
			WorkspacePath: stringField(e.Payload, "workspace_path"),
			Description:   stringField(e.Payload, "description"),
			RegisteredAt:  e.Timestamp,
		}
		if cb.ID == "" {
			return
		}
		r.mu.Lock()
		r.codebases[cb.ID] = cb
		r.byPath[cb.WorkspacePath] = cb.ID
		r.mu.Unlock()
	case events.DependencyAdded:
		src := stringField(e.Payload, "source_codebase_id")
		dst := stringField(e.Payload, "target_codebase_id")
		r.mu.Lock()
		if cb, ok := r.codebases[src]; ok {
			cb.Dependencies = append(cb.Dependencies, Dependency{
				SourceID: src,
				TargetID: dst,
				Type:     stringField(e.Payload, "dependency_type"),
				AddedAt:  e.Timestamp,
			})
		}
		r.mu.Unlock()
	}
}

// Register adds a codebase. Registration is idempotent on id with identical
// workspace path; a different path for a known id is rejected.
func (r *Registry) Register(ctx context.Context, cb *Codebase) error {
	r.mu.Lock()
	if existing, ok := r.codebases[cb.ID]; ok {
		r.mu.Unlock()
		if existing.WorkspacePath == cb.WorkspacePath {
			return nil
		}
		return ErrExists
	}
	if owner, ok := r.byPath[cb.WorkspacePath]; ok && owner != cb.ID {
		r.mu.Unlock()
		return ErrPathConflict
	}
	cb.RegisteredAt = time.Now().UTC()
	r.codebases[cb.ID] = cb
	r.byPath[cb.WorkspacePath] = cb.ID
	r.mu.Unlock()

	r.append(ctx, events.New(events.CodebaseRegistered, map[string]interface{}{
		"codebase_id":    cb.ID,
		"name":           cb.Name,
		"workspace_path": cb.WorkspacePath,
		"description":    cb.Description,
	}))

	r.logger.Info("codebase registered",
		zap.String("codebase_id", cb.ID),
		zap.String("workspace_path", cb.WorkspacePath))
	return nil
}

// AddDependency records a directed dependency edge.
func (r *Registry) AddDependency(ctx context.Context, sourceID, targetID, depType string, metadata map[string]string) error {
	if sourceID == targetID {
		return ErrSelfDependent
	}

	r.mu.Lock()
	src, ok := r.codebases[sourceID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if _, ok := r.codebases[targetID]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	src.Dependencies = append(src.Dependencies, Dependency{
		SourceID: sourceID,
		TargetID: targetID,
		Type:     depType,
		Metadata: metadata,
		AddedAt:  time.Now().UTC(),
	})
	r.mu.Unlock()

	r.append(ctx, events.New(events.DependencyAdded, map[string]interface{}{
		"source_codebase_id": sourceID,
		"target_codebase_id": targetID,
		"dependency_type":    depType,
	}))
	return nil
}

// Get returns a codebase by id.
func (r *Registry) Get(id string) (*Codebase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.codebases[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cb
	return &copied, nil
}

// List returns all registered codebases.
func (r *Registry) List() []*Codebase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Codebase, 0, len(r.codebases))
	for _, cb := range r.codebases {
		copied := *cb
		out = append(out, &copied)
	}
	return out
}

// Exists reports whether the codebase id is known.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codebases[id]
	return ok
}

func (r *Registry) append(ctx context.Context, e *events.Event) {
	if _, err := r.log.Append(ctx, events.StreamCodebases, e); err != nil {
		r.logger.Warn("codebase event append failed; continuing in-memory",
			zap.String("kind", e.Kind), zap.Error(err))
	}
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
