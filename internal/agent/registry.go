package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Registry is the authoritative agent store. It owns every inbox and the
// background stale-marking tick.
type Registry struct {
	agents  map[string]*Agent // by id
	byName  map[string]string // name -> id, for idempotent registration
	inboxes map[string]*Inbox

	cfg    config.AgentsConfig
	log    eventlog.Log
	logger *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates an agent registry backed by the given event log.
func NewRegistry(cfg config.AgentsConfig, log eventlog.Log, lg *logger.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		byName:  make(map[string]string),
		inboxes: make(map[string]*Inbox),
		cfg:     cfg,
		log:     log,
		logger:  lg.WithFields(zap.String("component", "agent-registry")),
		now:     time.Now,
	}
}

// Restore replays the agent stream to rebuild in-memory state.
func (r *Registry) Restore(ctx context.Context) error {
	_, err := r.log.Replay(ctx, events.StreamAgents, 0, func(ctx context.Context, e *events.Event) error {
		r.apply(e)
		return nil
	})
	if err != nil {
		r.logger.Warn("agent stream replay degraded to in-memory state", zap.Error(err))
		return nil
	}
	r.logger.Info("agent registry restored", zap.Int("agents", len(r.agents)))
	return nil
}

// apply folds a stored event into registry state during replay.
func (r *Registry) apply(e *events.Event) {
	switch e.Kind {
	case events.AgentRegistered:
		if e.AgentID == "" {
			return
		}
		r.mu.Lock()
		if a, ok := r.agents[e.AgentID]; ok {
			// Re-registration: refresh the mutable fields, keep identity
			// and the original registration time.
			a.Capabilities = stringSliceField(e.Payload, "capabilities")
			a.CodebaseID = stringField(e.Payload, "codebase_id")
			a.CrossCodebaseCapable = boolField(e.Payload, "cross_codebase_capable")
			if e.Timestamp.After(a.LastHeartbeat) {
				a.LastHeartbeat = e.Timestamp
			}
			r.mu.Unlock()
			return
		}
		a := &Agent{
			ID:                   e.AgentID,
			Name:                 stringField(e.Payload, "name"),
			Capabilities:         stringSliceField(e.Payload, "capabilities"),
			CodebaseID:           stringField(e.Payload, "codebase_id"),
			CrossCodebaseCapable: boolField(e.Payload, "cross_codebase_capable"),
			State:                StateRegistered,
			LastHeartbeat:        e.Timestamp,
			RegisteredAt:         e.Timestamp,
		}
		r.agents[a.ID] = a
		r.byName[a.Name] = a.ID
		if _, ok := r.inboxes[a.ID]; !ok {
			r.inboxes[a.ID] = NewInbox(a.ID, r.cfg.InboxCap)
		}
		r.mu.Unlock()
	case events.AgentUnregistered:
		r.mu.Lock()
		if a, ok := r.agents[e.AgentID]; ok {
			delete(r.byName, a.Name)
			delete(r.agents, e.AgentID)
			delete(r.inboxes, e.AgentID)
		}
		r.mu.Unlock()
	case events.Heartbeat:
		r.mu.Lock()
		if a, ok := r.agents[e.AgentID]; ok && e.Timestamp.After(a.LastHeartbeat) {
			a.LastHeartbeat = e.Timestamp
		}
		r.mu.Unlock()
	}
}

// Start launches the background tick that marks agents stale.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HeartbeatIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.markStale()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the stale tick.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.stopCh = nil
	r.mu.Unlock()
	r.wg.Wait()
}

// markStale flags agents whose heartbeat age exceeds the stale threshold.
// Exactly at the boundary an agent is still fresh.
func (r *Registry) markStale() {
	now := r.now()
	threshold := r.cfg.StaleThresholdDuration()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.State == StateUnregistered {
			continue
		}
		if now.Sub(a.LastHeartbeat) > threshold {
			if a.State != StateStale {
				a.State = StateStale
				r.logger.Warn("agent went stale",
					zap.String("agent_id", a.ID),
					zap.Time("last_heartbeat", a.LastHeartbeat))
			}
		}
	}
}

// Register adds an agent or, for a known name, reuses the existing id and
// resets its heartbeat. The caller issues a fresh session either way.
func (r *Registry) Register(ctx context.Context, name string, capabilities []string, codebaseID string, crossCodebase bool) (*Agent, error) {
	now := r.now()

	r.mu.Lock()
	if id, ok := r.byName[name]; ok {
		a := r.agents[id]
		a.Capabilities = capabilities
		a.CodebaseID = codebaseID
		a.CrossCodebaseCapable = crossCodebase
		a.LastHeartbeat = now
		if a.State == StateStale || a.State == StateUnregistered {
			a.State = StateRegistered
		}
		copied := *a
		r.mu.Unlock()

		// Log the updated profile too: replay must reconstruct the
		// re-registered capabilities, not the original ones.
		r.append(ctx, events.New(events.AgentRegistered, map[string]interface{}{
			"name":                   name,
			"capabilities":           capabilities,
			"codebase_id":            codebaseID,
			"cross_codebase_capable": crossCodebase,
		}).WithAgent(copied.ID))

		r.logger.Info("agent re-registered", zap.String("agent_id", copied.ID), zap.String("name", name))
		return &copied, nil
	}

	a := &Agent{
		ID:                   newAgentID(name),
		Name:                 name,
		Capabilities:         capabilities,
		CodebaseID:           codebaseID,
		CrossCodebaseCapable: crossCodebase,
		State:                StateRegistered,
		LastHeartbeat:        now,
		RegisteredAt:         now,
	}
	r.agents[a.ID] = a
	r.byName[name] = a.ID
	r.inboxes[a.ID] = NewInbox(a.ID, r.cfg.InboxCap)
	copied := *a
	r.mu.Unlock()

	r.append(ctx, events.New(events.AgentRegistered, map[string]interface{}{
		"name":                   name,
		"capabilities":           capabilities,
		"codebase_id":            codebaseID,
		"cross_codebase_capable": crossCodebase,
	}).WithAgent(a.ID))

	r.logger.Info("agent registered",
		zap.String("agent_id", copied.ID),
		zap.String("name", name),
		zap.Strings("capabilities", capabilities))
	return &copied, nil
}

// Unregister removes the agent and its inbox.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	a.State = StateUnregistered
	delete(r.byName, a.Name)
	delete(r.agents, agentID)
	delete(r.inboxes, agentID)
	r.mu.Unlock()

	r.append(ctx, events.New(events.AgentUnregistered, nil).WithAgent(agentID))
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp. Monotonic: an older
// timestamp never overwrites a newer one.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	now := r.now()

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if now.After(a.LastHeartbeat) {
		a.LastHeartbeat = now
	}
	if a.State == StateStale {
		a.State = StateIdle
	}
	r.mu.Unlock()

	r.append(ctx, events.New(events.Heartbeat, nil).WithAgent(agentID))
	return nil
}

// Touch refreshes the heartbeat without emitting an event (router pre-touch
// on every authenticated request).
func (r *Registry) Touch(agentID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		if now.After(a.LastHeartbeat) {
			a.LastHeartbeat = now
		}
		if a.State == StateStale {
			a.State = StateIdle
		}
	}
}

// SetState transitions an agent's lifecycle state (working/idle) as its
// inbox activity changes.
func (r *Registry) SetState(agentID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.State = state
	}
}

// Get returns an agent by id.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// List returns all agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// Inbox returns the agent's inbox.
func (r *Registry) Inbox(agentID string) (*Inbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ib, ok := r.inboxes[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return ib, nil
}

// Capable reports whether any registered agent's capability set covers
// required, regardless of liveness.
func (r *Registry) Capable(required []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.HasCapabilities(required) {
			return true
		}
	}
	return false
}

// Online reports whether the agent is known and not stale. The stale check
// is strict: exactly at the threshold an agent is still online.
func (r *Registry) Online(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return r.now().Sub(a.LastHeartbeat) <= r.cfg.StaleThresholdDuration()
}

func (r *Registry) append(ctx context.Context, e *events.Event) {
	if _, err := r.log.Append(ctx, events.StreamAgents, e); err != nil {
		r.logger.Warn("agent event append failed; continuing in-memory",
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

func boolField(payload map[string]interface{}, key string) bool {
	if payload == nil {
		return false
	}
	b, _ := payload[key].(bool)
	return b
}

func stringSliceField(payload map[string]interface{}, key string) []string {
	if payload == nil {
		return nil
	}
	raw, ok := payload[key].([]interface{})
	if !ok {
		if direct, ok := payload[key].([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
