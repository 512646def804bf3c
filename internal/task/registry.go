package task

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/agent"
	"github.com/agentcoord/agentcoord/internal/codebase"
	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

// Common errors
var (
	ErrNotFound        = errors.New("task not found")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownCodebase = errors.New("unknown codebase")
	ErrNoCurrentTask   = errors.New("agent has no task in progress")
	ErrBadStrategy     = errors.New("strategy must be sequential or parallel")
)

// Registry is the authoritative task store. It owns the global file-lock
// table; no other component mutates it.
type Registry struct {
	tasks   map[string]*Task
	order   []string // creation order, for the board
	locks   *lockTable
	blocked map[string]bool // task ids currently blocked on a lock

	agents    *agent.Registry
	codebases *codebase.Registry

	cfg       config.TasksConfig
	agentsCfg config.AgentsConfig
	log       eventlog.Log
	logger    *logger.Logger
	now       func() time.Time

	mu chan struct{} // actor-style serialization of all mutations
}

// NewRegistry creates a task registry wired to the agent and codebase
// registries and the event log.
func NewRegistry(cfg config.TasksConfig, agentsCfg config.AgentsConfig, agents *agent.Registry, codebases *codebase.Registry, log eventlog.Log, lg *logger.Logger) *Registry {
	r := &Registry{
		tasks:     make(map[string]*Task),
		order:     nil,
		locks:     newLockTable(),
		blocked:   make(map[string]bool),
		agents:    agents,
		codebases: codebases,
		cfg:       cfg,
		agentsCfg: agentsCfg,
		log:       log,
		logger:    lg.WithFields(zap.String("component", "task-registry")),
		now:       time.Now,
		mu:        make(chan struct{}, 1),
	}
	r.mu <- struct{}{}
	return r
}

// lock serializes registry mutations; paired with unlock.
func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

// Restore replays the task stream to rebuild tasks, inbox contents, and the
// lock table.
func (r *Registry) Restore(ctx context.Context) error {
	r.lock()
	defer r.unlock()

	_, err := r.log.Replay(ctx, events.StreamTasks, 0, func(ctx context.Context, e *events.Event) error {
		r.apply(e)
		return nil
	})
	if err != nil {
		r.logger.Warn("task stream replay degraded to in-memory state", zap.Error(err))
		return nil
	}

	// Reacquire locks for work that was in flight at the crash, and requeue
	// whatever was assigned but not started.
	for _, id := range r.order {
		t := r.tasks[id]
		switch t.State {
		case StateInProgress:
			if _, _, ok := r.locks.tryAcquire(t.ID, t.FilePaths); ok {
				if ib, err := r.agents.Inbox(t.AssignedTo); err == nil {
					_ = ib.SetCurrent(t.ID)
				}
			} else {
				t.State = StateBlocked
				r.blocked[t.ID] = true
			}
		case StateAssigned, StateBlocked:
			if ib, err := r.agents.Inbox(t.AssignedTo); err == nil {
				_ = ib.Requeue(t.ID, t.Priority.Rank(), t.CreatedAt)
			}
			if t.State == StateBlocked {
				r.blocked[t.ID] = true
			}
		}
	}

	r.logger.Info("task registry restored", zap.Int("tasks", len(r.tasks)))
	return nil
}

// apply folds one stored event into registry state during replay.
func (r *Registry) apply(e *events.Event) {
	switch e.Kind {
	case events.TaskCreated:
		t := taskFromPayload(e.Payload)
		if t == nil {
			return
		}
		t.CreatedAt = e.Timestamp
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)
	case events.TaskAssigned:
		if t, ok := r.tasks[stringField(e.Payload, "task_id")]; ok {
			t.AssignedTo = e.AgentID
			t.State = StateAssigned
			t.AssignedAt = e.Timestamp
		}
	case events.TaskStarted:
		if t, ok := r.tasks[stringField(e.Payload, "task_id")]; ok {
			t.State = StateInProgress
			t.StartedAt = e.Timestamp
		}
	case events.TaskCompleted:
		if t, ok := r.tasks[stringField(e.Payload, "task_id")]; ok {
			t.State = StateCompleted
			t.Result = stringField(e.Payload, "result")
			t.CompletedAt = e.Timestamp
		}
	case events.TaskFailed:
		if t, ok := r.tasks[stringField(e.Payload, "task_id")]; ok {
			t.State = StateFailed
			t.Reason = stringField(e.Payload, "reason")
			t.CompletedAt = e.Timestamp
		}
	}
}

// Create registers a new task and immediately attempts assignment. Duplicate
// specs intentionally produce distinct tasks.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Task, error) {
	if spec.Priority != "" && !spec.Priority.Valid() {
		return nil, errors.New("priority must be one of: low, normal, high, urgent")
	}
	if spec.CodebaseID != "" && !r.codebases.Exists(spec.CodebaseID) {
		return nil, ErrUnknownCodebase
	}

	t := newTask(spec)

	r.lock()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.unlock()

	r.append(ctx, events.New(events.TaskCreated, taskPayload(t)))
	r.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("title", t.Title),
		zap.String("priority", string(t.Priority)))

	r.lock()
	r.tryAssign(ctx, t)
	copied := *t
	r.unlock()
	return &copied, nil
}

// CreateCrossCodebase decomposes one logical unit of work into a primary
// task plus a dependent sibling per affected codebase.
func (r *Registry) CreateCrossCodebase(ctx context.Context, spec CrossCodebaseSpec) (*Task, []*Task, error) {
	if spec.Strategy != StrategySequential && spec.Strategy != StrategyParallel {
		return nil, nil, ErrBadStrategy
	}
	if !r.codebases.Exists(spec.PrimaryCodebaseID) {
		return nil, nil, ErrUnknownCodebase
	}
	for _, cbID := range spec.AffectedCodebases {
		if !r.codebases.Exists(cbID) {
			return nil, nil, ErrUnknownCodebase
		}
	}

	groupID := newGroupID()
	primary := newTask(Spec{
		Title:       spec.Title,
		Description: spec.Description,
		Priority:    spec.Priority,
		CodebaseID:  spec.PrimaryCodebaseID,
	})
	primary.GroupID = groupID

	var dependents []*Task
	for _, cbID := range spec.AffectedCodebases {
		if cbID == spec.PrimaryCodebaseID {
			continue
		}
		dep := newTask(Spec{
			Title:       spec.Title + " [" + cbID + "]",
			Description: spec.Description,
			Priority:    spec.Priority,
			CodebaseID:  cbID,
		})
		dep.GroupID = groupID
		if spec.Strategy == StrategySequential {
			dep.DependsOn = []string{primary.ID}
		}
		dependents = append(dependents, dep)
	}

	r.lock()
	r.tasks[primary.ID] = primary
	r.order = append(r.order, primary.ID)
	for _, dep := range dependents {
		r.tasks[dep.ID] = dep
		r.order = append(r.order, dep.ID)
	}
	r.unlock()

	r.append(ctx, events.New(events.TaskCreated, taskPayload(primary)))
	for _, dep := range dependents {
		r.append(ctx, events.New(events.TaskCreated, taskPayload(dep)))
	}

	r.lock()
	r.tryAssign(ctx, primary)
	for _, dep := range dependents {
		r.tryAssign(ctx, dep)
	}
	primaryCopy := *primary
	depCopies := make([]*Task, len(dependents))
	for i, dep := range dependents {
		c := *dep
		depCopies[i] = &c
	}
	r.unlock()

	r.logger.Info("cross-codebase task created",
		zap.String("group_id", groupID),
		zap.String("primary_task_id", primary.ID),
		zap.String("strategy", spec.Strategy),
		zap.Int("dependents", len(dependents)))
	return &primaryCopy, depCopies, nil
}

// GetNext returns the agent's in-progress task, dispatching the head of its
// inbox first if nothing is in flight. Empty result means no work.
func (r *Registry) GetNext(ctx context.Context, agentID string) (*Task, error) {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return nil, ErrUnknownAgent
	}

	r.lock()
	defer r.unlock()

	if current := ib.Current(); current != "" {
		if t, ok := r.tasks[current]; ok {
			copied := *t
			return &copied, nil
		}
	}

	// The agent may have registered after tasks went pending.
	r.assignPending(ctx)
	r.dispatch(ctx, agentID)
	if current := ib.Current(); current != "" {
		if t, ok := r.tasks[current]; ok {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

// Complete finishes the agent's current task, releases its locks, and
// re-attempts any tasks blocked on them.
func (r *Registry) Complete(ctx context.Context, agentID, result string) error {
	return r.finish(ctx, agentID, StateCompleted, result)
}

// Fail marks the agent's current task failed and releases its locks.
func (r *Registry) Fail(ctx context.Context, agentID, reason string) error {
	return r.finish(ctx, agentID, StateFailed, reason)
}

func (r *Registry) finish(ctx context.Context, agentID string, terminal State, detail string) error {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return ErrUnknownAgent
	}

	r.lock()
	defer r.unlock()

	current := ib.Current()
	if current == "" {
		return ErrNoCurrentTask
	}
	t, ok := r.tasks[current]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(t.State, terminal); err != nil {
		return err
	}

	t.State = terminal
	t.CompletedAt = r.now().UTC()
	if terminal == StateCompleted {
		t.Result = detail
		_ = ib.Complete()
		r.append(ctx, events.New(events.TaskCompleted, map[string]interface{}{
			"task_id": t.ID,
			"result":  detail,
		}).WithAgent(agentID))
	} else {
		t.Reason = detail
		_ = ib.Fail()
		r.append(ctx, events.New(events.TaskFailed, map[string]interface{}{
			"task_id": t.ID,
			"reason":  detail,
		}).WithAgent(agentID))
	}

	r.releaseLocks(ctx, t)
	r.agents.SetState(agentID, agent.StateIdle)

	r.logger.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.String("state", string(terminal)))

	// Sibling dependents may have become eligible, and freed locks may
	// unblock waiters.
	r.retryBlocked(ctx)
	r.assignPending(ctx)
	r.dispatch(ctx, agentID)
	return nil
}

// Get returns a task by id.
func (r *Registry) Get(taskID string) (*Task, error) {
	r.lock()
	defer r.unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// tryAssign picks a deterministic candidate for a pending task and enqueues
// it. Caller holds the registry lock.
func (r *Registry) tryAssign(ctx context.Context, t *Task) {
	if t.State != StatePending {
		return
	}
	if !r.eligible(t) {
		return
	}

	candidate := r.pickCandidate(t)
	if candidate == nil {
		return
	}
	ib, err := r.agents.Inbox(candidate.ID)
	if err != nil {
		return
	}
	if err := ib.Enqueue(t.ID, t.Priority.Rank()); err != nil {
		// Inbox at cap: the task stays pending.
		r.logger.Warn("assignment rejected by inbox",
			zap.String("task_id", t.ID),
			zap.String("agent_id", candidate.ID),
			zap.Error(err))
		return
	}

	t.State = StateAssigned
	t.AssignedTo = candidate.ID
	t.AssignedAt = r.now().UTC()
	r.append(ctx, events.New(events.TaskAssigned, map[string]interface{}{
		"task_id": t.ID,
	}).WithAgent(candidate.ID))
	r.logger.Info("task assigned",
		zap.String("task_id", t.ID),
		zap.String("agent_id", candidate.ID))

	r.dispatch(ctx, candidate.ID)
}

// eligible reports whether every dependency has reached in_progress.
func (r *Registry) eligible(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := r.tasks[depID]
		if !ok {
			continue
		}
		switch dep.State {
		case StatePending, StateAssigned, StateBlocked:
			return false
		}
	}
	return true
}

// pickCandidate implements the deterministic assignment order: fewest
// pending, then prefer idle with the earliest heartbeat, then a stable hash
// of the agent id.
func (r *Registry) pickCandidate(t *Task) *agent.Agent {
	now := r.now()
	idleCutoff := now.Add(-r.agentsCfg.IdleThresholdDuration())

	var candidates []*agent.Agent
	for _, a := range r.agents.List() {
		if a.State == agent.StateStale || a.State == agent.StateUnregistered {
			continue
		}
		if !r.agents.Online(a.ID) {
			continue
		}
		if !a.HasCapabilities(t.RequiredCapabilities) {
			continue
		}
		if t.CodebaseID != "" && a.CodebaseID != t.CodebaseID && !a.CrossCodebaseCapable {
			continue
		}
		ib, err := r.agents.Inbox(a.ID)
		if err != nil || ib.Current() != "" {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := r.pendingCount(a.ID), r.pendingCount(b.ID)
		if pa != pb {
			return pa < pb
		}
		idleA := a.LastHeartbeat.Before(idleCutoff)
		idleB := b.LastHeartbeat.Before(idleCutoff)
		if idleA != idleB {
			return idleA
		}
		if idleA && !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.Before(b.LastHeartbeat)
		}
		return stableHash(a.ID) < stableHash(b.ID)
	})
	return candidates[0]
}

func (r *Registry) pendingCount(agentID string) int {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return 0
	}
	return ib.PendingCount()
}

// dispatch moves the head of the agent's inbox into progress, arbitrating
// file locks. Caller holds the registry lock.
func (r *Registry) dispatch(ctx context.Context, agentID string) {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return
	}
	taskID, err := ib.TakeNext()
	if err != nil || taskID == "" {
		return
	}
	t, ok := r.tasks[taskID]
	if !ok {
		_ = ib.Complete()
		return
	}

	if conflictPath, holder, ok := r.locks.tryAcquire(t.ID, t.FilePaths); !ok {
		// Blocked: back to the head of its priority bucket until the
		// conflicting task releases its locks.
		t.State = StateBlocked
		r.blocked[t.ID] = true
		_ = ib.Requeue(t.ID, t.Priority.Rank(), t.CreatedAt)
		r.logger.Info("task blocked on file lock",
			zap.String("task_id", t.ID),
			zap.String("path", conflictPath),
			zap.String("held_by", holder))
		return
	}

	delete(r.blocked, t.ID)
	t.State = StateInProgress
	t.StartedAt = r.now().UTC()
	r.agents.SetState(agentID, agent.StateWorking)

	r.append(ctx, events.New(events.TaskStarted, map[string]interface{}{
		"task_id": t.ID,
	}).WithAgent(agentID))
	for _, p := range t.FilePaths {
		r.append(ctx, events.New(events.FileLocked, map[string]interface{}{
			"task_id": t.ID,
			"path":    canonicalPath(p),
		}).WithAgent(agentID))
	}

	// The group's dependents unlock once the primary is underway.
	r.assignPending(ctx)
}

// releaseLocks frees the task's locks and emits unlock events. Caller holds
// the registry lock.
func (r *Registry) releaseLocks(ctx context.Context, t *Task) {
	for _, p := range r.locks.release(t.ID) {
		r.append(ctx, events.New(events.FileUnlocked, map[string]interface{}{
			"task_id": t.ID,
			"path":    p,
		}))
	}
}

// retryBlocked re-attempts blocked tasks in priority then FIFO order. Caller
// holds the registry lock.
func (r *Registry) retryBlocked(ctx context.Context) {
	var waiting []*Task
	for id := range r.blocked {
		if t, ok := r.tasks[id]; ok && t.State == StateBlocked {
			waiting = append(waiting, t)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].Priority.Rank() != waiting[j].Priority.Rank() {
			return waiting[i].Priority.Rank() > waiting[j].Priority.Rank()
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	for _, t := range waiting {
		r.dispatch(ctx, t.AssignedTo)
	}
}

// assignPending sweeps unassigned tasks in creation order. Caller holds the
// registry lock.
func (r *Registry) assignPending(ctx context.Context) {
	for _, id := range r.order {
		if t := r.tasks[id]; t.State == StatePending {
			r.tryAssign(ctx, t)
		}
	}
}

func (r *Registry) append(ctx context.Context, e *events.Event) {
	if _, err := r.log.Append(ctx, events.StreamTasks, e); err != nil {
		r.logger.Warn("task event append failed; continuing in-memory",
			zap.String("kind", e.Kind), zap.Error(err))
	}
}

// stableHash is the deterministic final tie-break for assignment.
func stableHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func taskPayload(t *Task) map[string]interface{} {
	return map[string]interface{}{
		"task_id":               t.ID,
		"title":                 t.Title,
		"description":           t.Description,
		"priority":              string(t.Priority),
		"required_capabilities": t.RequiredCapabilities,
		"codebase_id":           t.CodebaseID,
		"file_paths":            t.FilePaths,
		"depends_on":            t.DependsOn,
		"group_id":              t.GroupID,
		"auto_generated":        t.AutoGenerated,
		"source_tool_name":      t.SourceToolName,
	}
}

func taskFromPayload(payload map[string]interface{}) *Task {
	id := stringField(payload, "task_id")
	if id == "" {
		return nil
	}
	return &Task{
		ID:                   id,
		Title:                stringField(payload, "title"),
		Description:          stringField(payload, "description"),
		Priority:             Priority(stringField(payload, "priority")),
		RequiredCapabilities: stringSliceField(payload, "required_capabilities"),
		CodebaseID:           stringField(payload, "codebase_id"),
		FilePaths:            stringSliceField(payload, "file_paths"),
		DependsOn:            stringSliceField(payload, "depends_on"),
		GroupID:              stringField(payload, "group_id"),
		AutoGenerated:        boolField(payload, "auto_generated"),
		SourceToolName:       stringField(payload, "source_tool_name"),
		State:                StatePending,
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
	if direct, ok := payload[key].([]string); ok {
		return direct
	}
	raw, ok := payload[key].([]interface{})
	if !ok {
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
