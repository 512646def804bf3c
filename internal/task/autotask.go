package task

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/agent"
	"github.com/agentcoord/agentcoord/internal/events"
)

// Argument keys checked, in order, when deriving an auto-task title.
var (
	fileishKeys    = []string{"path", "file", "file_path", "filepath", "filename", "uri"}
	libraryishKeys = []string{"library", "library_id", "package", "module", "query"}
)

// UpdateActivity records that the agent invoked a backend tool. If the agent
// has no task in progress, one is synthesized from the tool name and salient
// arguments and started immediately. Auto-tasks never take file locks; only
// explicit file_paths do.
func (r *Registry) UpdateActivity(ctx context.Context, agentID, toolName string, args map[string]interface{}) (*Task, error) {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return nil, ErrUnknownAgent
	}

	r.lock()
	defer r.unlock()

	if current := ib.Current(); current != "" {
		return nil, nil
	}

	t := newTask(Spec{
		Title:    deriveTitle(toolName, args),
		Priority: PriorityNormal,
	})
	t.AutoGenerated = true
	t.SourceToolName = toolName
	t.State = StateInProgress
	t.AssignedTo = agentID
	now := r.now().UTC()
	t.AssignedAt = now
	t.StartedAt = now

	if err := ib.SetCurrent(t.ID); err != nil {
		// Raced with a concurrent dispatch; the agent is busy after all.
		return nil, nil
	}
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.agents.SetState(agentID, agent.StateWorking)

	r.append(ctx, events.New(events.TaskCreated, taskPayload(t)).WithAgent(agentID))
	r.append(ctx, events.New(events.TaskStarted, map[string]interface{}{
		"task_id": t.ID,
	}).WithAgent(agentID))

	r.logger.Debug("auto-task synthesized",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.String("tool", toolName),
		zap.String("title", t.Title))

	copied := *t
	return &copied, nil
}

// CloseAuto finishes a synthesized task when its tool call returns. It is a
// no-op when the agent's current task is not the given auto-task, so an
// explicitly created task is never swept up by the post-touch.
func (r *Registry) CloseAuto(ctx context.Context, agentID, taskID string, succeeded bool) {
	ib, err := r.agents.Inbox(agentID)
	if err != nil {
		return
	}

	r.lock()
	defer r.unlock()

	if ib.Current() != taskID {
		return
	}
	t, ok := r.tasks[taskID]
	if !ok || !t.AutoGenerated {
		return
	}

	t.CompletedAt = r.now().UTC()
	if succeeded {
		t.State = StateCompleted
		_ = ib.Complete()
		r.append(ctx, events.New(events.TaskCompleted, map[string]interface{}{
			"task_id": t.ID,
		}).WithAgent(agentID))
	} else {
		t.State = StateFailed
		_ = ib.Fail()
		r.append(ctx, events.New(events.TaskFailed, map[string]interface{}{
			"task_id": t.ID,
			"reason":  "tool call failed",
		}).WithAgent(agentID))
	}
	r.agents.SetState(agentID, agent.StateIdle)
	r.dispatch(ctx, agentID)
}

// deriveTitle builds a readable title from the tool name and its most
// salient argument: a file-ish argument wins, then a library-ish one, then
// the bare tool name.
func deriveTitle(toolName string, args map[string]interface{}) string {
	for _, key := range fileishKeys {
		if v, ok := args[key].(string); ok && v != "" {
			verb := "Reading"
			if editingTool(toolName) {
				verb = "Editing"
			}
			return fmt.Sprintf("%s file: %s", verb, path.Base(v))
		}
	}
	for _, key := range libraryishKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return fmt.Sprintf("Researching: %s", v)
		}
	}
	return fmt.Sprintf("Using %s", toolName)
}

// editingTool guesses write intent from the tool name.
func editingTool(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, verb := range []string{"write", "edit", "create", "update", "delete", "patch", "replace"} {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}
