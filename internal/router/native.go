package router

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/codebase"
	"github.com/agentcoord/agentcoord/internal/task"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// callNative dispatches to the coordinator's own tool handlers. Registry
// calls never trigger auto-task synthesis.
func (r *Router) callNative(ctx context.Context, id interface{}, name string, args json.RawMessage, agentID string) *jsonrpc.Response {
	switch name {
	case toolregistry.ToolRegisterAgent:
		return r.registerAgent(ctx, id, args)
	case toolregistry.ToolUnregisterAgent:
		return r.unregisterAgent(ctx, id, args)
	case toolregistry.ToolHeartbeat:
		return r.heartbeat(ctx, id, args)
	case toolregistry.ToolCreateTask:
		return r.createTask(ctx, id, args)
	case toolregistry.ToolCreateCrossTask:
		return r.createCrossCodebaseTask(ctx, id, args)
	case toolregistry.ToolGetNextTask:
		return r.getNextTask(ctx, id, args)
	case toolregistry.ToolCompleteTask:
		return r.completeTask(ctx, id, args)
	case toolregistry.ToolGetTaskBoard:
		return toolResult(id, r.tasks.GetBoard())
	case toolregistry.ToolRegisterCodebase:
		return r.registerCodebase(ctx, id, args)
	case toolregistry.ToolAddCodebaseDependency:
		return r.addCodebaseDependency(ctx, id, args)
	case toolregistry.ToolListCodebases:
		return toolResult(id, map[string]interface{}{"codebases": r.codebases.List()})
	case toolregistry.ToolGetCodebaseStatus:
		return r.getCodebaseStatus(id, args)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.MethodNotFound, "unknown tool: "+name)
	}
}

func (r *Router) registerAgent(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		Name                 string   `json:"name"`
		Capabilities         []string `json:"capabilities"`
		CodebaseID           string   `json:"codebase_id"`
		CrossCodebaseCapable bool     `json:"cross_codebase_capable"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Name == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "name is required")
	}

	a, err := r.agents.Register(ctx, in.Name, in.Capabilities, in.CodebaseID, in.CrossCodebaseCapable)
	if err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	// Re-registration rotates the session either way.
	s, err := r.sessions.Create(a.ID)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InternalError, "failed to create session")
	}

	return toolResult(id, map[string]interface{}{
		"agent_id":      a.ID,
		"session_token": s.Token,
		"expires_at":    s.ExpiresAt,
	})
}

func (r *Router) unregisterAgent(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.AgentID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "agent_id is required")
	}

	if err := r.agents.Unregister(ctx, in.AgentID); err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	r.sessions.RevokeAgent(in.AgentID)
	return toolResult(id, map[string]interface{}{"ok": true})
}

func (r *Router) heartbeat(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.AgentID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "agent_id is required")
	}

	if err := r.agents.Heartbeat(ctx, in.AgentID); err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	return toolResult(id, map[string]interface{}{
		"ok":          true,
		"server_time": time.Now().UTC(),
	})
}

func (r *Router) createTask(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var spec task.Spec
	if err := json.Unmarshal(args, &spec); err != nil || spec.Title == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "title is required")
	}

	t, err := r.tasks.Create(ctx, spec)
	if err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}

	result := map[string]interface{}{"task_id": t.ID, "state": t.State}
	if t.AssignedTo != "" {
		result["assigned_to"] = t.AssignedTo
	}
	// The task is kept either way; the caller learns why it is not running.
	switch {
	case t.State == task.StateBlocked:
		result["error_code"] = jsonrpc.LockConflict
		result["detail"] = "file paths are locked by another in-progress task"
	case t.State == task.StatePending && !r.agents.Capable(spec.RequiredCapabilities):
		result["error_code"] = jsonrpc.CapabilityError
		result["detail"] = "no registered agent satisfies the required capabilities"
	}
	return toolResult(id, result)
}

func (r *Router) createCrossCodebaseTask(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var spec task.CrossCodebaseSpec
	if err := json.Unmarshal(args, &spec); err != nil || spec.Title == "" || spec.PrimaryCodebaseID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "title and primary_codebase_id are required")
	}

	primary, dependents, err := r.tasks.CreateCrossCodebase(ctx, spec)
	if err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}

	depIDs := make([]string, len(dependents))
	for i, dep := range dependents {
		depIDs[i] = dep.ID
	}
	return toolResult(id, map[string]interface{}{
		"primary_task_id":    primary.ID,
		"dependent_task_ids": depIDs,
	})
}

func (r *Router) getNextTask(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.AgentID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "agent_id is required")
	}

	t, err := r.tasks.GetNext(ctx, in.AgentID)
	if err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	if t == nil {
		return toolResult(id, map[string]interface{}{})
	}
	return toolResult(id, map[string]interface{}{"task": t})
}

func (r *Router) completeTask(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		AgentID string `json:"agent_id"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.AgentID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "agent_id is required")
	}

	if err := r.tasks.Complete(ctx, in.AgentID, in.Result); err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	return toolResult(id, map[string]interface{}{"ok": true})
}

func (r *Router) registerCodebase(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		ID            string            `json:"id"`
		Name          string            `json:"name"`
		WorkspacePath string            `json:"workspace_path"`
		Description   string            `json:"description"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ID == "" || in.WorkspacePath == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "id and workspace_path are required")
	}

	cb := &codebase.Codebase{
		ID:            in.ID,
		Name:          in.Name,
		WorkspacePath: in.WorkspacePath,
		Description:   in.Description,
		Metadata:      in.Metadata,
	}
	if err := r.codebases.Register(ctx, cb); err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	return toolResult(id, map[string]interface{}{"ok": true})
}

func (r *Router) addCodebaseDependency(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		SourceCodebaseID string            `json:"source_codebase_id"`
		TargetCodebaseID string            `json:"target_codebase_id"`
		DependencyType   string            `json:"dependency_type"`
		Metadata         map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.SourceCodebaseID == "" || in.TargetCodebaseID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "source_codebase_id and target_codebase_id are required")
	}

	if err := r.codebases.AddDependency(ctx, in.SourceCodebaseID, in.TargetCodebaseID, in.DependencyType, in.Metadata); err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}
	return toolResult(id, map[string]interface{}{"ok": true})
}

func (r *Router) getCodebaseStatus(id interface{}, args json.RawMessage) *jsonrpc.Response {
	var in struct {
		CodebaseID string `json:"codebase_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.CodebaseID == "" {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidParams, "codebase_id is required")
	}

	cb, err := r.codebases.Get(in.CodebaseID)
	if err != nil {
		code, msg := mapError(err)
		return jsonrpc.NewErrorResponse(id, code, msg)
	}

	var residents []string
	for _, a := range r.agents.List() {
		if a.CodebaseID == in.CodebaseID {
			residents = append(residents, a.ID)
		}
	}

	r.logger.Debug("codebase status requested", zap.String("codebase_id", in.CodebaseID))
	return toolResult(id, map[string]interface{}{
		"codebase": cb,
		"agents":   residents,
	})
}
