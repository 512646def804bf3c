// Package router implements the unified MCP JSON-RPC surface: method
// classification, session authentication, heartbeat and auto-task touches,
// and dispatch to native handlers or backend servers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/agent"
	"github.com/agentcoord/agentcoord/internal/codebase"
	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
	"github.com/agentcoord/agentcoord/internal/session"
	"github.com/agentcoord/agentcoord/internal/supervisor"
	"github.com/agentcoord/agentcoord/internal/task"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// ServerName is advertised on initialize and in the Server response header.
const ServerName = "AgentCoordinator"

// ServerVersion is the coordinator's semantic version.
const ServerVersion = "1.0.0"

// RequestContext carries the transport-level facts about one request.
type RequestContext struct {
	Security     toolregistry.SecurityContext
	SessionToken string
	// ClientID is transport-scoped; it attributes activity when no agent
	// has been registered on the connection.
	ClientID string
}

// Router handles every inbound MCP request. It is reentrant: concurrent
// requests are processed in parallel.
type Router struct {
	cfg       *config.Config
	sessions  *session.Manager
	agents    *agent.Registry
	codebases *codebase.Registry
	tasks     *task.Registry
	tools     *toolregistry.Registry
	sup       *supervisor.Supervisor
	logger    *logger.Logger
}

// New wires the router to the coordinator's registries.
func New(cfg *config.Config, sessions *session.Manager, agents *agent.Registry, codebases *codebase.Registry, tasks *task.Registry, tools *toolregistry.Registry, sup *supervisor.Supervisor, lg *logger.Logger) *Router {
	return &Router{
		cfg:       cfg,
		sessions:  sessions,
		agents:    agents,
		codebases: codebases,
		tasks:     tasks,
		tools:     tools,
		sup:       sup,
		logger:    lg.WithFields(zap.String("component", "router")),
	}
}

// HandleRequest processes one JSON-RPC request end to end and returns the
// response, or nil for notifications.
func (r *Router) HandleRequest(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	if req == nil || req.JSONRPC != jsonrpc.Version || req.Method == "" {
		var id interface{}
		if req != nil {
			id = req.ID
		}
		return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidRequest, "invalid request")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Server.RequestTimeoutDuration())
	defer cancel()

	resp := r.dispatch(ctx, req, rc)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	switch req.Method {
	case jsonrpc.MethodInitialize:
		return r.handleInitialize(req)
	case jsonrpc.MethodPing:
		return mustResponse(req.ID, map[string]interface{}{})
	case jsonrpc.MethodHealth:
		return r.handleHealth(req)
	case jsonrpc.MethodToolsList:
		return r.handleToolsList(req, rc)
	case jsonrpc.MethodToolsCall:
		return r.handleToolsCall(ctx, req, rc)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found: "+req.Method)
	}
}

func (r *Router) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	result := jsonrpc.InitializeResult{
		ProtocolVersion: r.cfg.Server.ProtocolVersion,
		ServerInfo: jsonrpc.ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	}
	result.Capabilities.Tools.ListChanged = true
	return mustResponse(req.ID, result)
}

func (r *Router) handleHealth(req *jsonrpc.Request) *jsonrpc.Response {
	backends := map[string]string{}
	for name, state := range r.sup.States() {
		backends[name] = string(state)
	}
	return mustResponse(req.ID, map[string]interface{}{
		"status":      "ok",
		"server_time": time.Now().UTC(),
		"agents":      len(r.agents.List()),
		"backends":    backends,
	})
}

func (r *Router) handleToolsList(req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	catalog := toolregistry.Filter(r.tools.Catalog(), toolregistry.DefaultPolicy(rc.Security))
	return mustResponse(req.ID, map[string]interface{}{
		"tools": catalog,
	})
}

func (r *Router) handleToolsCall(ctx context.Context, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	var params jsonrpc.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "tools/call requires a tool name")
	}

	resolution, ok := r.tools.Resolve(params.Name)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "unknown tool: "+params.Name)
	}

	// register_agent bootstraps the session; every other call needs one.
	agentID := ""
	if params.Name != toolregistry.ToolRegisterAgent {
		id, err := r.sessions.Validate(rc.SessionToken)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.Unauthenticated, "valid session token required")
		}
		agentID = id
		r.agents.Touch(agentID)
	}

	if resolution.Kind == toolregistry.KindNative {
		return r.callNative(ctx, req.ID, params.Name, params.Arguments, agentID)
	}
	return r.callBackend(ctx, req.ID, resolution.Backend, params, agentID)
}

// callBackend forwards to the supervisor with the auto-task touches around
// the call: synthesize before, close after.
func (r *Router) callBackend(ctx context.Context, id interface{}, backend string, params jsonrpc.CallToolParams, agentID string) *jsonrpc.Response {
	var args map[string]interface{}
	if len(params.Arguments) > 0 {
		_ = json.Unmarshal(params.Arguments, &args)
	}

	var autoTaskID string
	if agentID != "" {
		if t, err := r.tasks.UpdateActivity(ctx, agentID, params.Name, args); err == nil && t != nil {
			autoTaskID = t.ID
		}
	}

	raw, err := r.sup.Call(ctx, backend, params.Name, params.Arguments)
	if autoTaskID != "" {
		r.tasks.CloseAuto(ctx, agentID, autoTaskID, err == nil)
	}
	if err != nil {
		code, msg := mapError(err)
		r.logger.Warn("backend call failed",
			zap.String("backend", backend),
			zap.String("tool", params.Name),
			zap.Error(err))
		return jsonrpc.NewErrorResponse(id, code, msg)
	}

	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw}
}

// mustResponse marshals a success response; marshal failures become
// internal errors.
func mustResponse(id interface{}, result interface{}) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InternalError, "failed to encode response")
	}
	return resp
}

// toolResult wraps a payload in MCP tool-call content.
func toolResult(id interface{}, payload interface{}) *jsonrpc.Response {
	data, err := json.Marshal(payload)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.InternalError, "failed to encode result")
	}
	return mustResponse(id, mcp.NewToolResultText(string(data)))
}

// mapError translates internal errors onto the wire taxonomy.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrUnknown):
		return jsonrpc.Unauthenticated, "valid session token required"
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, task.ErrUnknownAgent),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, codebase.ErrNotFound),
		errors.Is(err, task.ErrUnknownCodebase),
		errors.Is(err, supervisor.ErrUnknownBackend):
		return jsonrpc.UnknownEntity, err.Error()
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNoCurrentTask):
		return jsonrpc.InvalidTransit, err.Error()
	case errors.Is(err, supervisor.ErrOverloaded):
		return jsonrpc.BackendOverload, "backend overloaded"
	case errors.Is(err, supervisor.ErrConnClosed), errors.Is(err, supervisor.ErrNotReady):
		return jsonrpc.BackendDead, "backend unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.BackendTimeout, "backend call timed out"
	case errors.Is(err, eventlog.ErrUnavailable):
		return jsonrpc.LogUnavailable, "event log unavailable"
	default:
		return jsonrpc.InternalError, err.Error()
	}
}
