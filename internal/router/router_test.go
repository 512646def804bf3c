package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.InterfaceMode = "stdio"
	cfg.Server.ProtocolVersion = "2025-06-18"
	cfg.Server.RequestTimeout = 60
	cfg.Session.TTL = 3600
	cfg.Agents = config.AgentsConfig{HeartbeatInterval: 15, StaleThreshold: 90, IdleThreshold: 30, InboxCap: 16}
	cfg.Tasks.BoardRetention = 100
	cfg.Backends.CallTimeout = 30
	return cfg
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	cfg := testConfig()
	memLog := eventlog.NewMemoryLog(log)
	sessions := session.NewManager(cfg.Session.TTLDuration(), log)
	agents := agent.NewRegistry(cfg.Agents, memLog, log)
	codebases := codebase.NewRegistry(memLog, log)
	tasks := task.NewRegistry(cfg.Tasks, cfg.Agents, agents, codebases, memLog, log)
	tools := toolregistry.NewRegistry(log)

	file, err := supervisor.LoadFile("")
	require.NoError(t, err)
	sup := supervisor.New(file, cfg.Backends, tools, memLog, log)

	return New(cfg, sessions, agents, codebases, tasks, tools, sup, log)
}

func call(r *Router, req *jsonrpc.Request, rc RequestContext) *jsonrpc.Response {
	return r.HandleRequest(context.Background(), req, rc)
}

func localCtx(token string) RequestContext {
	return RequestContext{Security: toolregistry.ContextLocal, SessionToken: token, ClientID: "test"}
}

func mustArgs(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func toolsCall(t *testing.T, name string, args interface{}) *jsonrpc.Request {
	t.Helper()
	return &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      1,
		Method:  jsonrpc.MethodToolsCall,
		Params:  mustArgs(t, map[string]interface{}{"name": name, "arguments": args}),
	}
}

// toolPayload unwraps the MCP text content envelope around a tool result.
func toolPayload(t *testing.T, resp *jsonrpc.Response) map[string]interface{} {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error: %v", resp.Error)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Content)
	require.Equal(t, "text", result.Content[0].Type)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &payload))
	return payload
}

func registerAgent(t *testing.T, r *Router, name string) (agentID, token string) {
	t.Helper()
	resp := call(r, toolsCall(t, toolregistry.ToolRegisterAgent, map[string]interface{}{
		"name":         name,
		"capabilities": []string{"coding"},
	}), localCtx(""))
	payload := toolPayload(t, resp)
	agentID, _ = payload["agent_id"].(string)
	token, _ = payload["session_token"].(string)
	require.NotEmpty(t, agentID)
	require.NotEmpty(t, token)
	return agentID, token
}

func TestInitializeRequiresNoAuth(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodInitialize}, localCtx(""))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result jsonrpc.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ServerName, result.ServerInfo.Name)
	assert.Equal(t, ServerVersion, result.ServerInfo.Version)
	assert.Equal(t, "2025-06-18", result.ProtocolVersion)
	assert.True(t, result.Capabilities.Tools.ListChanged)
}

func TestPing(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 7, Method: jsonrpc.MethodPing}, localCtx(""))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 7, resp.ID)
}

func TestHealthReportsStatus(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodHealth}, localCtx(""))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Result, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestUnknownMethod(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 1, Method: "resources/list"}, localCtx(""))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
}

func TestMalformedRequestRejected(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: "1.0", ID: 1, Method: jsonrpc.MethodPing}, localCtx(""))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidRequest, resp.Error.Code)
}

func TestNotificationGetsNoResponse(t *testing.T) {
	r := newRouter(t)

	resp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodPing}, localCtx(""))
	assert.Nil(t, resp)
}

func TestToolsCallRequiresSession(t *testing.T) {
	r := newRouter(t)

	resp := call(r, toolsCall(t, toolregistry.ToolHeartbeat, map[string]interface{}{"agent_id": "x"}), localCtx(""))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.Unauthenticated, resp.Error.Code)
}

func TestRegisterAgentBootstrapsSession(t *testing.T) {
	r := newRouter(t)

	agentID, token := registerAgent(t, r, "CoderBlueKoala")

	// The issued token authenticates subsequent calls.
	resp := call(r, toolsCall(t, toolregistry.ToolHeartbeat, map[string]interface{}{"agent_id": agentID}), localCtx(token))
	payload := toolPayload(t, resp)
	assert.Equal(t, true, payload["ok"])
}

func TestUnknownToolRejected(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "Coder")

	resp := call(r, toolsCall(t, "no_such_tool", nil), localCtx(token))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
}

func TestTaskLifecycleThroughRouter(t *testing.T) {
	r := newRouter(t)
	agentID, token := registerAgent(t, r, "CoderBlueKoala")

	created := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":                 "fix auth",
		"required_capabilities": []string{"coding"},
	}), localCtx(token)))
	require.NotEmpty(t, created["task_id"])
	assert.Equal(t, string(task.StateInProgress), created["state"])
	assert.Equal(t, agentID, created["assigned_to"])

	next := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolGetNextTask, map[string]interface{}{
		"agent_id": agentID,
	}), localCtx(token)))
	taskObj, ok := next["task"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, created["task_id"], taskObj["id"])

	done := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCompleteTask, map[string]interface{}{
		"agent_id": agentID,
		"result":   "merged",
	}), localCtx(token)))
	assert.Equal(t, true, done["ok"])

	// Nothing left for the agent.
	empty := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolGetNextTask, map[string]interface{}{
		"agent_id": agentID,
	}), localCtx(token)))
	assert.NotContains(t, empty, "task")
}

func TestCompleteWithoutTaskMapsToInvalidTransit(t *testing.T) {
	r := newRouter(t)
	agentID, token := registerAgent(t, r, "Coder")

	resp := call(r, toolsCall(t, toolregistry.ToolCompleteTask, map[string]interface{}{
		"agent_id": agentID,
	}), localCtx(token))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidTransit, resp.Error.Code)
}

func TestCreateTaskUnknownCodebaseMapsToUnknownEntity(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "Coder")

	resp := call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":       "port cli",
		"codebase_id": "ghost",
	}), localCtx(token))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.UnknownEntity, resp.Error.Code)
}

func TestCreateTaskReportsCapabilityGap(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "Coder") // capabilities: coding

	created := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":                 "ship it",
		"required_capabilities": []string{"deploy"},
	}), localCtx(token)))

	assert.Equal(t, string(task.StatePending), created["state"])
	assert.Equal(t, float64(jsonrpc.CapabilityError), created["error_code"])
	assert.NotEmpty(t, created["detail"])
}

func TestCreateTaskReportsLockConflict(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "CoderBlueKoala")
	registerAgent(t, r, "CoderRedFox")

	first := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":                 "fix auth",
		"required_capabilities": []string{"coding"},
		"file_paths":            []string{"/src/a.ts"},
	}), localCtx(token)))
	require.Equal(t, string(task.StateInProgress), first["state"])

	second := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":                 "fmt a",
		"required_capabilities": []string{"coding"},
		"file_paths":            []string{"/src/a.ts"},
	}), localCtx(token)))

	assert.Equal(t, string(task.StateBlocked), second["state"])
	assert.Equal(t, float64(jsonrpc.LockConflict), second["error_code"])
	assert.NotEmpty(t, second["detail"])
}

func TestCodebaseToolsThroughRouter(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "Coder")

	ok := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolRegisterCodebase, map[string]interface{}{
		"id":             "backend",
		"name":           "Backend",
		"workspace_path": "/work/backend",
	}), localCtx(token)))
	assert.Equal(t, true, ok["ok"])

	ok = toolPayload(t, call(r, toolsCall(t, toolregistry.ToolRegisterCodebase, map[string]interface{}{
		"id":             "frontend",
		"workspace_path": "/work/frontend",
	}), localCtx(token)))
	assert.Equal(t, true, ok["ok"])

	ok = toolPayload(t, call(r, toolsCall(t, toolregistry.ToolAddCodebaseDependency, map[string]interface{}{
		"source_codebase_id": "frontend",
		"target_codebase_id": "backend",
		"dependency_type":    "api",
	}), localCtx(token)))
	assert.Equal(t, true, ok["ok"])

	list := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolListCodebases, nil), localCtx(token)))
	codebases, ok2 := list["codebases"].([]interface{})
	require.True(t, ok2)
	assert.Len(t, codebases, 2)

	status := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolGetCodebaseStatus, map[string]interface{}{
		"codebase_id": "backend",
	}), localCtx(token)))
	require.Contains(t, status, "codebase")
}

func TestTaskBoardThroughRouter(t *testing.T) {
	r := newRouter(t)
	_, token := registerAgent(t, r, "Coder")

	toolPayload(t, call(r, toolsCall(t, toolregistry.ToolCreateTask, map[string]interface{}{
		"title":                 "audit deps",
		"required_capabilities": []string{"security"},
	}), localCtx(token)))

	board := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolGetTaskBoard, nil), localCtx(token)))
	pending, ok := board["pending"].([]interface{})
	require.True(t, ok)
	assert.Len(t, pending, 1)
}

func TestUnregisterRevokesSession(t *testing.T) {
	r := newRouter(t)
	agentID, token := registerAgent(t, r, "Coder")

	ok := toolPayload(t, call(r, toolsCall(t, toolregistry.ToolUnregisterAgent, map[string]interface{}{
		"agent_id": agentID,
	}), localCtx(token)))
	assert.Equal(t, true, ok["ok"])

	resp := call(r, toolsCall(t, toolregistry.ToolHeartbeat, map[string]interface{}{
		"agent_id": agentID,
	}), localCtx(token))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.Unauthenticated, resp.Error.Code)
}

func TestToolsListFiltersByContext(t *testing.T) {
	r := newRouter(t)

	localResp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 1, Method: jsonrpc.MethodToolsList}, localCtx(""))
	require.NotNil(t, localResp)
	require.Nil(t, localResp.Error)

	var local struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(localResp.Result, &local))
	assert.Len(t, local.Tools, 12)

	remoteResp := call(r, &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: 2, Method: jsonrpc.MethodToolsList},
		RequestContext{Security: toolregistry.ContextRemote, ClientID: "remote"})
	require.NotNil(t, remoteResp)
	require.Nil(t, remoteResp.Error)

	var remote struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(remoteResp.Result, &remote))
	// Native coordination tools carry no destructive or local-only surface.
	assert.Len(t, remote.Tools, 12)
}
