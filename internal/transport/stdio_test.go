package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/agent"
	"github.com/agentcoord/agentcoord/internal/codebase"
	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
	"github.com/agentcoord/agentcoord/internal/router"
	"github.com/agentcoord/agentcoord/internal/session"
	"github.com/agentcoord/agentcoord/internal/supervisor"
	"github.com/agentcoord/agentcoord/internal/task"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

func testRouter(t *testing.T) (*router.Router, *logger.Logger) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.ProtocolVersion = "2025-06-18"
	cfg.Server.RequestTimeout = 60
	cfg.Session.TTL = 3600
	cfg.Agents = config.AgentsConfig{HeartbeatInterval: 15, StaleThreshold: 90, IdleThreshold: 30, InboxCap: 16}
	cfg.Tasks.BoardRetention = 100
	cfg.Backends.CallTimeout = 30

	memLog := eventlog.NewMemoryLog(log)
	sessions := session.NewManager(cfg.Session.TTLDuration(), log)
	agents := agent.NewRegistry(cfg.Agents, memLog, log)
	codebases := codebase.NewRegistry(memLog, log)
	tasks := task.NewRegistry(cfg.Tasks, cfg.Agents, agents, codebases, memLog, log)
	tools := toolregistry.NewRegistry(log)
	file, err := supervisor.LoadFile("")
	require.NoError(t, err)
	sup := supervisor.New(file, cfg.Backends, tools, memLog, log)

	return router.New(cfg, sessions, agents, codebases, tasks, tools, sup, log), log
}

func decodeLine(t *testing.T, out *bytes.Buffer) *jsonrpc.Response {
	t.Helper()
	line, err := out.ReadString('\n')
	require.NoError(t, err)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return &resp
}

func TestStdioHandlesInitialize(t *testing.T) {
	rt, log := testRouter(t)
	out := &bytes.Buffer{}
	s := newStdio(rt, strings.NewReader(""), out, log)

	s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	resp := decodeLine(t, out)
	require.Nil(t, resp.Error)
	var result jsonrpc.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, router.ServerName, result.ServerInfo.Name)
}

func TestStdioParseError(t *testing.T) {
	rt, log := testRouter(t)
	out := &bytes.Buffer{}
	s := newStdio(rt, strings.NewReader(""), out, log)

	s.handleLine(context.Background(), []byte(`{broken`))

	resp := decodeLine(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ParseError, resp.Error.Code)
}

func TestStdioCapturesSessionFromRegister(t *testing.T) {
	rt, log := testRouter(t)
	out := &bytes.Buffer{}
	s := newStdio(rt, strings.NewReader(""), out, log)
	ctx := context.Background()

	s.handleLine(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"register_agent","arguments":{"name":"CoderBlueKoala","capabilities":["coding"]}}}`))

	reg := decodeLine(t, out)
	require.Nil(t, reg.Error)

	s.tokenMu.RLock()
	token := s.sessionToken
	s.tokenMu.RUnlock()
	require.NotEmpty(t, token)

	token2 := extractSessionToken(reg.Result)
	assert.Equal(t, token2, token)

	var payload struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(reg.Result, &payload))
	var fields struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.Content[0].Text), &fields))

	// Subsequent lines authenticate with the captured token.
	hb, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]interface{}{
			"name":      "heartbeat",
			"arguments": map[string]string{"agent_id": fields.AgentID},
		},
	})
	require.NoError(t, err)
	s.handleLine(ctx, hb)

	resp := decodeLine(t, out)
	assert.Nil(t, resp.Error)
}

func TestStdioUnauthenticatedWithoutRegister(t *testing.T) {
	rt, log := testRouter(t)
	out := &bytes.Buffer{}
	s := newStdio(rt, strings.NewReader(""), out, log)

	s.handleLine(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"heartbeat","arguments":{"agent_id":"x"}}}`))

	resp := decodeLine(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.Unauthenticated, resp.Error.Code)
}

func TestStdioRunStopsOnEOF(t *testing.T) {
	rt, log := testRouter(t)
	out := &bytes.Buffer{}
	s := newStdio(rt, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), out, log)

	require.NoError(t, s.Run(context.Background()))
	resp := decodeLine(t, out)
	assert.Nil(t, resp.Error)
}
