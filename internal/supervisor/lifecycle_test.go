package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/events"
	"github.com/agentcoord/agentcoord/internal/events/eventlog"
)

// backendScript is a line-framed MCP server in shell. It answers initialize
// and tools/list, and on its first run (no marker file yet) it exits right
// after the first tools/list to simulate a crash.
const backendScript = `#!/bin/sh
marker="$1"
while read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  [ -z "$id" ] && continue
  case "$line" in
  *'"method":"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"scripted","version":"0.1"}}}\n' "$id"
    ;;
  *'"method":"tools/list"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo_text","description":"echo","inputSchema":{"type":"object"}}]}}\n' "$id"
    if [ ! -f "$marker" ]; then
      : > "$marker"
      exit 0
    fi
    ;;
  esac
done
`

type catalogRecorder struct {
	events chan string

	mu    sync.Mutex
	tools map[string][]mcp.Tool
}

func newCatalogRecorder() *catalogRecorder {
	return &catalogRecorder{
		events: make(chan string, 16),
		tools:  make(map[string][]mcp.Tool),
	}
}

func (c *catalogRecorder) BackendReady(name string, tools []mcp.Tool) {
	c.mu.Lock()
	c.tools[name] = tools
	c.mu.Unlock()
	c.events <- "ready:" + name
}

func (c *catalogRecorder) BackendDead(name string) {
	c.events <- "dead:" + name
}

func (c *catalogRecorder) toolNames(backend string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, tool := range c.tools[backend] {
		names = append(names, tool.Name)
	}
	return names
}

func awaitEvent(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSupervisorRestartsDeadBackend(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "backend.sh")
	marker := filepath.Join(dir, "first-run-done")
	require.NoError(t, os.WriteFile(script, []byte(backendScript), 0o755))

	cfgPath := writeServerConfig(t, fmt.Sprintf(`{
		"servers": {
			"scripted": {"type": "stdio", "command": "/bin/sh", "args": [%q, %q], "auto_restart": true}
		},
		"config": {"startup_timeout_ms": 5000, "heartbeat_interval_ms": 60000, "auto_restart_delay_ms": 20, "max_restart_attempts": 3}
	}`, script, marker))
	file, err := LoadFile(cfgPath)
	require.NoError(t, err)

	log := connLogger(t)
	memLog := eventlog.NewMemoryLog(log)
	rec := newCatalogRecorder()
	sup := New(file, config.BackendsConfig{CallTimeout: 30, PendingCap: 8}, rec, memLog, log)

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(sup.Stop) }
	defer stop()

	sup.Start(context.Background())

	// First run: catalog gains the backend's tools, then the child dies.
	awaitEvent(t, rec.events, "ready:scripted")
	assert.Equal(t, []string{"echo_text"}, rec.toolNames("scripted"))
	awaitEvent(t, rec.events, "dead:scripted")

	// Backoff restart: the catalog regains the tools.
	awaitEvent(t, rec.events, "ready:scripted")
	b, ok := sup.Backend("scripted")
	require.True(t, ok)
	assert.Equal(t, StateReady, b.State())

	stop()

	var kinds []string
	_, err = memLog.Replay(context.Background(), events.StreamServers, 0, func(ctx context.Context, e *events.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, []string{events.ExternalServerUp, events.ExternalServerDown, events.ExternalServerUp}, kinds[:3])
}
