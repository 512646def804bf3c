package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// ErrNotReady is returned for calls to a backend that is not ready.
var ErrNotReady = errors.New("backend not ready")

// State is the lifecycle state of a backend process.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDead       State = "dead"
	StateRestarting State = "restarting"
)

// Backend wraps one external MCP server child process.
type Backend struct {
	Name     string
	spec     ServerSpec
	settings Settings

	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *Conn
	state atomic.Value // State

	pendingCap int

	tools      []mcp.Tool
	probeFails int
	toolsMu    sync.RWMutex

	exitCh chan error
	wg     sync.WaitGroup
	logger *logger.Logger
}

func newBackend(name string, spec ServerSpec, settings Settings, pendingCap int, log *logger.Logger) *Backend {
	b := &Backend{
		Name:       name,
		spec:       spec,
		settings:   settings,
		pendingCap: pendingCap,
		logger:     log.WithFields(zap.String("backend", name)),
	}
	b.state.Store(StateStarting)
	return b
}

// State returns the backend's current lifecycle state.
func (b *Backend) State() State {
	return b.state.Load().(State)
}

// Tools returns the cached tool catalog from the last successful probe.
func (b *Backend) Tools() []mcp.Tool {
	b.toolsMu.RLock()
	defer b.toolsMu.RUnlock()
	out := make([]mcp.Tool, len(b.tools))
	copy(out, b.tools)
	return out
}

// start launches the child, wires the stdio connection, and probes
// readiness with initialize + tools/list.
func (b *Backend) start(ctx context.Context) error {
	b.state.Store(StateStarting)
	b.logger.Info("starting backend process",
		zap.String("command", b.spec.Command),
		zap.Strings("args", b.spec.Args))

	// Not CommandContext: the caller's context must not kill a healthy
	// child when the startup call returns.
	cmd := exec.Command(b.spec.Command, b.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range b.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.state.Store(StateDead)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.state.Store(StateDead)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.state.Store(StateDead)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		b.state.Store(StateDead)
		return fmt.Errorf("failed to start backend: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.conn = NewConn(stdout, stdin, b.pendingCap, b.logger)
	b.exitCh = make(chan error, 1)

	b.wg.Add(2)
	go b.readStderr(stderr)
	go b.waitForExit()

	if err := b.probeReady(ctx); err != nil {
		b.logger.Warn("backend readiness probe failed", zap.Error(err))
		b.stop()
		return err
	}

	b.state.Store(StateReady)
	b.probeFails = 0
	b.logger.Info("backend ready",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("tools", len(b.Tools())))
	return nil
}

// probeReady performs the initialize + tools/list handshake within the
// startup timeout and caches the discovered tools.
func (b *Backend) probeReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.settings.StartupTimeout())
	defer cancel()

	if _, err := b.conn.Call(ctx, jsonrpc.MethodInitialize, map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo": map[string]string{
			"name":    "agent-coordinator",
			"version": "1.0",
		},
		"capabilities": map[string]interface{}{},
	}); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	_ = b.conn.Notify("notifications/initialized", nil)

	return b.refreshTools(ctx)
}

// refreshTools runs a tools/list roundtrip and replaces the cached catalog.
func (b *Backend) refreshTools(ctx context.Context) error {
	raw, err := b.conn.Call(ctx, jsonrpc.MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("tools/list result unparseable: %w", err)
	}

	b.toolsMu.Lock()
	b.tools = result.Tools
	b.toolsMu.Unlock()
	return nil
}

// Call forwards a tools/call to the backend.
func (b *Backend) Call(ctx context.Context, toolName string, arguments json.RawMessage) (json.RawMessage, error) {
	if b.State() != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, b.Name, b.State())
	}
	return b.conn.Call(ctx, jsonrpc.MethodToolsCall, map[string]interface{}{
		"name":      toolName,
		"arguments": arguments,
	})
}

// probe is the periodic health check: a tools/list roundtrip. Two
// consecutive failures declare the backend dead.
func (b *Backend) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, b.settings.StartupTimeout())
	defer cancel()

	if err := b.refreshTools(ctx); err != nil {
		b.probeFails++
		b.logger.Warn("health probe failed",
			zap.Int("consecutive", b.probeFails),
			zap.Error(err))
		return b.probeFails < 2
	}
	b.probeFails = 0
	return true
}

// stop tears down the child process and connection.
func (b *Backend) stop() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	b.wg.Wait()
	b.state.Store(StateDead)
}

// readStderr drains the child's stderr into the log.
func (b *Backend) readStderr(r io.Reader) {
	defer b.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("backend stderr", zap.String("line", scanner.Text()))
	}
}

// waitForExit reaps the child and reports its exit.
func (b *Backend) waitForExit() {
	defer b.wg.Done()
	err := b.cmd.Wait()
	if err != nil {
		b.logger.Warn("backend process exited", zap.Error(err))
	} else {
		b.logger.Info("backend process exited cleanly")
	}
	b.conn.Close()
	select {
	case b.exitCh <- err:
	default:
	}
}

// exited returns the channel signalled when the child process dies.
func (b *Backend) exited() <-chan error {
	return b.exitCh
}
