// Package transport provides the three MCP transport adapters: stdio, HTTP
// with SSE, and WebSocket. Adapters share the router; they differ only in
// framing and the security context they tag requests with.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/router"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// stdioMaxLine bounds one framed message on stdin.
const stdioMaxLine = 8 * 1024 * 1024

// Stdio serves line-delimited JSON-RPC on the process's own stdin/stdout.
// Requests carry the local security context. Logging must go to stderr;
// stdout belongs to the protocol.
type Stdio struct {
	rt      *router.Router
	in      io.Reader
	out     io.Writer
	writeMu sync.Mutex
	// clientID attributes activity before any agent registers on this pipe.
	clientID string
	// sessionToken is remembered from register_agent results so local
	// clients need not echo the header-equivalent on every line.
	sessionToken string
	tokenMu      sync.RWMutex
	logger       *logger.Logger
}

// NewStdio creates the stdio adapter bound to the real process pipes.
func NewStdio(rt *router.Router, lg *logger.Logger) *Stdio {
	return newStdio(rt, os.Stdin, os.Stdout, lg)
}

func newStdio(rt *router.Router, in io.Reader, out io.Writer, lg *logger.Logger) *Stdio {
	return &Stdio{
		rt:       rt,
		in:       in,
		out:      out,
		clientID: "stdio-" + uuid.New().String()[:8],
		logger:   lg.WithFields(zap.String("component", "stdio-transport")),
	}
}

// Run reads until EOF or context cancellation. Each line is handled on its
// own goroutine; writes are serialized.
func (s *Stdio) Run(ctx context.Context) error {
	s.logger.Info("stdio transport listening")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, line)
		}()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.logger.Info("stdio transport closed on EOF")
	return nil
}

func (s *Stdio) handleLine(ctx context.Context, line []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "parse error"))
		return
	}

	s.tokenMu.RLock()
	token := s.sessionToken
	s.tokenMu.RUnlock()

	resp := s.rt.HandleRequest(ctx, &req, router.RequestContext{
		Security:     toolregistry.ContextLocal,
		SessionToken: token,
		ClientID:     s.clientID,
	})
	if resp == nil {
		return
	}

	s.captureSession(&req, resp)
	s.write(resp)
}

// captureSession remembers the token issued by a successful register_agent
// so later lines on this pipe are authenticated.
func (s *Stdio) captureSession(req *jsonrpc.Request, resp *jsonrpc.Response) {
	if req.Method != jsonrpc.MethodToolsCall || resp.Error != nil {
		return
	}
	var params jsonrpc.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name != toolregistry.ToolRegisterAgent {
		return
	}
	if token := extractSessionToken(resp.Result); token != "" {
		s.tokenMu.Lock()
		s.sessionToken = token
		s.tokenMu.Unlock()
	}
}

func (s *Stdio) write(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

// extractSessionToken digs the session token out of a register_agent tool
// result (content[0].text is a JSON document).
func extractSessionToken(result json.RawMessage) string {
	var wrapper struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil || len(wrapper.Content) == 0 {
		return ""
	}
	var payload struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal([]byte(wrapper.Content[0].Text), &payload); err != nil {
		return ""
	}
	return payload.SessionToken
}
