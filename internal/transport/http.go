package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/router"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// Session header names. The Mcp- form is primary; X-Session-Id is the
// legacy alias older clients still send.
const (
	headerSession       = "Mcp-Session-Id"
	headerSessionLegacy = "X-Session-Id"
	headerProtocol      = "Mcp-Protocol-Version"
)

// sseHeartbeatInterval paces the keepalive events on /mcp/stream.
const sseHeartbeatInterval = 15 * time.Second

// HTTPServer serves the MCP surface over HTTP: JSON-RPC POST, an SSE push
// stream, and the convenience tool endpoints. All requests carry the remote
// security context.
type HTTPServer struct {
	rt     *router.Router
	cfg    *config.Config
	srv    *http.Server
	logger *logger.Logger
}

// NewHTTPServer builds the gin engine and routes.
func NewHTTPServer(rt *router.Router, cfg *config.Config, lg *logger.Logger) *HTTPServer {
	h := &HTTPServer{
		rt:     rt,
		cfg:    cfg,
		logger: lg.WithFields(zap.String("component", "http-transport")),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), h.serverHeaders())

	engine.GET("/health", h.handleHealth)
	engine.POST("/mcp/request", h.handleRequest)
	engine.GET("/mcp/stream", h.handleStream)
	engine.GET("/mcp/tools", h.handleListTools)
	engine.POST("/mcp/tools/:name", h.handleCallTool)

	h.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: engine,
	}
	return h
}

// Run serves until the context is cancelled.
func (h *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("http transport listening", zap.String("addr", h.srv.Addr))
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.srv.Shutdown(shutdownCtx)
	}
}

// serverHeaders stamps every response with the protocol version and server
// identity.
func (h *HTTPServer) serverHeaders() gin.HandlerFunc {
	serverValue := fmt.Sprintf("%s/%s", router.ServerName, router.ServerVersion)
	return func(c *gin.Context) {
		c.Header(headerProtocol, h.cfg.Server.ProtocolVersion)
		c.Header("Server", serverValue)
		c.Next()
	}
}

func (h *HTTPServer) requestContext(c *gin.Context) router.RequestContext {
	token := c.GetHeader(headerSession)
	if token == "" {
		token = c.GetHeader(headerSessionLegacy)
	}
	return router.RequestContext{
		Security:     toolregistry.ContextRemote,
		SessionToken: token,
		ClientID:     "http-" + c.ClientIP(),
	}
}

func (h *HTTPServer) handleHealth(c *gin.Context) {
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: "health", Method: jsonrpc.MethodHealth}
	resp := h.rt.HandleRequest(c.Request.Context(), req, h.requestContext(c))
	if resp.Error != nil {
		c.JSON(http.StatusServiceUnavailable, resp.Error)
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Result)
}

func (h *HTTPServer) handleRequest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "unreadable body"))
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "parse error"))
		return
	}

	resp := h.rt.HandleRequest(c.Request.Context(), &req, h.requestContext(c))
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStream is the SSE push channel: a connected event, then periodic
// heartbeats until the client goes away.
func (h *HTTPServer) handleStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	rc := h.requestContext(c)
	streamID := uuid.New().String()

	writeEvent(c, "connected", map[string]interface{}{
		"session_id":       streamID,
		"protocol_version": h.cfg.Server.ProtocolVersion,
		"timestamp":        time.Now().UTC(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	h.logger.Debug("sse stream opened", zap.String("stream_id", streamID), zap.String("client", rc.ClientID))
	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("sse stream closed", zap.String("stream_id", streamID))
			return
		case <-ticker.C:
			writeEvent(c, "heartbeat", map[string]interface{}{
				"timestamp":  time.Now().UTC(),
				"session_id": streamID,
			})
			c.Writer.Flush()
		}
	}
}

func (h *HTTPServer) handleListTools(c *gin.Context) {
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: "tools", Method: jsonrpc.MethodToolsList}
	resp := h.rt.HandleRequest(c.Request.Context(), req, h.requestContext(c))
	if resp.Error != nil {
		c.JSON(http.StatusInternalServerError, resp.Error)
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Result)
}

// handleCallTool is the convenience form: the body is the tool arguments.
func (h *HTTPServer) handleCallTool(c *gin.Context) {
	name := c.Param("name")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	params, err := json.Marshal(jsonrpc.CallToolParams{Name: name, Arguments: body})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode params"})
		return
	}

	req := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      uuid.New().String(),
		Method:  jsonrpc.MethodToolsCall,
		Params:  params,
	}
	resp := h.rt.HandleRequest(c.Request.Context(), req, h.requestContext(c))
	c.JSON(http.StatusOK, resp)
}

func writeEvent(c *gin.Context, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
}
