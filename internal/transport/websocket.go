package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/config"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/router"
	"github.com/agentcoord/agentcoord/internal/toolregistry"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait)
	wsPingPeriod = (wsPongWait * 9) / 10

	// Maximum message size allowed from peer
	wsMaxMessageSize = 8 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens per message via session tokens, not via origin.
		return true
	},
}

// WSServer serves full-duplex JSON-RPC frames over WebSocket. Each frame is
// one request; responses are written back on the same connection.
type WSServer struct {
	rt     *router.Router
	cfg    *config.Config
	srv    *http.Server
	logger *logger.Logger
}

// NewWSServer builds the WebSocket listener.
func NewWSServer(rt *router.Router, cfg *config.Config, lg *logger.Logger) *WSServer {
	w := &WSServer{
		rt:     rt,
		cfg:    cfg,
		logger: lg.WithFields(zap.String("component", "ws-transport")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/ws", w.handleUpgrade)
	w.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.WSPort),
		Handler: mux,
	}
	return w
}

// Run serves until the context is cancelled.
func (w *WSServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("websocket transport listening", zap.String("addr", w.srv.Addr))
		if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.srv.Shutdown(shutdownCtx)
	}
}

func (w *WSServer) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerSession)
	if token == "" {
		token = r.Header.Get(headerSessionLegacy)
	}

	conn, err := upgrader.Upgrade(rw, r, http.Header{
		headerProtocol: []string{w.cfg.Server.ProtocolVersion},
	})
	if err != nil {
		w.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:     "ws-" + uuid.New().String()[:8],
		conn:   conn,
		rt:     w.rt,
		token:  token,
		send:   make(chan []byte, 256),
		logger: w.logger,
	}
	go client.writePump()
	client.readPump(r.Context())
}

// wsClient is one WebSocket connection. Reads and writes run on separate
// pumps; the send channel decouples them.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	rt     *router.Router
	token  string
	tokenM sync.RWMutex
	send   chan []byte
	logger *logger.Logger
}

// readPump handles inbound frames until the connection drops.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.enqueue(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "parse error"))
			continue
		}

		c.tokenM.RLock()
		token := c.token
		c.tokenM.RUnlock()

		resp := c.rt.HandleRequest(ctx, &req, router.RequestContext{
			Security:     toolregistry.ContextRemote,
			SessionToken: token,
			ClientID:     c.id,
		})
		if resp == nil {
			continue
		}
		c.captureSession(&req, resp)
		c.enqueue(resp)
	}
}

// captureSession keeps the token from a register_agent result so later
// frames on this connection authenticate without resending headers.
func (c *wsClient) captureSession(req *jsonrpc.Request, resp *jsonrpc.Response) {
	if req.Method != jsonrpc.MethodToolsCall || resp.Error != nil {
		return
	}
	var params jsonrpc.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name != toolregistry.ToolRegisterAgent {
		return
	}
	if token := extractSessionToken(resp.Result); token != "" {
		c.tokenM.Lock()
		c.token = token
		c.tokenM.Unlock()
	}
}

func (c *wsClient) enqueue(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping response", zap.String("client_id", c.id))
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
