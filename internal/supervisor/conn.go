package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/pkg/jsonrpc"
)

// maxLineBytes bounds a single framed message from a backend.
const maxLineBytes = 8 * 1024 * 1024

// Common conn errors
var (
	// ErrConnClosed is returned once the underlying pipes are gone.
	ErrConnClosed = errors.New("backend connection closed")
	// ErrOverloaded is returned when the pending-response cap is reached.
	ErrOverloaded = errors.New("backend pending-response cap exceeded")
)

// wireResponse decodes backend replies. Our ids are always int64, so a nil
// ID marks a server-initiated notification.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// Conn multiplexes JSON-RPC calls over a backend's stdio, one JSON object
// per line. Writes are serialized through a single writer and all reads come
// from a single reader goroutine; waiters live in a map guarded by mu.
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *wireResponse
	capSize int
	closed  bool

	done   chan struct{}
	logger *logger.Logger
}

// NewConn wraps the backend's pipes and starts the read loop.
func NewConn(r io.Reader, w io.Writer, pendingCap int, log *logger.Logger) *Conn {
	c := &Conn{
		w:       w,
		pending: make(map[int64]chan *wireResponse),
		capSize: pendingCap,
		done:    make(chan struct{}),
		logger:  log,
	}
	go c.readLoop(r)
	return c
}

// Call issues a request and blocks until the correlated response, the
// context deadline, or connection teardown.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *wireResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.capSize > 0 && len(c.pending) >= c.capSize {
		c.mu.Unlock()
		return nil, ErrOverloaded
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(&jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: id, Method: method, Params: marshalParams(params)}); err != nil {
		c.clearPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.clearPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// Notify sends a request without an id; no response is expected.
func (c *Conn) Notify(method string, params interface{}) error {
	return c.write(&jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: method, Params: marshalParams(params)})
}

// Close tears the connection down and releases every waiter.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.pending = make(map[int64]chan *wireResponse)
	c.mu.Unlock()
}

func (c *Conn) write(req *jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return ErrConnClosed
	}
	return nil
}

func (c *Conn) clearPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop matches responses to waiters by id. Unmatched ids are logged and
// dropped. The loop exits on pipe EOF or any read error.
func (c *Conn) readLoop(r io.Reader) {
	defer c.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("unparseable backend message dropped", zap.Error(err))
			continue
		}
		if resp.ID == nil {
			c.logger.Debug("backend notification ignored", zap.String("method", resp.Method))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("unmatched backend response dropped", zap.Int64("id", *resp.ID))
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("backend read loop ended", zap.Error(err))
	}
}

func marshalParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}
