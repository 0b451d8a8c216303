package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket MCP transport that communicates with
// a remote MCP server over a single long-lived socket.
type WSConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a WebSocket. One
// reader goroutine owns the socket's read side and dispatches responses
// to waiting callers by request ID, so concurrent requests share the
// connection and an abandoned wait does not disturb it.
type WSTransport struct {
	config WSConfig
	logger *slog.Logger

	mu     sync.Mutex // guards dial/close and socket writes
	conn   *websocket.Conn
	closed bool

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	// done is closed when the reader goroutine exits (socket closed).
	done chan struct{}
}

// NewWSTransport creates a WebSocket transport for the given config.
// The socket is not dialed until the first Send or Notify call.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// dial establishes the socket if not already connected. Caller must
// hold t.mu.
func (t *WSTransport) dial(ctx context.Context) error {
	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrDisconnected)
	}
	if t.conn != nil {
		select {
		case <-t.done:
			return fmt.Errorf("%w: socket closed", ErrDisconnected)
		default:
			return nil
		}
	}

	t.logger.Info("dialing MCP WebSocket", "url", t.config.URL)

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	// Larger buffers: tool results can be sizeable.
	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 64 * 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s (status %d): %v", ErrConnection, t.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, t.config.URL, err)
	}

	t.conn = conn
	go t.readLoop(conn)
	return nil
}

// readLoop reads messages from the socket and delivers responses to the
// matching pending caller. It exits when the socket closes.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("MCP WebSocket read failed", "error", err)
			}
			break
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("skipping non-JSON WebSocket message", "data", string(data))
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if !ok {
			t.logger.Debug("discarding unmatched MCP message", "id", resp.ID)
			continue
		}
		ch <- &resp
	}

	close(t.done)
}

// Send sends a JSON-RPC request and waits for the response with the
// matching ID. Cancellation of ctx abandons the wait; the late
// response, if any, is discarded by the reader.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()

	if err := t.write(ctx, req); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: socket closed", ErrDisconnected)
	case resp := <-ch:
		return resp, nil
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (t *WSTransport) Notify(ctx context.Context, notif *Notification) error {
	return t.write(ctx, notif)
}

// write marshals v and writes it as one text frame, dialing first if
// needed. gorilla/websocket allows only one concurrent writer, so
// writes are serialized under t.mu.
func (t *WSTransport) write(ctx context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write to socket: %v", ErrDisconnected, err)
	}
	return nil
}

// Close closes the socket. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.conn == nil {
		return nil
	}

	t.logger.Info("closing MCP WebSocket")

	// Best-effort close handshake, then tear down the socket. The
	// reader goroutine exits on the socket close and signals done.
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
