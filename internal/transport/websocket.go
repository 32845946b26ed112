// Package transport provides a WebSocket JSON-RPC transport compatible with
// the mcp-go client, for servers exposed over ws:// or wss:// endpoints.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// WebSocket implements transport.Interface over a single WebSocket
// connection. Requests are correlated to responses by JSON-RPC id; id-less
// messages are dispatched to the notification handler.
type WebSocket struct {
	url     string
	headers http.Header

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *transport.JSONRPCResponse

	handlerMu     sync.RWMutex
	notifyHandler func(mcp.JSONRPCNotification)

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocket creates an unstarted WebSocket transport for the given
// ws:// or wss:// URL.
func NewWebSocket(url string, headers http.Header) *WebSocket {
	return &WebSocket{
		url:     url,
		headers: headers,
		pending: make(map[string]chan *transport.JSONRPCResponse),
		done:    make(chan struct{}),
	}
}

// Start dials the server and begins the read loop.
func (w *WebSocket) Start(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.url, w.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	w.conn = conn
	go w.readLoop()
	return nil
}

// SendRequest writes a request and blocks until its response arrives, the
// context is cancelled, or the connection closes.
func (w *WebSocket) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("websocket transport not started")
	}

	key := request.ID.String()
	ch := make(chan *transport.JSONRPCResponse, 1)
	w.pendingMu.Lock()
	w.pending[key] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, key)
		w.pendingMu.Unlock()
	}()

	if err := w.writeJSON(request); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, fmt.Errorf("websocket connection closed")
	}
}

// SendNotification writes a notification; no response is expected.
func (w *WebSocket) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	if w.conn == nil {
		return fmt.Errorf("websocket transport not started")
	}
	return w.writeJSON(notification)
}

// SetNotificationHandler registers the handler for id-less server messages.
func (w *WebSocket) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	w.handlerMu.Lock()
	w.notifyHandler = handler
	w.handlerMu.Unlock()
}

// Close tears down the connection. Idempotent.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn != nil {
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = w.conn.Close()
		}
	})
	return nil
}

// GetSessionId implements transport.Interface; WebSocket connections carry no
// session identifier.
func (w *WebSocket) GetSessionId() string {
	return ""
}

func (w *WebSocket) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop routes incoming frames until the connection drops. Responses are
// matched to waiters by id; everything without an id is a notification.
func (w *WebSocket) readLoop() {
	defer w.Close()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		if len(probe.ID) == 0 || string(probe.ID) == "null" {
			var notification mcp.JSONRPCNotification
			if err := json.Unmarshal(data, &notification); err != nil {
				continue
			}
			w.handlerMu.RLock()
			handler := w.notifyHandler
			w.handlerMu.RUnlock()
			if handler != nil {
				handler(notification)
			}
			continue
		}

		// Server-to-client requests (method with an id) are not supported
		// over this transport and are ignored.
		if probe.Method != "" {
			continue
		}

		var resp transport.JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		w.pendingMu.Lock()
		ch := w.pending[resp.ID.String()]
		w.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}
