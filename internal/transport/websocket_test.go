package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// echoServer answers every request with {"echo": <method>} and pushes one
// notification after the first request.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		notified := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
			}
			if json.Unmarshal(data, &req) != nil || len(req.ID) == 0 {
				continue
			}
			resp := map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(req.ID),
				"result":  map[string]string{"echo": req.Method},
			}
			out, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, out)

			if !notified {
				notified = true
				note := map[string]interface{}{
					"jsonrpc": "2.0",
					"method":  "notifications/tools/list_changed",
				}
				out, _ = json.Marshal(note)
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendRequestRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ws.Close()

	resp, err := ws.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "tools/list",
	})
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if result["echo"] != "tools/list" {
		t.Errorf("echo = %q, want tools/list", result["echo"])
	}
}

func TestNotificationDispatch(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	ws.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		select {
		case got <- n.Method:
		default:
		}
	})

	if err := ws.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ws.Close()

	if _, err := ws.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "ping",
	}); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}

	select {
	case method := <-got:
		if method != "notifications/tools/list_changed" {
			t.Errorf("notification method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestSendRequestAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(wsURL(srv), nil)
	ctx := context.Background()
	if err := ws.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ws.Close()
	ws.Close() // idempotent

	_, err := ws.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(2)),
		Method:  "ping",
	})
	if err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestDialFailure(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/nope", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Start(ctx); err == nil {
		t.Fatal("expected dial failure")
	}
}
