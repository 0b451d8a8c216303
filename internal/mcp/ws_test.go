package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsEchoServer upgrades and answers every request with a response
// carrying the same ID, except IDs the ignore set names.
func wsEchoServer(t *testing.T, ignore map[int64]bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if req.ID == 0 || ignore[req.ID] {
				continue // notification or deliberately dropped
			}
			resp := Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
			out, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransportSend(t *testing.T) {
	srv := wsEchoServer(t, nil)
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv)})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(3, "ping", nil))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if resp.ID != 3 {
		t.Errorf("response id = %d, want 3", resp.ID)
	}

	// Notifications go out on the same socket without a response.
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
}

func TestWSTransportAbandonedWait(t *testing.T) {
	srv := wsEchoServer(t, map[int64]bool{1: true})
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv)})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, NewRequest(1, "slow", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want deadline exceeded", err)
	}

	// The socket survives the abandoned wait.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	resp, err := tr.Send(ctx2, NewRequest(2, "ping", nil))
	if err != nil {
		t.Fatalf("Send() after abandoned wait error: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("response id = %d, want 2", resp.ID)
	}
}

func TestWSTransportDialFailure(t *testing.T) {
	tr := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1/mcp"})
	defer tr.Close()

	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Send() error = %v, want ErrConnection", err)
	}
}

func TestWSTransportCloseIdempotent(t *testing.T) {
	srv := wsEchoServer(t, nil)
	defer srv.Close()

	tr := NewWSTransport(WSConfig{URL: wsURL(srv)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Send(ctx, NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	_, err := tr.Send(context.Background(), NewRequest(2, "ping", nil))
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send() after Close error = %v, want ErrDisconnected", err)
	}
}
