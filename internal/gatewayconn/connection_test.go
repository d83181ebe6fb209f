package gatewayconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

// fakeGateway is a minimal upstream: sends the challenge immediately, accepts
// any connect request, and lets the test push further frames/assertions.
type fakeGateway struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fg := &fakeGateway{conns: make(chan *websocket.Conn, 1)}

	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		fg.conns <- conn

		challenge := eventFrame{Type: frameTypeEvent, Event: "connect.challenge"}
		data, _ := json.Marshal(challenge)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req requestFrame
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			switch req.Method {
			case "connect":
				payload, _ := json.Marshal(connectResultPayload{
					Protocol: 3,
					Snapshot: MetadataSnapshot{
						Agents:       []Agent{{ID: "agent-1", Name: "Primary"}},
						Models:       []Model{{ID: "model-1", Name: "Fast"}},
						DefaultModel: "model-1",
					},
				})
				resp := responseFrame{Type: frameTypeResponse, ID: req.ID, OK: true, Payload: payload}
				respData, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, respData)
			case "chat.echo":
				payload, _ := json.Marshal(map[string]string{"echoed": "yes"})
				resp := responseFrame{Type: frameTypeResponse, ID: req.ID, OK: true, Payload: payload}
				respData, _ := json.Marshal(resp)
				_ = conn.WriteMessage(websocket.TextMessage, respData)
			}
		}
	}))
	return fg
}

func (fg *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func (fg *fakeGateway) close() { fg.server.Close() }

func waitForState(t *testing.T, c *Connection, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last state %s", want, c.State())
}

func TestConnectionHandshakeReachesConnected(t *testing.T) {
	fg := newFakeGateway(t)
	defer fg.close()

	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	conn := New(Config{ID: "gw-1", Name: "Primary", URL: fg.wsURL()}, eventBus, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.Connect(ctx)
	waitForState(t, conn, StateConnected, 2*time.Second)

	snap := conn.Snapshot()
	if len(snap.Agents) != 1 || snap.Agents[0].ID != "agent-1" {
		t.Errorf("expected cached agent snapshot, got %+v", snap)
	}
	if snap.DefaultModel != "model-1" {
		t.Errorf("expected default model cached, got %q", snap.DefaultModel)
	}

	conn.Close()
}

func TestConnectionRequestRoundTrip(t *testing.T) {
	fg := newFakeGateway(t)
	defer fg.close()

	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	conn := New(Config{ID: "gw-1", Name: "Primary", URL: fg.wsURL()}, eventBus, newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.Connect(ctx)
	waitForState(t, conn, StateConnected, 2*time.Second)

	payload, err := conn.Request(ctx, "chat.echo", map[string]string{"sessionKey": "s1"}, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var result map[string]string
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	if result["echoed"] != "yes" {
		t.Errorf("unexpected response payload: %+v", result)
	}

	conn.Close()
}

func TestRequestFailsWhenNotConnected(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	conn := New(Config{ID: "gw-1", Name: "Primary", URL: "ws://127.0.0.1:1/never"}, eventBus, newTestLogger(t))
	_, err := conn.Request(context.Background(), "chat.echo", nil, time.Second)
	if err == nil {
		t.Fatal("expected error issuing a request before connect")
	}
}
