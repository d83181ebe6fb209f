package federatedrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/gatewayconn"
	"github.com/kandev/chatproxy/internal/store"
	ws "github.com/kandev/chatproxy/pkg/websocket"
)

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
func (noopSubscription) IsValid() bool      { return true }

// fakeConnection is a connectionHandle double, one per simulated gateway.
type fakeConnection struct {
	id       string
	handler  bus.EventHandler
	requests []string
}

func (f *fakeConnection) ID() string                             { return f.id }
func (f *fakeConnection) IsConnected() bool                      { return true }
func (f *fakeConnection) Snapshot() gatewayconn.MetadataSnapshot { return gatewayconn.MetadataSnapshot{} }

func (f *fakeConnection) Subscribe(handler bus.EventHandler) (bus.Subscription, error) {
	f.handler = handler
	return noopSubscription{}, nil
}

func (f *fakeConnection) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.requests = append(f.requests, method)
	return json.RawMessage(`{}`), nil
}

func (f *fakeConnection) Abort(ctx context.Context, sessionKey string) error {
	f.requests = append(f.requests, "chat.abort:"+sessionKey)
	return nil
}

func (f *fakeConnection) emitChat(sessionKey, state, text string) {
	evt := &bus.Event{Type: "chat", Data: map[string]interface{}{
		"sessionKey": sessionKey,
		"state":      state,
		"text":       text,
	}}
	_ = f.handler(context.Background(), evt)
}

// fakeLookup resolves gateway ids against a fixed in-memory registry of
// fakeConnections, returning NotFound for anything else.
type fakeLookup struct {
	byID map[string]*fakeConnection
}

func (l *fakeLookup) Get(id string) (connectionHandle, error) {
	conn, ok := l.byID[id]
	if !ok {
		return nil, apperr.NotFound("gateway %q not found", id)
	}
	return conn, nil
}

func newTestStore(t *testing.T) (*store.SQLStore, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return st, func() { _ = st.Close() }
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func dialSession(t *testing.T, lookup gatewayLookup, st *store.SQLStore) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverSocket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		session := newFederatedSession(lookup, st, serverSocket, newTestLogger(t))
		go session.run(context.Background())
	}))

	wsURL := "ws" + server.URL[len("http"):]
	clientSocket, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cleanup := func() {
		_ = clientSocket.Close()
		server.Close()
	}
	return clientSocket, cleanup
}

func TestFederatedSessionEmitsConnectedOnOpen(t *testing.T) {
	st, cleanupStore := newTestStore(t)
	defer cleanupStore()
	client, cleanup := dialSession(t, &fakeLookup{}, st)
	defer cleanup()

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	var msg connectedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode connected frame: %v", err)
	}
	if msg.Kind != ws.KindConnected || !msg.Federated {
		t.Errorf("unexpected connected frame: %+v", msg)
	}
}

func TestFederatedSessionPingPong(t *testing.T) {
	st, cleanupStore := newTestStore(t)
	defer cleanupStore()
	client, cleanup := dialSession(t, &fakeLookup{}, st)
	defer cleanup()

	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	payload, _ := ws.Encode(map[string]string{"type": ws.KindPing})
	if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong pongMessage
	if err := json.Unmarshal(raw, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Kind != ws.KindPong {
		t.Errorf("expected pong, got %+v", pong)
	}
}

func TestFederatedSessionChatUnknownGatewayEmitsErrorPerTarget(t *testing.T) {
	st, cleanupStore := newTestStore(t)
	defer cleanupStore()
	client, cleanup := dialSession(t, &fakeLookup{}, st)
	defer cleanup()

	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}

	data, _ := json.Marshal(map[string]any{
		"type": ws.KindChat, "message": "hello",
		"targets": []store.FederatedTarget{{GatewayID: "missing", SessionKey: "s1"}},
	})
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read stream error frame: %v", err)
	}
	var stream streamMessage
	if err := json.Unmarshal(raw, &stream); err != nil {
		t.Fatalf("decode stream frame: %v", err)
	}
	if stream.State != ws.StateError || stream.Source.GatewayID != "missing" {
		t.Errorf("unexpected stream frame: %+v", stream)
	}
}

func TestFederatedSessionChatFansOutAndTagsSource(t *testing.T) {
	st, cleanupStore := newTestStore(t)
	defer cleanupStore()

	fc1 := &fakeConnection{id: "g1"}
	fc2 := &fakeConnection{id: "g2"}
	lookup := &fakeLookup{byID: map[string]*fakeConnection{"g1": fc1, "g2": fc2}}

	client, cleanup := dialSession(t, lookup, st)
	defer cleanup()

	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}

	data, _ := json.Marshal(map[string]any{
		"type": ws.KindChat, "message": "ping",
		"targets": []store.FederatedTarget{
			{GatewayID: "g1", SessionKey: "s1"},
			{GatewayID: "g2", SessionKey: "s2"},
		},
	})
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for (fc1.handler == nil || fc2.handler == nil) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fc1.handler == nil || fc2.handler == nil {
		t.Fatalf("expected both targets to subscribe, got fc1=%v fc2=%v", fc1.handler != nil, fc2.handler != nil)
	}
	if len(fc1.requests) != 1 || fc1.requests[0] != "chat.send" {
		t.Fatalf("expected chat.send on g1, got %+v", fc1.requests)
	}
	if len(fc2.requests) != 1 || fc2.requests[0] != "chat.send" {
		t.Fatalf("expected chat.send on g2, got %+v", fc2.requests)
	}

	fc1.emitChat("s1", "final", "pong-1")
	fc2.emitChat("s2", "final", "pong-2")

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		_, raw, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read stream frame %d: %v", i, err)
		}
		var stream streamMessage
		if err := json.Unmarshal(raw, &stream); err != nil {
			t.Fatalf("decode stream frame: %v", err)
		}
		seen[stream.Source.GatewayID] = stream.Text
	}
	if seen["g1"] != "pong-1" || seen["g2"] != "pong-2" {
		t.Errorf("unexpected per-source texts: %+v", seen)
	}

	messagesG1, err := st.ListMessages(context.Background(), "g1", "s1", 10, "")
	if err != nil {
		t.Fatalf("ListMessages g1: %v", err)
	}
	if len(messagesG1) != 2 {
		t.Errorf("expected user+assistant message for g1/s1, got %d", len(messagesG1))
	}
}
