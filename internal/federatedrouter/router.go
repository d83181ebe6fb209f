// Package federatedrouter implements the federated chat WebSocket surface:
// a single downstream socket whose messages each carry their own
// (gateway_id, session_key) target list, fanned out in parallel with every
// stream frame tagged by source.
package federatedrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/chatproxy/internal/common/constants"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/common/stringutil"
	"github.com/kandev/chatproxy/internal/events"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/store"
	"github.com/kandev/chatproxy/internal/thinkingfilter"
	ws "github.com/kandev/chatproxy/pkg/websocket"
)

// Router serves WebSocket /chat/federated.
type Router struct {
	mgr      gatewayLookup
	store    store.Store
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New builds a Router over the shared gateway manager and store.
func New(mgr gatewayLookup, st store.Store, log *logger.Logger) *Router {
	return &Router{
		mgr:   mgr,
		store: st,
		log:   log.WithFields(zap.String("component", "federatedrouter")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs the federated session until the
// client disconnects.
func (r *Router) HandleWS(c *gin.Context) {
	socket, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	session := newFederatedSession(r.mgr, r.store, socket, r.log)
	session.run(c.Request.Context())
}

func targetKey(gatewayID, sessionKey string) string {
	return gatewayID + "|" + sessionKey
}

// federatedSession is one downstream socket's lifetime across many targets.
type federatedSession struct {
	mgr    gatewayLookup
	store  store.Store
	socket *websocket.Conn
	log    *logger.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]bus.Subscription // gatewayID -> subscription
	activeTargets map[string]bool             // gatewayID|sessionKey -> has an active turn
	seenGateways  map[string]bool             // gateways this socket has ever targeted, for reconnect notices

	turnMu  sync.Mutex
	pending map[string]bool // sources still streaming for the in-flight turn
}

func newFederatedSession(mgr gatewayLookup, st store.Store, socket *websocket.Conn, log *logger.Logger) *federatedSession {
	return &federatedSession{
		mgr:           mgr,
		store:         st,
		socket:        socket,
		log:           log,
		subscriptions: make(map[string]bus.Subscription),
		activeTargets: make(map[string]bool),
		seenGateways:  make(map[string]bool),
		pending:       make(map[string]bool),
	}
}

func (s *federatedSession) writeJSON(v any) error {
	data, err := ws.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.socket.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return s.socket.WriteMessage(websocket.TextMessage, data)
}

func (s *federatedSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeSubscriptions()
	defer func() { _ = s.socket.Close() }()

	_ = s.writeJSON(connectedMessage{Kind: ws.KindConnected, Federated: true})

	_ = s.socket.SetReadDeadline(time.Now().Add(constants.HeartbeatWindow))
	s.socket.SetPongHandler(func(string) error {
		_ = s.socket.SetReadDeadline(time.Now().Add(constants.HeartbeatWindow))
		return nil
	})

	dispatcher := ws.NewDispatcher()
	dispatcher.RegisterFunc(ws.KindPing, func(_ context.Context, _ json.RawMessage) error {
		return s.writeJSON(pongMessage{Kind: ws.KindPong})
	})
	dispatcher.RegisterFunc(ws.KindChat, s.handleChat)
	dispatcher.RegisterFunc(ws.KindAbort, s.handleAbort)

	for {
		_, raw, err := s.socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("downstream read error", zap.Error(err))
			}
			return
		}
		_ = s.socket.SetReadDeadline(time.Now().Add(constants.HeartbeatWindow))

		if err := dispatcher.Dispatch(ctx, raw); err != nil {
			s.log.Warn("failed to dispatch downstream frame", zap.Error(err))
		}
	}
}

func (s *federatedSession) closeSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		_ = sub.Unsubscribe()
	}
}

// ensureSubscribed subscribes once per gateway id, forwarding both chat
// turns and lifecycle events (for reconnected notices) from that gateway.
func (s *federatedSession) ensureSubscribed(conn connectionHandle) {
	gatewayID := conn.ID()
	s.mu.Lock()
	alreadySubscribed := s.subscriptions[gatewayID] != nil
	s.seenGateways[gatewayID] = true
	s.mu.Unlock()
	if alreadySubscribed {
		return
	}

	sub, err := conn.Subscribe(s.onGatewayEvent(gatewayID))
	if err != nil {
		s.log.Warn("failed to subscribe to gateway events", zap.String("gateway_id", gatewayID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.subscriptions[gatewayID] = sub
	s.mu.Unlock()
}

func (s *federatedSession) onGatewayEvent(gatewayID string) bus.EventHandler {
	return func(ctx context.Context, evt *bus.Event) error {
		switch evt.Type {
		case events.GatewayConnected:
			if s.hasSeenGateway(gatewayID) {
				return s.writeJSON(reconnectedMessage{Kind: ws.KindReconnected, GatewayID: gatewayID})
			}
			return nil
		case "chat":
			return s.onChatEvent(ctx, gatewayID, evt)
		default:
			return nil
		}
	}
}

func (s *federatedSession) hasSeenGateway(gatewayID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenGateways[gatewayID]
}

func (s *federatedSession) onChatEvent(ctx context.Context, gatewayID string, evt *bus.Event) error {
	sessionKey, _ := evt.Data["sessionKey"].(string)
	if sessionKey == "" {
		return nil
	}
	key := targetKey(gatewayID, sessionKey)
	s.mu.Lock()
	active := s.activeTargets[key]
	s.mu.Unlock()
	if !active {
		return nil
	}

	state, _ := evt.Data["state"].(string)
	text, _ := evt.Data["text"].(string)
	errText, _ := evt.Data["error"].(string)
	agentName, _ := evt.Data["agentName"].(string)
	src := source{GatewayID: gatewayID, AgentName: agentName}

	switch state {
	case ws.StateDelta:
		return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateDelta, Text: text, Source: src})
	case ws.StateFinal:
		filtered := thinkingfilter.Apply(text)
		if _, err := s.store.AppendMessage(ctx, gatewayID, sessionKey, store.RoleAssistant,
			[]store.ContentBlock{{Type: "text", Text: filtered}}, nil); err != nil {
			s.log.Warn("failed to persist federated assistant message", zap.Error(err),
				zap.String("text_preview", stringutil.TruncateStringWithEllipsis(filtered, 80)))
		}
		s.markDone(key)
		return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateFinal, Text: filtered, Source: src})
	case ws.StateError:
		s.markDone(key)
		return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateError, Error: errText, Source: src})
	}
	return nil
}

// markDone clears a source from the in-flight turn's bookkeeping set, used
// only so the router can log when a turn fully completes.
func (s *federatedSession) markDone(key string) {
	s.turnMu.Lock()
	delete(s.pending, key)
	remaining := len(s.pending)
	s.turnMu.Unlock()
	if remaining == 0 {
		s.log.Debug("federated turn completed")
	}
}

func (s *federatedSession) handleChat(ctx context.Context, raw json.RawMessage) error {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	s.turnMu.Lock()
	s.pending = make(map[string]bool, len(req.Targets))
	for _, t := range req.Targets {
		s.pending[targetKey(t.GatewayID, t.SessionKey)] = true
	}
	s.turnMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, target := range req.Targets {
		target := target
		g.Go(func() error {
			s.sendToTarget(ctx, target, req.Message)
			return nil // failures are isolated per target, never cancel siblings
		})
	}
	return g.Wait()
}

func (s *federatedSession) sendToTarget(ctx context.Context, target store.FederatedTarget, message string) {
	conn, err := s.mgr.Get(target.GatewayID)
	if err != nil {
		_ = s.writeJSON(streamMessage{
			Kind: ws.KindStream, State: ws.StateError,
			Error:  fmt.Sprintf("gateway %q not registered", target.GatewayID),
			Source: source{GatewayID: target.GatewayID},
		})
		s.markDone(targetKey(target.GatewayID, target.SessionKey))
		return
	}

	s.ensureSubscribed(conn)
	key := targetKey(target.GatewayID, target.SessionKey)
	s.mu.Lock()
	s.activeTargets[key] = true
	s.mu.Unlock()

	if _, err := s.store.AppendMessage(ctx, target.GatewayID, target.SessionKey, store.RoleUser,
		[]store.ContentBlock{{Type: "text", Text: message}}, nil); err != nil {
		s.log.Warn("failed to persist federated user message", zap.Error(err),
			zap.String("text_preview", stringutil.TruncateStringWithEllipsis(message, 80)))
	}

	params := map[string]any{"sessionKey": target.SessionKey, "message": message}
	if _, err := conn.Request(ctx, "chat.send", params, 0); err != nil {
		s.log.Warn("chat.send failed", zap.String("gateway_id", target.GatewayID), zap.Error(err))
		_ = s.writeJSON(streamMessage{
			Kind: ws.KindStream, State: ws.StateError,
			Error:  err.Error(),
			Source: source{GatewayID: target.GatewayID},
		})
		s.markDone(key)
	}
}

func (s *federatedSession) handleAbort(ctx context.Context, raw json.RawMessage) error {
	var req abortRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for _, target := range req.Targets {
		target := target
		g.Go(func() error {
			conn, err := s.mgr.Get(target.GatewayID)
			if err != nil {
				return nil
			}
			if err := conn.Abort(ctx, target.SessionKey); err != nil {
				s.log.Warn("federated abort failed", zap.String("gateway_id", target.GatewayID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
