// Package chatrouter implements the single-gateway chat WebSocket surface:
// one downstream socket multiplexed across session keys for one upstream
// gateway, translating client turns into upstream requests and upstream
// chat events back into filtered, persisted stream frames.
package chatrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/common/constants"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/common/stringutil"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/gatewaymgr"
	"github.com/kandev/chatproxy/internal/store"
	"github.com/kandev/chatproxy/internal/thinkingfilter"
	ws "github.com/kandev/chatproxy/pkg/websocket"
)

// Router serves WebSocket /chat/{gateway_id}.
type Router struct {
	mgr      *gatewaymgr.Manager
	store    store.Store
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New builds a Router over the shared gateway manager and store.
func New(mgr *gatewaymgr.Manager, st store.Store, log *logger.Logger) *Router {
	return &Router{
		mgr:   mgr,
		store: st,
		log:   log.WithFields(zap.String("component", "chatrouter")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs the session until the client
// disconnects or the socket goes idle beyond the heartbeat window.
func (r *Router) HandleWS(c *gin.Context) {
	gatewayID := c.Param("gateway_id")

	conn, err := r.mgr.Get(gatewayID)
	if err != nil {
		socket, upErr := r.upgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			return
		}
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown gateway")
		_ = socket.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(constants.WriteWait))
		_ = socket.Close()
		return
	}

	socket, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newClientSession(gatewayID, conn, socket, r.store, r.log)
	session.run(c.Request.Context())
}

// clientSession is one downstream socket's lifetime: read loop, event fan-in
// subscription, and the set of session keys it has actively used.
type clientSession struct {
	gatewayID string
	conn      connectionHandle
	socket    *websocket.Conn
	store     store.Store
	log       *logger.Logger

	writeMu sync.Mutex

	activeMu sync.Mutex
	active   map[string]bool
}

func newClientSession(gatewayID string, conn connectionHandle, socket *websocket.Conn, st store.Store, log *logger.Logger) *clientSession {
	return &clientSession{
		gatewayID: gatewayID,
		conn:      conn,
		socket:    socket,
		store:     st,
		log:       log.WithFields(zap.String("gateway_id", gatewayID)),
		active:    make(map[string]bool),
	}
}

func (s *clientSession) writeJSON(v any) error {
	data, err := ws.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.socket.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return s.socket.WriteMessage(websocket.TextMessage, data)
}

func (s *clientSession) markActive(sessionKey string) {
	s.activeMu.Lock()
	s.active[sessionKey] = true
	s.activeMu.Unlock()
}

func (s *clientSession) isActive(sessionKey string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active[sessionKey]
}

func (s *clientSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.socket.Close() }()

	snap := s.conn.Snapshot()
	_ = s.writeJSON(connectedMessage{
		Kind:         ws.KindConnected,
		Agents:       snap.Agents,
		Models:       snap.Models,
		DefaultModel: snap.DefaultModel,
	})

	sub, err := s.conn.Subscribe(s.onUpstreamEvent(ctx))
	if err != nil {
		s.log.Warn("failed to subscribe to gateway events", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	_ = s.socket.SetReadDeadline(time.Now().Add(constants.HeartbeatWindow))
	s.socket.SetPongHandler(func(string) error {
		_ = s.socket.SetReadDeadline(time.Now().Add(constants.HeartbeatWindow))
		return nil
	})

	dispatcher := s.buildDispatcher(ctx)
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

// onUpstreamEvent builds the handler passed to conn.Subscribe: it filters
// for "chat" events belonging to a session key this socket has an active
// turn for, applies the Thinking Filter to finals, persists finals, and
// forwards every state to the client.
func (s *clientSession) onUpstreamEvent(ctx context.Context) bus.EventHandler {
	return func(_ context.Context, evt *bus.Event) error {
		if evt.Type != "chat" {
			return nil
		}
		sessionKey, _ := evt.Data["sessionKey"].(string)
		if sessionKey == "" || !s.isActive(sessionKey) {
			return nil
		}
		state, _ := evt.Data["state"].(string)
		text, _ := evt.Data["text"].(string)
		errText, _ := evt.Data["error"].(string)

		switch state {
		case ws.StateDelta:
			return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateDelta, Text: text})
		case ws.StateFinal:
			filtered := thinkingfilter.Apply(text)
			if _, err := s.store.AppendMessage(ctx, s.gatewayID, sessionKey, store.RoleAssistant,
				[]store.ContentBlock{{Type: "text", Text: filtered}}, nil); err != nil {
				s.log.Warn("failed to persist assistant message", zap.Error(err),
					zap.String("text_preview", stringutil.TruncateStringWithEllipsis(filtered, 80)))
			}
			return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateFinal, Text: filtered})
		case ws.StateError:
			return s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateError, Error: errText})
		}
		return nil
	}
}

func (s *clientSession) buildDispatcher(ctx context.Context) *ws.Dispatcher {
	d := ws.NewDispatcher()
	d.RegisterFunc(ws.KindPing, func(_ context.Context, _ json.RawMessage) error {
		return s.writeJSON(pongMessage{Kind: ws.KindPong})
	})
	d.RegisterFunc(ws.KindChat, s.handleChat)
	d.RegisterFunc(ws.KindAbort, s.handleAbort)
	d.RegisterFunc(ws.KindSetReasoning, s.handleSetReasoning)
	d.RegisterFunc(ws.KindHistory, s.handleHistory)
	_ = ctx
	return d
}

func (s *clientSession) handleChat(ctx context.Context, raw json.RawMessage) error {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if req.SessionKey == "" {
		return apperr.Validation("chat requires sessionKey")
	}
	s.markActive(req.SessionKey)

	if _, err := s.store.AppendMessage(ctx, s.gatewayID, req.SessionKey, store.RoleUser,
		[]store.ContentBlock{{Type: "text", Text: req.Message}}, nil); err != nil {
		s.log.Warn("failed to persist user message", zap.Error(err),
			zap.String("text_preview", stringutil.TruncateStringWithEllipsis(req.Message, 80)))
	}

	params := map[string]any{"sessionKey": req.SessionKey, "message": req.Message}
	if req.AdvancedReasoning != nil {
		params["advancedReasoning"] = *req.AdvancedReasoning
	}
	go func() {
		if _, err := s.conn.Request(ctx, "chat.send", params, 0); err != nil {
			s.log.Warn("chat.send failed", zap.String("session_key", req.SessionKey), zap.Error(err))
			_ = s.writeJSON(streamMessage{Kind: ws.KindStream, State: ws.StateError, Error: err.Error()})
		}
	}()
	return nil
}

func (s *clientSession) handleAbort(ctx context.Context, raw json.RawMessage) error {
	var req sessionKeyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	go func() {
		if err := s.conn.Abort(ctx, req.SessionKey); err != nil {
			s.log.Warn("abort failed", zap.String("session_key", req.SessionKey), zap.Error(err))
		}
	}()
	return nil
}

func (s *clientSession) handleSetReasoning(ctx context.Context, raw json.RawMessage) error {
	var req setReasoningRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	go func() {
		params := map[string]any{"sessionKey": req.SessionKey, "enabled": req.Enabled}
		if _, err := s.conn.Request(ctx, "chat.set_reasoning", params, 0); err != nil {
			s.log.Warn("set_reasoning failed", zap.String("session_key", req.SessionKey), zap.Error(err))
		}
	}()
	return nil
}

func (s *clientSession) handleHistory(ctx context.Context, raw json.RawMessage) error {
	var req historyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.store.ListMessages(ctx, s.gatewayID, req.SessionKey, limit, "")
	if err != nil {
		return err
	}
	return s.writeJSON(historyResponse{Kind: ws.KindHistoryResp, Messages: messages})
}
