// Package gatewayconn maintains one authenticated WebSocket connection to
// one upstream gateway: handshake, request/response correlation, event
// fan-out to subscribers, and reconnect-with-backoff.
package gatewayconn

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/common/constants"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/events"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/tracing"
)

// Config describes how to reach and authenticate against one upstream
// gateway.
type Config struct {
	ID       string
	Name     string
	URL      string
	Token    string
	Password string
}

// Connection owns a single upstream socket for one gateway. Safe for
// concurrent use: Request may be called from many goroutines while the
// reader/reconnect loop runs in the background.
type Connection struct {
	cfg    Config
	bus    bus.EventBus
	log    *logger.Logger

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	maxBackoff       int

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	snapshot MetadataSnapshot
	attempt  int
	stopped  bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *responseFrame

	instanceID string
	tracer     trace.Tracer

	cancel context.CancelFunc
}

// New constructs a Connection in StateIdle. Call Connect to start dialing.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Connection {
	return &Connection{
		cfg:              cfg,
		bus:              eventBus,
		log:              log.WithFields(zap.String("component", "gatewayconn"), zap.String("gateway_id", cfg.ID)),
		handshakeTimeout: constants.HandshakeTimeout,
		requestTimeout:   constants.DefaultRequestTimeout,
		maxBackoff:       constants.MaxBackoffAttempts,
		state:            StateIdle,
		pending:          make(map[string]chan *responseFrame),
		instanceID:       uuid.New().String(),
		tracer:           tracing.Tracer("gatewayconn"),
	}
}

// State returns the connection's current position in the handshake/reconnect
// state machine.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether requests can currently be issued.
func (c *Connection) IsConnected() bool { return c.State().IsConnected() }

// Snapshot returns the most recently cached metadata, valid from the moment
// of the first successful handshake onward (stale but non-empty across a
// later disconnect).
func (c *Connection) Snapshot() MetadataSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect starts the dial/handshake/reconnect loop in the background. It
// returns immediately; callers observe progress via State()/Snapshot() or by
// subscribing to this gateway's event subject.
func (c *Connection) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.stopped = false
	c.mu.Unlock()

	go c.run(ctx)
}

// Close disables reconnect, closes the socket, and fails every pending
// request. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.failAllPending(apperr.ConnectionLost("gateway connection closed"))
	c.setState(StateTerminal)
}

func (c *Connection) run(ctx context.Context) {
	for {
		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if stopped || ctx.Err() != nil {
			c.setState(StateTerminal)
			return
		}

		if err := c.dialAndHandshake(ctx); err != nil {
			c.log.Warn("gateway handshake failed", zap.Error(err))
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		// Connected: run the reader loop until the socket closes.
		c.readLoop(ctx)

		c.mu.RLock()
		stopped = c.stopped
		c.mu.RUnlock()
		if stopped || ctx.Err() != nil {
			return
		}

		c.failAllPending(apperr.ConnectionLost("upstream socket closed"))
		c.publishLifecycle(events.GatewayDisconnected)
		if !c.backoff(ctx) {
			return
		}
	}
}

// backoff sleeps for min(1s*2^attempt, 30s), returning false once the
// attempt budget is exhausted (the caller should stop and go Terminal).
func (c *Connection) backoff(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt > c.maxBackoff {
		c.setState(StateTerminal)
		c.publishLifecycle(events.GatewayReconnectFail)
		return false
	}

	c.setState(StateBackoff)
	delay := time.Duration(math.Min(
		float64(constants.BackoffBase)*math.Pow(2, float64(attempt-1)),
		float64(constants.BackoffCap),
	))
	c.publishLifecycle(events.GatewayReconnecting)

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) dialAndHandshake(ctx context.Context) error {
	c.setState(StateDialing)

	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateAwaitingChallenge)

	challengeCtx, cancelChallenge := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancelChallenge()
	challenge, err := c.awaitChallenge(challengeCtx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.setState(StateAuthenticating)
	authCtx, cancelAuth := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancelAuth()
	snapshot, err := c.authenticate(authCtx, conn, challenge)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	c.publishLifecycle(events.GatewayConnected)
	return nil
}

// awaitChallenge blocks for the first frame and requires it to be a
// connect.challenge event.
func (c *Connection) awaitChallenge(ctx context.Context, conn *websocket.Conn) (*connectChallengePayload, error) {
	type result struct {
		payload *connectChallengePayload
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: fmt.Errorf("read challenge: %w", err)}
			return
		}
		var frame eventFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			ch <- result{err: fmt.Errorf("decode challenge frame: %w", err)}
			return
		}
		if frame.Type != frameTypeEvent || frame.Event != "connect.challenge" {
			ch <- result{err: fmt.Errorf("unexpected frame while awaiting challenge: %s/%s", frame.Type, frame.Event)}
			return
		}
		var payload connectChallengePayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				ch <- result{err: fmt.Errorf("decode challenge payload: %w", err)}
				return
			}
		}
		ch <- result{payload: &payload}
	}()

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// authenticate sends the connect request and waits for its matching
// response, synchronously (the full reader loop has not started yet).
func (c *Connection) authenticate(ctx context.Context, conn *websocket.Conn, _ *connectChallengePayload) (snapshot MetadataSnapshot, err error) {
	ctx, span := c.tracer.Start(ctx, "gatewayconn.authenticate")
	span.SetAttributes(attribute.String("gateway.id", c.cfg.ID))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var auth *connectAuth
	if c.cfg.Token != "" || c.cfg.Password != "" {
		auth = &connectAuth{Token: c.cfg.Token, Password: c.cfg.Password}
	}
	params := connectParams{
		Auth:   auth,
		Role:   "operator",
		Scopes: operatorScopes,
		Permissions: map[string]bool{
			"operator.admin":     true,
			"operator.approvals": true,
			"operator.pairing":   true,
		},
		Client: connectClient{
			ID:         c.cfg.ID,
			Version:    "1.0.0",
			Platform:   "web",
			Mode:       "webchat",
			InstanceID: c.instanceID,
		},
		MinProtocol: 3,
		MaxProtocol: 3,
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return MetadataSnapshot{}, fmt.Errorf("encode connect params: %w", err)
	}

	reqID := uuid.New().String()
	req := requestFrame{Type: frameTypeRequest, ID: reqID, Method: "connect", Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		return MetadataSnapshot{}, fmt.Errorf("encode connect request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return MetadataSnapshot{}, fmt.Errorf("write connect request: %w", err)
	}

	type result struct {
		resp *responseFrame
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: fmt.Errorf("read connect response: %w", err)}
			return
		}
		var resp responseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			ch <- result{err: fmt.Errorf("decode connect response: %w", err)}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return MetadataSnapshot{}, r.err
		}
		if r.resp.ID != reqID {
			return MetadataSnapshot{}, fmt.Errorf("connect response id mismatch: got %s want %s", r.resp.ID, reqID)
		}
		if !r.resp.OK {
			msg := "connect rejected"
			if r.resp.Error != nil {
				msg = r.resp.Error.Message
			}
			return MetadataSnapshot{}, fmt.Errorf("%s", msg)
		}
		var result connectResultPayload
		if err := json.Unmarshal(r.resp.Payload, &result); err != nil {
			return MetadataSnapshot{}, fmt.Errorf("decode connect payload: %w", err)
		}
		return result.Snapshot, nil
	case <-ctx.Done():
		return MetadataSnapshot{}, ctx.Err()
	}
}

// readLoop pumps frames off the socket until it closes, dispatching
// responses to pending requests and events to bus subscribers. Returns when
// the socket is no longer usable.
func (c *Connection) readLoop(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("upstream read error", zap.Error(err))
			}
			return
		}

		kind, err := decodeEnvelopeType(raw)
		if err != nil {
			c.log.Warn("malformed upstream frame", zap.Error(err))
			continue
		}

		switch kind {
		case frameTypeResponse:
			var resp responseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				c.log.Warn("failed to decode response frame", zap.Error(err))
				continue
			}
			c.resolvePending(&resp)
		case frameTypeEvent:
			var evt eventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				c.log.Warn("failed to decode event frame", zap.Error(err))
				continue
			}
			c.dispatchEvent(ctx, &evt)
		default:
			c.log.Warn("unknown upstream frame type", zap.String("type", kind))
		}
	}
}

// dispatchEvent publishes an upstream event onto this gateway's bus subject.
// Subscribers (chat routers) filter by Type themselves — "chat" for
// delta/final/error turns, lifecycle names for connection status.
func (c *Connection) dispatchEvent(ctx context.Context, evt *eventFrame) {
	data := map[string]any{"event": evt.Event}
	if evt.Event == "chat" {
		var payload ChatEventPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			c.log.Warn("failed to decode chat event payload", zap.Error(err))
			return
		}
		data["sessionKey"] = payload.SessionKey
		data["state"] = payload.State
		data["text"] = payload.Text
		data["error"] = payload.Error
		data["agentName"] = payload.AgentName
	} else if len(evt.Payload) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(evt.Payload, &raw); err == nil {
			for k, v := range raw {
				data[k] = v
			}
		}
	}

	busEvent := bus.NewEvent(evt.Event, c.cfg.ID, data)
	if err := c.bus.Publish(ctx, events.BuildGatewaySubject(c.cfg.ID), busEvent); err != nil {
		c.log.Warn("failed to publish upstream event", zap.Error(err))
	}
}

func (c *Connection) publishLifecycle(eventType string) {
	ctx := context.Background()
	busEvent := bus.NewEvent(eventType, c.cfg.ID, map[string]any{"gatewayId": c.cfg.ID})
	if err := c.bus.Publish(ctx, events.BuildGatewaySubject(c.cfg.ID), busEvent); err != nil {
		c.log.Warn("failed to publish lifecycle event", zap.String("event", eventType), zap.Error(err))
	}
}

// Request sends a method call upstream and blocks for the matching
// response, a timeout, or disconnect. timeout of 0 uses the default.
func (c *Connection) Request(ctx context.Context, method string, params any, timeout time.Duration) (payload json.RawMessage, err error) {
	ctx, span := c.tracer.Start(ctx, "gatewayconn.request")
	span.SetAttributes(
		attribute.String("gateway.id", c.cfg.ID),
		attribute.String("gateway.method", method),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !c.IsConnected() {
		return nil, apperr.NotConnected("gateway %q is not connected", c.cfg.ID)
	}
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode request params: %w", err)
	}

	reqID := uuid.New().String()
	respCh := make(chan *responseFrame, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	frame := requestFrame{Type: frameTypeRequest, ID: reqID, Method: method, Params: paramsJSON}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode request frame: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, apperr.NotConnected("gateway %q is not connected", c.cfg.ID)
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, apperr.ConnectionLost("failed to write request: %v", writeErr)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, apperr.ConnectionLost("gateway %q disconnected while awaiting response", c.cfg.ID)
		}
		if !resp.OK {
			msg := "upstream error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, apperr.Upstream(msg)
		}
		return resp.Payload, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Timeout("request %q to gateway %q timed out", method, c.cfg.ID)
	}
}

// Abort sends chat.abort for a session; the upstream is expected to emit a
// terminal chat event for the affected stream rather than a meaningful
// response payload.
func (c *Connection) Abort(ctx context.Context, sessionKey string) error {
	_, err := c.Request(ctx, "chat.abort", map[string]string{"sessionKey": sessionKey}, 0)
	return err
}

func (c *Connection) resolvePending(resp *responseFrame) {
	if resp.ID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Connection) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	_ = err // failure reason is implicit in the nil sent by closing ch; Request distinguishes nil as ConnectionLost.
}

// Subscribe attaches handler to this gateway's event subject. The returned
// Subscription should be closed when the caller (typically a chat router)
// disconnects.
func (c *Connection) Subscribe(handler bus.EventHandler) (bus.Subscription, error) {
	return c.bus.Subscribe(events.BuildGatewaySubject(c.cfg.ID), handler)
}

// ID returns the gateway id this connection was constructed for.
func (c *Connection) ID() string { return c.cfg.ID }
