// Package gatewaymgr is the process-wide registry of Gateway Connections:
// CRUD over configured gateways with persistence side-effects, and lookup
// for the REST surface and chat routers.
package gatewaymgr

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/events"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/gatewayconn"
	"github.com/kandev/chatproxy/internal/store"
)

// Status is the externally visible view of one gateway's connectivity.
type Status struct {
	Connected    bool                `json:"connected"`
	Agents       []gatewayconn.Agent `json:"agents"`
	Models       []gatewayconn.Model `json:"models"`
	DefaultModel string              `json:"defaultModel"`
}

// Manager owns one gatewayconn.Connection per registered gateway.
type Manager struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger

	mu          sync.RWMutex
	connections map[string]*gatewayconn.Connection
	rootCtx     context.Context
}

// New constructs an empty Manager. Call LoadAll to dial every persisted
// gateway, typically once at process startup.
func New(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:       st,
		bus:         eventBus,
		log:         log.WithFields(zap.String("component", "gatewaymgr")),
		connections: make(map[string]*gatewayconn.Connection),
	}
}

// LoadAll loads every persisted gateway config and dials it concurrently.
// A dial failure for one gateway never blocks the others — each connection
// runs its own independent backoff loop in the background regardless of
// whether the first attempt here succeeds.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.rootCtx = ctx

	gateways, err := m.store.ListGateways(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	_ = gctx // each connection gets its own long-lived context, not the group's
	for _, gw := range gateways {
		gw := gw
		g.Go(func() error {
			rec, err := m.store.GetGatewayRecord(ctx, gw.ID)
			if err != nil {
				m.log.Warn("failed to load gateway record, skipping", zap.String("gateway_id", gw.ID), zap.Error(err))
				return nil
			}
			m.startConnection(rec)
			return nil
		})
	}
	// errgroup here only bounds the fan-out of *starting* each connection;
	// connection errors never propagate as a LoadAll failure.
	return g.Wait()
}

func (m *Manager) startConnection(rec *store.GatewayRecord) *gatewayconn.Connection {
	conn := gatewayconn.New(gatewayconn.Config{
		ID:       rec.ID,
		Name:     rec.Name,
		URL:      rec.URL,
		Token:    rec.Token,
		Password: rec.Password,
	}, m.bus, m.log)

	m.mu.Lock()
	m.connections[rec.ID] = conn
	m.mu.Unlock()

	ctx := m.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	conn.Connect(ctx)
	return conn
}

// Register persists a new gateway config and starts connecting to it.
func (m *Manager) Register(ctx context.Context, id, name, url, token, password string) (store.Gateway, error) {
	gw, err := m.store.AddGateway(ctx, id, name, url, token, password)
	if err != nil {
		return store.Gateway{}, err
	}

	rec := &store.GatewayRecord{Gateway: gw, Token: token, Password: password}
	m.startConnection(rec)

	busEvent := bus.NewEvent(events.GatewayRegistered, "gatewaymgr", map[string]any{"gatewayId": id})
	if pubErr := m.bus.Publish(ctx, events.BuildGatewaySubject(id), busEvent); pubErr != nil {
		m.log.Warn("failed to publish gateway registered event", zap.Error(pubErr))
	}

	return gw, nil
}

// Unregister stops the connection (disabling reconnect) and deletes the
// gateway, cascading its sessions and messages.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !ok {
		return apperr.NotFound("gateway %q not found", id)
	}
	conn.Close()

	if err := m.store.DeleteGateway(ctx, id); err != nil {
		return err
	}

	busEvent := bus.NewEvent(events.GatewayUnregistered, "gatewaymgr", map[string]any{"gatewayId": id})
	if pubErr := m.bus.Publish(ctx, events.BuildGatewaySubject(id), busEvent); pubErr != nil {
		m.log.Warn("failed to publish gateway unregistered event", zap.Error(pubErr))
	}
	return nil
}

// Status returns the cached connectivity snapshot for one gateway.
func (m *Manager) Status(id string) (Status, error) {
	conn, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	snap := conn.Snapshot()
	return Status{
		Connected:    conn.IsConnected(),
		Agents:       snap.Agents,
		Models:       snap.Models,
		DefaultModel: snap.DefaultModel,
	}, nil
}

// Get returns the live connection handle for a gateway, used by routers to
// send requests and subscribe to events.
func (m *Manager) Get(id string) (*gatewayconn.Connection, error) {
	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("gateway %q not found", id)
	}
	return conn, nil
}

// List returns the public view of every registered gateway, store-backed
// for name/url/createdAt and connection-backed for connected status.
func (m *Manager) List(ctx context.Context) ([]GatewayView, error) {
	gateways, err := m.store.ListGateways(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]GatewayView, 0, len(gateways))
	for _, gw := range gateways {
		connected := false
		if conn, err := m.Get(gw.ID); err == nil {
			connected = conn.IsConnected()
		}
		views = append(views, GatewayView{Gateway: gw, Connected: connected})
	}
	return views, nil
}

// GatewayView is a Gateway with its live connection state layered on top.
type GatewayView struct {
	store.Gateway
	Connected bool `json:"connected"`
}

// Close stops every connection. Call once at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.connections {
		conn.Close()
	}
}
