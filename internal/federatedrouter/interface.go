package federatedrouter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/gatewayconn"
)

// connectionHandle is the subset of *gatewayconn.Connection the federated
// router needs per target gateway.
type connectionHandle interface {
	ID() string
	IsConnected() bool
	Snapshot() gatewayconn.MetadataSnapshot
	Subscribe(handler bus.EventHandler) (bus.Subscription, error)
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Abort(ctx context.Context, sessionKey string) error
}

// gatewayLookup resolves a gateway id to its live connection handle, the
// narrow surface of *gatewaymgr.Manager this package depends on.
type gatewayLookup interface {
	Get(id string) (connectionHandle, error)
}

// ManagerAdapter narrows a *gatewaymgr.Manager to gatewayLookup, converting
// its concrete *gatewayconn.Connection result to the connectionHandle
// interface this package tests against.
type ManagerAdapter struct {
	Manager interface {
		Get(id string) (*gatewayconn.Connection, error)
	}
}

// Get implements gatewayLookup.
func (a ManagerAdapter) Get(id string) (connectionHandle, error) {
	conn, err := a.Manager.Get(id)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
