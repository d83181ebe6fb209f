package chatrouter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/gatewayconn"
)

// connectionHandle is the subset of *gatewayconn.Connection a chat session
// needs, narrowed so tests can substitute a fake upstream.
type connectionHandle interface {
	Snapshot() gatewayconn.MetadataSnapshot
	Subscribe(handler bus.EventHandler) (bus.Subscription, error)
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Abort(ctx context.Context, sessionKey string) error
}
