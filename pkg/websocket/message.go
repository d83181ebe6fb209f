// Package websocket provides the downstream WebSocket message envelope shared
// by the single-gateway and federated chat routers.
package websocket

import (
	"encoding/json"
	"time"
)

// Message is the envelope for every downstream WebSocket frame, in both
// directions. Kind discriminates the payload the way the upstream wire
// protocol uses "type"; routers decode Payload once Kind is known.
type Message struct {
	Kind      string          `json:"type"`
	Payload   json.RawMessage `json:"-"`
	Timestamp time.Time       `json:"-"`
}

// rawMessage mirrors Message for JSON (de)serialization while letting
// callers merge the Kind-specific fields directly into the top-level object
// instead of nesting them under "payload" — the wire grammar in the spec
// keeps sessionKey, message, targets, etc. as siblings of "type".
type rawMessage struct {
	Kind string `json:"type"`
}

// DecodeKind extracts just the discriminator from a raw downstream frame.
func DecodeKind(data []byte) (string, error) {
	var rm rawMessage
	if err := json.Unmarshal(data, &rm); err != nil {
		return "", err
	}
	return rm.Kind, nil
}

// Encode marshals v (a struct with its own `json:"type"` field already set)
// to bytes ready to write to the socket.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
