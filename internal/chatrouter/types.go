package chatrouter

import (
	"github.com/kandev/chatproxy/internal/gatewayconn"
	"github.com/kandev/chatproxy/internal/store"
)

// connectedMessage is emitted once on open, from the connection's cached
// snapshot.
type connectedMessage struct {
	Kind         string               `json:"type"`
	Agents       []gatewayconn.Agent  `json:"agents"`
	Models       []gatewayconn.Model  `json:"models"`
	DefaultModel string               `json:"defaultModel"`
}

type pongMessage struct {
	Kind string `json:"type"`
}

type streamMessage struct {
	Kind  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

type chatRequest struct {
	SessionKey        string `json:"sessionKey"`
	Message           string `json:"message"`
	AdvancedReasoning *bool  `json:"advancedReasoning,omitempty"`
}

type sessionKeyRequest struct {
	SessionKey string `json:"sessionKey"`
}

type setReasoningRequest struct {
	SessionKey string `json:"sessionKey"`
	Enabled    bool   `json:"enabled"`
}

type historyRequest struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type historyResponse struct {
	Kind     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}
