package federatedrouter

import "github.com/kandev/chatproxy/internal/store"

type connectedMessage struct {
	Kind      string `json:"type"`
	Federated bool   `json:"federated"`
}

type pongMessage struct {
	Kind string `json:"type"`
}

// source identifies which gateway+agent produced a federated stream frame.
type source struct {
	GatewayID string `json:"gateway_id"`
	AgentName string `json:"agent_name,omitempty"`
}

type streamMessage struct {
	Kind   string `json:"type"`
	State  string `json:"state"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
	Source source `json:"source"`
}

type reconnectedMessage struct {
	Kind      string `json:"type"`
	GatewayID string `json:"gateway_id"`
}

type chatRequest struct {
	Message   string                  `json:"message"`
	Targets   []store.FederatedTarget `json:"targets"`
	Broadcast bool                    `json:"broadcast,omitempty"`
}

type abortRequest struct {
	Targets []store.FederatedTarget `json:"targets"`
}
