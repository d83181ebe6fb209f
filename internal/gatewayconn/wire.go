package gatewayconn

import "encoding/json"

// Frame kinds on the upstream wire. One JSON object per WebSocket text frame.
const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// requestFrame is sent upstream to invoke a method.
type requestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// responseFrame is the upstream's reply to a requestFrame, correlated by ID.
type responseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *upstreamError  `json:"error,omitempty"`
}

// eventFrame is an unsolicited upstream notification.
type eventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type upstreamError struct {
	Message string `json:"message"`
}

// envelopeType is the minimal shape needed to dispatch an inbound frame
// before decoding the rest of it.
type envelopeType struct {
	Type string `json:"type"`
}

func decodeEnvelopeType(raw []byte) (string, error) {
	var env envelopeType
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// connectChallengePayload is the payload of the connect.challenge event.
type connectChallengePayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// operatorScopes are the fixed scopes this proxy requests on every
// handshake, regardless of upstream gateway.
var operatorScopes = []string{
	"operator.read",
	"operator.write",
	"operator.admin",
	"operator.approvals",
	"operator.pairing",
}

// connectAuth carries the optional credential the upstream gateway expects.
// Omitted entirely (both fields empty) when device auth is disabled upstream.
type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// connectClient identifies this proxy instance to the upstream gateway.
type connectClient struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// connectParams is sent as the params of the "connect" request during
// Authenticating.
type connectParams struct {
	Auth        *connectAuth    `json:"auth,omitempty"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Permissions map[string]bool `json:"permissions"`
	Client      connectClient   `json:"client"`
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
}

// connectResultPayload is the payload of a successful connect response.
type connectResultPayload struct {
	Protocol int             `json:"protocol"`
	Snapshot MetadataSnapshot `json:"snapshot"`
}

// MetadataSnapshot is the cached view of what an upstream gateway offers,
// refreshed on every successful handshake.
type MetadataSnapshot struct {
	SessionDefaults map[string]any `json:"sessionDefaults,omitempty"`
	Agents          []Agent        `json:"agents"`
	Models          []Model        `json:"models"`
	DefaultModel    string         `json:"defaultModel"`
}

// Agent describes one upstream-offered agent identity.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Model describes one upstream-offered model.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatEventPayload is the payload of a "chat" event: a streamed turn update.
type ChatEventPayload struct {
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"` // delta | final | error
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	AgentName  string `json:"agentName,omitempty"`
}

const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
)
