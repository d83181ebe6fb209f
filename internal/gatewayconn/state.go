package gatewayconn

// State is a Gateway Connection's position in its handshake/reconnect
// state machine.
type State string

const (
	StateIdle              State = "idle"
	StateDialing           State = "dialing"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateAuthenticating    State = "authenticating"
	StateConnected         State = "connected"
	StateBackoff           State = "backoff"
	StateTerminal          State = "terminal"
)

// IsConnected reports whether requests may be issued in this state.
func (s State) IsConnected() bool { return s == StateConnected }
