// Package events provides event types and utilities for the chatproxy event system.
package events

// Event types for gateways
const (
	GatewayRegistered    = "gateway.registered"
	GatewayConnected     = "gateway.connected"
	GatewayDisconnected  = "gateway.disconnected"
	GatewayReconnecting  = "gateway.reconnecting"
	GatewayReconnectFail = "gateway.reconnect_failed"
	GatewayUnregistered  = "gateway.unregistered"
)

// Event types for sessions and messages
const (
	SessionCreated  = "session.created"
	SessionDeleted  = "session.deleted"
	MessageAppended = "message.appended"
)

// Event types for federated sessions
const (
	FederatedSessionCreated = "federated_session.created"
	FederatedSessionDeleted = "federated_session.deleted"
)

// gatewaySubject is the base subject for gateway lifecycle events.
const gatewaySubject = "gateway"

// BuildGatewaySubject creates a subject scoped to a specific gateway, used so
// subscribers can watch one gateway's lifecycle without filtering every event.
func BuildGatewaySubject(gatewayID string) string {
	return gatewaySubject + "." + gatewayID
}

// BuildGatewayWildcardSubject creates a wildcard subscription for all gateways.
func BuildGatewayWildcardSubject() string {
	return gatewaySubject + ".*"
}
