package store

import "context"

// Store defines the persistence contract for gateways, sessions, messages,
// and federated sessions.
type Store interface {
	// Gateway operations
	ListGateways(ctx context.Context) ([]Gateway, error)
	AddGateway(ctx context.Context, id, name, url, token, password string) (Gateway, error)
	GetGatewayRecord(ctx context.Context, id string) (*GatewayRecord, error)
	DeleteGateway(ctx context.Context, id string) error

	// Session operations
	ListSessions(ctx context.Context, gatewayID string) ([]Session, error)
	GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error)
	UpsertSession(ctx context.Context, gatewayID, sessionKey, agentID, modelID, title string) (Session, error)
	DeleteSession(ctx context.Context, gatewayID, sessionKey string) error

	// Message operations
	ListMessages(ctx context.Context, gatewayID, sessionKey string, limit int, beforeID string) ([]Message, error)
	AppendMessage(ctx context.Context, gatewayID, sessionKey string, role Role, content []ContentBlock, upstreamTS *int64) (Message, error)

	// Federated session operations
	CreateFederatedSession(ctx context.Context, title string, targets []FederatedTarget) (FederatedSession, error)
	ListFederatedSessions(ctx context.Context) ([]FederatedSession, error)
	GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error)
	DeleteFederatedSession(ctx context.Context, id string) error

	// Close releases the underlying database connections.
	Close() error
}
