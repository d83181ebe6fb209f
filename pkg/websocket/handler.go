package websocket

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes one downstream frame of a known kind. Implementations
// decode raw themselves (each kind has a different sibling-field shape).
type Handler interface {
	Handle(ctx context.Context, raw json.RawMessage) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, raw json.RawMessage) error {
	return f(ctx, raw)
}

// Dispatcher routes downstream frames to a handler keyed by message kind.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a message kind.
func (d *Dispatcher) Register(kind string, handler Handler) {
	d.handlers[kind] = handler
}

// RegisterFunc registers a handler function for a message kind.
func (d *Dispatcher) RegisterFunc(kind string, handler HandlerFunc) {
	d.handlers[kind] = handler
}

// Dispatch routes a raw frame to the handler registered for its kind.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	kind, err := DecodeKind(raw)
	if err != nil {
		return fmt.Errorf("decode message kind: %w", err)
	}
	handler, ok := d.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return handler.Handle(ctx, json.RawMessage(raw))
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	_, ok := d.handlers[kind]
	return ok
}
