// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and bounds for the gateway connection lifecycle and chat routing.
const (
	// HandshakeTimeout bounds the wait for connect.challenge after the
	// upstream socket opens, and separately the wait for the connect
	// response after challenge.
	HandshakeTimeout = 15 * time.Second

	// DefaultRequestTimeout is the default deadline for a single upstream
	// request/response round trip.
	DefaultRequestTimeout = 30 * time.Second

	// BackoffBase and BackoffCap define the reconnect ladder:
	// min(BackoffBase * 2^attempt, BackoffCap).
	BackoffBase = 1 * time.Second
	BackoffCap  = 30 * time.Second

	// MaxBackoffAttempts is the number of consecutive failed reconnects
	// before a Gateway Connection gives up and enters Terminal.
	MaxBackoffAttempts = 10

	// HeartbeatWindow is the maximum idle time tolerated on a downstream
	// socket before the router may close it for missed pings.
	HeartbeatWindow = 30 * time.Second

	// WriteWait bounds a single downstream frame write.
	WriteWait = 10 * time.Second
)
