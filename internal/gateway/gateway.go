// Package gateway defines the interface for triggerd's entry points.
package gateway

import "context"

// Gateway is an entry point that feeds messages into the engine or exposes
// it to operators (WebSocket feed, HTTP API, MCP diagnostics).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline for
	// the grace period. In-flight work should drain before returning.
	Stop(ctx context.Context) error
}
