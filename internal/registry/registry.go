// Package registry defines the read interface to the external command
// registry and a bounded-staleness cache over it. The engine never writes
// commands — authoring happens in an external dashboard layer.
package registry

import (
	"context"

	"github.com/guildtools/triggerd/internal/domain"
)

// Source returns a tenant's registered commands in a stable iteration order.
// The order is the tie-break for trigger matching, so implementations must
// return commands in the same order across consecutive reads (the GORM store
// orders by created_at, id). Reads may be a few minutes stale; the engine
// never assumes strong consistency.
type Source interface {
	GetCommands(ctx context.Context, tenantID string) ([]*domain.Command, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, tenantID string) ([]*domain.Command, error)

// GetCommands implements Source.
func (f SourceFunc) GetCommands(ctx context.Context, tenantID string) ([]*domain.Command, error) {
	return f(ctx, tenantID)
}
