// Package audit records every execution attempt as an append-only trail.
// Sinks must never throw a failure back into the chat reply path — the
// coordinator fires and forgets, and sink failures go to the process log.
package audit

import (
	"context"

	"github.com/guildtools/triggerd/internal/domain"
)

// Sink accepts audit entries. Append must not block longer than the caller's
// context allows and must not silently drop entries: a sink that cannot
// persist reports the failure so the caller can log it.
type Sink interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	Close() error
}

// Store is the persistence interface for audit entries. Append-only: the
// interface offers no update or delete of individual entries. Trim enforces
// the per-tenant retention bound by dropping the oldest entries beyond keep.
type Store interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
	Query(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error)
	Trim(ctx context.Context, tenantID string, keep int) (int64, error)
	Tenants(ctx context.Context) ([]string, error)
}

// DefaultRetention is the per-tenant entry count kept by retention trims.
const DefaultRetention = 10_000
