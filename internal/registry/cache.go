package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildtools/triggerd/internal/domain"
)

// DefaultTTL is the per-tenant cache lifetime. Bounded staleness: a command
// created or deleted in the dashboard is visible within one TTL.
const DefaultTTL = 60 * time.Second

// maxCachedTenants bounds the cache map across tenants.
const maxCachedTenants = 10_000

// Cached wraps a Source with a per-tenant TTL cache. On a refresh failure it
// serves the last good snapshot (stale-on-error), so a flapping registry
// degrades to "no new commands" instead of failing every message.
type Cached struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*snapshot
	now     func() time.Time
}

type snapshot struct {
	commands  []*domain.Command
	fetchedAt time.Time
}

// NewCached wraps source with a TTL cache. ttl <= 0 uses DefaultTTL.
func NewCached(source Source, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cached{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		tenants: make(map[string]*snapshot),
		now:     time.Now,
	}
}

// GetCommands implements Source.
func (c *Cached) GetCommands(ctx context.Context, tenantID string) ([]*domain.Command, error) {
	c.mu.Lock()
	snap, ok := c.tenants[tenantID]
	if ok && c.now().Sub(snap.fetchedAt) < c.ttl {
		commands := snap.commands
		c.mu.Unlock()
		return commands, nil
	}
	c.mu.Unlock()

	// Refresh outside the lock — a slow registry must not serialize every
	// tenant's reads behind one round-trip.
	commands, err := c.source.GetCommands(ctx, tenantID)
	if err != nil {
		if ok {
			c.logger.WarnContext(ctx, "registry refresh failed, serving stale snapshot",
				slog.String("tenant_id", tenantID),
				slog.Duration("age", c.now().Sub(snap.fetchedAt)),
				slog.String("error", err.Error()),
			)
			return snap.commands, nil
		}
		return nil, err
	}

	c.mu.Lock()
	if len(c.tenants) >= maxCachedTenants {
		c.evictOldestLocked()
	}
	c.tenants[tenantID] = &snapshot{commands: commands, fetchedAt: c.now()}
	c.mu.Unlock()

	return commands, nil
}

// Invalidate drops a tenant's snapshot so the next read refreshes.
func (c *Cached) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.tenants, tenantID)
	c.mu.Unlock()
}

func (c *Cached) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, s := range c.tenants {
		if first || s.fetchedAt.Before(oldestAt) {
			oldestKey, oldestAt, first = k, s.fetchedAt, false
		}
	}
	if !first {
		delete(c.tenants, oldestKey)
	}
}
