// Package cooldown implements the per-(user, command) cooldown limiter.
// Thread-safe. No background goroutines — stale entries are evicted lazily
// on Reserve and on explicit Sweep calls.
//
// State is in-memory only: a process restart resets all cooldowns. That is an
// accepted limitation — cooldowns are an abuse-mitigation heuristic, not a
// security boundary, and an evicted entry is equivalent to "never fired."
package cooldown

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRateLimited is returned by Allow while a cooldown window is still open.
var ErrRateLimited = errors.New("command is on cooldown")

// evictAfterWindows is the grace period, in multiples of the command's own
// cooldown, after which an idle entry may be dropped.
const evictAfterWindows = 4

// defaultMaxEntries bounds the state map. Unbounded growth here is a latent
// memory leak: one entry per (author, command) pair across every tenant.
const defaultMaxEntries = 100_000

// Limiter tracks last-fire timestamps per (authorID, commandID) key.
// Reserve checks and records under one lock hold, so two concurrently
// processed messages can never both win the same window.
type Limiter struct {
	mu         sync.Mutex
	entries    map[key]entry
	maxEntries int
	now        func() time.Time // Injectable clock for tests.
}

type key struct {
	authorID  string
	commandID uuid.UUID
}

type entry struct {
	lastFire time.Time
	cooldown time.Duration
}

// NewLimiter creates a Limiter. maxEntries <= 0 uses the default bound.
func NewLimiter(maxEntries int) *Limiter {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Limiter{
		entries:    make(map[key]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Allow reports whether the (author, command) pair is outside its cooldown
// window. It is a read-only peek so the coordinator can answer a limited
// message cheaply; only Reserve consumes the slot. Returns ErrRateLimited
// with the remaining wait when the window is still open.
func (l *Limiter) Allow(authorID string, commandID uuid.UUID, cooldown time.Duration) (time.Duration, error) {
	if cooldown <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.remainingLocked(key{authorID, commandID}, cooldown); wait > 0 {
		return wait, ErrRateLimited
	}
	return 0, nil
}

// Reserve atomically re-checks the window and records a fire for the pair.
// This is the authoritative gate: the check and the record happen under a
// single lock hold, so of any number of concurrent duplicates exactly one
// reserves the window and the rest get ErrRateLimited with the remaining
// wait.
func (l *Limiter) Reserve(authorID string, commandID uuid.UUID, cooldown time.Duration) (time.Duration, error) {
	if cooldown <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{authorID, commandID}
	if wait := l.remainingLocked(k, cooldown); wait > 0 {
		return wait, ErrRateLimited
	}
	if len(l.entries) >= l.maxEntries {
		l.evictLocked()
	}
	l.entries[k] = entry{lastFire: l.now(), cooldown: cooldown}
	return 0, nil
}

// remainingLocked returns the open window's remaining wait, or 0 when the
// pair may fire. Caller holds l.mu.
func (l *Limiter) remainingLocked(k key, cooldown time.Duration) time.Duration {
	e, ok := l.entries[k]
	if !ok {
		return 0
	}
	if elapsed := l.now().Sub(e.lastFire); elapsed < cooldown {
		return cooldown - elapsed
	}
	return 0
}

// Sweep drops entries idle for several cooldown windows and returns the
// number evicted. The scheduler calls this periodically; correctness does not
// depend on it.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked()
}

// Len returns the current number of tracked pairs.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked removes expired entries. If nothing is expired but the map is
// at capacity, the single oldest entry is dropped so Reserve always has room.
func (l *Limiter) evictLocked() int {
	now := l.now()
	evicted := 0
	var oldestKey key
	var oldestAt time.Time
	first := true

	for k, e := range l.entries {
		if now.Sub(e.lastFire) > e.cooldown*evictAfterWindows {
			delete(l.entries, k)
			evicted++
			continue
		}
		if first || e.lastFire.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.lastFire, false
		}
	}

	if evicted == 0 && len(l.entries) >= l.maxEntries && !first {
		delete(l.entries, oldestKey)
		evicted++
	}
	return evicted
}
