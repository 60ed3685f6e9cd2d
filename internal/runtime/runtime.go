// Package runtime implements the sandbox runtime pool: one executor per
// supported scripting language. Every invocation is bounded by a hard
// wall-clock timeout and an output byte ceiling, and runs with an explicit,
// minimal capability surface — scripts see the message metadata and a
// reply() callback, nothing else.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guildtools/triggerd/internal/domain"
)

// Timeout bounds for a single invocation. Configured values are clamped.
const (
	DefaultTimeout = 2 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 5 * time.Second
)

// DefaultMaxOutputBytes caps captured script output.
const DefaultMaxOutputBytes = 10 << 10 // 10 KB

// Default ulimit resource bounds per invocation. CPU seconds sit above the
// wall-clock ceiling so the kernel limit only fires for runaway spin that
// somehow outlives the process-group kill.
const (
	DefaultMaxMemoryMB   = 256
	DefaultMaxCPUSeconds = 10
)

// maxErrorSummaryBytes bounds the stderr excerpt surfaced on script errors.
// Users get the script's own error, never an unbounded host trace.
const maxErrorSummaryBytes = 500

// Bindings is the capability surface exposed to a script. Everything here is
// read-only metadata; the only outbound capability is reply(), realized as
// the script's stdout. Any capability not listed is unavailable.
type Bindings struct {
	TenantID    string   `json:"tenant_id"`
	AuthorID    string   `json:"author_id"`
	AuthorRoles []string `json:"author_roles"`
	ChannelID   string   `json:"channel_id"`
	Message     string   `json:"message"`
}

// contextJSON serializes the bindings for injection into the script prelude.
func (b Bindings) contextJSON() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshaling script bindings: %w", err)
	}
	return string(data), nil
}

// Result is the structured outcome of one sandbox invocation.
// Status is one of Success, ScriptError, Timeout, RuntimeUnavailable.
type Result struct {
	Status       domain.Status
	Output       string // Captured stdout, truncated at the byte ceiling.
	Truncated    bool   // Output hit the ceiling; reported, never silent.
	ErrorSummary string // Bounded excerpt of the script's own error, if any.
	Duration     time.Duration
}

// Runtime executes one script invocation to completion or timeout.
// Implementations must guarantee that no invocation outlives its deadline
// and that every temporary artifact is removed on every exit path.
type Runtime interface {
	// Language returns the runtime identifier this executor serves.
	Language() domain.Language

	// Available reports whether the runtime can currently execute scripts
	// (e.g. the interpreter binary is installed). Used by health checks.
	Available(ctx context.Context) error

	// Execute runs code under the given bindings. Errors are reserved for
	// invocation plumbing failures; script-level failures come back as a
	// Result with the appropriate status.
	Execute(ctx context.Context, code string, b Bindings) (*Result, error)
}

// Registry is the fixed mapping from language to runtime. Adding a language
// means adding a Runtime implementation, not editing dispatch logic.
type Registry struct {
	runtimes map[domain.Language]Runtime
}

// NewRegistry builds a registry from the given runtimes. Later entries with
// a duplicate language are ignored so the first registration wins.
func NewRegistry(runtimes ...Runtime) *Registry {
	m := make(map[domain.Language]Runtime, len(runtimes))
	for _, rt := range runtimes {
		if _, exists := m[rt.Language()]; exists {
			continue
		}
		m[rt.Language()] = rt
	}
	return &Registry{runtimes: m}
}

// Get returns the runtime for a language, or false when the language is
// unknown or unsupported in this deployment.
func (r *Registry) Get(lang domain.Language) (Runtime, bool) {
	rt, ok := r.runtimes[lang]
	return rt, ok
}

// Languages returns the registered languages in unspecified order.
func (r *Registry) Languages() []domain.Language {
	langs := make([]domain.Language, 0, len(r.runtimes))
	for l := range r.runtimes {
		langs = append(langs, l)
	}
	return langs
}
