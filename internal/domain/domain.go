// Package domain defines cross-cutting entity types used across the engine.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MatchMode determines how a Command's trigger is compared against message text.
type MatchMode string

const (
	// MatchPrefixCommand fires when the message starts with prefix+trigger
	// (case-insensitive). The classic "!ping" style.
	MatchPrefixCommand MatchMode = "prefix_command"
	// MatchExact fires when the message equals the trigger (case-insensitive).
	MatchExact MatchMode = "exact"
	// MatchStartsWith fires when the message starts with the trigger (case-sensitive).
	MatchStartsWith MatchMode = "starts_with"
)

// Valid reports whether m is a known match mode.
func (m MatchMode) Valid() bool {
	switch m {
	case MatchPrefixCommand, MatchExact, MatchStartsWith:
		return true
	}
	return false
}

// Language identifies a scripting runtime. The set is closed: dispatch is a
// fixed mapping from Language to a runtime implementation, never a string
// switch scattered through the pipeline.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangShell      Language = "sh"
	LangGo         Language = "go"
)

// Languages lists all supported runtime identifiers.
func Languages() []Language {
	return []Language{LangJavaScript, LangPython, LangShell, LangGo}
}

// DefaultPrefix is used by prefix_command triggers with no explicit prefix.
const DefaultPrefix = "!"

// Command is a tenant-owned, user-authored trigger definition.
// The engine never mutates a Command; it only evaluates and executes it.
type Command struct {
	ID                 uuid.UUID
	TenantID           string
	Trigger            string
	MatchMode          MatchMode
	Prefix             string // Only meaningful for MatchPrefixCommand. Empty = DefaultPrefix.
	Language           Language
	Code               string
	CooldownMs         int64
	RoleRestriction    []string // Empty = any role.
	ChannelRestriction []string // Empty = any channel.
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectivePrefix returns the prefix to use for prefix_command matching.
func (c *Command) EffectivePrefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

// Cooldown returns the command's cooldown as a duration.
func (c *Command) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// Message is one inbound chat event as delivered by the gateway feed.
type Message struct {
	TenantID    string   `json:"tenant_id"`
	AuthorID    string   `json:"author_id"`
	AuthorRoles []string `json:"author_roles"`
	ChannelID   string   `json:"channel_id"`
	Text        string   `json:"text"`
}

// ExecutionRequest is constructed per matched-and-permitted trigger.
// Owned exclusively by the coordinator for the duration of one execution.
type ExecutionRequest struct {
	Command     *Command
	AuthorID    string
	AuthorRoles []string
	ChannelID   string
	MessageText string
	IssuedAt    time.Time
}

// Status classifies the outcome of one execution attempt.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusScriptError        Status = "script_error"
	StatusSecurityRejected   Status = "security_rejected"
	StatusTimeout            Status = "timeout"
	StatusRateLimited        Status = "rate_limited"
	StatusRuntimeUnavailable Status = "runtime_unavailable"
)

// ExecutionResult is the outcome of a single pipeline pass.
type ExecutionResult struct {
	Status       Status
	Output       string // Captured text, already truncated to the output ceiling.
	Truncated    bool   // Output hit the byte ceiling; reported, never silent.
	Reply        string // User-visible reply text. Empty = no reply issued.
	ErrorSummary string // Operator-facing failure detail for the audit trail.
	Duration     time.Duration
	Timestamp    time.Time
}

// AuditEntry is the append-only record of one execution attempt.
type AuditEntry struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	CommandID    uuid.UUID `json:"command_id"`
	AuthorID     string    `json:"author_id"`
	ChannelID    string    `json:"channel_id"`
	Status       Status    `json:"status"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}
