// Package engine hosts the execution coordinator: the single pipeline that
// takes an inbound message from "arrived" to "resolved". A message resolves
// either as no-match (silently dropped) or as exactly one terminal execution
// state with exactly one audit entry and at most one reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/cooldown"
	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/matcher"
	"github.com/guildtools/triggerd/internal/observability"
	"github.com/guildtools/triggerd/internal/registry"
	"github.com/guildtools/triggerd/internal/runtime"
	"github.com/guildtools/triggerd/internal/validator"
)

// User-facing reply templates for non-success outcomes. They deliberately
// reveal nothing about the rejection internals: no matched pattern, no
// category, no host paths.
const (
	replyRejected    = "This command can't be run: it uses a restricted operation."
	replyTimeout     = "This command took too long and was stopped."
	replyUnavailable = "This command's runtime is temporarily unavailable. Try again later."
)

// DefaultMessageDeadline bounds one whole pipeline pass, scratch setup and
// reply delivery included.
const DefaultMessageDeadline = 10 * time.Second

// ReplySink delivers a reply back to the channel the triggering message came
// from. Gateways implement this against their transport.
type ReplySink interface {
	SendReply(ctx context.Context, tenantID, channelID, text string) error
}

// ReplySinkFunc adapts a function to the ReplySink interface.
type ReplySinkFunc func(ctx context.Context, tenantID, channelID, text string) error

func (f ReplySinkFunc) SendReply(ctx context.Context, tenantID, channelID, text string) error {
	return f(ctx, tenantID, channelID, text)
}

// Config bounds the coordinator's pipeline.
type Config struct {
	MessageDeadline time.Duration // 0 = DefaultMessageDeadline.
	MaxCooldownMs   int64         // Commands above this are clamped. 0 = no clamp.
}

// Engine coordinates one message through match, cooldown, validation,
// sandbox execution, audit, and reply. It is safe for concurrent use: each
// HandleMessage call owns its request for the full pass.
type Engine struct {
	source   registry.Source
	limiter  *cooldown.Limiter
	policy   *validator.Validator
	runtimes *runtime.Registry
	auditor  audit.Sink
	logger   *slog.Logger

	replies ReplySink                    // nil = replies discarded (simulate mode)
	obs     *observability.Observability // nil = observability disabled
	cfg     Config
}

// New creates an execution coordinator over the given collaborators.
func New(source registry.Source, limiter *cooldown.Limiter, policy *validator.Validator,
	runtimes *runtime.Registry, auditor audit.Sink, logger *slog.Logger) *Engine {
	return &Engine{
		source:   source,
		limiter:  limiter,
		policy:   policy,
		runtimes: runtimes,
		auditor:  auditor,
		logger:   logger,
	}
}

// WithReplySink attaches the transport that delivers replies.
func (e *Engine) WithReplySink(sink ReplySink) *Engine {
	e.replies = sink
	return e
}

// WithObservability attaches metrics and tracing.
func (e *Engine) WithObservability(obs *observability.Observability) *Engine {
	e.obs = obs
	return e
}

// WithConfig overrides the pipeline bounds.
func (e *Engine) WithConfig(cfg Config) *Engine {
	e.cfg = cfg
	return e
}

// HandleMessage runs one inbound message through the full pipeline. The
// returned result is nil when no command matched. Errors are reserved for
// pipeline plumbing failures; every per-command outcome (rejection, rate
// limit, timeout, script failure) comes back as a result.
func (e *Engine) HandleMessage(ctx context.Context, msg domain.Message) (*domain.ExecutionResult, error) {
	deadline := e.cfg.MessageDeadline
	if deadline <= 0 {
		deadline = DefaultMessageDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if e.obs != nil && e.obs.Tracer != nil {
		var span trace.Span
		ctx, span = e.obs.Tracer.Tracer().Start(ctx, "engine.handle_message",
			trace.WithAttributes(
				attribute.String("tenant_id", msg.TenantID),
				attribute.String("channel_id", msg.ChannelID),
			))
		defer span.End()
	}
	defer e.metrics().MessageInFlight()()

	commands, err := e.source.GetCommands(ctx, msg.TenantID)
	if err != nil {
		// Registry unavailable degrades to no-match: the message is dropped,
		// never queued, and the user sees nothing.
		e.metrics().RecordRegistryError()
		e.metrics().RecordMessage("registry_error")
		e.logger.ErrorContext(ctx, "command registry unavailable, dropping message",
			slog.String("tenant_id", msg.TenantID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	cmd := matcher.Match(msg, commands)
	e.metrics().RecordScan(cmd != nil)
	if cmd == nil {
		e.metrics().RecordMessage("no_match")
		return nil, nil
	}
	e.metrics().RecordMessage("matched")

	req := &domain.ExecutionRequest{
		Command:     cmd,
		AuthorID:    msg.AuthorID,
		AuthorRoles: msg.AuthorRoles,
		ChannelID:   msg.ChannelID,
		MessageText: msg.Text,
		IssuedAt:    time.Now(),
	}
	result := e.execute(ctx, req)
	e.finish(ctx, req, result)
	return result, nil
}

// Simulate runs the pipeline for a message without touching cooldown state,
// without auditing, and without sending replies. When execute is false the
// pipeline stops after validation, reporting what would have run.
func (e *Engine) Simulate(ctx context.Context, msg domain.Message, execute bool) (*domain.Command, *domain.ExecutionResult, error) {
	commands, err := e.source.GetCommands(ctx, msg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading commands for tenant %s: %w", msg.TenantID, err)
	}
	cmd := matcher.Match(msg, commands)
	if cmd == nil {
		return nil, nil, nil
	}

	if err := e.policy.Validate(cmd.Language, cmd.Code); err != nil {
		return cmd, &domain.ExecutionResult{
			Status:    domain.StatusSecurityRejected,
			Reply:     replyRejected,
			Timestamp: time.Now(),
		}, nil
	}
	if !execute {
		return cmd, nil, nil
	}

	rt, ok := e.runtimes.Get(cmd.Language)
	if !ok {
		return cmd, &domain.ExecutionResult{
			Status:    domain.StatusRuntimeUnavailable,
			Reply:     replyUnavailable,
			Timestamp: time.Now(),
		}, nil
	}
	res, err := rt.Execute(ctx, cmd.Code, runtime.Bindings{
		TenantID:    msg.TenantID,
		AuthorID:    msg.AuthorID,
		AuthorRoles: msg.AuthorRoles,
		ChannelID:   msg.ChannelID,
		Message:     msg.Text,
	})
	if err != nil {
		return cmd, nil, fmt.Errorf("executing %s: %w", cmd.Trigger, err)
	}
	out := e.resultFromSandbox(res)
	return cmd, out, nil
}

// execute takes a matched request to a terminal state. The cooldown window
// is reserved only once the request is definitely going to the sandbox: a
// rejected or unroutable command never burns the user's window. The early
// Allow peek is advisory; Reserve immediately before dispatch decides.
func (e *Engine) execute(ctx context.Context, req *domain.ExecutionRequest) *domain.ExecutionResult {
	cmd := req.Command
	cd := e.clampedCooldown(cmd)

	if wait, err := e.limiter.Allow(req.AuthorID, cmd.ID, cd); err != nil {
		if errors.Is(err, cooldown.ErrRateLimited) {
			return e.rateLimited(cmd.TenantID, wait)
		}
	}

	if err := e.policy.Validate(cmd.Language, cmd.Code); err != nil {
		var rej *validator.Rejection
		category := "unknown"
		if errors.As(err, &rej) {
			category = string(rej.Category)
		}
		e.metrics().RecordRejection(cmd.Language, category)
		e.logger.WarnContext(ctx, "command code rejected",
			slog.String("tenant_id", cmd.TenantID),
			slog.String("command_id", cmd.ID.String()),
			slog.String("category", category),
		)
		return &domain.ExecutionResult{
			Status:       domain.StatusSecurityRejected,
			Reply:        replyRejected,
			ErrorSummary: "rejected by static validation: " + category,
			Timestamp:    time.Now(),
		}
	}

	rt, ok := e.runtimes.Get(cmd.Language)
	if !ok {
		return &domain.ExecutionResult{
			Status:       domain.StatusRuntimeUnavailable,
			Reply:        replyUnavailable,
			ErrorSummary: fmt.Sprintf("no runtime registered for language %q", cmd.Language),
			Timestamp:    time.Now(),
		}
	}

	// Point of no return: reserve the window atomically so concurrent
	// duplicates past the Allow peek cannot all reach the sandbox. The
	// window starts now regardless of how the sandbox run ends.
	if wait, err := e.limiter.Reserve(req.AuthorID, cmd.ID, cd); err != nil {
		if errors.Is(err, cooldown.ErrRateLimited) {
			return e.rateLimited(cmd.TenantID, wait)
		}
	}

	res, err := rt.Execute(ctx, cmd.Code, runtime.Bindings{
		TenantID:    cmd.TenantID,
		AuthorID:    req.AuthorID,
		AuthorRoles: req.AuthorRoles,
		ChannelID:   req.ChannelID,
		Message:     req.MessageText,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "sandbox invocation failed",
			slog.String("command_id", cmd.ID.String()),
			slog.String("error", err.Error()),
		)
		return &domain.ExecutionResult{
			Status:       domain.StatusRuntimeUnavailable,
			Reply:        replyUnavailable,
			ErrorSummary: "sandbox invocation failed",
			Timestamp:    time.Now(),
		}
	}
	return e.resultFromSandbox(res)
}

// finish performs the terminal bookkeeping for an executed request: metrics,
// exactly one audit entry, and at most one reply. An audit failure is logged
// and counted but never blocks the reply.
func (e *Engine) finish(ctx context.Context, req *domain.ExecutionRequest, result *domain.ExecutionResult) {
	cmd := req.Command
	e.metrics().RecordExecution(cmd.Language, result.Status, result.Duration, result.Truncated)

	entry := domain.AuditEntry{
		ID:         uuid.New(),
		TenantID:   cmd.TenantID,
		CommandID:  cmd.ID,
		AuthorID:   req.AuthorID,
		ChannelID:  req.ChannelID,
		Status:     result.Status,
		DurationMs: result.Duration.Milliseconds(),
		Timestamp:  result.Timestamp,
	}
	entry.ErrorSummary = result.ErrorSummary
	if err := e.auditor.Append(ctx, entry); err != nil {
		e.metrics().RecordAuditFailure()
		e.logger.ErrorContext(ctx, "audit append failed",
			slog.String("tenant_id", cmd.TenantID),
			slog.String("command_id", cmd.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if result.Reply == "" || e.replies == nil {
		return
	}
	if err := e.replies.SendReply(ctx, cmd.TenantID, req.ChannelID, result.Reply); err != nil {
		e.logger.ErrorContext(ctx, "reply delivery failed",
			slog.String("tenant_id", cmd.TenantID),
			slog.String("channel_id", req.ChannelID),
			slog.String("error", err.Error()),
		)
	}
}

// resultFromSandbox maps a sandbox result onto the pipeline result, choosing
// the user-visible reply for each terminal state.
func (e *Engine) resultFromSandbox(res *runtime.Result) *domain.ExecutionResult {
	out := &domain.ExecutionResult{
		Status:       res.Status,
		Output:       res.Output,
		Truncated:    res.Truncated,
		ErrorSummary: res.ErrorSummary,
		Duration:     res.Duration,
		Timestamp:    time.Now(),
	}
	switch res.Status {
	case domain.StatusSuccess:
		out.Reply = res.Output
	case domain.StatusScriptError:
		// The script's own error, already bounded by the sandbox. Never a
		// host-side stack trace.
		out.Reply = scriptErrorReply(res.ErrorSummary)
	case domain.StatusTimeout:
		out.Reply = replyTimeout
		if out.ErrorSummary == "" {
			out.ErrorSummary = "execution exceeded the time limit"
		}
	case domain.StatusRuntimeUnavailable:
		out.Reply = replyUnavailable
		if out.ErrorSummary == "" {
			out.ErrorSummary = "runtime unavailable"
		}
	}
	return out
}

// rateLimited builds the terminal result for a message denied by an open
// cooldown window.
func (e *Engine) rateLimited(tenantID string, wait time.Duration) *domain.ExecutionResult {
	e.metrics().RecordRateLimited(tenantID)
	return &domain.ExecutionResult{
		Status:    domain.StatusRateLimited,
		Reply:     rateLimitedReply(wait),
		Timestamp: time.Now(),
	}
}

func (e *Engine) clampedCooldown(cmd *domain.Command) time.Duration {
	cd := cmd.Cooldown()
	if limit := e.cfg.MaxCooldownMs; limit > 0 && cd > time.Duration(limit)*time.Millisecond {
		cd = time.Duration(limit) * time.Millisecond
	}
	return cd
}

func (e *Engine) metrics() *observability.MetricsCollector {
	if e.obs == nil {
		return nil
	}
	return e.obs.MetricsCollector()
}

// rateLimitedReply renders the remaining wait rounded up to whole seconds so
// the same remaining window always produces the same text.
func rateLimitedReply(wait time.Duration) string {
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("This command is on cooldown. Try again in %ds.", secs)
}

func scriptErrorReply(summary string) string {
	if summary == "" {
		return "This command failed."
	}
	return "This command failed: " + summary
}
