// Package mcp exposes triggerd diagnostics over the Model Context Protocol
// on stdio. Tools mirror the operator HTTP API: simulate a message through
// the pipeline and query the audit trail. Simulation never touches cooldown
// state or the audit log, so the tools are safe against production data.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/engine"
	"github.com/guildtools/triggerd/internal/gateway"
)

// compile-time interface check
var _ gateway.Gateway = (*Gateway)(nil)

// Gateway serves the MCP diagnostics tools over stdio.
type Gateway struct {
	engine  *engine.Engine
	store   audit.Store // nil = query_audit disabled.
	logger  *slog.Logger
	version string

	srv *server.MCPServer
}

// NewGateway creates the MCP diagnostics gateway.
func NewGateway(eng *engine.Engine, store audit.Store, version string, logger *slog.Logger) *Gateway {
	return &Gateway{
		engine:  eng,
		store:   store,
		logger:  logger,
		version: version,
	}
}

// Start registers the tools and serves MCP over stdio. Blocks until stdin
// closes or the context is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.srv = server.NewMCPServer("triggerd", g.version,
		server.WithToolCapabilities(false),
	)

	g.srv.AddTool(mcp.NewTool("simulate_message",
		mcp.WithDescription("Run a chat message through the trigger pipeline without side effects. "+
			"Reports the matched command, validation outcome, and (optionally) the sandboxed execution result."),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant (guild) ID")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text, e.g. \"!ping\"")),
		mcp.WithString("author_id", mcp.Description("Author ID, defaults to \"mcp-operator\"")),
		mcp.WithString("channel_id", mcp.Description("Channel ID")),
		mcp.WithBoolean("execute", mcp.Description("Execute the matched command in the sandbox (default false)")),
	), g.handleSimulate)

	if g.store != nil {
		g.srv.AddTool(mcp.NewTool("query_audit",
			mcp.WithDescription("Query a tenant's execution audit trail, newest first."),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant (guild) ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 20)")),
		), g.handleQueryAudit)
	}

	g.logger.InfoContext(ctx, "mcp diagnostics server starting on stdio")
	return server.ServeStdio(g.srv)
}

// Stop is a no-op: stdio serving ends when stdin closes.
func (g *Gateway) Stop(_ context.Context) error {
	return nil
}

func (g *Gateway) handleSimulate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	authorID := req.GetString("author_id", "mcp-operator")
	channelID := req.GetString("channel_id", "")
	execute := req.GetBool("execute", false)

	cmd, result, err := g.engine.Simulate(ctx, domain.Message{
		TenantID:  tenantID,
		AuthorID:  authorID,
		ChannelID: channelID,
		Text:      text,
	}, execute)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("simulation failed: %v", err)), nil
	}

	out := map[string]any{"matched": cmd != nil}
	if cmd != nil {
		out["command_id"] = cmd.ID.String()
		out["trigger"] = cmd.Trigger
		out["language"] = string(cmd.Language)
		out["match_mode"] = string(cmd.MatchMode)
	}
	if result != nil {
		out["status"] = string(result.Status)
		out["reply"] = result.Reply
		out["truncated"] = result.Truncated
	}
	return jsonResult(out)
}

func (g *Gateway) handleQueryAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 20)

	entries, err := g.store.Query(ctx, tenantID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", err)), nil
	}
	return jsonResult(entries)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
