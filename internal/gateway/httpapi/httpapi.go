// Package httpapi implements the operator HTTP API.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Observability endpoints (/healthz, /readyz, metrics) are unauthenticated
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/engine"
	"github.com/guildtools/triggerd/internal/gateway"
	"github.com/guildtools/triggerd/internal/observability"
	"github.com/guildtools/triggerd/internal/registry"
)

// compile-time interface check
var _ gateway.Gateway = (*Gateway)(nil)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g. ":8085"
	EnableDocs bool
	APIKeys    map[string]string // API key → operator name. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom registry for the metrics endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // For /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// Gateway is the operator HTTP API.
type Gateway struct {
	config Config
	engine *engine.Engine
	source registry.Source // For listing a tenant's commands.
	store  audit.Store     // nil = audit endpoints disabled.
	logger *slog.Logger

	server *http.Server
	okapi  *okapi.Okapi
}

// NewGateway creates the operator HTTP API gateway.
func NewGateway(cfg Config, eng *engine.Engine, source registry.Source, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		engine: eng,
		source: source,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// WithAuditStore enables the audit query endpoints.
func (g *Gateway) WithAuditStore(store audit.Store) *Gateway {
	g.store = store
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		}, middlewares...)
	}
	v1 := g.okapi.Group("/v1", middlewares...)

	v1.Post("/simulate", g.handleSimulate,
		okapi.DocSummary("Run a message through the pipeline without side effects"),
		okapi.DocTags("Simulate"),
		okapi.DocRequestBody(SimulateRequest{}),
		okapi.DocResponse(SimulateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/tenants/{tenant}/commands", g.handleCommandList,
		okapi.DocSummary("List a tenant's commands in evaluation order"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("tenant", "string", "Tenant (guild) ID"),
		okapi.DocResponse([]CommandResponse{}),
	)
	if g.store != nil {
		v1.Get("/tenants/{tenant}/audit", g.handleAuditQuery,
			okapi.DocSummary("Query a tenant's audit trail, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("tenant", "string", "Tenant (guild) ID"),
			okapi.DocResponse([]AuditEntryResponse{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path,
			promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "triggerd",
			Version: "v1",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SimulateRequest is the JSON body for POST /v1/simulate.
type SimulateRequest struct {
	TenantID    string   `json:"tenant_id"`
	AuthorID    string   `json:"author_id"`
	AuthorRoles []string `json:"author_roles,omitempty"`
	ChannelID   string   `json:"channel_id,omitempty"`
	Text        string   `json:"text"`
	Execute     bool     `json:"execute"` // false = stop after match + validation.
}

// SimulateResponse is the JSON response for POST /v1/simulate.
type SimulateResponse struct {
	Matched   bool   `json:"matched"`
	CommandID string `json:"command_id,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Language  string `json:"language,omitempty"`
	Status    string `json:"status,omitempty"` // Empty on dry-run unless validation rejected.
	Output    string `json:"output,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (g *Gateway) handleSimulate(c *okapi.Context) error {
	var req SimulateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.TenantID == "" || req.Text == "" {
		return c.AbortBadRequest("tenant_id and text are required")
	}
	if req.AuthorID == "" {
		req.AuthorID = "simulator"
	}

	g.logger.Info("simulate request",
		slog.String("operator", c.GetString("operator")),
		slog.String("tenant_id", req.TenantID),
		slog.Bool("execute", req.Execute),
	)

	cmd, result, err := g.engine.Simulate(c.Context(), domain.Message{
		TenantID:    req.TenantID,
		AuthorID:    req.AuthorID,
		AuthorRoles: req.AuthorRoles,
		ChannelID:   req.ChannelID,
		Text:        req.Text,
	}, req.Execute)
	if err != nil {
		g.logger.Error("simulation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("simulation failed")
	}

	resp := SimulateResponse{Matched: cmd != nil}
	if cmd != nil {
		resp.CommandID = cmd.ID.String()
		resp.Trigger = cmd.Trigger
		resp.Language = string(cmd.Language)
	}
	if result != nil {
		resp.Status = string(result.Status)
		resp.Output = result.Output
		resp.Reply = result.Reply
		resp.Truncated = result.Truncated
	}
	return c.OK(resp)
}

// CommandResponse is one command in GET /v1/tenants/{tenant}/commands.
type CommandResponse struct {
	ID         string `json:"id"`
	Trigger    string `json:"trigger"`
	MatchMode  string `json:"match_mode"`
	Prefix     string `json:"prefix,omitempty"`
	Language   string `json:"language"`
	CooldownMs int64  `json:"cooldown_ms"`
	CreatedAt  string `json:"created_at"`
}

func (g *Gateway) handleCommandList(c *okapi.Context) error {
	tenant := c.Param("tenant")
	if tenant == "" {
		return c.AbortBadRequest("tenant is required")
	}

	commands, err := g.source.GetCommands(c.Context(), tenant)
	if err != nil {
		g.logger.Error("listing commands failed",
			slog.String("tenant_id", tenant),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing commands failed")
	}

	resp := make([]CommandResponse, len(commands))
	for i, cmd := range commands {
		resp[i] = CommandResponse{
			ID:         cmd.ID.String(),
			Trigger:    cmd.Trigger,
			MatchMode:  string(cmd.MatchMode),
			Prefix:     cmd.Prefix,
			Language:   string(cmd.Language),
			CooldownMs: cmd.CooldownMs,
			CreatedAt:  cmd.CreatedAt.Format(time.RFC3339),
		}
	}
	return c.OK(resp)
}

// AuditEntryResponse is one entry in GET /v1/tenants/{tenant}/audit.
type AuditEntryResponse struct {
	ID           string `json:"id"`
	CommandID    string `json:"command_id"`
	AuthorID     string `json:"author_id"`
	ChannelID    string `json:"channel_id,omitempty"`
	Status       string `json:"status"`
	ErrorSummary string `json:"error_summary,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Timestamp    string `json:"timestamp"`
}

func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	tenant := c.Param("tenant")
	if tenant == "" {
		return c.AbortBadRequest("tenant is required")
	}
	limit := 100
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := g.store.Query(c.Context(), tenant, limit)
	if err != nil {
		g.logger.Error("audit query failed",
			slog.String("tenant_id", tenant),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("audit query failed")
	}

	resp := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = AuditEntryResponse{
			ID:           e.ID.String(),
			CommandID:    e.CommandID.String(),
			AuthorID:     e.AuthorID,
			ChannelID:    e.ChannelID,
			Status:       string(e.Status),
			ErrorSummary: e.ErrorSummary,
			DurationMs:   e.DurationMs,
			Timestamp:    e.Timestamp.Format(time.RFC3339),
		}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate validates the Bearer API key with constant-time comparison.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operator := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operator = name
			}
		}
		if operator == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operator", operator)
		return next(c)
	}
}
