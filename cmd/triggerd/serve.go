package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/gateway"
	"github.com/guildtools/triggerd/internal/gateway/httpapi"
	mcpgw "github.com/guildtools/triggerd/internal/gateway/mcp"
	"github.com/guildtools/triggerd/internal/gateway/ws"
	"github.com/guildtools/triggerd/internal/scheduler"
	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution engine and its gateways (feed, HTTP, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `triggerd --config path` and `triggerd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP API listen address (e.g. :8085)")
	}
}

// runServe starts triggerd in serve mode: the engine plus every gateway
// enabled in config.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("TRIGGERD_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPAPIConfig{MetricsPath: "/metrics"}
		}
		cfg.Gateways.HTTP.ListenAddr = serveListenAddr
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting in serve mode",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Start maintenance jobs (audit retention, cooldown sweep).
	if cfg.Scheduler != nil {
		sched := scheduler.New(sc.Store.Audit(), sc.Limiter, cfg.Audit.Retention, cfg.Scheduler, logger).
			WithObservability(sc.Obs)
		cancelSched, err := sched.Start(ctx)
		if err != nil {
			return err
		}
		defer cancelSched()
		logger.Debug("scheduler started",
			slog.String("retention_schedule", cfg.Scheduler.RetentionSchedule),
			slog.String("sweep_schedule", cfg.Scheduler.SweepSchedule),
		)
	}

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		logger.Warn("no gateways enabled in config; engine is idle")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways constructs every gateway enabled in config. The feed
// gateway doubles as the engine's reply sink.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gateways []gateway.Gateway

	if cfg.Gateways.Feed != nil {
		feed := ws.NewGateway(cfg.Gateways.Feed, sc.Engine, sc.Logger)
		sc.Engine.WithReplySink(feed)
		gateways = append(gateways, feed)
	}

	if h := cfg.Gateways.HTTP; h != nil {
		apiCfg := httpapi.Config{
			ListenAddr:  h.ListenAddr,
			EnableDocs:  h.EnableDocs,
			APIKeys:     h.APIKeys,
			MetricsPath: h.MetricsPath,
		}
		if sc.Obs != nil {
			apiCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				apiCfg.MetricsRegistry = sc.Obs.Metrics.Registry
				apiCfg.Metrics = sc.Obs.Metrics
			}
			apiCfg.Tracer = obsTracer(sc)
		}
		api := httpapi.NewGateway(apiCfg, sc.Engine, sc.Source, sc.Logger).
			WithAuditStore(sc.Store.Audit())
		gateways = append(gateways, api)
	}

	if cfg.Gateways.MCP != nil && cfg.Gateways.MCP.Enabled {
		gateways = append(gateways, mcpgw.NewGateway(sc.Engine, sc.Store.Audit(), version, sc.Logger))
	}

	return gateways
}

func obsTracer(sc *SharedComponents) trace.Tracer {
	if sc.Obs == nil || sc.Obs.Tracer == nil {
		return nil
	}
	return sc.Obs.Tracer.Tracer()
}
