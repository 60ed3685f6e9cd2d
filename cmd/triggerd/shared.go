package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/cooldown"
	"github.com/guildtools/triggerd/internal/engine"
	"github.com/guildtools/triggerd/internal/observability"
	"github.com/guildtools/triggerd/internal/registry"
	"github.com/guildtools/triggerd/internal/runtime"
	"github.com/guildtools/triggerd/internal/storage"
	"github.com/guildtools/triggerd/internal/validator"
)

// SharedComponents holds the subsystems shared by the serve and simulate
// commands. Fields are wired by initShared in dependency order; Cleanup
// releases them in reverse.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Store    *storage.Store
	Source   *registry.Cached
	Limiter  *cooldown.Limiter
	Policy   *validator.Validator
	Runtimes *runtime.Registry
	Auditor  audit.Sink
	Engine   *engine.Engine

	cleanups []func()
}

// Cleanup runs registered cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the execution pipeline from config: observability,
// storage, the cached command registry, cooldown limiter, validator,
// sandbox runtimes, audit sinks, and the engine itself.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
		logger.Debug("observability initialized")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		sc.Cleanup()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	sc.Source = registry.NewCached(store.Commands(), cfg.Engine.RegistryCacheTTL, logger)
	sc.Limiter = cooldown.NewLimiter(cfg.Engine.CooldownEntries)
	sc.Policy = validator.New(validator.Config{
		MaxCodeBytes:  cfg.Engine.MaxCodeBytes,
		ExtraPatterns: cfg.Engine.DenylistPatterns,
	})
	sc.Runtimes = buildRuntimes(cfg, logger)
	logger.Debug("runtimes registered", slog.Int("count", len(sc.Runtimes.Languages())))

	auditor, err := buildAuditor(cfg, store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Auditor = auditor
	sc.addCleanup(func() {
		if err := auditor.Close(); err != nil {
			logger.Error("closing audit sink", slog.String("error", err.Error()))
		}
	})

	sc.Engine = engine.New(sc.Source, sc.Limiter, sc.Policy, sc.Runtimes, sc.Auditor, logger).
		WithObservability(obs).
		WithConfig(engine.Config{
			MessageDeadline: cfg.Engine.MessageDeadline,
			MaxCooldownMs:   cfg.Engine.MaxCooldownMs,
		})

	registerHealthChecks(sc)

	return sc, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return storage.OpenPostgres(ctx, storage.PostgresConfig{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return storage.OpenSQLite(storage.SQLiteConfig{
			Path:        cfg.SQLitePath(),
			JournalMode: journalMode,
		}, logger)
	}
}

// buildRuntimes registers every supported language except those disabled
// in config. Disabling a language leaves its commands unroutable rather
// than rejected.
func buildRuntimes(cfg *config.Config, logger *slog.Logger) *runtime.Registry {
	procCfg := runtime.ProcessConfig{
		Timeout:        cfg.Engine.ScriptTimeout,
		MaxOutputBytes: cfg.Engine.MaxOutputBytes,
		MaxMemoryMB:    cfg.Engine.ScriptMemoryMB,
		MaxCPUSeconds:  cfg.Engine.ScriptCPUSeconds,
	}
	disabled := cfg.Engine.DisabledLanguages
	if len(disabled) == 0 {
		return runtime.NewDefaultRegistry(procCfg, logger)
	}

	var runtimes []runtime.Runtime
	for _, rt := range []*runtime.ProcessRuntime{
		runtime.NewJavaScript(procCfg, logger),
		runtime.NewPython(procCfg, logger),
		runtime.NewShell(procCfg, logger),
		runtime.NewGo(procCfg, logger),
	} {
		if slices.Contains(disabled, string(rt.Language())) {
			logger.Info("language disabled", slog.String("language", string(rt.Language())))
			continue
		}
		runtimes = append(runtimes, rt)
	}
	return runtime.NewRegistry(runtimes...)
}

// buildAuditor wires the database sink, plus a JSONL file sink when
// configured, behind a single fanout.
func buildAuditor(cfg *config.Config, store *storage.Store, logger *slog.Logger) (audit.Sink, error) {
	dbSink := audit.NewStoreSink(store.Audit(), logger)
	if cfg.Audit.FilePath == "" {
		return dbSink, nil
	}
	fileSink, err := audit.NewJSONLSink(cfg.Audit.FilePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return audit.NewFanoutSink(dbSink, fileSink), nil
}

// registerHealthChecks wires readiness probes for storage and each
// registered interpreter.
func registerHealthChecks(sc *SharedComponents) {
	if sc.Obs == nil || sc.Obs.Health == nil {
		return
	}
	sc.Obs.Health.AddCheck("storage", sc.Store.Ping)
	for _, lang := range sc.Runtimes.Languages() {
		rt, ok := sc.Runtimes.Get(lang)
		if !ok {
			continue
		}
		sc.Obs.Health.AddCheck("runtime_"+string(lang), rt.Available)
	}
}

// newLogger builds the process-wide slog logger from the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
