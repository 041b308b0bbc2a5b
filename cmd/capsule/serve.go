package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/cron"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	"github.com/brycewcole/capsule-agents-sub000/internal/gateway"
	"github.com/brycewcole/capsule-agents-sub000/internal/hooks"
	"github.com/brycewcole/capsule-agents-sub000/internal/model"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/safety"
	"github.com/brycewcole/capsule-agents-sub000/internal/tasks"
	"github.com/brycewcole/capsule-agents-sub000/internal/telemetry"
	"github.com/brycewcole/capsule-agents-sub000/internal/tools"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("quiet") {
				// Log to the file only when stdout is not a terminal someone is watching.
				quiet = !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) && os.Getenv("CAPSULE_LOG_STDOUT") == ""
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

func runServe(ctx context.Context, quiet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return startupError(nil, "E_CONFIG_LOAD", err)
	}
	logs, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.LogFile, quiet)
	if err != nil {
		return startupError(nil, "E_LOGGER_INIT", err)
	}
	defer logs.Close()
	logger := logs.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled() {
			logger.Warn("serving on a non-loopback address without auth", "bind_addr", cfg.BindAddr)
		}
	}

	// Hot-reloadable settings are read through live.
	var live atomic.Pointer[config.Config]
	live.Store(&cfg)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, attribute.String("capsule.agent", cfg.Agent.Name))
	if err != nil {
		return startupError(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics := otelProvider.Metrics

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return startupError(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()
	taskManager := tasks.NewManager(store, eventBus, logger)

	llm := model.NewGenkit(ctx, model.Options{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		SummaryModel: cfg.LLM.SummaryModel,
		APIKey:       cfg.ProviderAPIKey(cfg.LLM.Provider),
		BaseURL:      cfg.Providers[cfg.LLM.Provider].BaseURL,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})
	if !llm.Available() {
		logger.Warn("model provider not configured; turns will fail until an API key is set",
			"provider", cfg.LLM.Provider)
	}
	registry := tools.NewRegistry(cfg.Tools, map[string]string{
		"brave_search": cfg.APIKey("brave_search"),
	}, cfg.PreferredSearch, logger)
	registry.RegisterAll(llm.G())

	sinks := hooks.NewSinks(cfg)
	defer sinks.Close()
	dispatcher := hooks.New(hooks.Options{
		AgentHooks: func() []config.HookConfig { return live.Load().Hooks },
		Store:      store,
		Sinks:      sinks.Map(),
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		Leaks:      safety.NewLeakDetector(),
	})

	orch := engine.New(engine.Options{
		Tasks:              taskManager,
		Store:              store,
		Model:              llm,
		Tools:              registry.Names(),
		SystemPrompt:       func() string { return live.Load().SystemPrompt() },
		ModelOverrides:     store.ModelOverrides,
		MaxSteps:           cfg.Agent.MaxSteps,
		IncludeTaskHistory: cfg.Agent.IncludeTaskHistory,
		HeartbeatInterval:  cfg.Agent.HeartbeatInterval(),
		Bus:                eventBus,
		Notifier:           dispatcher,
		Logger:             logger,
		Tracer:             otelProvider.Tracer,
		Metrics:            metrics,
	})
	defer orch.Close()

	scheduler := cron.NewScheduler(cron.Config{
		Store:   store,
		Runner:  orch,
		Bus:     eventBus,
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	if err := scheduler.Import(ctx, cfg.Schedules); err != nil {
		// A bad schedule entry must not keep the server down.
		logger.Error("schedule import failed", "error", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return startupError(logger, "E_SCHEDULER_START", err)
	}
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go scheduler.WatchConfig(ctx, watcher.Events(), func() (config.Config, error) {
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				return next, err
			}
			logs.SetLevel(next.LogLevel)
			if next.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config change needs a restart to fully apply", "config_hash", next.Fingerprint())
			}
			live.Store(&next)
			return next, nil
		})
	}

	gw, err := gateway.New(gateway.Config{
		Agent:             orch,
		Store:             store,
		Schedules:         scheduler,
		Tasks:             taskManager,
		Bus:               eventBus,
		Card:              cfg.Agent,
		Model:             llm.ModelName(),
		Tools:             registry.Names(),
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Snapshot:          otelProvider.Snapshot,
	})
	if err != nil {
		return startupError(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return startupError(logger, "E_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ln)
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String(), "tools", registry.Names())

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			return err
		}
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	// 1. Stop accepting requests, 2. stop timers, 3. let running turns and
	// then hook deliveries finish.
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("turns still running at shutdown", "error", err)
	}
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("hook deliveries still running at shutdown")
	}
	logger.Info("shutdown complete")
	return nil
}

// startupError logs a structured startup failure with a reason code.
func startupError(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
