package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/dispatcher"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/messenger/discord"
	"github.com/haasonsaas/toolgate/internal/messenger/telegram"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/registry"
	"github.com/haasonsaas/toolgate/internal/store"
)

// shutdownTimeout bounds the graceful drain: resolving open approvals,
// closing the agent session and flushing the trace exporter all share it.
const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	config      string
	permissions string
	insecure    bool
	debug       bool
}

// runServe implements the serve command: it wires every component, runs
// until a shutdown signal arrives, then drains in dependency order.
func runServe(ctx context.Context, opts serveOptions) error {
	if opts.debug {
		slog.SetDefault(observability.NewLogger(observability.LogConfig{Level: "debug"}))
	}
	logger := slog.Default()

	logger.Info("starting toolgate",
		"version", version,
		"commit", commit,
		"config", opts.config,
		"permissions", opts.permissions,
	)

	cfg, err := config.Load(opts.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Refuse to expose the agent endpoint in plaintext unless the operator
	// opted in explicitly.
	if cfg.Gateway.TLS == nil && !opts.insecure {
		return errors.New("TLS not configured. Use --insecure to allow plaintext WS.")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "toolgate",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if expired, err := st.CleanupStale(ctx); err != nil {
		logger.Warn("stale request cleanup failed", "error", err)
	} else if len(expired) > 0 {
		logger.Info("expired stale pending requests", "count", len(expired))
	}
	janitor, err := store.NewJanitor(st, cfg.Storage.CleanupSchedule, logger)
	if err != nil {
		return err
	}

	reg, err := registry.Build(cfg.Services)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	disp := dispatcher.New(reg, cfg.Services, logger, metrics)
	for name, healthy := range disp.HealthAll(ctx) {
		if !healthy {
			logger.Warn("service unreachable, continuing anyway", "service", name)
		}
	}

	watcher, err := policy.NewWatcher(opts.permissions, reg, logger)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	adapter, err := buildMessenger(cfg, logger)
	if err != nil {
		return fmt.Errorf("build messenger: %w", err)
	}

	coordinator := approval.New(st, adapter, disp,
		time.Duration(cfg.ApprovalTimeout)*time.Second, logger, metrics)

	server, err := gateway.NewServer(cfg, gateway.Deps{
		Registry:    reg,
		Policy:      watcher,
		Store:       st,
		Dispatcher:  disp,
		Coordinator: coordinator,
		Messenger:   adapter,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start permissions watcher: %w", err)
	}
	janitor.Start(ctx)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.Info("toolgate ready", "approval_timeout_seconds", cfg.ApprovalTimeout)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Resolve open prompts before the session drops so guardians see a
	// terminal state instead of buttons that no longer do anything.
	coordinator.ResolveAll("gateway_shutdown")
	server.Stop(shutdownCtx)
	if err := coordinator.Wait(shutdownCtx); err != nil {
		logger.Warn("approval drain", "error", err)
	}
	if err := adapter.Stop(shutdownCtx); err != nil {
		logger.Warn("messenger stop", "error", err)
	}
	if err := watcher.Close(); err != nil {
		logger.Warn("permissions watcher close", "error", err)
	}
	janitor.Stop()
	disp.Close()
	if err := st.Close(); err != nil {
		logger.Warn("store close", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}

	logger.Info("toolgate stopped")
	return nil
}

// buildMessenger constructs the guardian adapter named by messenger.type.
// Config validation already guaranteed the matching section is present.
func buildMessenger(cfg *config.Config, logger *slog.Logger) (messenger.Adapter, error) {
	switch cfg.Messenger.Type {
	case config.MessengerTelegram:
		return telegram.NewAdapter(telegram.Config{
			Token:        cfg.Messenger.Telegram.Token,
			ChatID:       cfg.Messenger.Telegram.ChatID,
			AllowedUsers: cfg.Messenger.Telegram.AllowedUsers,
			Logger:       logger,
		})
	case config.MessengerDiscord:
		return discord.NewAdapter(discord.Config{
			Token:        cfg.Messenger.Discord.Token,
			ChannelID:    cfg.Messenger.Discord.ChannelID,
			AllowedUsers: cfg.Messenger.Discord.AllowedUsers,
			Logger:       logger,
		})
	case config.MessengerNone:
		return messenger.NewNoop(logger), nil
	default:
		return nil, fmt.Errorf("unknown messenger type %q", cfg.Messenger.Type)
	}
}
