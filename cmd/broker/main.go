// Copy Trader Service — the event broker between a blockchain index
// provider's webhooks and the copy-trade execution pipeline.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	classifier/classifier.go — pure swap classification over balance-delta payloads
//	registry/registry.go     — subscriptions, KOL active set, fan-out indexes, provider sync
//	quota/gate.go            — atomic per-(user, token) purchase counters with rollback
//	tradestore/tradestore.go — capped per-KOL and global trade history in the KV store
//	dispatcher/dispatcher.go — webhook batch pipeline: classify, gate, fan out, publish
//	bus/                     — AMQP topology, supervised consumers, retry and dead-letter
//	rpcserver/               — request/reply queries over the RPC queue
//	commands/                — subscription, KOL, and service command consumers
//	webhook/                 — inbound HTTP receiver plus operator websocket stream
//	provider/                — index provider REST client with rate limiting
//	scorer/                  — optional ML token scorer
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blok-hamster/copy-trader-service/internal/bus"
	"github.com/blok-hamster/copy-trader-service/internal/commands"
	"github.com/blok-hamster/copy-trader-service/internal/config"
	"github.com/blok-hamster/copy-trader-service/internal/dispatcher"
	"github.com/blok-hamster/copy-trader-service/internal/kv"
	"github.com/blok-hamster/copy-trader-service/internal/provider"
	"github.com/blok-hamster/copy-trader-service/internal/quota"
	"github.com/blok-hamster/copy-trader-service/internal/registry"
	"github.com/blok-hamster/copy-trader-service/internal/rpcserver"
	"github.com/blok-hamster/copy-trader-service/internal/scorer"
	"github.com/blok-hamster/copy-trader-service/internal/tradestore"
	"github.com/blok-hamster/copy-trader-service/internal/webhook"
)

// shutdownGrace bounds webhook drain and dispatcher wind-down.
const shutdownGrace = 5 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := kv.OpenRedis(connectCtx, cfg.Redis.URL)
	connectCancel()
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	keys := kv.NewKeys(cfg.Environment, cfg.IsProduction())
	names := bus.BuildNames(cfg.Bus, cfg.Environment, cfg.IsProduction())

	providerClient := provider.NewClient(cfg.Provider, cfg.Webhook.WebhookID, logger)
	reg := registry.New(store, keys, providerClient, cfg.Retention.RegistryTTL, logger)
	gate := quota.NewGate(store, keys, cfg.Retention.CounterTTL, logger)
	trades := tradestore.New(store, keys, cfg.Retention.TradeHistoryTTL, logger)
	tokenScorer := scorer.New(cfg.Scorer, logger)

	messageBus := bus.New(cfg.Bus, names, cfg.Pipeline.ProcessingTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := dispatcher.New(
		reg, gate, trades, messageBus, tokenScorer, names,
		cfg.Pipeline.MaxConcurrent, cfg.Pipeline.ProcessingTimeout,
		nil, logger,
	)
	webhookServer := webhook.NewServer(cfg.Webhook, disp, logger)
	disp.SetEventSink(webhookServer.Hub().BroadcastTrade)

	messageBus.Subscribe(names.RPC, rpcserver.New(reg, providerClient, trades, messageBus, logger))
	messageBus.Subscribe(names.SubscriptionCommands, commands.NewSubscriptionHandler(reg, logger))
	messageBus.Subscribe(names.KOLManagement, commands.NewKOLHandler(reg, providerClient, logger))
	messageBus.Subscribe(names.ServiceCommands, commands.NewServiceHandler(disp, gate, messageBus, names, logger))

	disp.Start(ctx)

	busErr := make(chan error, 1)
	go func() {
		busErr <- messageBus.Run(ctx)
	}()

	go func() {
		if err := webhookServer.Start(); err != nil {
			logger.Error("webhook server failed", "error", err)
			cancel()
		}
	}()

	if err := reg.SyncWithProvider(ctx); err != nil {
		logger.Warn("initial provider sync failed", "error", err)
	}

	logger.Info("copy trader service started",
		"environment", cfg.Environment,
		"webhook_port", cfg.Webhook.Port,
		"max_concurrent", cfg.Pipeline.MaxConcurrent,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-busErr:
		if err != nil {
			logger.Error("message bus terminated", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := webhookServer.Stop(shutdownCtx); err != nil {
		logger.Error("webhook server shutdown failed", "error", err)
	}

	cancel()
	disp.Stop()
	if err := messageBus.Close(); err != nil {
		logger.Error("bus close failed", "error", err)
	}

	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
