// Command bot runs the market-making client against a single EMX-style
// venue and instrument.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: wires transport, registry, codec, orders manager, strategy
//	strategy/strategy.go — mid-price quote generation, positional retreat, reconnection protocol
//	orders/manager.go   — order FSM + reconciliation (place/amend/cancel) against live state
//	registry/registry.go — bidirectional client-id <-> exchange-id mapping
//	protocol/codec.go   — outbound trading request encoding
//	protocol/parse.go   — inbound frame parsing and dispatch
//	protocol/auth.go    — HMAC request signing
//	transport/session.go — authenticated WebSocket session
//	market/book.go      — top-of-book store the strategy quotes from
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketmaker/internal/config"
	"marketmaker/internal/engine"
)

func main() {
	defaultPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		defaultPath = p
	}
	configFlag := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()
	cfgPath := *configFlag

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logger.Level)}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts)).With("logger", cfg.Logger.Name)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("market maker started",
		"instrument", cfg.Strategy.InstrumentName,
		"adapter", cfg.Adapter.Name,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("engine stopped with error", "error", err)
			eng.Stop()
			os.Exit(1)
		}
	}

	eng.Stop()
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
