// Package main is the kestrel entry point: the composition root constructs
// the wallet, failover client, capital pool, blacklist and every component
// once, and injects them explicitly. No ambient lookups.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrel-hq/kestrel/internal/api"
	"github.com/kestrel-hq/kestrel/internal/config"
	"github.com/kestrel-hq/kestrel/internal/engine"
	"github.com/kestrel-hq/kestrel/internal/events"
	"github.com/kestrel-hq/kestrel/internal/execution"
	"github.com/kestrel-hq/kestrel/internal/listener"
	"github.com/kestrel-hq/kestrel/internal/metrics"
	"github.com/kestrel-hq/kestrel/internal/override"
	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/internal/threat"
	"github.com/kestrel-hq/kestrel/internal/workers"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitWallet    = 2
	exitNoRPC     = 3
	exitInvariant = 10
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	simulation := flag.Bool("sim", false, "Force simulation mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *simulation {
		cfg.Simulation = true
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting kestrel",
		zap.Int("rpc_endpoints", len(cfg.RPC.Endpoints)),
		zap.Bool("simulation", cfg.Simulation),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	bus := events.NewBus(logger)

	// RPC failover client; refuse to start with every provider unreachable.
	client, err := rpcpool.NewClient(logger, cfg.RPC, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	client.Start(ctx)
	defer client.Stop()

	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	_, err = client.GetSlot(startupCtx)
	startupCancel()
	if err != nil {
		logger.Error("no rpc provider reachable at startup", zap.Error(err))
		return exitNoRPC
	}

	// Wallet. Simulation mode runs without one if none is configured.
	var wallet *execution.Wallet
	if cfg.Wallet.KeypairPath != "" || cfg.Wallet.KeypairEnv != "" {
		wallet, err = execution.LoadWallet(logger, cfg.Wallet, m)
		if err != nil {
			logger.Error("wallet error", zap.Error(err))
			return exitWallet
		}
	} else if !cfg.Simulation {
		logger.Error("live mode requires a wallet keypair")
		return exitWallet
	} else {
		wallet = execution.NewWalletFromKey(logger, ephemeralKey(), m)
	}
	go wallet.Run(ctx)

	bundler := execution.NewBundler(logger, client, wallet, cfg.Simulation, m)

	// Listener fan-in.
	fanin, err := listener.New(logger, cfg.Listener, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	fanin.Register(listener.NewLogsAdapter(logger, client, fanin))
	fanin.Register(listener.NewBlocksAdapter(logger, client, fanin))
	fanin.Register(listener.NewSidecarAdapter(logger, client, fanin))
	fanin.Register(listener.NewPollAdapter(logger, fanin, cfg.Listener.ListingFeedURL, cfg.Listener.PollInterval))

	// The whale watcher rides the same adapter supervision as the token
	// sources and feeds the whale-copy strategy.
	whaleWallets := parseWallets(logger, cfg.Strategies.WhaleWallets)
	whaleFeed, err := listener.NewWhaleWatcher(logger, client, whaleWallets)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	fanin.Register(whaleFeed)
	go fanin.Run(ctx)

	// Threat scoring.
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("graph"))
	pool.Start(ctx)
	defer pool.Stop()

	reputation, err := threat.OpenReputationStore(cfg.Threat.ReputationDBPath)
	if err != nil {
		logger.Warn("reputation store unavailable, continuing without", zap.Error(err))
		reputation = nil
	} else {
		defer reputation.Close()
	}

	threatEngine, err := threat.NewEngine(logger, cfg.Threat, threat.NewChainReader(client), reputation, pool, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	threatEngine.SetObservationSource(fanin.ObservationCount)

	// Capital, blacklist, lifecycle manager.
	capital := position.NewCapitalPool(cfg.Capital.TotalBase)
	blacklist := position.NewBlacklist()
	manager := position.NewManager(logger, cfg.Position, bundler, capital, blacklist, bus, m)

	// Strategies and the combinator.
	stratRegistry := strategy.NewRegistry(logger)
	stratRegistry.Register(strategy.NewSnipeStrategy(logger, cfg.Strategies.Snipe))
	stratRegistry.Register(strategy.NewMomentumStrategy(logger, cfg.Strategies.Momentum))
	stratRegistry.Register(strategy.NewReversalStrategy(logger, cfg.Strategies.Reversal))
	stratRegistry.Register(strategy.NewWhaleCopyStrategy(logger, cfg.Strategies.WhaleCopy, whaleWallets))
	stratRegistry.Register(strategy.NewSocialStrategy(logger, cfg.Strategies.Social))
	logger.Info("registered strategies", zap.Strings("strategies", stratRegistry.Tags()))

	// The console is constructed after the manager but before the
	// combinator so both see the same admin state.
	console := override.NewConsole(logger, stratRegistry, manager, bus, cfg.Capital.PerMintCeiling, m)
	manager.SetAdminState(console)

	combinator, err := strategy.NewCombinator(
		logger, cfg.Capital, cfg.Strategies,
		stratRegistry, capital, console, whaleFeed, nil, m,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfig
	}
	manager.SetStatsSink(combinator.Stats)
	manager.SetPriceSink(combinator.Prices)

	// An accounting invariant violation triggers the emergency path and
	// exit 10.
	invariantCh := make(chan error, 1)
	capital.SetViolationHandler(func(err error) {
		logger.Error("invariant violation", zap.Error(err))
		_ = console.Submit(override.Command{Type: override.CmdEmergencyStop})
		select {
		case invariantCh <- err:
		default:
		}
	})

	manager.Start(ctx, threatEngine.Alerts())
	go console.Run(ctx)

	pipeline := engine.New(logger, fanin.Events(), threatEngine, combinator, manager, reputation)
	go pipeline.Run(ctx)

	// Control API.
	hub := api.NewHub(logger, bus, cfg.Server.MaxConnections)
	go hub.Run(ctx)
	server := api.NewServer(logger, cfg.Server, console, manager, client, combinator.Stats, hub, registry)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("kestrel running",
		zap.String("api", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-invariantCh:
		logger.Error("terminating on invariant violation", zap.Error(err))
		cancel()
		shutdown(logger, server, manager)
		return exitInvariant
	}

	cancel()
	shutdown(logger, server, manager)
	logger.Info("kestrel stopped")
	return exitOK
}

func shutdown(logger *zap.Logger, server *api.Server, manager *position.Manager) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	manager.Wait()
}

func parseWallets(logger *zap.Logger, raw []string) []types.MintAddress {
	out := make([]types.MintAddress, 0, len(raw))
	for _, s := range raw {
		addr, err := types.ParseMintAddress(s)
		if err != nil {
			logger.Warn("ignoring invalid whale wallet", zap.String("wallet", s))
			continue
		}
		out = append(out, addr)
	}
	return out
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
