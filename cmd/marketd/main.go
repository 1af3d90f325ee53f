package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nftmarket/config"
	"nftmarket/observability/logging"
	telemetry "nftmarket/observability/otel"
)

const serviceName = "marketd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides config GenesisFile)")
	rpcAddr := flag.String("rpc", "", "JSON-RPC listen address (overrides config RPCAddress)")
	flag.Parse()

	bootLogger := logging.Setup(serviceName, strings.TrimSpace(os.Getenv("MARKET_ENV")))

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *genesisFlag != "" {
		cfg.GenesisFile = *genesisFlag
	}
	if *rpcAddr != "" {
		cfg.RPCAddress = *rpcAddr
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:     serviceName,
		Environment: cfg.Environment,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start market node", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("shutdown", slog.Any("error", err))
		}
	}()

	if err := n.run(ctx, cfg.RPCAddress, logger); err != nil {
		logger.Error("rpc server stopped", slog.Any("error", err))
		return
	}
	logger.Info("market node stopped")
}
