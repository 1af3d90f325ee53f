package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"nftmarket/config"
	"nftmarket/core/events"
	"nftmarket/core/genesis"
	"nftmarket/core/state"
	"nftmarket/gateway/middleware"
	"nftmarket/native/bank"
	"nftmarket/native/market"
	"nftmarket/native/nft"
	"nftmarket/rpc"
	"nftmarket/services/indexer"
	"nftmarket/storage"
	"nftmarket/storage/eventlog"
)

// node owns every long-lived component of the daemon.
type node struct {
	db       storage.Database
	journal  *eventlog.Journal
	registry *nft.Registry
	rail     *bank.Rail
	engine   *market.Engine
	indexer  *indexer.Indexer
	server   *rpc.Server

	closers []func() error
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		return storage.NewMemDB(), nil
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	}
}

// buildNode wires storage, collaborators, the ledger, the optional indexer
// and the RPC server. On error everything opened so far is closed.
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	ledgerCfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	n.db, err = openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	n.closers = append(n.closers, func() error { n.db.Close(); return nil })
	mgr := state.NewManager(n.db)

	n.journal, err = eventlog.Open(filepath.Join(cfg.DataDir, "events.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	n.journal.SetLogger(logger)
	n.closers = append(n.closers, n.journal.Close)
	if err := n.journal.Verify(); err != nil {
		return nil, fmt.Errorf("event journal corrupt: %w", err)
	}

	sinks := events.MultiEmitter{n.journal}
	if cfg.Indexer.Enabled {
		db, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		n.indexer, err = indexer.New(db, logger)
		if err != nil {
			return nil, err
		}
		if _, err := n.indexer.Backfill(n.journal, cfg.Indexer.BackfillBatch); err != nil {
			return nil, fmt.Errorf("indexer backfill: %w", err)
		}
		followCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := n.indexer.Follow(followCtx, n.journal, cfg.Indexer.BackfillBatch); err != nil {
				logger.Error("indexer stopped", slog.String("error", err.Error()))
			}
		}()
		n.closers = append(n.closers, func() error {
			stop()
			<-done
			return nil
		})
	}

	n.registry = nft.NewRegistry(mgr)
	n.registry.SetEmitter(sinks)
	n.rail = bank.NewRail(mgr)
	n.rail.SetEmitter(sinks)

	if path := strings.TrimSpace(cfg.GenesisFile); path != "" {
		spec, err := genesis.LoadGenesisSpec(path)
		if err != nil {
			return nil, err
		}
		seeded, err := genesis.Apply(ctx, spec, n.registry, n.rail, mgr)
		if err != nil {
			return nil, err
		}
		logger.Info("genesis applied",
			slog.Bool("seeded", seeded),
			slog.Int("collections", len(spec.Collections)))
	}

	n.engine, err = market.NewEngine(ledgerCfg)
	if err != nil {
		return nil, err
	}
	n.engine.SetState(mgr)
	n.engine.SetCustodians(n.registry)
	n.engine.SetPaymentRail(n.rail)
	n.engine.SetPauses(cfg.Pauses())
	n.engine.SetLogger(logger)
	n.engine.SetEmitter(sinks)
	n.registry.SetReceiver(ledgerCfg.Vault, n.engine)
	if err := n.engine.Load(); err != nil {
		return nil, err
	}

	secret := cfg.AuthSecret()
	if secret == "" {
		logger.Warn("no RPC signing secret configured; mutating methods are disabled")
	}
	n.server, err = rpc.NewServer(rpc.ServerConfig{
		ServiceName: serviceName,
		Auth: middleware.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.ClockSkew(),
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		StreamLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.StreamPerMinute,
			Burst:             cfg.RateLimit.StreamBurst,
		},
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		TrustedProxies: cfg.RPCTrustedProxies,
		LogRequests:    strings.EqualFold(cfg.Logging.Level, "debug"),
	}, n.engine, n.rail, n.journal, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Close releases resources in reverse order of acquisition.
func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// run serves RPC until ctx is cancelled.
func (n *node) run(ctx context.Context, addr string, logger *slog.Logger) error {
	stats := n.engine.Stats()
	logger.Info("market ledger ready",
		slog.Uint64("created", stats.Created),
		slog.Uint64("available", stats.Available),
		slog.String("fee", n.engine.ListingFee().String()))
	return n.server.Serve(ctx, addr)
}
