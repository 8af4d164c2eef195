package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/account"
	"github.com/marketcore/trade-engine/internal/api"
	"github.com/marketcore/trade-engine/internal/config"
	"github.com/marketcore/trade-engine/internal/cpmm"
	"github.com/marketcore/trade-engine/internal/executor"
	"github.com/marketcore/trade-engine/internal/feed"
	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/perps"
	"github.com/marketcore/trade-engine/internal/store"
	"github.com/marketcore/trade-engine/internal/stream"
)

func main() {
	configPath := flag.String("config", os.Getenv("ENGINE_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			slog.Error("invalid postgres DSN", "err", err)
			os.Exit(1)
		}
		if cfg.Postgres.PoolMaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("postgres.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger hydration ---
	l := ledger.New()
	snap, err := st.LoadOpenPositions(ctx)
	if err != nil {
		slog.Error("ledger hydration failed", "err", err)
		os.Exit(1)
	}
	l.Hydrate(snap)
	slog.Info("ledger hydrated",
		"pools", len(snap.Pools),
		"prediction_positions", len(snap.Predictions),
		"perp_positions", len(snap.Perps),
	)

	// --- Instrument registry ---
	market := perps.NewMarket()
	instruments, err := st.LoadInstruments(ctx)
	if err != nil {
		slog.Error("instrument load failed", "err", err)
		os.Exit(1)
	}
	for i := range instruments {
		if err := market.List(&instruments[i]); err != nil {
			slog.Error("instrument relist failed", "ticker", instruments[i].Ticker, "err", err)
			os.Exit(1)
		}
	}

	// --- Pricing and execution ---
	amm, err := cpmm.NewAMM(decimal.NewFromFloat(cfg.Engine.FeeRate))
	if err != nil {
		slog.Error("invalid fee rate", "err", err)
		os.Exit(1)
	}

	hub := stream.NewHub()
	go hub.Run()

	accounts := account.NewMemory()
	exec := executor.New(l, st, accounts, amm, market, hub)

	// --- Price feed (push mode: marks arrive via the feed endpoints) ---
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	runner := feed.NewRunner(exec, nil, cfg.Feed.MarkInterval.Duration, cfg.Feed.FundingInterval.Duration)
	go func() {
		if err := runner.Run(feedCtx); err != nil && feedCtx.Err() == nil {
			slog.Error("feed runner stopped", "err", err)
		}
	}()

	// --- HTTP server ---
	router := api.NewRouter(api.NewService(exec, accounts, st), hub, cfg.Server.CORSOrigins)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopFeed()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

func logLevel(name string) slog.Level {
	switch name {
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
