// Command server runs the commodity escrow engine.
//
// Usage:
//
//	server --config configs/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/escrow-engine/internal/auth"
	"github.com/atmx/escrow-engine/internal/config"
	"github.com/atmx/escrow-engine/internal/custody"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/logging"
	"github.com/atmx/escrow-engine/internal/market"
	"github.com/atmx/escrow-engine/internal/metrics"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("escrow-engine failed", "err", err)
		os.Exit(1)
	}
	slog.Info("escrow-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Custody ---
	transferer, err := newCustody(cfg)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Trade engine ---
	ledger := escrow.NewLedger(st, transferer, cfg.Custody.Custodian)
	engine := trade.NewEngine(st, ledger, wsHub)

	_, err = engine.Initialize(ctx, cfg.Market.Administrator, cfg.Market.MinTradeQuantity)
	switch {
	case errors.Is(err, model.ErrAlreadyInitialized):
		slog.Info("market state restored from store")
	case err != nil:
		return fmt.Errorf("initialize market: %w", err)
	}

	openPositions, err := engine.SyncOpenPositions(ctx)
	if err != nil {
		return err
	}
	slog.Info("open positions restored from store", "count", openPositions)

	if cfg.Market.CatalogFile != "" {
		if err := seedCatalog(ctx, engine, cfg.Market.Administrator, cfg.Market.CatalogFile); err != nil {
			return err
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	tokens := cfg.Auth.TokenMap()
	if len(tokens) == 0 {
		slog.Warn("no auth tokens configured; trusting X-Principal header")
	}
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed is long-lived, so it sits outside the timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.New(tokens).Handler)
			trade.NewHandlers(engine).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("escrow-engine listening", "addr", srv.Addr, "store", cfg.Store.Driver, "custody", cfg.Custody.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down escrow-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore builds the primary store, wrapped in the Redis cache when
// configured. cleanup funcs run in reverse order.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.Store.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}
	return st, cleanup, nil
}

func newCustody(cfg *config.Config) (custody.Transferer, error) {
	if cfg.Custody.Mode == config.CustodyHTTP {
		slog.Info("using HTTP custody", "base_url", cfg.Custody.BaseURL)
		return custody.NewHTTPClient(cfg.Custody.BaseURL, cfg.Custody.Timeout), nil
	}
	opening, err := cfg.OpeningBalance()
	if err != nil {
		return nil, err
	}
	slog.Warn("using simulated custody", "opening_balance", opening.String())
	return custody.NewSimulatedBank(opening), nil
}

// seedCatalog registers catalog commodities that are not already present,
// leaving existing prices untouched.
func seedCatalog(ctx context.Context, engine *trade.Engine, admin, path string) error {
	cat, err := market.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	seeded := 0
	for _, c := range cat.Commodities {
		added, err := engine.SeedCommodity(ctx, admin, c.ID, c.Quantity, c.Price)
		if err != nil {
			return fmt.Errorf("seed commodity %d: %w", c.ID, err)
		}
		if added {
			seeded++
		}
	}
	slog.Info("catalog loaded", "path", path, "listed", len(cat.Commodities), "seeded", seeded)
	return nil
}
