package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/minevest/share-engine/internal/api"
	"github.com/minevest/share-engine/internal/config"
	"github.com/minevest/share-engine/internal/fees"
	"github.com/minevest/share-engine/internal/intake"
	"github.com/minevest/share-engine/internal/lock"
	"github.com/minevest/share-engine/internal/metrics"
	"github.com/minevest/share-engine/internal/pricing"
	"github.com/minevest/share-engine/internal/settlement"
	"github.com/minevest/share-engine/internal/shareledger"
	"github.com/minevest/share-engine/internal/store"
	"github.com/minevest/share-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Engine ---
	locks := lock.NewManager(cfg.LockTimeout)
	alloc, err := fees.NewAllocator(cfg.Fees, nil)
	if err != nil {
		slog.Error("invalid fee rules", "err", err)
		os.Exit(1)
	}
	rates, err := pricing.NewRates(cfg.Rates)
	if err != nil {
		slog.Error("invalid currency rates", "err", err)
		os.Exit(1)
	}
	prices := pricing.NewController(st, locks, cfg.Pricing, nil)

	journal, err := settlement.OpenWALJournal(cfg.JournalDir)
	if err != nil {
		slog.Error("journal open failed", "dir", cfg.JournalDir, "err", err)
		os.Exit(1)
	}
	defer journal.Close()

	hub := api.NewHub()
	go hub.Run(ctx)

	engine := settlement.New(settlement.Deps{
		Store:     st,
		Locks:     locks,
		Shares:    shareledger.New(nil),
		Wallets:   wallet.NewLedger(st, locks, nil),
		Fees:      alloc,
		Validator: intake.NewValidator(cfg.Intake, prices, alloc, rates, nil),
		Queue:     intake.NewQueue(nil),
		Prices:    prices,
		Rates:     rates,
		Journal:   journal,
		Publisher: hub,
		Config: settlement.Config{
			BatchSize: cfg.BatchSize,
			VolumeCap: cfg.VolumeCap,
		},
	})

	for cur := range cfg.Rates {
		if err := alloc.Seed(ctx, st, cur); err != nil {
			slog.Error("fund seeding failed", "currency", cur, "err", err)
			os.Exit(1)
		}
	}
	if err := engine.Recover(ctx); err != nil {
		slog.Error("journal recovery failed", "err", err)
		os.Exit(1)
	}

	// --- Background jobs ---
	go every(ctx, cfg.BatchInterval, "sell batches", func(ctx context.Context) { runBatches(ctx, engine) })
	go every(ctx, cfg.ReconcileInterval, "reconciliation", func(ctx context.Context) {
		if _, err := engine.ReconcileBalances(ctx); err != nil {
			slog.Error("wallet reconciliation failed", "err", err)
		}
		if _, err := engine.ReconcileShares(ctx); err != nil {
			slog.Error("share reconciliation failed", "err", err)
		}
	})
	go every(ctx, cfg.ExpiryInterval, "booking expiry", func(ctx context.Context) {
		if _, err := engine.ExpireBookings(ctx); err != nil {
			slog.Error("booking expiry failed", "err", err)
		}
	})

	// --- HTTP router ---
	svc := api.NewService(engine)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"share-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed facts.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("share-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down share-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("share-engine stopped")
}

// every runs fn on each tick until ctx is done. A zero interval disables
// the job.
func every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		slog.Info("background job disabled", "job", name)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runBatches settles the sell queue of every share that has one.
func runBatches(ctx context.Context, engine *settlement.Engine) {
	shares, err := engine.ListShares(ctx)
	if err != nil {
		slog.Error("list shares failed", "err", err)
		return
	}
	for _, sh := range shares {
		if sh.Frozen {
			continue
		}
		queued, err := engine.QueuedOrders(ctx, sh.ID, 1)
		if err != nil || len(queued) == 0 {
			continue
		}
		if _, err := engine.RunSellSettlementBatch(ctx, settlement.BatchRequest{ShareID: sh.ID}); err != nil {
			slog.Error("sell batch failed", "share", sh.ID, "err", err)
		}
	}
}
