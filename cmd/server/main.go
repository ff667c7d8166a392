package main

import (
	"context"
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
	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-engine/internal/api"
	"github.com/atmx/energy-engine/internal/bank"
	"github.com/atmx/energy-engine/internal/config"
	"github.com/atmx/energy-engine/internal/engine"
	"github.com/atmx/energy-engine/internal/fees"
	"github.com/atmx/energy-engine/internal/metrics"
	"github.com/atmx/energy-engine/internal/scheduler"
	"github.com/atmx/energy-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize journal store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.Database.URL != "":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.Database.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.Database.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite journal", "path", cfg.Database.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory journal (state will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache and publish fee flushes to a stream if configured.
	var collector fees.Collector = fees.NewMemoryCollector()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		collector = fees.NewRedisCollector(rdb, cfg.Redis.FeeStream)
		slog.Info("Redis cache and fee stream enabled", "stream", cfg.Redis.FeeStream)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine ---
	eng, err := engine.New(cfg.EngineConfig(), st, bank.NewMemoryBank(), collector, cfg.WallClock())
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	n, err := eng.Replay(ctx)
	if err != nil {
		slog.Error("journal replay failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine ready",
		"token", cfg.Engine.LockableToken,
		"replayed", n,
		"epoch", eng.CurrentEpoch(),
		"total_locked", eng.TotalLocked().String(),
	)

	// --- WebSocket hub ---
	wsHub := api.NewHub()
	go wsHub.Run(ctx)
	eng.OnCommit(wsHub.Publish)

	// --- Weekly fee sweep ---
	sched := scheduler.NewScheduler(ctx, eng)
	if err := sched.RegisterAll(cfg.Schedule.SweepCron); err != nil {
		slog.Error("register cron tasks failed", "err", err)
		os.Exit(1)
	}
	sched.Start()

	handlers := api.NewHandlers(eng)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"energy-engine","epoch":%d,"paused":%t}`, eng.CurrentEpoch(), eng.Paused())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed operations; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handlers.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("energy-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down energy-engine...")
	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	fmt.Println("energy-engine stopped")
}
