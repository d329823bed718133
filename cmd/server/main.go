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
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/world-exchange/internal/broadcast"
	"github.com/atmx/world-exchange/internal/config"
	"github.com/atmx/world-exchange/internal/lock"
	"github.com/atmx/world-exchange/internal/logging"
	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/pricing"
	"github.com/atmx/world-exchange/internal/recompute"
	"github.com/atmx/world-exchange/internal/settlement"
	"github.com/atmx/world-exchange/internal/store"
	"github.com/atmx/world-exchange/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	envPath := flag.String("env", "", "path to .env file (default ./.env)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	slog.SetDefault(logger)
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		slog.Error("world-exchange exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("world-exchange stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Locks and snapshot cache ---
	var (
		locker lock.Locker
		cache  store.SnapshotCache
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		locker = lock.NewRedisLocker(rdb)
		cache = store.NewRedisSnapshotCache(rdb, cfg.Redis.CacheTTL)
		slog.Info("Redis locks and snapshot cache enabled", "policy", cfg.Lock.FailurePolicy)
	} else {
		slog.Warn("REDIS_URL not set, using in-process locks (single instance only)")
		locker = lock.NewMemoryLocker()
	}
	coord := lock.NewCoordinator(locker, cfg.LockOptions())

	g, gctx := errgroup.WithContext(ctx)

	// --- Broadcast sinks ---
	hub := broadcast.NewHub()
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	sinks := broadcast.Fanout{hub}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("world-exchange"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, func() { nc.Drain() })

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := broadcast.EnsureStream(ctx, js, cfg.NATS.SubjectPrefix); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		pub := broadcast.NewNATSPublisher(js, cfg.NATS.SubjectPrefix, cfg.NATS.Buffer)
		g.Go(func() error {
			if err := pub.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		sinks = append(sinks, pub)
		slog.Info("NATS trade stream enabled", "prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Settlement ---
	settleSvc := settlement.NewService(st, coord, cache, sinks, settlement.Options{
		FeeRate:  decimal.NewFromFloat(cfg.Settlement.FeeRate),
		OfferTTL: cfg.Settlement.OfferTTL,
	})

	// --- Recomputation cycle ---
	seed := cfg.Recompute.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	cycle := recompute.NewCycle(st, cache, &pricing.Model{
		Alpha:  cfg.Pricing.Alpha,
		Tariff: cfg.Pricing.Tariff,
		Noise:  pricing.RandNoise(seed),
	}, recompute.Options{
		BaseWorldID:  cfg.Recompute.BaseWorldID,
		Parallelism:  cfg.Recompute.Parallelism,
		VolumeWindow: cfg.Recompute.VolumeWindow,
		Beta:         cfg.Recompute.Beta,
		CPIWeights:   cfg.Recompute.CPIWeights,
		RateNoise:    pricing.RandNoise(seed + 1),
	})
	g.Go(func() error {
		cycle.Run(gctx, cfg.Recompute.Interval)
		return nil
	})

	// --- HTTP router ---
	tradeSvc := trade.NewService(settleSvc, st, cache)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"world-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of settled trades.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("world-exchange listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down world-exchange...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
