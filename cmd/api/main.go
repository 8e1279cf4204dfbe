package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/slotmarket/slot-engine/internal/allocator"
	"github.com/slotmarket/slot-engine/internal/api"
	"github.com/slotmarket/slot-engine/internal/config"
	"github.com/slotmarket/slot-engine/internal/pool"
	"github.com/slotmarket/slot-engine/internal/ratelimit"
	"github.com/slotmarket/slot-engine/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(db)
	accounts := pool.New(st, pool.WithMaxCapacity(cfg.MaxCapacity))
	alloc := allocator.New(st, accounts, allocator.Options{
		HoldTTL:    cfg.HoldTTL,
		PaidPeriod: cfg.PaidPeriod,
		CoolDown:   cfg.CoolDown,
	})

	limiter, closeLimiter := buildLimiter(ctx, cfg)
	defer closeLimiter()

	handler := api.NewRouter(cfg, alloc, accounts, limiter)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("slot-engine api listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

// buildLimiter picks the shared Redis bucket when SLOTS_REDIS_ADDR is set and
// a per-process bucket otherwise.
func buildLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, func()) {
	rlCfg := ratelimit.Config{Burst: cfg.CheckoutBurst, Refill: cfg.CheckoutRefill}
	if cfg.RedisAddr == "" {
		mem := ratelimit.NewMemoryLimiter(rlCfg)
		mem.StartJanitor(ctx, 2*time.Minute)
		log.Printf("event=ratelimit_configured backend=memory burst=%d refill=%s", cfg.CheckoutBurst, cfg.CheckoutRefill)
		return mem, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Printf("event=ratelimit_configured backend=redis addr=%s burst=%d refill=%s", cfg.RedisAddr, cfg.CheckoutBurst, cfg.CheckoutRefill)
	return ratelimit.NewRedisLimiter(rdb, rlCfg), func() { _ = rdb.Close() }
}
