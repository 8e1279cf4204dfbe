package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/slotmarket/slot-engine/internal/config"
	"github.com/slotmarket/slot-engine/internal/jobs"
	"github.com/slotmarket/slot-engine/internal/notify"
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

	notifier, closeNotifier := buildNotifier(cfg)
	defer closeNotifier()

	st := store.New(db)
	jobs.NewRunner(st, notifier, jobs.Options{
		SweepInterval:   cfg.SweepInterval,
		BatchSize:       cfg.SweepBatch,
		CoolDown:        cfg.CoolDown,
		TicketRetention: cfg.TicketRetention,
	}).Start(ctx)

	log.Printf("slot-engine jobs worker started sweep_interval=%s notify=%s", cfg.SweepInterval, cfg.NotifyProvider)
	<-ctx.Done()
	log.Printf("slot-engine jobs worker stopping")
}

func buildNotifier(cfg config.Config) (notify.Notifier, func()) {
	switch cfg.NotifyProvider {
	case "amqp":
		n := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPQueue)
		return notify.Counted(n, "amqp"), func() { _ = n.Close() }
	default:
		return notify.Counted(notify.LogNotifier{}, "log"), func() {}
	}
}
