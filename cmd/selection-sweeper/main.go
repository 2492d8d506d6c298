package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/logger"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

// selection-sweeper deletes expired rows from the Postgres selection tier. API servers sweep
// on their own while they run on that tier; this worker keeps the table clean when they have
// switched back to Redis or are scaled to zero.
func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", "err", err)
		os.Exit(1)
	}

	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)
	log.Info("selection-sweeper starting up", "env", cfg.Env, "interval", cfg.SweepInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2, MinConns: 1})
	cancelPg()
	if err != nil {
		log.Error("postgres connection error", "err", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	store := selection.NewPgStore(pgPool, cfg.FallbackSelectionTTL)

	if *once {
		if _, err := selection.RunSweep(rootCtx, store, 20*time.Second, log); err != nil {
			os.Exit(1)
		}
		return
	}

	sweeper, err := selection.StartSweeper(store, cfg.SweepInterval, 20*time.Second, log)
	if err != nil {
		log.Error("start sweeper", "err", err)
		os.Exit(1)
	}

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping selection sweeper")
	if err := sweeper.Stop(); err != nil {
		log.Warn("sweeper shutdown", "err", err)
	}
}
