package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/logger"
)

var serviceNames = []string{
	"Haircut",
	"Beard Trim",
	"Colouring",
	"Consultation",
	"Massage",
	"Manicure",
	"Physiotherapy",
	"Dental Check-up",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", "err", err)
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)
	log.Info("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.MigrateOnStart {
		if err := db.RunMigrations(cfg.PostgresDSN); err != nil {
			log.Error("migrate", "err", err)
			os.Exit(1)
		}
	}

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4})
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	gofakeit.Seed(0)

	employees := getInt("SEED_EMPLOYEES", 10)
	if err := seedEmployees(ctx, log, pool, employees); err != nil {
		log.Error("seed employees", "err", err)
		os.Exit(1)
	}
	if err := seedServices(ctx, log, pool); err != nil {
		log.Error("seed services", "err", err)
		os.Exit(1)
	}

	log.Info("seed complete")
}

func seedEmployees(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, count int) error {
	log.Info("seeding employees", "count", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for i := 0; i < count; i++ {
		tag, err := tx.Exec(ctx, `
			INSERT INTO employees (name, email)
			VALUES ($1, $2)
			ON CONFLICT (email) DO NOTHING
		`, gofakeit.Name(), gofakeit.Email())
		if err != nil {
			return fmt.Errorf("insert employee: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info("employees seeded", "inserted", inserted)
	return nil
}

func seedServices(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("seeding services", "count", len(serviceNames))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, name := range serviceNames {
		minutes := 30 * gofakeit.Number(1, 4)
		price := gofakeit.Number(15, 120) * 100
		if _, err := tx.Exec(ctx, `
			INSERT INTO services (name, duration_minutes, price_cents)
			VALUES ($1, $2, $3)
		`, name, minutes, price); err != nil {
			return fmt.Errorf("insert service %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info("services seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
