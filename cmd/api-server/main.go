package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-reservation-engine/internal/api"
	"github.com/hackgods/slot-reservation-engine/internal/availability"
	"github.com/hackgods/slot-reservation-engine/internal/calendar"
	"github.com/hackgods/slot-reservation-engine/internal/config"
	"github.com/hackgods/slot-reservation-engine/internal/db"
	"github.com/hackgods/slot-reservation-engine/internal/logger"
	"github.com/hackgods/slot-reservation-engine/internal/metrics"
	"github.com/hackgods/slot-reservation-engine/internal/notify"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	redisclient "github.com/hackgods/slot-reservation-engine/internal/redis"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/schema"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", "err", err)
		os.Exit(1)
	}

	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)
	log.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "version", version)

	if err := run(cfg, log); err != nil {
		log.Error("api-server stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := calendar.FromConfig(cfg)
	if err != nil {
		return err
	}
	cal := calendar.NewStatic(settings)

	if cfg.MigrateOnStart {
		if err := db.RunMigrations(cfg.PostgresDSN); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)
	validator := schema.New()

	// The primary selection tier needs Redis. Without it selections fall back to Postgres
	// and realtime events stay on this instance.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Warn("redis unavailable, using fallback selection tier", "err", err)
			rdb = nil
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Warn("error closing redis", "err", err)
				}
			}()
			log.Info("connected to Redis")
		}
	}

	var store selection.Store
	if rdb != nil {
		store = redisclient.NewSelectionStore(rdb, "slots", cfg.PrimarySelectionTTL)
	} else {
		pgStore := selection.NewPgStore(pgPool, cfg.FallbackSelectionTTL)
		sweeper, err := selection.StartSweeper(pgStore, cfg.SweepInterval, 20*time.Second, log)
		if err != nil {
			return err
		}
		defer func() { _ = sweeper.Stop() }()
		store = pgStore
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.NotifyQueue, log)
		if err != nil {
			log.Warn("notification broker unavailable, notifications disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			notifier = pub
		}
	}

	ledger := reservation.NewPgLedger(pgPool)

	hub := realtime.NewHub(realtime.HubConfig{
		Feed: realtime.NewFeed(cfg.RealtimeFeedSize, cfg.RealtimeFeedTTL),
		Identify: func(r *http.Request) string {
			return api.ClientIDFromContext(r.Context())
		},
		CheckOrigin: checkOrigin(cfg.Env),
		Metrics:     rec,
		Logger:      log,
	})
	defer hub.Close()

	var events realtime.Publisher = hub
	if rdb != nil {
		bridge := redisclient.NewBridge(rdb, cfg.RealtimeChannel, hub, log)
		hub.SetFanout(bridge)
		events = bridge
		go func() {
			if err := bridge.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("realtime bridge stopped", "err", err)
			}
		}()
	}

	manager := reservation.NewManager(reservation.Deps{
		Ledger:    ledger,
		Calendar:  cal,
		Releaser:  store,
		Events:    events,
		Notifier:  notifier,
		Validator: validator,
		Metrics:   rec,
		Logger:    log,
	}, reservation.Options{
		StrongIDPrefix: cfg.StrongIDPrefix,
		AutoConfirm:    cfg.AutoConfirm,
		RateLimit:      cfg.BookingRateLimit,
		RateWindow:     cfg.BookingRateWindow,
		PastGrace:      cfg.PastGrace,
	})

	aggregator := availability.NewAggregator(availability.Deps{
		Bookings: ledger,
		Resolver: manager,
		Presence: store,
		Calendar: cal,
		Logger:   log,
	})
	hub.SetAvailability(aggregator)

	selections := selection.NewService(selection.ServiceDeps{
		Store:     store,
		Booked:    aggregator,
		Events:    events,
		Validator: validator,
		Metrics:   rec,
		Logger:    log,
	})

	limiter := api.NewRateLimiter(cfg.SelectRatePerSecond, cfg.SelectRateBurst)
	defer limiter.Stop()

	routerCfg := api.RouterConfig{
		Reservations:   manager,
		Availability:   aggregator,
		Selections:     selections,
		Realtime:       hub,
		Postgres:       pgPool,
		Limiter:        limiter,
		IdentitySecret: cfg.IdentitySecret,
		Metrics:        rec,
		Gatherer:       reg,
		Logger:         log,
		Env:            cfg.Env,
		Version:        version,
	}
	if rdb != nil {
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr, "selection_tier", store.Tier())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutting down api-server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// checkOrigin accepts any origin outside production so local frontends can connect.
func checkOrigin(env string) func(*http.Request) bool {
	if env == "prod" {
		return nil
	}
	return func(*http.Request) bool { return true }
}
