package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/slot-reservation-engine/internal/availability"
	"github.com/hackgods/slot-reservation-engine/internal/metrics"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

type ReservationService interface {
	Create(ctx context.Context, req reservation.CreateRequest) (*reservation.CreateResult, error)
	Get(ctx context.Context, ref string) (*reservation.Reservation, error)
	ListByEmail(ctx context.Context, email string, limit int) ([]reservation.Reservation, error)
	Cancel(ctx context.Context, ref string) (*reservation.Reservation, error)
	Reschedule(ctx context.Context, ref string, req reservation.RescheduleRequest) (*reservation.Reservation, error)
	Confirm(ctx context.Context, ref string) (*reservation.Reservation, error)
}

type AvailabilityService interface {
	Check(ctx context.Context, date string, employeeID int64, viewer string) (*availability.Snapshot, error)
	CheckForReschedule(ctx context.Context, date string, employeeID int64, excludeRef, viewer string) (*availability.Snapshot, error)
}

type SelectionService interface {
	Select(ctx context.Context, req selection.SelectRequest) (*selection.SelectResult, error)
	Deselect(ctx context.Context, req selection.DeselectRequest) error
	Poll(ctx context.Context, req selection.PollRequest) (*selection.PollResult, error)
	Tier() string
}

// Realtime is the push endpoint plus the state polling clients and operators read.
type Realtime interface {
	http.Handler
	Feed() *realtime.Feed
	Clients() []realtime.ClientInfo
}

type RouterConfig struct {
	Reservations ReservationService
	Availability AvailabilityService
	Selections   SelectionService
	Realtime     Realtime // optional

	Postgres Pinger
	Redis    Pinger // optional

	Limiter        *RateLimiter // optional, guards the selection endpoints
	IdentitySecret string
	Metrics        metrics.Recorder
	Gatherer       prometheus.Gatherer // optional, serves /metrics
	Logger         *slog.Logger
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(IdentityMiddleware(cfg.IdentitySecret))
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))
	r.Use(RecoveryMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Selections.Tier, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", createReservationHandler(cfg.Reservations))
		r.Get("/", listReservationsHandler(cfg.Reservations))
		r.Get("/{ref}", getReservationHandler(cfg.Reservations))
		r.Delete("/{ref}", cancelReservationHandler(cfg.Reservations))
		r.Post("/{ref}/cancel", cancelReservationHandler(cfg.Reservations))
		r.Post("/{ref}/reschedule", rescheduleReservationHandler(cfg.Reservations))
		r.Post("/{ref}/confirm", confirmReservationHandler(cfg.Reservations))
	})

	r.Get("/availability", availabilityHandler(cfg.Availability))
	r.Get("/availability/reschedule", rescheduleAvailabilityHandler(cfg.Availability))

	var feed *realtime.Feed
	if cfg.Realtime != nil {
		feed = cfg.Realtime.Feed()
	}
	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}
		r.Post("/slots/select", selectSlotHandler(cfg.Selections))
		r.Post("/slots/deselect", deselectSlotHandler(cfg.Selections))
		r.Get("/slots/poll", pollSlotsHandler(cfg.Selections, feed))
	})

	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
		if cfg.Env != "prod" {
			r.Get("/debug/realtime", realtimeClientsHandler(cfg.Realtime))
		}
	}

	return r
}
