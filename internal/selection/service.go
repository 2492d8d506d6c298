package selection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
	"github.com/hackgods/slot-reservation-engine/internal/metrics"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/schema"
)

// BookedTimes lists the authoritative busy start times (HH:MM) for a day and employee.
type BookedTimes interface {
	BookedTimes(ctx context.Context, date string, employeeID int64) ([]string, error)
}

type SelectRequest struct {
	Date       string `json:"date" validate:"required,slotdate"`
	Time       string `json:"time" validate:"required,slottime"`
	EmployeeID int64  `json:"employee_id" validate:"required,gt=0"`
	ClientID   string `json:"client_id" validate:"required,max=128"`
}

type DeselectRequest struct {
	Date       string `json:"date" validate:"required,slotdate"`
	Time       string `json:"time" validate:"required,slottime"`
	EmployeeID int64  `json:"employee_id" validate:"required,gt=0"`
	ClientID   string `json:"client_id" validate:"omitempty,max=128"`
}

type PollRequest struct {
	Date         string `json:"date" validate:"required,slotdate"`
	EmployeeID   int64  `json:"employee_id" validate:"required,gt=0"`
	ClientID     string `json:"client_id" validate:"omitempty,max=128"`
	SelectedTime string `json:"selected_time" validate:"omitempty,slottime"`
}

type SelectResult struct {
	ClientID   string    `json:"client_id"`
	Storage    string    `json:"storage"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

type PollResult struct {
	ActiveSelections []string `json:"active_selections"`
	BookedSlots      []string `json:"booked_slots"`
	Timestamp        int64    `json:"timestamp"`
}

// Service is the client-facing side of the selection store: select, deselect and poll.
type Service struct {
	store    Store
	booked   BookedTimes
	events   realtime.Publisher
	validate *schema.Validator
	metrics  metrics.Recorder
	log      *slog.Logger
	now      func() time.Time
}

type ServiceDeps struct {
	Store     Store
	Booked    BookedTimes
	Events    realtime.Publisher // optional
	Validator *schema.Validator
	Metrics   metrics.Recorder // optional
	Logger    *slog.Logger
}

func NewService(d ServiceDeps) *Service {
	s := &Service{
		store:    d.Store,
		booked:   d.Booked,
		events:   d.Events,
		validate: d.Validator,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      time.Now,
	}
	if s.validate == nil {
		s.validate = schema.New()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Service) Tier() string { return s.store.Tier() }

func (s *Service) Select(ctx context.Context, req SelectRequest) (*SelectResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}
	key := Key{Date: req.Date, EmployeeID: req.EmployeeID, Time: req.Time}

	sel, err := s.store.TrySelect(ctx, key, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			s.metrics.RecordSelection(s.store.Tier(), "select", string(apperr.KindAlreadyLocked))
			return nil, err
		}
		s.metrics.RecordSelection(s.store.Tier(), "select", string(apperr.KindStorage))
		return nil, apperr.Storage(err, "could not record slot selection")
	}
	s.metrics.RecordSelection(s.store.Tier(), "select", "ok")

	s.publish(ctx, realtime.TypeSlotLocked, key, req.ClientID)

	return &SelectResult{
		ClientID:   req.ClientID,
		Storage:    s.store.Tier(),
		ExpiresAt:  sel.ExpiresAt,
		TTLSeconds: int(s.store.TTL() / time.Second),
	}, nil
}

func (s *Service) Deselect(ctx context.Context, req DeselectRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	key := Key{Date: req.Date, EmployeeID: req.EmployeeID, Time: req.Time}

	if err := s.store.Release(ctx, key); err != nil {
		s.metrics.RecordSelection(s.store.Tier(), "deselect", string(apperr.KindStorage))
		return apperr.Storage(err, "could not clear slot selection")
	}
	s.metrics.RecordSelection(s.store.Tier(), "deselect", "ok")

	s.publish(ctx, realtime.TypeSlotUnlocked, key, req.ClientID)
	return nil
}

// Poll reports what other clients hold plus the booked times, and refreshes the
// caller's own selection so an engaged client never loses its hold to the TTL.
func (s *Service) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, err
	}

	active, err := s.store.ListActive(ctx, req.Date, req.EmployeeID)
	if err != nil {
		s.metrics.RecordSelection(s.store.Tier(), "poll", string(apperr.KindStorage))
		return nil, apperr.Storage(err, "could not load active selections")
	}
	booked, err := s.booked.BookedTimes(ctx, req.Date, req.EmployeeID)
	if err != nil {
		s.metrics.RecordSelection(s.store.Tier(), "poll", string(apperr.KindStorage))
		return nil, apperr.Storage(err, "could not load booked slots")
	}

	others := make([]string, 0, len(active))
	for slot, sel := range active {
		if req.ClientID != "" && sel.ClientID == req.ClientID {
			continue
		}
		others = append(others, slot)
	}
	sort.Strings(others)
	if booked == nil {
		booked = []string{}
	}
	sort.Strings(booked)

	if req.ClientID != "" && req.SelectedTime != "" {
		s.refresh(ctx, Key{Date: req.Date, EmployeeID: req.EmployeeID, Time: req.SelectedTime}, req.ClientID)
	}
	s.metrics.RecordSelection(s.store.Tier(), "poll", "ok")

	return &PollResult{
		ActiveSelections: others,
		BookedSlots:      booked,
		Timestamp:        s.now().Unix(),
	}, nil
}

func (s *Service) refresh(ctx context.Context, key Key, clientID string) {
	_, err := s.store.TrySelect(ctx, key, clientID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyLocked):
		s.log.Debug("selection refresh skipped, held by another client", "slot", key.String())
	default:
		s.log.Warn("selection refresh failed", "slot", key.String(), "tier", s.store.Tier(), "err", err)
	}
}

func (s *Service) publish(ctx context.Context, typ string, key Key, origin string) {
	if s.events == nil {
		return
	}
	env := realtime.NewEnvelope(typ, map[string]any{
		"date":        key.Date,
		"time":        key.Time,
		"employee_id": key.EmployeeID,
		"timestamp":   s.now().Unix(),
	})
	env.Origin = origin
	if err := s.events.Publish(ctx, env); err != nil {
		s.log.Warn("presence broadcast failed", "type", typ, "slot", key.String(), "err", err)
	}
}
