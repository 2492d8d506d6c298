// Package availability merges committed reservations with live selections into the per-day view
// clients render. It never writes.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
	"github.com/hackgods/slot-reservation-engine/internal/calendar"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

const (
	ReasonPastDate      = "past_date"
	ReasonNonWorkingDay = "non_working_day"

	viewingMarker    = "Viewing by other user"
	processingStatus = "processing"
)

// Bookings is the read side of the ledger the aggregator needs.
type Bookings interface {
	ListActiveBetween(ctx context.Context, employeeID int64, from, to time.Time, excludeID int64) ([]reservation.Reservation, error)
}

// Resolver turns a reservation id or strong id into the stored reservation.
type Resolver interface {
	Get(ctx context.Context, ref string) (*reservation.Reservation, error)
}

// Presence lists live selections. selection.Store satisfies it.
type Presence interface {
	ListActive(ctx context.Context, date string, employeeID int64) (map[string]selection.Selection, error)
}

// SlotDetail describes why one time is unavailable. Soft entries never name their holder.
type SlotDetail struct {
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Status        string `json:"status"`
	BookingID     string `json:"booking_id,omitempty"`
	IsLocked      bool   `json:"is_locked,omitempty"`
}

// Snapshot is the availability of one employee on one date. It is computed per request.
type Snapshot struct {
	Date       string
	EmployeeID int64
	// Reason is set when the whole day is unavailable.
	Reason      string
	Unavailable []string
	Details     map[string]SlotDetail
}

func (s Snapshot) AllDay() bool { return s.Reason != "" }

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.AllDay() {
		return json.Marshal(struct {
			Unavailable string `json:"unavailable"`
			Reason      string `json:"reason"`
		}{"all", s.Reason})
	}

	unavailable := s.Unavailable
	if unavailable == nil {
		unavailable = []string{}
	}
	details := s.Details
	if details == nil {
		details = map[string]SlotDetail{}
	}
	return json.Marshal(struct {
		Unavailable    []string              `json:"unavailable"`
		BookingDetails map[string]SlotDetail `json:"booking_details"`
	}{unavailable, details})
}

type Deps struct {
	Bookings Bookings
	Resolver Resolver
	Presence Presence
	Calendar calendar.Provider
	Logger   *slog.Logger
}

type Aggregator struct {
	bookings Bookings
	resolver Resolver
	presence Presence
	calendar calendar.Provider
	log      *slog.Logger
	now      func() time.Time
}

func NewAggregator(d Deps) *Aggregator {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		bookings: d.Bookings,
		resolver: d.Resolver,
		presence: d.Presence,
		calendar: d.Calendar,
		log:      log,
		now:      time.Now,
	}
}

// Check returns the day's availability. Selections held by viewer are left out so a client
// never sees its own hold as someone else's.
func (a *Aggregator) Check(ctx context.Context, date string, employeeID int64, viewer string) (*Snapshot, error) {
	return a.snapshot(ctx, date, employeeID, 0, viewer)
}

// CheckForReschedule is Check with the reservation being moved left out of the booked set.
func (a *Aggregator) CheckForReschedule(ctx context.Context, date string, employeeID int64, excludeRef, viewer string) (*Snapshot, error) {
	current, err := a.resolver.Get(ctx, excludeRef)
	if err != nil {
		return nil, err
	}
	return a.snapshot(ctx, date, employeeID, current.ID, viewer)
}

// BookedTimes lists the committed start times of the day, sorted.
func (a *Aggregator) BookedTimes(ctx context.Context, date string, employeeID int64) ([]string, error) {
	cal := a.calendar.BusinessCalendar()
	day, err := cal.ParseDate(date)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "date must be YYYY-MM-DD")
	}
	booked, err := a.booked(ctx, cal, day, employeeID, 0)
	if err != nil {
		return nil, err
	}
	times := make([]string, 0, len(booked))
	for t := range booked {
		times = append(times, t)
	}
	sort.Strings(times)
	return times, nil
}

func (a *Aggregator) snapshot(ctx context.Context, date string, employeeID int64, excludeID int64, viewer string) (*Snapshot, error) {
	if employeeID <= 0 {
		return nil, apperr.New(apperr.KindValidation, "employee_id must be positive")
	}
	cal := a.calendar.BusinessCalendar()
	day, err := cal.ParseDate(date)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "date must be YYYY-MM-DD")
	}

	snap := &Snapshot{Date: date, EmployeeID: employeeID}
	if day.Before(cal.Midnight(a.now())) {
		snap.Reason = ReasonPastDate
		return snap, nil
	}
	if !cal.IsWorkingDay(day) {
		snap.Reason = ReasonNonWorkingDay
		return snap, nil
	}

	booked, err := a.booked(ctx, cal, day, employeeID, excludeID)
	if err != nil {
		return nil, err
	}
	held, err := a.presence.ListActive(ctx, date, employeeID)
	if err != nil {
		a.log.Error("availability: list selections failed", "date", date, "employee_id", employeeID, "err", err)
		return nil, apperr.Storage(err, "could not load slot selections")
	}

	snap.Details = make(map[string]SlotDetail, len(booked)+len(held))
	for t, sel := range held {
		if viewer != "" && sel.ClientID == viewer {
			continue
		}
		snap.Details[t] = SlotDetail{CustomerName: viewingMarker, Status: processingStatus, IsLocked: true}
	}
	// committed detail wins over presence
	for t, d := range booked {
		snap.Details[t] = d
	}

	snap.Unavailable = make([]string, 0, len(snap.Details))
	for t := range snap.Details {
		snap.Unavailable = append(snap.Unavailable, t)
	}
	sort.Strings(snap.Unavailable)
	return snap, nil
}

func (a *Aggregator) booked(ctx context.Context, cal calendar.Settings, day time.Time, employeeID, excludeID int64) (map[string]SlotDetail, error) {
	list, err := a.bookings.ListActiveBetween(ctx, employeeID, day, day.AddDate(0, 0, 1), excludeID)
	if err != nil {
		var typed *apperr.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		a.log.Error("availability: list reservations failed", "date", day.Format(calendar.DateLayout), "employee_id", employeeID, "err", err)
		return nil, apperr.Storage(err, "could not load reservations")
	}

	out := make(map[string]SlotDetail, len(list))
	for _, r := range list {
		_, clock := cal.SlotKey(r.ScheduledAt)
		out[clock] = SlotDetail{
			CustomerName:  r.CustomerName,
			CustomerEmail: r.CustomerEmail,
			Status:        string(r.Status),
			BookingID:     r.StrongID,
		}
	}
	return out, nil
}

// Unavailable is Check flattened for the push channel: the busy times, or the reason the
// whole day is closed.
func (a *Aggregator) Unavailable(ctx context.Context, date string, employeeID int64, viewer string) ([]string, string, error) {
	snap, err := a.Check(ctx, date, employeeID, viewer)
	if err != nil {
		return nil, "", err
	}
	return snap.Unavailable, snap.Reason, nil
}
