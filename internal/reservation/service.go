package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
	"github.com/hackgods/slot-reservation-engine/internal/calendar"
	"github.com/hackgods/slot-reservation-engine/internal/metrics"
	"github.com/hackgods/slot-reservation-engine/internal/notify"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/schema"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

const (
	EventReservationCreated     = "RESERVATION_CREATED"
	EventReservationConfirmed   = "RESERVATION_CONFIRMED"
	EventReservationCancelled   = "RESERVATION_CANCELLED"
	EventReservationRescheduled = "RESERVATION_RESCHEDULED"
)

var (
	ErrSlotTaken      = apperr.New(apperr.KindSlotTaken, "this time was just taken, please choose another slot")
	ErrNotFound       = apperr.New(apperr.KindNotFound, "reservation not found")
	ErrPastDate       = apperr.New(apperr.KindPastDate, "the requested time is in the past")
	ErrNonWorkingDay  = apperr.New(apperr.KindNonWorkingDay, "please choose a working day")
	ErrOutsideHours   = apperr.New(apperr.KindOutsideHours, "the requested time is outside business hours")
	ErrAdvanceLimit   = apperr.New(apperr.KindAdvanceLimit, "the requested time is too far in the future")
	ErrRateLimited    = apperr.New(apperr.KindRateLimited, "too many booking attempts, please wait a few minutes")
	ErrCancelledState = apperr.New(apperr.KindValidation, "reservation is cancelled")
)

// SelectionReleaser drops a presence entry once the slot is authoritatively booked.
type SelectionReleaser interface {
	Release(ctx context.Context, key selection.Key) error
}

type Options struct {
	StrongIDPrefix    string
	AutoConfirm       bool
	RateLimit         int // creates per email per RateWindow, 0 disables
	RateWindow        time.Duration
	PastGrace         time.Duration
	SuggestionCount   int
	SideEffectTimeout time.Duration
}

type Deps struct {
	Ledger    Ledger
	Calendar  calendar.Provider
	Releaser  SelectionReleaser  // optional
	Events    realtime.Publisher // optional
	Notifier  notify.Notifier    // optional
	Validator *schema.Validator
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

// Manager owns every write to the ledger: create, confirm, cancel and reschedule.
type Manager struct {
	ledger   Ledger
	calendar calendar.Provider
	releaser SelectionReleaser
	events   realtime.Publisher
	notifier notify.Notifier
	validate *schema.Validator
	metrics  metrics.Recorder
	log      *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewManager(d Deps, opts Options) *Manager {
	if opts.StrongIDPrefix == "" {
		opts.StrongIDPrefix = "APT"
	}
	if opts.SuggestionCount == 0 {
		opts.SuggestionCount = 3
	}
	if opts.SideEffectTimeout == 0 {
		opts.SideEffectTimeout = 5 * time.Second
	}
	m := &Manager{
		ledger:   d.Ledger,
		calendar: d.Calendar,
		releaser: d.Releaser,
		events:   d.Events,
		notifier: d.Notifier,
		validate: d.Validator,
		metrics:  d.Metrics,
		log:      d.Logger,
		opts:     opts,
		now:      time.Now,
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.validate == nil {
		m.validate = schema.New()
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Create books a slot. Validation failures, business-rule rejections and conflicts come back
// as *apperr.Error; a replayed idempotency key returns the original reservation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	res, err := m.create(ctx, req)
	switch {
	case err != nil:
		m.metrics.RecordReservation("create", string(apperr.KindOf(err)))
	case res.Replayed:
		m.metrics.RecordReservation("create", string(apperr.KindDuplicate))
	default:
		m.metrics.RecordReservation("create", "ok")
	}
	return res, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.normalize()
	if err := m.validate.Struct(req); err != nil {
		return nil, err
	}

	// replays skip the booking rules, the lock and the write
	if req.IdempotencyKey != "" {
		existing, err := m.ledger.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			m.log.Info("idempotent replay", "strong_id", existing.StrongID, "idempotency_key", req.IdempotencyKey)
			return &CreateResult{Reservation: existing, Replayed: true}, nil
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return nil, apperr.Storage(err, "could not check idempotency key")
		}
	}

	cal := m.calendar.BusinessCalendar()
	at, err := cal.ParseTimestamp(req.ScheduledAt)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "scheduled_at is not a valid timestamp").
			With("fields", map[string]any{"scheduled_at": "must be YYYY-MM-DD HH:MM:SS or RFC 3339"})
	}
	if err := m.checkRules(cal, at); err != nil {
		return nil, err
	}

	if m.opts.RateLimit > 0 {
		n, err := m.ledger.CountCreatedSince(ctx, req.CustomerEmail, m.now().Add(-m.opts.RateWindow))
		if err != nil {
			return nil, apperr.Storage(err, "could not check booking rate")
		}
		if n >= m.opts.RateLimit {
			return nil, ErrRateLimited
		}
	}

	status := StatusCreated
	if m.opts.AutoConfirm {
		status = StatusConfirmed
	}
	draft := &Reservation{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		ServiceID:     req.ServiceID,
		EmployeeID:    req.EmployeeID,
		ScheduledAt:   at,
		Status:        status,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		draft.IdempotencyKey = &key
	}
	year := m.now().In(cal.Loc()).Year()

	var created *Reservation
	replayed := false
	start := time.Now()

	err = m.ledger.WithSlotTx(ctx, func(tx SlotTx) error {
		if err := tx.LockSlot(ctx, draft.EmployeeID, at); err != nil {
			return err
		}
		existing, err := tx.FindActiveAt(ctx, draft.EmployeeID, at, 0)
		if err == nil {
			// a concurrent twin of this request got there first
			if draft.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *draft.IdempotencyKey {
				created, replayed = existing, true
				return nil
			}
			return ErrSlotConflict
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return err
		}

		created, err = tx.Insert(ctx, draft, func(id int64) string {
			return FormatStrongID(m.opts.StrongIDPrefix, year, id)
		})
		return err
	})
	m.metrics.RecordCommitLatency("create", time.Since(start))

	if err != nil {
		switch {
		case errors.Is(err, ErrSlotConflict):
			return nil, m.slotTaken(ctx, cal, draft.EmployeeID, at, 0)
		case errors.Is(err, ErrDuplicateIdempotencyKey):
			existing, lookupErr := m.ledger.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, apperr.Storage(lookupErr, "could not load replayed reservation")
			}
			return &CreateResult{Reservation: existing, Replayed: true}, nil
		case errors.Is(err, ErrUnknownReference):
			return nil, apperr.New(apperr.KindValidation, "unknown service or employee")
		default:
			return nil, apperr.Storage(err, "could not save reservation")
		}
	}
	if replayed {
		return &CreateResult{Reservation: created, Replayed: true}, nil
	}

	m.log.Info("reservation created",
		"strong_id", created.StrongID,
		"employee_id", created.EmployeeID,
		"scheduled_at", created.ScheduledAt,
	)
	m.afterCommit(ctx, cal, created, nil, EventReservationCreated, notify.EventCreated)
	return &CreateResult{Reservation: created}, nil
}

// Cancel is idempotent: cancelling a cancelled reservation succeeds.
func (m *Manager) Cancel(ctx context.Context, ref string) (*Reservation, error) {
	r, err := m.cancel(ctx, ref)
	if err != nil {
		m.metrics.RecordReservation("cancel", string(apperr.KindOf(err)))
	} else {
		m.metrics.RecordReservation("cancel", "ok")
	}
	return r, err
}

func (m *Manager) cancel(ctx context.Context, ref string) (*Reservation, error) {
	r, err := m.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCancelled {
		return r, nil
	}

	updated, err := m.ledger.UpdateStatus(ctx, r.ID, []Status{StatusCreated, StatusConfirmed}, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			// lost a race with another cancel
			current, getErr := m.ledger.GetByID(ctx, r.ID)
			if getErr == nil && current.Status == StatusCancelled {
				return current, nil
			}
		}
		return nil, apperr.Storage(err, "could not cancel reservation")
	}

	m.log.Info("reservation cancelled", "strong_id", updated.StrongID)
	m.afterCommit(ctx, m.calendar.BusinessCalendar(), updated, &r.ScheduledAt, EventReservationCancelled, notify.EventCancelled)
	return updated, nil
}

// Reschedule moves a live reservation to a new start, keeping its id and strong id.
func (m *Manager) Reschedule(ctx context.Context, ref string, req RescheduleRequest) (*Reservation, error) {
	r, err := m.reschedule(ctx, ref, req)
	if err != nil {
		m.metrics.RecordReservation("reschedule", string(apperr.KindOf(err)))
	} else {
		m.metrics.RecordReservation("reschedule", "ok")
	}
	return r, err
}

func (m *Manager) reschedule(ctx context.Context, ref string, req RescheduleRequest) (*Reservation, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, err
	}
	cal := m.calendar.BusinessCalendar()
	at, err := cal.ParseTimestamp(req.ScheduledAt)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "scheduled_at is not a valid timestamp")
	}
	if err := m.checkRules(cal, at); err != nil {
		return nil, err
	}

	current, err := m.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !current.Status.Active() {
		return nil, ErrCancelledState
	}

	var moved *Reservation
	start := time.Now()
	err = m.ledger.WithSlotTx(ctx, func(tx SlotTx) error {
		if err := tx.LockSlot(ctx, current.EmployeeID, at); err != nil {
			return err
		}
		_, err := tx.FindActiveAt(ctx, current.EmployeeID, at, current.ID)
		if err == nil {
			return ErrSlotConflict
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return err
		}
		moved, err = tx.MoveTo(ctx, current.ID, at)
		return err
	})
	m.metrics.RecordCommitLatency("reschedule", time.Since(start))

	if err != nil {
		switch {
		case errors.Is(err, ErrSlotConflict):
			return nil, m.slotTaken(ctx, cal, current.EmployeeID, at, current.ID)
		case errors.Is(err, ErrReservationNotFound):
			return nil, ErrCancelledState
		default:
			return nil, apperr.Storage(err, "could not reschedule reservation")
		}
	}

	m.log.Info("reservation rescheduled", "strong_id", moved.StrongID, "from", current.ScheduledAt, "to", moved.ScheduledAt)
	if moved.ScheduledAt.Equal(current.ScheduledAt) {
		m.afterCommit(ctx, cal, moved, nil, EventReservationRescheduled, notify.EventRescheduled)
	} else {
		m.afterCommit(ctx, cal, moved, &current.ScheduledAt, EventReservationRescheduled, notify.EventRescheduled)
	}
	return moved, nil
}

// Confirm moves a created reservation to confirmed. Used when AutoConfirm is off and an
// external approval or payment step gates the booking.
func (m *Manager) Confirm(ctx context.Context, ref string) (*Reservation, error) {
	r, err := m.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusConfirmed:
		return r, nil
	case StatusCancelled:
		return nil, ErrCancelledState
	}

	updated, err := m.ledger.UpdateStatus(ctx, r.ID, []Status{StatusCreated}, StatusConfirmed)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return nil, apperr.New(apperr.KindValidation, "reservation changed state, reload and retry")
		}
		return nil, apperr.Storage(err, "could not confirm reservation")
	}
	m.metrics.RecordReservation("confirm", "ok")
	m.logEvent(ctx, updated.ID, EventReservationConfirmed, map[string]any{})
	m.notifyAsync(ctx, updated, nil, notify.EventConfirmed)
	return updated, nil
}

func (m *Manager) Get(ctx context.Context, ref string) (*Reservation, error) {
	return m.lookup(ctx, ref)
}

// ListByEmail returns the customer's reservations, newest start first.
func (m *Manager) ListByEmail(ctx context.Context, email string, limit int) ([]Reservation, error) {
	if err := m.validate.Var(email, "required,email"); err != nil {
		return nil, apperr.New(apperr.KindValidation, "a valid email is required")
	}
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	list, err := m.ledger.ListByEmail(ctx, normalizeEmail(email), limit)
	if err != nil {
		return nil, apperr.Storage(err, "could not list reservations")
	}
	if list == nil {
		list = []Reservation{}
	}
	return list, nil
}

func (m *Manager) lookup(ctx context.Context, raw string) (*Reservation, error) {
	ref, ok := ParseRef(m.opts.StrongIDPrefix, raw)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "%q is not a reservation id or reference", raw)
	}

	var r *Reservation
	var err error
	if ref.StrongID != "" {
		r, err = m.ledger.GetByStrongID(ctx, ref.StrongID)
	} else {
		r, err = m.ledger.GetByID(ctx, ref.ID)
	}
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Storage(err, "could not load reservation")
	}
	return r, nil
}

// checkRules applies the calendar rules in order: past, working day, hours, advance window.
func (m *Manager) checkRules(cal calendar.Settings, at time.Time) error {
	now := m.now()
	if at.Before(now.Add(-m.opts.PastGrace)) {
		return ErrPastDate
	}
	if !cal.IsWorkingDay(at) {
		return ErrNonWorkingDay
	}
	if !cal.WithinHours(at) {
		return ErrOutsideHours
	}
	if cal.MaxAdvance > 0 && at.After(now.Add(cal.MaxAdvance)) {
		return ErrAdvanceLimit
	}
	return nil
}

// slotTaken builds the conflict error with the day's first free slots as suggestions.
func (m *Manager) slotTaken(ctx context.Context, cal calendar.Settings, employeeID int64, at time.Time, excludeID int64) error {
	date, clock := cal.SlotKey(at)
	err := ErrSlotTaken.With("date", date).With("time", clock)

	day := cal.Midnight(at)
	busy, lerr := m.ledger.ListActiveBetween(ctx, employeeID, day, day.AddDate(0, 0, 1), excludeID)
	if lerr != nil {
		m.log.Warn("could not compute suggested slots", "employee_id", employeeID, "err", lerr)
		return err
	}
	taken := make(map[string]bool, len(busy))
	for _, r := range busy {
		_, c := cal.SlotKey(r.ScheduledAt)
		taken[c] = true
	}

	now := m.now()
	suggestions := make([]string, 0, m.opts.SuggestionCount)
	for _, slot := range cal.DaySlots() {
		if len(suggestions) == m.opts.SuggestionCount {
			break
		}
		if taken[slot] || slot == clock {
			continue
		}
		if t, perr := cal.At(date, slot); perr != nil || t.Before(now) {
			continue
		}
		suggestions = append(suggestions, slot)
	}
	return err.With("suggested_slots", suggestions)
}

// afterCommit runs best-effort side effects. None of them can undo the commit.
func (m *Manager) afterCommit(ctx context.Context, cal calendar.Settings, r *Reservation, previous *time.Time, auditType, notifyType string) {
	ctx = context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(ctx, m.opts.SideEffectTimeout)
	defer cancel()

	date, clock := cal.SlotKey(r.ScheduledAt)
	if r.Status.Active() {
		if m.releaser != nil {
			key := selection.Key{Date: date, EmployeeID: r.EmployeeID, Time: clock}
			if err := m.releaser.Release(sctx, key); err != nil {
				m.log.Warn("could not release selection after commit", "slot", key.String(), "err", err)
			}
		}
		m.broadcast(sctx, realtime.TypeSlotTaken, date, clock, r.EmployeeID)
	}
	if previous != nil {
		pd, pc := cal.SlotKey(*previous)
		m.broadcast(sctx, realtime.TypeSlotReleased, pd, pc, r.EmployeeID)
	}

	payload := map[string]any{
		"strong_id":    r.StrongID,
		"employee_id":  r.EmployeeID,
		"scheduled_at": r.ScheduledAt,
		"status":       r.Status,
	}
	if previous != nil {
		payload["previous_at"] = *previous
	}
	m.logEvent(sctx, r.ID, auditType, payload)
	m.notifyAsync(ctx, r, previous, notifyType)
}

func (m *Manager) broadcast(ctx context.Context, typ, date, clock string, employeeID int64) {
	if m.events == nil {
		return
	}
	env := realtime.NewEnvelope(typ, map[string]any{
		"date":        date,
		"time":        clock,
		"employee_id": employeeID,
		"timestamp":   m.now().Unix(),
	})
	if err := m.events.Publish(ctx, env); err != nil {
		m.log.Warn("realtime broadcast failed", "type", typ, "date", date, "time", clock, "err", err)
		return
	}
	m.metrics.RecordBroadcast(typ)
}

func (m *Manager) notifyAsync(ctx context.Context, r *Reservation, previous *time.Time, typ string) {
	ev := notify.Event{
		Type:          typ,
		ReservationID: r.ID,
		StrongID:      r.StrongID,
		EmployeeID:    r.EmployeeID,
		ServiceID:     r.ServiceID,
		CustomerName:  r.CustomerName,
		CustomerEmail: r.CustomerEmail,
		ScheduledAt:   r.ScheduledAt,
		PreviousAt:    previous,
		Status:        string(r.Status),
		OccurredAt:    m.now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(ctx, m.opts.SideEffectTimeout)
		defer cancel()
		if err := m.notifier.Notify(nctx, ev); err != nil {
			m.log.Warn("notification failed", "type", typ, "strong_id", r.StrongID, "err", err)
		}
	}()
}

func (m *Manager) logEvent(ctx context.Context, reservationID int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("could not marshal event payload", "event", eventType, "err", err)
		data = nil
	}

	id := reservationID
	ev := EventLog{
		EventType:     eventType,
		ReservationID: &id,
		Payload:       data,
		CreatedAt:     m.now(),
	}
	if err := m.ledger.InsertEvent(ctx, ev); err != nil {
		m.log.Warn("could not record reservation event", "event", eventType, "reservation_id", reservationID, "err", err)
	}
}

func normalizeEmail(email string) string {
	r := CreateRequest{CustomerEmail: email}
	r.normalize()
	return r.CustomerEmail
}
