package api

import (
	"context"
	"net/http"

	"github.com/hackgods/slot-reservation-engine/internal/availability"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

type mockReservations struct {
	CreateFn      func(ctx context.Context, req reservation.CreateRequest) (*reservation.CreateResult, error)
	GetFn         func(ctx context.Context, ref string) (*reservation.Reservation, error)
	ListByEmailFn func(ctx context.Context, email string, limit int) ([]reservation.Reservation, error)
	CancelFn      func(ctx context.Context, ref string) (*reservation.Reservation, error)
	RescheduleFn  func(ctx context.Context, ref string, req reservation.RescheduleRequest) (*reservation.Reservation, error)
	ConfirmFn     func(ctx context.Context, ref string) (*reservation.Reservation, error)
}

func (m *mockReservations) Create(ctx context.Context, req reservation.CreateRequest) (*reservation.CreateResult, error) {
	return m.CreateFn(ctx, req)
}

func (m *mockReservations) Get(ctx context.Context, ref string) (*reservation.Reservation, error) {
	return m.GetFn(ctx, ref)
}

func (m *mockReservations) ListByEmail(ctx context.Context, email string, limit int) ([]reservation.Reservation, error) {
	return m.ListByEmailFn(ctx, email, limit)
}

func (m *mockReservations) Cancel(ctx context.Context, ref string) (*reservation.Reservation, error) {
	return m.CancelFn(ctx, ref)
}

func (m *mockReservations) Reschedule(ctx context.Context, ref string, req reservation.RescheduleRequest) (*reservation.Reservation, error) {
	return m.RescheduleFn(ctx, ref, req)
}

func (m *mockReservations) Confirm(ctx context.Context, ref string) (*reservation.Reservation, error) {
	return m.ConfirmFn(ctx, ref)
}

type mockAvailability struct {
	CheckFn              func(ctx context.Context, date string, employeeID int64, viewer string) (*availability.Snapshot, error)
	CheckForRescheduleFn func(ctx context.Context, date string, employeeID int64, excludeRef, viewer string) (*availability.Snapshot, error)
}

func (m *mockAvailability) Check(ctx context.Context, date string, employeeID int64, viewer string) (*availability.Snapshot, error) {
	return m.CheckFn(ctx, date, employeeID, viewer)
}

func (m *mockAvailability) CheckForReschedule(ctx context.Context, date string, employeeID int64, excludeRef, viewer string) (*availability.Snapshot, error) {
	return m.CheckForRescheduleFn(ctx, date, employeeID, excludeRef, viewer)
}

type mockSelections struct {
	SelectFn   func(ctx context.Context, req selection.SelectRequest) (*selection.SelectResult, error)
	DeselectFn func(ctx context.Context, req selection.DeselectRequest) error
	PollFn     func(ctx context.Context, req selection.PollRequest) (*selection.PollResult, error)
	tier       string
}

func (m *mockSelections) Select(ctx context.Context, req selection.SelectRequest) (*selection.SelectResult, error) {
	return m.SelectFn(ctx, req)
}

func (m *mockSelections) Deselect(ctx context.Context, req selection.DeselectRequest) error {
	return m.DeselectFn(ctx, req)
}

func (m *mockSelections) Poll(ctx context.Context, req selection.PollRequest) (*selection.PollResult, error) {
	return m.PollFn(ctx, req)
}

func (m *mockSelections) Tier() string {
	if m.tier == "" {
		return selection.TierRedis
	}
	return m.tier
}

type fakeRealtime struct {
	feed    *realtime.Feed
	clients []realtime.ClientInfo
}

func (f *fakeRealtime) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (f *fakeRealtime) Feed() *realtime.Feed { return f.feed }

func (f *fakeRealtime) Clients() []realtime.ClientInfo { return f.clients }
