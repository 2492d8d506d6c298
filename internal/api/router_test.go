package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
	"github.com/hackgods/slot-reservation-engine/internal/availability"
	"github.com/hackgods/slot-reservation-engine/internal/logger"
	"github.com/hackgods/slot-reservation-engine/internal/metrics"
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

func newTestRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Selections == nil {
		cfg.Selections = &mockSelections{}
	}
	if cfg.Reservations == nil {
		cfg.Reservations = &mockReservations{}
	}
	if cfg.Availability == nil {
		cfg.Availability = &mockAvailability{}
	}
	return NewRouter(cfg)
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func sampleReservation() *reservation.Reservation {
	return &reservation.Reservation{
		ID:            1,
		StrongID:      "APT-2025-000001",
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		ServiceID:     2,
		EmployeeID:    3,
		ScheduledAt:   time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Status:        reservation.StatusConfirmed,
	}
}

func TestCreateReservation(t *testing.T) {
	var got reservation.CreateRequest
	svc := &mockReservations{
		CreateFn: func(_ context.Context, req reservation.CreateRequest) (*reservation.CreateResult, error) {
			got = req
			return &reservation.CreateResult{Reservation: sampleReservation()}, nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	rec := do(t, h, http.MethodPost, "/reservations",
		`{"name":"Ada","email":"ada@example.com","service_id":2,"employee_id":3,"scheduled_at":"2025-06-02 10:00"}`,
		map[string]string{"Idempotency-Key": "k-1"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "k-1", got.IdempotencyKey)
	assert.Equal(t, int64(3), got.EmployeeID)
	assert.Equal(t, "2025-06-02 10:00", got.ScheduledAt)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "APT-2025-000001", body["strong_id"])
	assert.NotContains(t, body, "replayed")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateReservation_Replayed(t *testing.T) {
	svc := &mockReservations{
		CreateFn: func(_ context.Context, req reservation.CreateRequest) (*reservation.CreateResult, error) {
			assert.Equal(t, "body-key", req.IdempotencyKey)
			return &reservation.CreateResult{Reservation: sampleReservation(), Replayed: true}, nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	rec := do(t, h, http.MethodPost, "/reservations",
		`{"name":"Ada","email":"ada@example.com","service_id":2,"employee_id":3,"scheduled_at":"2025-06-02 10:00","idempotency_key":"body-key"}`,
		map[string]string{"Idempotency-Key": "header-key"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Contains(t, rec.Body.String(), `"replayed":true`)
}

func TestCreateReservation_RejectsBadBodies(t *testing.T) {
	called := false
	svc := &mockReservations{
		CreateFn: func(context.Context, reservation.CreateRequest) (*reservation.CreateResult, error) {
			called = true
			return nil, nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	for name, body := range map[string]string{
		"unknown field": `{"name":"Ada","price":10}`,
		"not json":      `name=Ada`,
		"two objects":   `{"name":"Ada"}{"name":"Bob"}`,
		"empty":         ``,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/reservations", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decodeError(t, rec).Error)
		})
	}
	assert.False(t, called)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindPastDate, http.StatusUnprocessableEntity},
		{apperr.KindNonWorkingDay, http.StatusUnprocessableEntity},
		{apperr.KindOutsideHours, http.StatusUnprocessableEntity},
		{apperr.KindAdvanceLimit, http.StatusUnprocessableEntity},
		{apperr.KindSlotTaken, http.StatusConflict},
		{apperr.KindAlreadyLocked, http.StatusConflict},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindRateLimited, http.StatusTooManyRequests},
		{apperr.KindStorage, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			svc := &mockReservations{
				GetFn: func(context.Context, string) (*reservation.Reservation, error) {
					return nil, apperr.New(tc.kind, "nope")
				},
			}
			rec := do(t, newTestRouter(RouterConfig{Reservations: svc}), http.MethodGet, "/reservations/APT-2025-000001", "", nil)

			assert.Equal(t, tc.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, string(tc.kind), resp.Error)
			assert.Equal(t, "nope", resp.Message)
		})
	}
}

func TestSlotTakenCarriesSuggestions(t *testing.T) {
	svc := &mockReservations{
		CreateFn: func(context.Context, reservation.CreateRequest) (*reservation.CreateResult, error) {
			return nil, apperr.New(apperr.KindSlotTaken, "slot already booked").
				With("suggested_slots", []string{"11:00", "12:00", "13:00"})
		},
	}
	rec := do(t, newTestRouter(RouterConfig{Reservations: svc}), http.MethodPost, "/reservations",
		`{"name":"Ada","email":"ada@example.com","service_id":2,"employee_id":3,"scheduled_at":"2025-06-02 10:00"}`, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t,
		`{"error":"slot_taken","message":"slot already booked","details":{"suggested_slots":["11:00","12:00","13:00"]}}`,
		rec.Body.String())
}

func TestUntypedErrorsDoNotLeak(t *testing.T) {
	svc := &mockReservations{
		GetFn: func(context.Context, string) (*reservation.Reservation, error) {
			return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
		},
	}
	rec := do(t, newTestRouter(RouterConfig{Reservations: svc}), http.MethodGet, "/reservations/7", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Equal(t, "storage_error", decodeError(t, rec).Error)
}

func TestListReservations(t *testing.T) {
	svc := &mockReservations{
		ListByEmailFn: func(_ context.Context, email string, limit int) ([]reservation.Reservation, error) {
			assert.Equal(t, "ada@example.com", email)
			assert.Equal(t, 5, limit)
			return nil, nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	rec := do(t, h, http.MethodGet, "/reservations?email=ada@example.com&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reservations":[],"count":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/reservations", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/reservations?email=ada@example.com&limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelReservation_BothRoutes(t *testing.T) {
	var refs []string
	svc := &mockReservations{
		CancelFn: func(_ context.Context, ref string) (*reservation.Reservation, error) {
			refs = append(refs, ref)
			r := sampleReservation()
			r.Status = reservation.StatusCancelled
			return r, nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	rec := do(t, h, http.MethodDelete, "/reservations/APT-2025-000001", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = do(t, h, http.MethodPost, "/reservations/1/cancel", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"APT-2025-000001", "1"}, refs)
}

func TestRescheduleAndConfirm(t *testing.T) {
	svc := &mockReservations{
		RescheduleFn: func(_ context.Context, ref string, req reservation.RescheduleRequest) (*reservation.Reservation, error) {
			assert.Equal(t, "APT-2025-000001", ref)
			assert.Equal(t, "2025-06-03 14:00", req.ScheduledAt)
			return sampleReservation(), nil
		},
		ConfirmFn: func(_ context.Context, ref string) (*reservation.Reservation, error) {
			assert.Equal(t, "APT-2025-000001", ref)
			return sampleReservation(), nil
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc})

	rec := do(t, h, http.MethodPost, "/reservations/APT-2025-000001/reschedule", `{"scheduled_at":"2025-06-03 14:00"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/reservations/APT-2025-000001/confirm", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAvailability(t *testing.T) {
	svc := &mockAvailability{
		CheckFn: func(_ context.Context, date string, employeeID int64, viewer string) (*availability.Snapshot, error) {
			assert.Equal(t, "2025-06-02", date)
			assert.Equal(t, int64(3), employeeID)
			assert.Equal(t, "tab-1", viewer)
			return &availability.Snapshot{
				Date:        date,
				EmployeeID:  employeeID,
				Unavailable: []string{"10:00"},
				Details: map[string]availability.SlotDetail{
					"10:00": {CustomerName: "Viewing by other user", Status: "processing", IsLocked: true},
				},
			}, nil
		},
	}
	h := newTestRouter(RouterConfig{Availability: svc})

	rec := do(t, h, http.MethodGet, "/availability?date=2025-06-02&employee_id=3", "", map[string]string{ClientIDHeader: "tab-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"unavailable":["10:00"],"booking_details":{"10:00":{"customer_name":"Viewing by other user","status":"processing","is_locked":true}}}`,
		rec.Body.String())

	rec = do(t, h, http.MethodGet, "/availability?date=2025-06-02&employee_id=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailability_ClosedDay(t *testing.T) {
	svc := &mockAvailability{
		CheckFn: func(_ context.Context, date string, employeeID int64, _ string) (*availability.Snapshot, error) {
			return &availability.Snapshot{Date: date, EmployeeID: employeeID, Reason: availability.ReasonNonWorkingDay}, nil
		},
	}
	rec := do(t, newTestRouter(RouterConfig{Availability: svc}), http.MethodGet, "/availability?date=2025-06-01&employee_id=3", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unavailable":"all","reason":"non_working_day"}`, rec.Body.String())
}

func TestRescheduleAvailability(t *testing.T) {
	svc := &mockAvailability{
		CheckForRescheduleFn: func(_ context.Context, date string, employeeID int64, excludeRef, viewer string) (*availability.Snapshot, error) {
			assert.Equal(t, "APT-2025-000001", excludeRef)
			assert.Equal(t, "tab-9", viewer)
			return &availability.Snapshot{Date: date, EmployeeID: employeeID}, nil
		},
	}
	h := newTestRouter(RouterConfig{Availability: svc})

	rec := do(t, h, http.MethodGet, "/availability/reschedule?date=2025-06-02&employee_id=3&ref=APT-2025-000001&client_id=tab-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unavailable":[],"booking_details":{}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/availability/reschedule?date=2025-06-02&employee_id=3", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectSlot_ClientIDFallsBackToIdentity(t *testing.T) {
	var got []string
	svc := &mockSelections{
		SelectFn: func(_ context.Context, req selection.SelectRequest) (*selection.SelectResult, error) {
			got = append(got, req.ClientID)
			return &selection.SelectResult{ClientID: req.ClientID, Storage: selection.TierRedis, TTLSeconds: 10}, nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc})

	rec := do(t, h, http.MethodPost, "/slots/select", `{"date":"2025-06-02","time":"10:00","employee_id":3}`,
		map[string]string{ClientIDHeader: "tab-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), `"storage":"redis"`)

	rec = do(t, h, http.MethodPost, "/slots/select", `{"date":"2025-06-02","time":"10:00","employee_id":3,"client_id":"explicit"}`,
		map[string]string{ClientIDHeader: "tab-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"tab-1", "explicit"}, got)
}

func TestSelectSlot_AlreadyLocked(t *testing.T) {
	svc := &mockSelections{
		SelectFn: func(context.Context, selection.SelectRequest) (*selection.SelectResult, error) {
			return nil, apperr.New(apperr.KindAlreadyLocked, "slot is being viewed by another client")
		},
		tier: selection.TierPostgres,
	}
	rec := do(t, newTestRouter(RouterConfig{Selections: svc}), http.MethodPost, "/slots/select",
		`{"date":"2025-06-02","time":"10:00","employee_id":3,"client_id":"b"}`, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_locked", decodeError(t, rec).Error)
}

func TestDeselectSlot(t *testing.T) {
	svc := &mockSelections{
		DeselectFn: func(_ context.Context, req selection.DeselectRequest) error {
			assert.Equal(t, "tab-1", req.ClientID)
			return nil
		},
	}
	rec := do(t, newTestRouter(RouterConfig{Selections: svc}), http.MethodPost, "/slots/deselect",
		`{"date":"2025-06-02","time":"10:00","employee_id":3}`, map[string]string{ClientIDHeader: "tab-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestPollSlots_ReturnsFeedSinceCursor(t *testing.T) {
	feed := realtime.NewFeed(10, 0)
	slot := func(typ, date, origin string) realtime.Envelope {
		env := realtime.NewEnvelope(typ, map[string]any{"date": date, "employee_id": int64(3), "time": "10:00"})
		env.Origin = origin
		return env
	}
	feed.Append(slot(realtime.TypeSlotLocked, "2025-06-02", "someone"))
	seen := feed.Cursor()
	feed.Append(slot(realtime.TypeSlotTaken, "2025-06-02", ""))
	feed.Append(slot(realtime.TypeSlotLocked, "2025-06-02", "tab-1"))
	feed.Append(slot(realtime.TypeSlotLocked, "2025-06-09", "someone"))
	feed.Append(realtime.NewEnvelope("maintenance", map[string]any{"message": "deploying"}))

	svc := &mockSelections{
		PollFn: func(_ context.Context, req selection.PollRequest) (*selection.PollResult, error) {
			assert.Equal(t, "tab-1", req.ClientID)
			assert.Equal(t, "10:00", req.SelectedTime)
			return &selection.PollResult{ActiveSelections: []string{"11:00"}, BookedSlots: []string{"10:00"}, Timestamp: 1748858400}, nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc, Realtime: &fakeRealtime{feed: feed}})

	rec := do(t, h, http.MethodGet,
		"/slots/poll?date=2025-06-02&employee_id=3&client_id=tab-1&selected_time=10:00&since="+jsonInt(seen), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ActiveSelections []string         `json:"active_selections"`
		BookedSlots      []string         `json:"booked_slots"`
		Cursor           int64            `json:"cursor"`
		Messages         []map[string]any `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, []string{"11:00"}, resp.ActiveSelections)
	assert.Equal(t, feed.Cursor(), resp.Cursor)

	var types []string
	for _, m := range resp.Messages {
		types = append(types, m["type"].(string))
	}
	assert.Equal(t, []string{realtime.TypeSlotTaken, "maintenance", realtime.TypeUpdate}, types)
	assert.Equal(t, []any{"10:00"}, resp.Messages[2]["booked_slots"])
}

func TestPollSlots_WithoutFeed(t *testing.T) {
	svc := &mockSelections{
		PollFn: func(context.Context, selection.PollRequest) (*selection.PollResult, error) {
			return &selection.PollResult{ActiveSelections: []string{}, BookedSlots: []string{}}, nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc})

	rec := do(t, h, http.MethodGet, "/slots/poll?date=2025-06-02&employee_id=3&since=4", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cursor":4`)

	rec = do(t, h, http.MethodGet, "/slots/poll?date=2025-06-02&employee_id=3&since=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRateLimiter_Throttles(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	t.Cleanup(limiter.Stop)

	svc := &mockSelections{
		SelectFn: func(_ context.Context, req selection.SelectRequest) (*selection.SelectResult, error) {
			return &selection.SelectResult{ClientID: req.ClientID}, nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc, Limiter: limiter})
	body := `{"date":"2025-06-02","time":"10:00","employee_id":3}`

	rec := do(t, h, http.MethodPost, "/slots/select", body, map[string]string{ClientIDHeader: "a"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/slots/select", body, map[string]string{ClientIDHeader: "a"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodPost, "/slots/select", body, map[string]string{ClientIDHeader: "b"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_AnonymousKeyedByHost(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	t.Cleanup(limiter.Stop)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/slots/availability", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("203.0.113.7:40001"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7:40002"))
	assert.Equal(t, http.StatusNoContent, send("203.0.113.8:40001"))
	assert.Equal(t, http.StatusNoContent, send("unix-socket"))
}

func TestRateLimiter_EvictsIdle(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	t.Cleanup(limiter.Stop)

	limiter.Allow("a")
	limiter.evictIdle(time.Now().Add(time.Hour))

	limiter.mu.RLock()
	defer limiter.mu.RUnlock()
	assert.Empty(t, limiter.limiters)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestIdentity_BearerToken(t *testing.T) {
	var seen string
	svc := &mockSelections{
		DeselectFn: func(_ context.Context, req selection.DeselectRequest) error {
			seen = req.ClientID
			return nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc, IdentitySecret: "s3cret"})
	body := `{"date":"2025-06-02","time":"10:00","employee_id":3}`

	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()})
	rec := do(t, h, http.MethodPost, "/slots/deselect", body, map[string]string{
		"Authorization": "Bearer " + token,
		ClientIDHeader:  "spoofed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", seen)

	forged := signToken(t, "other", jwt.MapClaims{"sub": "user-42"})
	rec = do(t, h, http.MethodPost, "/slots/deselect", body, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, "s3cret", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(-time.Hour).Unix()})
	rec = do(t, h, http.MethodPost, "/slots/deselect", body, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/slots/deselect", body, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_NoSecretIgnoresTokens(t *testing.T) {
	var seen string
	svc := &mockSelections{
		DeselectFn: func(_ context.Context, req selection.DeselectRequest) error {
			seen = req.ClientID
			return nil
		},
	}
	h := newTestRouter(RouterConfig{Selections: svc})

	rec := do(t, h, http.MethodPost, "/slots/deselect", `{"date":"2025-06-02","time":"10:00","employee_id":3}`,
		map[string]string{"Authorization": "Bearer whatever", ClientIDHeader: "tab-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tab-7", seen)
}

type pingErr struct{ err error }

func (p pingErr) Ping(context.Context) error { return p.err }

func TestReadiness(t *testing.T) {
	down := pingErr{errors.New("down")}
	up := pingErr{}

	cases := []struct {
		name     string
		postgres Pinger
		redis    Pinger
		tier     string
		code     int
		status   string
	}{
		{"all up", up, up, selection.TierRedis, http.StatusOK, "ok"},
		{"postgres down", down, up, selection.TierRedis, http.StatusServiceUnavailable, "error"},
		{"redis down", up, down, selection.TierRedis, http.StatusOK, "degraded"},
		{"fallback tier", up, nil, selection.TierPostgres, http.StatusOK, "degraded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(RouterConfig{
				Postgres:   tc.postgres,
				Redis:      tc.redis,
				Selections: &mockSelections{tier: tc.tier},
			})
			rec := do(t, h, http.MethodGet, "/health/ready", "", nil)
			assert.Equal(t, tc.code, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.tier, resp.SelectionTier)
		})
	}

	rec := do(t, newTestRouter(RouterConfig{Postgres: up}), http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRealtimeRoutes(t *testing.T) {
	rt := &fakeRealtime{
		feed:    realtime.NewFeed(5, 0),
		clients: []realtime.ClientInfo{{ClientID: "tab-1"}},
	}

	h := newTestRouter(RouterConfig{Realtime: rt, Env: "dev"})
	rec := do(t, h, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = do(t, h, http.MethodGet, "/debug/realtime", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	h = newTestRouter(RouterConfig{Realtime: rt, Env: "prod"})
	rec = do(t, h, http.MethodGet, "/debug/realtime", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointCountsStatuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc := &mockReservations{
		GetFn: func(context.Context, string) (*reservation.Reservation, error) {
			return nil, apperr.New(apperr.KindNotFound, "reservation not found")
		},
	}
	h := newTestRouter(RouterConfig{Reservations: svc, Metrics: collector, Gatherer: reg})

	do(t, h, http.MethodGet, "/reservations/99", "", nil)

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `slots_http_status_total{status_code="404"} 1`)
}

func TestRecoveryMiddleware(t *testing.T) {
	svc := &mockReservations{
		GetFn: func(context.Context, string) (*reservation.Reservation, error) {
			panic("boom")
		},
	}
	rec := do(t, newTestRouter(RouterConfig{Reservations: svc}), http.MethodGet, "/reservations/1", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Error)
}
