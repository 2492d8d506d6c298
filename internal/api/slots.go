package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

// employeeParam parses the employee_id query parameter.
func employeeParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("employee_id"))
	if raw == "" {
		return 0, validationError("employee_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, validationError("employee_id must be a positive integer")
	}
	return id, nil
}

// callerID prefers an explicit client id and falls back to the request identity.
func callerID(r *http.Request, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	return ClientIDFromContext(r.Context())
}

func availabilityHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		employeeID, err := employeeParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		q := r.URL.Query()

		snap, err := svc.Check(r.Context(), q.Get("date"), employeeID, callerID(r, q.Get("client_id")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func rescheduleAvailabilityHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		employeeID, err := employeeParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		ref := strings.TrimSpace(q.Get("ref"))
		if ref == "" {
			writeError(w, r, validationError("ref is required"))
			return
		}

		snap, err := svc.CheckForReschedule(r.Context(), q.Get("date"), employeeID, ref, callerID(r, q.Get("client_id")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func selectSlotHandler(svc SelectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selection.SelectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		req.ClientID = callerID(r, req.ClientID)

		res, err := svc.Select(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SelectResponse{Success: true, SelectResult: res})
	}
}

func deselectSlotHandler(svc SelectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selection.DeselectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		req.ClientID = callerID(r, req.ClientID)

		if err := svc.Deselect(r.Context(), req); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, DeselectResponse{Success: true})
	}
}

// pollSlotsHandler serves the polling transport. Besides the slot state it returns the
// realtime envelopes for the same day and employee published after the caller's cursor,
// minus the ones the caller caused, then an "update" envelope with the slot state.
func pollSlotsHandler(svc SelectionService, feed *realtime.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		employeeID, err := employeeParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		q := r.URL.Query()

		var since int64
		if raw := q.Get("since"); raw != "" {
			since, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || since < 0 {
				writeError(w, r, validationError("since must be a non-negative integer"))
				return
			}
		}

		req := selection.PollRequest{
			Date:         q.Get("date"),
			EmployeeID:   employeeID,
			ClientID:     callerID(r, q.Get("client_id")),
			SelectedTime: q.Get("selected_time"),
		}
		res, err := svc.Poll(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		messages := []realtime.Envelope{}
		cursor := since
		if feed != nil {
			messages, cursor = feed.Since(since, func(env realtime.Envelope) bool {
				if req.ClientID != "" && env.Origin == req.ClientID {
					return false
				}
				date := env.String("date")
				if date == "" {
					return true
				}
				return date == req.Date && env.Int64("employee_id") == req.EmployeeID
			})
		}
		messages = append(messages, realtime.NewEnvelope(realtime.TypeUpdate, map[string]any{
			"date":              req.Date,
			"employee_id":       req.EmployeeID,
			"active_selections": res.ActiveSelections,
			"booked_slots":      res.BookedSlots,
			"timestamp":         res.Timestamp,
		}))

		writeJSON(w, http.StatusOK, PollResponse{
			ActiveSelections: res.ActiveSelections,
			BookedSlots:      res.BookedSlots,
			Timestamp:        res.Timestamp,
			Cursor:           cursor,
			Messages:         messages,
		})
	}
}

func realtimeClientsHandler(rt Realtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients := rt.Clients()
		writeJSON(w, http.StatusOK, map[string]any{
			"clients": clients,
			"count":   len(clients),
			"cursor":  rt.Feed().Cursor(),
		})
	}
}
