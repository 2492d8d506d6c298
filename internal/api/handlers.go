package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/slot-reservation-engine/internal/reservation"
)

const maxBodyBytes = 64 << 10

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return validationError("request body is empty")
		}
		return validationError("could not parse JSON: " + err.Error())
	}
	if dec.More() {
		return validationError("request body must contain a single JSON object")
	}
	return nil
}

func createReservationHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reservation.CreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}

		res, err := svc.Create(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
			w.Header().Set("Idempotent-Replayed", "true")
		}
		writeJSON(w, status, ReservationResponse{Reservation: res.Reservation, Replayed: res.Replayed})
	}
}

func listReservationsHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.URL.Query().Get("email"))
		if email == "" {
			writeError(w, r, validationError("email query parameter is required"))
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, r, validationError("limit must be a non-negative integer"))
				return
			}
			limit = n
		}

		list, err := svc.ListByEmail(r.Context(), email, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []reservation.Reservation{}
		}
		writeJSON(w, http.StatusOK, ReservationListResponse{Reservations: list, Count: len(list)})
	}
}

func getReservationHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Get(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{Reservation: res})
	}
}

func cancelReservationHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Cancel(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{Reservation: res})
	}
}

func rescheduleReservationHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reservation.RescheduleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		res, err := svc.Reschedule(r.Context(), chi.URLParam(r, "ref"), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{Reservation: res})
	}
}

func confirmReservationHandler(svc ReservationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Confirm(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ReservationResponse{Reservation: res})
	}
}
