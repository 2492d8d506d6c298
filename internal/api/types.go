package api

import (
	"github.com/hackgods/slot-reservation-engine/internal/realtime"
	"github.com/hackgods/slot-reservation-engine/internal/reservation"
	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

type ReservationResponse struct {
	*reservation.Reservation
	Replayed bool `json:"replayed,omitempty"`
}

type ReservationListResponse struct {
	Reservations []reservation.Reservation `json:"reservations"`
	Count        int                       `json:"count"`
}

type SelectResponse struct {
	Success bool `json:"success"`
	*selection.SelectResult
}

type DeselectResponse struct {
	Success bool `json:"success"`
}

// PollResponse is what polling clients receive: the slot state, the realtime envelopes they
// missed since their cursor and a trailing "update" envelope carrying the same slot state.
type PollResponse struct {
	ActiveSelections []string            `json:"active_selections"`
	BookedSlots      []string            `json:"booked_slots"`
	Timestamp        int64               `json:"timestamp"`
	Cursor           int64               `json:"cursor"`
	Messages         []realtime.Envelope `json:"messages"`
}

type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
