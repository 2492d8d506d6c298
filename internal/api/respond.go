package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
)

// statusByKind is the single mapping from error kinds to HTTP status codes.
var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:    http.StatusBadRequest,
	apperr.KindPastDate:      http.StatusUnprocessableEntity,
	apperr.KindNonWorkingDay: http.StatusUnprocessableEntity,
	apperr.KindOutsideHours:  http.StatusUnprocessableEntity,
	apperr.KindAdvanceLimit:  http.StatusUnprocessableEntity,
	apperr.KindSlotTaken:     http.StatusConflict,
	apperr.KindDuplicate:     http.StatusOK,
	apperr.KindAlreadyLocked: http.StatusConflict,
	apperr.KindStorage:       http.StatusServiceUnavailable,
	apperr.KindNotFound:      http.StatusNotFound,
	apperr.KindRateLimited:   http.StatusTooManyRequests,
}

func StatusFor(kind apperr.Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

// writeError renders err as an ErrorResponse. Untyped errors are reported as storage
// failures without leaking their text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Storage(err, "internal error")
	}
	status := StatusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", GetRequestID(r.Context()),
			"path", r.URL.Path,
			"kind", e.Kind,
			"err", err,
		)
	}
	if e.Kind == apperr.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, ErrorResponse{Error: string(e.Kind), Message: e.Message, Details: e.Details})
}

func validationError(message string) error {
	return apperr.New(apperr.KindValidation, message)
}
