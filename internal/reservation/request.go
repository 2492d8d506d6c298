package reservation

import "strings"

// CreateRequest is the create payload. Field names match the JSON API.
type CreateRequest struct {
	CustomerName   string `json:"name" validate:"required,max=120"`
	CustomerEmail  string `json:"email" validate:"required,email,max=254"`
	CustomerPhone  string `json:"phone" validate:"omitempty,max=32"`
	ServiceID      int64  `json:"service_id" validate:"required,gt=0"`
	EmployeeID     int64  `json:"employee_id" validate:"required,gt=0"`
	ScheduledAt    string `json:"scheduled_at" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128,printascii"`
}

func (r *CreateRequest) normalize() {
	r.CustomerName = strings.TrimSpace(r.CustomerName)
	r.CustomerEmail = strings.ToLower(strings.TrimSpace(r.CustomerEmail))
	r.CustomerPhone = strings.TrimSpace(r.CustomerPhone)
	r.ScheduledAt = strings.TrimSpace(r.ScheduledAt)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
}

type RescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at" validate:"required"`
}

type CreateResult struct {
	Reservation *Reservation
	// Replayed is set when the idempotency key matched an earlier reservation.
	Replayed bool
}
