package reservation

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the reservation still occupies its slot.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusConfirmed
}

type Reservation struct {
	ID             int64     `json:"id"`
	StrongID       string    `json:"strong_id"`
	CustomerName   string    `json:"customer_name"`
	CustomerEmail  string    `json:"customer_email"`
	CustomerPhone  string    `json:"customer_phone,omitempty"`
	ServiceID      int64     `json:"service_id"`
	EmployeeID     int64     `json:"employee_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Status         Status    `json:"status"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type EventLog struct {
	ID            int64
	EventType     string
	ReservationID *int64
	Payload       json.RawMessage
	CreatedAt     time.Time
}
