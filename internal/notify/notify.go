// Package notify hands reservation lifecycle events to the notification collaborator.
// Delivery (email, SMS) happens downstream; this package only publishes.
package notify

import (
	"context"
	"time"
)

const (
	EventCreated     = "reservation.created"
	EventConfirmed   = "reservation.confirmed"
	EventCancelled   = "reservation.cancelled"
	EventRescheduled = "reservation.rescheduled"
)

type Event struct {
	Type          string     `json:"type"`
	ReservationID int64      `json:"reservation_id"`
	StrongID      string     `json:"strong_id"`
	EmployeeID    int64      `json:"employee_id"`
	ServiceID     int64      `json:"service_id"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	PreviousAt    *time.Time `json:"previous_at,omitempty"`
	Status        string     `json:"status"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
