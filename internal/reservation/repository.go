package reservation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrSlotConflict means the storage layer refused a second live reservation for the same slot.
	ErrSlotConflict = errors.New("slot already has a live reservation")
	// ErrDuplicateIdempotencyKey means another row already carries the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrUnknownReference means the service or employee does not exist.
	ErrUnknownReference = errors.New("unknown service or employee")
)

// Ledger is the durable store of reservations. Only the Manager writes through it.
type Ledger interface {
	GetByID(ctx context.Context, id int64) (*Reservation, error)
	GetByStrongID(ctx context.Context, strongID string) (*Reservation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)

	// ListActiveBetween returns live reservations for the employee with from <= scheduled_at < to,
	// leaving out excludeID (0 excludes nothing).
	ListActiveBetween(ctx context.Context, employeeID int64, from, to time.Time, excludeID int64) ([]Reservation, error)
	ListByEmail(ctx context.Context, email string, limit int) ([]Reservation, error)
	CountCreatedSince(ctx context.Context, email string, since time.Time) (int, error)

	UpdateStatus(ctx context.Context, id int64, from []Status, to Status) (*Reservation, error)
	InsertEvent(ctx context.Context, ev EventLog) error

	// WithSlotTx runs fn in one transaction, committing when fn returns nil.
	WithSlotTx(ctx context.Context, fn func(tx SlotTx) error) error
}

// SlotTx is the conflict-safe part of the ledger, valid only inside WithSlotTx.
type SlotTx interface {
	// LockSlot serialises writers of one (employee, start) pair until the transaction ends.
	LockSlot(ctx context.Context, employeeID int64, at time.Time) error
	// FindActiveAt locks and returns the live reservation at the slot, or ErrReservationNotFound.
	FindActiveAt(ctx context.Context, employeeID int64, at time.Time, excludeID int64) (*Reservation, error)
	// Insert stores r and assigns its id; strongID derives the external reference from that id.
	Insert(ctx context.Context, r *Reservation, strongID func(id int64) string) (*Reservation, error)
	// MoveTo changes the start of a live reservation. A cancelled one yields ErrReservationNotFound.
	MoveTo(ctx context.Context, id int64, at time.Time) (*Reservation, error)
}
