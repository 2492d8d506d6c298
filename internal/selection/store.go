// Package selection records short-lived, advisory "someone is looking at this slot" presence.
package selection

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/apperr"
)

const (
	TierRedis    = "redis"
	TierPostgres = "postgres"
)

// ErrAlreadyLocked is returned by tiers that reject a key held by another client.
var ErrAlreadyLocked = apperr.New(apperr.KindAlreadyLocked, "slot is being held by another user")

// Key identifies one slot: a date (YYYY-MM-DD), an employee and a start time (HH:MM).
type Key struct {
	Date       string
	EmployeeID int64
	Time       string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Date, k.EmployeeID, k.Time)
}

type Selection struct {
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the capability both tiers implement. Exactly one is chosen at startup.
//
// The tiers differ on purpose: the Redis tier overwrites whatever holder a key has,
// the Postgres tier refuses with ErrAlreadyLocked while another client's entry is live.
type Store interface {
	TrySelect(ctx context.Context, key Key, clientID string) (Selection, error)
	Release(ctx context.Context, key Key) error
	// ListActive returns every unexpired selection for the day and employee, keyed by time.
	ListActive(ctx context.Context, date string, employeeID int64) (map[string]Selection, error)
	Tier() string
	TTL() time.Duration
}
