package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the fallback tier needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the fallback tier, used when Redis is unreachable at startup.
type PgStore struct {
	db  DB
	ttl time.Duration
}

var _ Store = (*PgStore)(nil)

func NewPgStore(db DB, ttl time.Duration) *PgStore {
	return &PgStore{db: db, ttl: ttl}
}

func (s *PgStore) Tier() string       { return TierPostgres }
func (s *PgStore) TTL() time.Duration { return s.ttl }

// TrySelect claims the key for clientID. A live entry held by a different client wins.
// The same client re-selecting keeps its original creation time and gets a fresh expiry.
func (s *PgStore) TrySelect(ctx context.Context, key Key, clientID string) (Selection, error) {
	var sel Selection
	err := s.db.QueryRow(ctx, `
		INSERT INTO slot_selections (slot_date, employee_id, slot_time, client_id, created_at, expires_at)
		VALUES ($1::date, $2, $3, $4, now(), now() + $5 * interval '1 second')
		ON CONFLICT (slot_date, employee_id, slot_time) DO UPDATE
		SET client_id  = EXCLUDED.client_id,
		    created_at = CASE
		                   WHEN slot_selections.client_id = EXCLUDED.client_id
		                    AND slot_selections.expires_at > now()
		                   THEN slot_selections.created_at
		                   ELSE EXCLUDED.created_at
		                 END,
		    expires_at = EXCLUDED.expires_at
		WHERE slot_selections.client_id = EXCLUDED.client_id
		   OR slot_selections.expires_at <= now()
		RETURNING client_id, created_at, expires_at
	`, key.Date, key.EmployeeID, key.Time, clientID, s.ttl.Seconds()).Scan(&sel.ClientID, &sel.CreatedAt, &sel.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Selection{}, ErrAlreadyLocked
		}
		return Selection{}, fmt.Errorf("select %s: %w", key, err)
	}
	return sel, nil
}

func (s *PgStore) Release(ctx context.Context, key Key) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM slot_selections
		WHERE slot_date = $1::date AND employee_id = $2 AND slot_time = $3
	`, key.Date, key.EmployeeID, key.Time)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *PgStore) ListActive(ctx context.Context, date string, employeeID int64) (map[string]Selection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT slot_time, client_id, created_at, expires_at
		FROM slot_selections
		WHERE slot_date = $1::date
		  AND employee_id = $2
		  AND expires_at > now()
	`, date, employeeID)
	if err != nil {
		return nil, fmt.Errorf("list selections %s/%d: %w", date, employeeID, err)
	}
	defer rows.Close()

	out := make(map[string]Selection)
	for rows.Next() {
		var slot string
		var sel Selection
		if err := rows.Scan(&slot, &sel.ClientID, &sel.CreatedAt, &sel.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		out[slot] = sel
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list selections %s/%d: %w", date, employeeID, err)
	}
	return out, nil
}

// Sweep deletes expired rows and reports how many went.
func (s *PgStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM slot_selections WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep selections: %w", err)
	}
	return tag.RowsAffected(), nil
}
