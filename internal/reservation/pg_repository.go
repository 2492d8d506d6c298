package reservation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	activeSlotIndex     = "reservations_active_slot_uniq"
	idempotencyKeyIndex = "reservations_idempotency_key_uniq"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgLedger struct {
	db DB
}

var _ Ledger = (*PgLedger)(nil)

func NewPgLedger(db DB) *PgLedger {
	return &PgLedger{db: db}
}

const reservationColumns = `id, COALESCE(strong_id, ''), customer_name, customer_email, customer_phone,
	service_id, employee_id, scheduled_at, status, idempotency_key, created_at, updated_at`

// Helpers

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var status string

	err := row.Scan(
		&r.ID,
		&r.StrongID,
		&r.CustomerName,
		&r.CustomerEmail,
		&r.CustomerPhone,
		&r.ServiceID,
		&r.EmployeeID,
		&r.ScheduledAt,
		&status,
		&r.IdempotencyKey,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	r.Status = Status(status)
	return &r, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// mapWriteError turns constraint violations into ledger sentinels.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if pgErr.ConstraintName == idempotencyKeyIndex {
			return ErrDuplicateIdempotencyKey
		}
		return ErrSlotConflict
	case "23503":
		return ErrUnknownReference
	}
	return err
}

// SlotLockKey maps an (employee, start) pair onto a Postgres advisory lock key.
func SlotLockKey(employeeID int64, at time.Time) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "reservation-slot|%d|%d", employeeID, at.Unix())
	return int64(h.Sum64())
}

// Reads

func (l *PgLedger) GetByID(ctx context.Context, id int64) (*Reservation, error) {
	row := l.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	return scanReservation(row)
}

func (l *PgLedger) GetByStrongID(ctx context.Context, strongID string) (*Reservation, error) {
	row := l.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE strong_id = $1`, strongID)
	return scanReservation(row)
}

func (l *PgLedger) GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	row := l.db.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = $1`, key)
	return scanReservation(row)
}

func (l *PgLedger) ListActiveBetween(ctx context.Context, employeeID int64, from, to time.Time, excludeID int64) ([]Reservation, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE employee_id = $1
		  AND scheduled_at >= $2
		  AND scheduled_at < $3
		  AND status IN ('created', 'confirmed')
		  AND id <> $4
		ORDER BY scheduled_at
	`, employeeID, from, to, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list reservations for employee %d: %w", employeeID, err)
	}
	return collectReservations(rows)
}

func (l *PgLedger) ListByEmail(ctx context.Context, email string, limit int) ([]Reservation, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE customer_email = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("list reservations by email: %w", err)
	}
	return collectReservations(rows)
}

func (l *PgLedger) CountCreatedSince(ctx context.Context, email string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRow(ctx, `
		SELECT count(*) FROM reservations WHERE customer_email = $1 AND created_at >= $2
	`, email, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent reservations: %w", err)
	}
	return n, nil
}

// Writes

func (l *PgLedger) UpdateStatus(ctx context.Context, id int64, from []Status, to Status) (*Reservation, error) {
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}

	row := l.db.QueryRow(ctx, `
		UPDATE reservations
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+reservationColumns, id, string(to), fromText)

	return scanReservation(row)
}

func (l *PgLedger) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO reservation_events (event_type, reservation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.ReservationID, []byte(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reservation event: %w", err)
	}
	return nil
}

func (l *PgLedger) WithSlotTx(ctx context.Context, fn func(tx SlotTx) error) (err error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgSlotTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapWriteError(err))
	}
	return nil
}

type pgSlotTx struct {
	tx pgx.Tx
}

func (t *pgSlotTx) LockSlot(ctx context.Context, employeeID int64, at time.Time) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, SlotLockKey(employeeID, at)); err != nil {
		return fmt.Errorf("lock slot: %w", err)
	}
	return nil
}

func (t *pgSlotTx) FindActiveAt(ctx context.Context, employeeID int64, at time.Time, excludeID int64) (*Reservation, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE employee_id = $1
		  AND scheduled_at = $2
		  AND status IN ('created', 'confirmed')
		  AND id <> $3
		LIMIT 1
		FOR UPDATE
	`, employeeID, at, excludeID)
	r, err := scanReservation(row)
	if err != nil && !errors.Is(err, ErrReservationNotFound) {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	return r, err
}

func (t *pgSlotTx) Insert(ctx context.Context, r *Reservation, strongID func(id int64) string) (*Reservation, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO reservations (customer_name, customer_email, customer_phone, service_id, employee_id,
		                          scheduled_at, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+reservationColumns,
		r.CustomerName, r.CustomerEmail, r.CustomerPhone, r.ServiceID, r.EmployeeID,
		r.ScheduledAt, string(r.Status), r.IdempotencyKey)
	created, err := scanReservation(row)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", mapWriteError(err))
	}

	created.StrongID = strongID(created.ID)
	if _, err := t.tx.Exec(ctx, `UPDATE reservations SET strong_id = $2 WHERE id = $1`, created.ID, created.StrongID); err != nil {
		return nil, fmt.Errorf("set strong id: %w", mapWriteError(err))
	}
	return created, nil
}

func (t *pgSlotTx) MoveTo(ctx context.Context, id int64, at time.Time) (*Reservation, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE reservations
		SET scheduled_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('created', 'confirmed')
		RETURNING `+reservationColumns, id, at)
	r, err := scanReservation(row)
	if err != nil && !errors.Is(err, ErrReservationNotFound) {
		return nil, fmt.Errorf("move reservation: %w", mapWriteError(err))
	}
	return r, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
