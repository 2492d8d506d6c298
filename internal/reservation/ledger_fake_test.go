package reservation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// memLedger is an in-memory Ledger. WithSlotTx holds a per-slot mutex from LockSlot until the
// transaction ends and applies staged writes only on success, like the Postgres ledger.
type memLedger struct {
	mu     sync.Mutex
	rows   map[int64]*Reservation
	nextID int64
	events []EventLog

	slotLocks sync.Map
	lockCalls atomic.Int32

	updateErr error
	txErr     error
	now       func() time.Time
}

func newMemLedger(now func() time.Time) *memLedger {
	return &memLedger{rows: map[int64]*Reservation{}, now: now}
}

func clone(r *Reservation) *Reservation {
	cp := *r
	return &cp
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func (l *memLedger) GetByID(_ context.Context, id int64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[id]; ok {
		return clone(r), nil
	}
	return nil, ErrReservationNotFound
}

func (l *memLedger) GetByStrongID(_ context.Context, strongID string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.StrongID == strongID {
			return clone(r), nil
		}
	}
	return nil, ErrReservationNotFound
}

func (l *memLedger) GetByIdempotencyKey(_ context.Context, key string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return clone(r), nil
		}
	}
	return nil, ErrReservationNotFound
}

func (l *memLedger) ListActiveBetween(_ context.Context, employeeID int64, from, to time.Time, excludeID int64) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reservation
	for _, r := range l.rows {
		if r.EmployeeID == employeeID && r.Status.Active() && r.ID != excludeID &&
			!r.ScheduledAt.Before(from) && r.ScheduledAt.Before(to) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (l *memLedger) ListByEmail(_ context.Context, email string, limit int) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reservation
	for _, r := range l.rows {
		if r.CustomerEmail == email {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) CountCreatedSince(_ context.Context, email string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rows {
		if r.CustomerEmail == email && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) UpdateStatus(_ context.Context, id int64, from []Status, to Status) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.updateErr != nil {
		return nil, l.updateErr
	}
	r, ok := l.rows[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	for _, s := range from {
		if r.Status == s {
			r.Status = to
			r.UpdatedAt = l.now()
			return clone(r), nil
		}
	}
	return nil, ErrReservationNotFound
}

func (l *memLedger) InsertEvent(_ context.Context, ev EventLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memLedger) WithSlotTx(ctx context.Context, fn func(tx SlotTx) error) error {
	if l.txErr != nil {
		return l.txErr
	}
	tx := &memTx{l: l}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range tx.inserts {
		if r.IdempotencyKey != nil {
			for _, existing := range l.rows {
				if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *r.IdempotencyKey {
					return ErrDuplicateIdempotencyKey
				}
			}
		}
	}
	for _, r := range tx.inserts {
		l.rows[r.ID] = r
	}
	for id, at := range tx.moves {
		l.rows[id].ScheduledAt = at
		l.rows[id].UpdatedAt = l.now()
	}
	return nil
}

type memTx struct {
	l       *memLedger
	held    []*sync.Mutex
	inserts []*Reservation
	moves   map[int64]time.Time
}

func (t *memTx) unlockAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
}

func (t *memTx) LockSlot(_ context.Context, employeeID int64, at time.Time) error {
	t.l.lockCalls.Add(1)
	v, _ := t.l.slotLocks.LoadOrStore(SlotLockKey(employeeID, at), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	t.held = append(t.held, mu)
	return nil
}

func (t *memTx) FindActiveAt(_ context.Context, employeeID int64, at time.Time, excludeID int64) (*Reservation, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	for _, r := range t.l.rows {
		if r.EmployeeID == employeeID && r.ScheduledAt.Equal(at) && r.Status.Active() && r.ID != excludeID {
			return clone(r), nil
		}
	}
	return nil, ErrReservationNotFound
}

func (t *memTx) Insert(_ context.Context, r *Reservation, strongID func(id int64) string) (*Reservation, error) {
	t.l.mu.Lock()
	t.l.nextID++
	id := t.l.nextID
	t.l.mu.Unlock()

	row := clone(r)
	row.ID = id
	row.StrongID = strongID(id)
	row.CreatedAt = t.l.now()
	row.UpdatedAt = row.CreatedAt
	t.inserts = append(t.inserts, row)
	return clone(row), nil
}

func (t *memTx) MoveTo(_ context.Context, id int64, at time.Time) (*Reservation, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	r, ok := t.l.rows[id]
	if !ok || !r.Status.Active() {
		return nil, ErrReservationNotFound
	}
	if t.moves == nil {
		t.moves = map[int64]time.Time{}
	}
	t.moves[id] = at
	moved := clone(r)
	moved.ScheduledAt = at
	return moved, nil
}

var errBoom = errors.New("boom")
