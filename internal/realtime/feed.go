package realtime

import (
	"sync"
	"time"
)

// Feed keeps the most recent envelopes so polling clients can catch up on what pushed clients
// already saw. Entries fall out when the ring is full or when they are older than the TTL.
type Feed struct {
	mu      sync.Mutex
	entries []feedEntry
	next    int
	full    bool
	seq     int64
	ttl     time.Duration
	now     func() time.Time
}

type feedEntry struct {
	seq int64
	at  time.Time
	env Envelope
}

func NewFeed(size int, ttl time.Duration) *Feed {
	if size <= 0 {
		size = 50
	}
	return &Feed{entries: make([]feedEntry, size), ttl: ttl, now: time.Now}
}

// Append stores env and returns its cursor.
func (f *Feed) Append(env Envelope) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.entries[f.next] = feedEntry{seq: f.seq, at: f.now(), env: env}
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
	return f.seq
}

// Cursor is the cursor of the newest entry, 0 when nothing was appended yet.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// Since returns live entries appended after cursor, oldest first, that keep returns true for,
// together with the newest cursor.
func (f *Feed) Since(cursor int64, keep func(Envelope) bool) ([]Envelope, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.next
	start := 0
	if f.full {
		n = len(f.entries)
		start = f.next
	}

	var cutoff time.Time
	if f.ttl > 0 {
		cutoff = f.now().Add(-f.ttl)
	}

	out := make([]Envelope, 0)
	for i := 0; i < n; i++ {
		e := f.entries[(start+i)%len(f.entries)]
		if e.seq <= cursor || e.at.Before(cutoff) {
			continue
		}
		if keep != nil && !keep(e.env) {
			continue
		}
		out = append(out, e.env)
	}
	return out, f.seq
}
