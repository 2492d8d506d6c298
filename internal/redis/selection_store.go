package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-reservation-engine/internal/selection"
)

// SelectionStore is the primary selection tier. A select always overwrites the current
// holder; entries vanish on their own when the key TTL runs out.
//
// Keys for one (date, employee) share a hash tag so the scripts stay on one cluster slot:
//
//	<prefix>:sel:{2025-06-02:5}:10:00   entry, JSON value, EX ttl
//	<prefix>:sel:{2025-06-02:5}:idx     set of times with an entry
type SelectionStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ selection.Store = (*SelectionStore)(nil)

type entry struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

func NewSelectionStore(rdb *redis.Client, prefix string, ttl time.Duration) *SelectionStore {
	if prefix == "" {
		prefix = "slots"
	}
	return &SelectionStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *SelectionStore) Tier() string       { return selection.TierRedis }
func (s *SelectionStore) TTL() time.Duration { return s.ttl }

func (s *SelectionStore) group(date string, employeeID int64) string {
	return fmt.Sprintf("%s:sel:{%s:%d}", s.prefix, date, employeeID)
}

func (s *SelectionStore) entryKey(key selection.Key) string {
	return s.group(key.Date, key.EmployeeID) + ":" + key.Time
}

func (s *SelectionStore) indexKey(date string, employeeID int64) string {
	return s.group(date, employeeID) + ":idx"
}

var selectScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
if redis.call("TTL", KEYS[2]) < tonumber(ARGV[2]) then
  redis.call("EXPIRE", KEYS[2], ARGV[2])
end
return 1
`)

var releaseScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if redis.call("SCARD", KEYS[2]) == 0 then
  redis.call("DEL", KEYS[2])
end
return 1
`)

// ARGV[1] is the entry key prefix; stale index members are dropped on the way.
var listScript = redis.NewScript(`
local out = {}
for _, t in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local v = redis.call("GET", ARGV[1] .. t)
  if v then
    table.insert(out, t)
    table.insert(out, v)
  else
    redis.call("SREM", KEYS[1], t)
  end
end
return out
`)

func (s *SelectionStore) TrySelect(ctx context.Context, key selection.Key, clientID string) (selection.Selection, error) {
	now := s.now()
	val, err := json.Marshal(entry{ClientID: clientID, Timestamp: now.Unix()})
	if err != nil {
		return selection.Selection{}, fmt.Errorf("encode selection: %w", err)
	}

	ttl := strconv.Itoa(int(s.ttl / time.Second))
	keys := []string{s.entryKey(key), s.indexKey(key.Date, key.EmployeeID)}
	if err := selectScript.Run(ctx, s.rdb, keys, val, ttl, key.Time).Err(); err != nil {
		return selection.Selection{}, fmt.Errorf("select %s: %w", key, err)
	}

	return selection.Selection{ClientID: clientID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}, nil
}

func (s *SelectionStore) Release(ctx context.Context, key selection.Key) error {
	keys := []string{s.entryKey(key), s.indexKey(key.Date, key.EmployeeID)}
	if err := releaseScript.Run(ctx, s.rdb, keys, key.Time).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *SelectionStore) ListActive(ctx context.Context, date string, employeeID int64) (map[string]selection.Selection, error) {
	raw, err := listScript.Run(ctx, s.rdb, []string{s.indexKey(date, employeeID)}, s.group(date, employeeID)+":").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("list selections %s/%d: %w", date, employeeID, err)
	}

	out := make(map[string]selection.Selection, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		var e entry
		if err := json.Unmarshal([]byte(raw[i+1]), &e); err != nil {
			continue
		}
		created := time.Unix(e.Timestamp, 0)
		out[raw[i]] = selection.Selection{ClientID: e.ClientID, CreatedAt: created, ExpiresAt: created.Add(s.ttl)}
	}
	return out, nil
}
