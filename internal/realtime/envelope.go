package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message types carried on the push and poll channels.
const (
	TypeConnection         = "connection"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeHeartbeat          = "heartbeat"
	TypeWatchSlot          = "watch_slot"
	TypeUnwatchSlot        = "unwatch_slot"
	TypeLockSlot           = "lock_slot"
	TypeUnlockSlot         = "unlock_slot"
	TypeSlotLocked         = "slot_locked"
	TypeSlotUnlocked       = "slot_unlocked"
	TypeSlotTaken          = "slot_taken"
	TypeSlotReleased       = "slot_released"
	TypeCheckAvailability  = "check_availability"
	TypeAvailabilityUpdate = "availability_update"
	TypeUpdate             = "update"
	TypeError              = "error"

	// client-local events, never on the wire
	TypeLatency = "latency"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingType       = errors.New("envelope has no type")
)

// Envelope is a typed message. On the wire the payload is flattened next to "type":
// {"type":"slot_taken","date":"2025-06-02",...}.
type Envelope struct {
	Type    string
	Payload map[string]any

	// Origin is the client id that caused the event. Hubs skip it on delivery; it is not serialised.
	Origin string
}

// Publisher fans an envelope out to every interested client.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

func NewEnvelope(typ string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{Type: typ, Payload: payload}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	body := []byte("{}")
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		body = b
	}
	return sjson.SetBytes(body, "type", e.Type)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return ErrMalformedEnvelope
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return ErrMalformedEnvelope
	}
	t := root.Get("type")
	if t.Type != gjson.String || t.String() == "" {
		return ErrMissingType
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	delete(payload, "type")

	e.Type = t.String()
	e.Payload = payload
	return nil
}

// PeekType reads the type field without decoding the rest of the message.
func PeekType(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

func (e Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Int64 reads a numeric payload field. Numbers decoded from JSON arrive as float64.
func (e Envelope) Int64(key string) int64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		_, _ = fmt.Sscan(v, &n)
		return n
	}
	return 0
}
