package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-reservation-engine/internal/realtime"
)

// Deliverer hands an envelope to the clients connected to this instance.
type Deliverer interface {
	Deliver(env realtime.Envelope)
}

// Bridge publishes realtime envelopes on a Redis channel so every API instance sees them,
// and feeds what it receives into the local hub.
type Bridge struct {
	rdb     *redis.Client
	channel string
	local   Deliverer
	log     *slog.Logger
}

var _ realtime.Publisher = (*Bridge)(nil)

type wireMessage struct {
	Origin   string            `json:"origin,omitempty"`
	Envelope realtime.Envelope `json:"envelope"`
}

func NewBridge(rdb *redis.Client, channel string, local Deliverer, log *slog.Logger) *Bridge {
	return &Bridge{rdb: rdb, channel: channel, local: local, log: log}
}

// Publish sends env to all instances. If Redis refuses, the envelope is still delivered locally.
func (b *Bridge) Publish(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(wireMessage{Origin: env.Origin, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.Warn("redis publish failed, delivering locally", "type", env.Type, "err", err)
		b.local.Deliver(env)
	}
	return nil
}

// Run subscribes and relays until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("realtime bridge subscribed", "channel", b.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var wm wireMessage
			if err := json.Unmarshal([]byte(msg.Payload), &wm); err != nil {
				b.log.Warn("dropping malformed realtime message", "err", err)
				continue
			}
			env := wm.Envelope
			env.Origin = wm.Origin
			b.local.Deliver(env)
		}
	}
}
