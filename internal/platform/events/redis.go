package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "slotbook.bookings"

// RedisPublisher publishes event envelopes to a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if rdb == nil {
		panic("events: redis client required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	env, err := NewEnvelope(evt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish %s to %s: %w", env.EventType, p.channel, err)
	}
	return nil
}

// DecodeMessage parses a pub/sub message produced by RedisPublisher.
func DecodeMessage(msg *redis.Message) (Envelope, Event, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("events: decode envelope: %w", err)
	}
	evt, err := env.Decode()
	if err != nil {
		return env, nil, err
	}
	return env, evt, nil
}
