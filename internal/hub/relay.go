package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/raphaelgruber/flowhub/internal/models"
)

type target string

const (
	targetUser   target = "user"
	targetAll    target = "all"
	targetAdmins target = "admins"
)

// envelope is what travels between hub processes.
type envelope struct {
	Origin string       `json:"origin"`
	Target target       `json:"target"`
	UserID string       `json:"user_id,omitempty"`
	Event  models.Event `json:"event"`
}

// Relay forwards events between hub processes. Each process still owns its
// own connections; the relay only widens the audience of a publish.
type Relay interface {
	Publish(ctx context.Context, env envelope) error
	Subscribe(ctx context.Context, fn func(envelope)) error
}

func (h *Hub) consumeRelay(ctx context.Context) {
	err := h.relay.Subscribe(ctx, func(env envelope) {
		if env.Origin == h.origin {
			return
		}
		h.post(func() { h.deliver(env) })
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Error("hub relay subscription ended", "error", err)
	}
}

// RedisRelay relays events over a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay connects to url (redis://host:port/db).
func NewRedisRelay(ctx context.Context, url, channel string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if channel == "" {
		channel = "flowhub:events"
	}
	return &RedisRelay{client: client, channel: channel}, nil
}

// Publish sends env to every subscribed process.
func (r *RedisRelay) Publish(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe calls fn for each relayed envelope until ctx is done.
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
