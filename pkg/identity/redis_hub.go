package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "chatassist:identity"

// RedisHub distributes identity events over Redis Pub/Sub so a logout
// reaches every chat instance.
type RedisHub struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisHub(client redis.UniversalClient, channel string, logger *slog.Logger) (*RedisHub, error) {
	if client == nil {
		return nil, errors.New("identity hub requires a redis client")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: channel, logger: logger}, nil
}

func (h *RedisHub) Publish(ctx context.Context, e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode identity event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish identity event: %w", err)
	}
	return nil
}

// Subscribe returns once the Redis subscription is confirmed. Malformed
// payloads are logged and skipped.
func (h *RedisHub) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := h.client.Subscribe(ctx, h.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe identity events: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil || e.validate() != nil {
					h.logger.Warn("identity event dropped", "channel", h.channel, "payload", msg.Payload, "err", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
