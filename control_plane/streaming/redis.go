package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on per-tenant Redis Pub/Sub channels so every
// replica's websocket hub sees every event.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, logger: logger.With("component", "redis_publisher")}
}

// Channel returns the Pub/Sub channel of a tenant topic.
func Channel(tenantID, topic string) string {
	if tenantID == "" {
		tenantID = "_"
	}
	return store.TenantKey(tenantID, store.ResourceEvents, topic)
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return p.client.Publish(ctx, Channel(ev.TenantID, topic), data).Err()
}

// Subscribe delivers events of topic from every tenant. topic may be "*".
func (p *RedisPublisher) Subscribe(ctx context.Context, topic string, handler func(event Event)) (Subscription, error) {
	pattern := store.TenantKey("*", store.ResourceEvents, topic)
	ps := p.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			handler(ev)
		}
	}()
	return &redisSubscription{ps: ps}, nil
}

// Close leaves the shared client open; its owner closes it.
func (p *RedisPublisher) Close() error {
	return nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Unsubscribe() error {
	return s.ps.Close()
}
