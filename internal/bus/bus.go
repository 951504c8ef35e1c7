// Package bus provides the Redis publish/subscribe event channel between the
// order origination surface and the fulfillment worker.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Channel names for order lifecycle events.
const (
	ChannelOrdersCreated   = "orders.created"
	ChannelOrdersFulfilled = "orders.fulfilled"
)

// OrderCreatedEvent triggers fulfillment. Delivered after the external
// governance gate has approved the order.
type OrderCreatedEvent struct {
	OrderID uuid.UUID `json:"order_id"`
}

// OrderFulfilledEvent is published when a fulfillment unit commits.
type OrderFulfilledEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	Currency      string          `json:"currency"`
}

// Bus wraps a Redis client for JSON pub/sub.
type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

// Connect creates a Bus and verifies connectivity.
func Connect(ctx context.Context, redisURL string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: ping redis: %w", err)
	}
	return &Bus{client: client, logger: logger}, nil
}

// PublishJSON marshals v and publishes it on the channel.
func (b *Bus) PublishJSON(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// SubscribeOrdersCreated subscribes to the orders.created channel. The caller
// owns the returned subscription and must Close it.
func (b *Bus) SubscribeOrdersCreated(ctx context.Context) (*redis.PubSub, error) {
	sub := b.client.Subscribe(ctx, ChannelOrdersCreated)
	// Force the subscription to be established before the caller starts
	// consuming, so no early events are dropped silently.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", ChannelOrdersCreated, err)
	}
	return sub, nil
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
