package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel carries seat change batches between processes.
const DefaultRedisChannel = "seathold:seat-changes"

var ErrInvalidRedisNotifier = errors.New("invalid redis notifier")

// RedisPublisher publishes seat change batches to a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
}

// NewRedisPublisher constructs a RedisPublisher.
func NewRedisPublisher(client redis.Cmdable, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidRedisNotifier)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish implements seating.Notifier.
func (publisher *RedisPublisher) Publish(ctx context.Context, changes []seating.SeatChange) error {
	if len(changes) == 0 {
		return nil
	}
	payload, err := EncodeSeatChanges(changes)
	if err != nil {
		return err
	}
	if err := publisher.client.Publish(ctx, publisher.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", publisher.channel, err)
	}
	return nil
}

// RedisRelay forwards batches received on the Redis channel to a local notifier,
// usually the process's Broadcaster.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	target  seating.Notifier
	logger  *zap.Logger
}

// NewRedisRelay constructs a RedisRelay.
func NewRedisRelay(client redis.UniversalClient, channel string, target seating.Notifier, logger *zap.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidRedisNotifier)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRedisNotifier)
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, target: target, logger: logger}, nil
}

// Run relays until ctx is done.
func (relay *RedisRelay) Run(ctx context.Context) error {
	subscription := relay.client.Subscribe(ctx, relay.channel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", relay.channel, err)
	}
	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			relay.forward(ctx, message.Payload)
		}
	}
}

func (relay *RedisRelay) forward(ctx context.Context, payload string) {
	changes, err := DecodeSeatChanges([]byte(payload))
	if err != nil {
		relay.logger.Warn("discarding malformed seat change batch", zap.String("channel", relay.channel), zap.Error(err))
		return
	}
	if err := relay.target.Publish(ctx, changes); err != nil {
		relay.logger.Warn("relay publish failed", zap.String("channel", relay.channel), zap.Error(err))
	}
}
