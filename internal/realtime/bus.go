package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel carries order changes between the processes sharing a Redis.
const DefaultChannel = "smsverify:order_changes"

const publishTimeout = 2 * time.Second

type changeEnvelope struct {
	UserID string                  `json:"user_id"`
	Event  fulfillment.ChangeEvent `json:"event"`
}

type publishCommands interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher implements fulfillment.ChangePublisher by publishing to a Redis channel, so
// changes committed by the reconciler reach the server's subscribers.
type RedisPublisher struct {
	client  publishCommands
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher publishes to channel, DefaultChannel when empty.
func NewRedisPublisher(client redis.Cmdable, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Publish implements fulfillment.ChangePublisher. A failed publish is logged; the change itself
// is already committed and clients see it on their next read.
func (publisher *RedisPublisher) Publish(userID string, event fulfillment.ChangeEvent) {
	payload, err := json.Marshal(changeEnvelope{UserID: userID, Event: event})
	if err != nil {
		publisher.logger.Error("encode change event", zap.String("user_id", userID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := publisher.client.Publish(ctx, publisher.channel, payload).Err(); err != nil {
		publisher.logger.Warn("publish change event",
			zap.String("user_id", userID),
			zap.String("event", event.Type),
			zap.String("channel", publisher.channel),
			zap.Error(err))
	}
}

// Listen subscribes to channel and fans every received change out to the local subscribers
// until ctx ends or the returned PubSub is closed.
func (hub *Hub) Listen(ctx context.Context, client redis.UniversalClient, channel string) (*redis.PubSub, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	hub.logger.Info("listening for order changes", zap.String("channel", channel))
	go hub.relay(ctx, pubsub.Channel())
	return pubsub, nil
}

func (hub *Hub) relay(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			var envelope changeEnvelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				hub.logger.Warn("decode change event", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			if envelope.UserID == "" {
				continue
			}
			hub.Publish(envelope.UserID, envelope.Event)
		}
	}
}
