package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/metrics"
	"github.com/eldtechnologies/confab/internal/models"
)

// RedisBroker fans out through Redis Pub/Sub, one channel per session.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBroker uses an existing client; Close does not close it.
func NewRedisBroker(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func redisChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:messages", sessionID)
}

func (b *RedisBroker) Publish(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel(msg.SessionID), data).Err(); err != nil {
		metrics.FeedPublishErrors.WithLabelValues(BackendRedis).Inc()
		return fmt.Errorf("publish to %s: %w", redisChannel(msg.SessionID), err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	channel := redisChannel(sessionID)
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so no publish is missed
	// between Subscribe returning and the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	r := newRelay(BackendRedis)
	go func() {
		defer r.close()
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-incoming:
				if !ok {
					return
				}
				var row models.Message
				if err := json.Unmarshal([]byte(m.Payload), &row); err != nil {
					b.logger.Error().Err(err).Str("channel", channel).Msg("dropping malformed feed payload")
					continue
				}
				if r.offer(row) {
					b.logger.Warn().Str("channel", channel).Msg("feed subscriber fell behind, disconnecting")
					return
				}
			}
		}
	}()
	return r.ch, nil
}

func (b *RedisBroker) Close() error {
	return nil
}
