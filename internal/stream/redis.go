package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"threadflow/internal/models"
	"threadflow/internal/redis"
)

const (
	// bufferTTL is a garbage-collection backstop: finished generations drop
	// their deltas explicitly, the TTL only catches crashed workers.
	bufferTTL = 30 * time.Minute

	deltaKeyPrefix   = "stream:deltas:"
	eventChanPrefix  = "stream:events:"
	subscribeBacklog = 64
)

// RedisBuffer keeps each generation's fragments in a redis list and fans
// events out to subscribers over pub/sub.
type RedisBuffer struct {
	client *redis.Client
}

func NewRedisBuffer(client *redis.Client) *RedisBuffer {
	return &RedisBuffer{client: client}
}

func deltaKey(generationID int64) string {
	return fmt.Sprintf("%s%d", deltaKeyPrefix, generationID)
}

func eventChannel(generationID int64) string {
	return fmt.Sprintf("%s%d", eventChanPrefix, generationID)
}

func (b *RedisBuffer) Append(ctx context.Context, delta models.Delta) error {
	if b == nil || b.client == nil {
		return errors.New("redis buffer not initialized")
	}
	key := deltaKey(delta.GenerationID)
	if err := b.client.RPush(ctx, key, delta.Fragment); err != nil {
		return fmt.Errorf("append delta: %w", err)
	}
	if err := b.client.Expire(ctx, key, bufferTTL); err != nil {
		log.Printf("delta buffer expire failed: %v", err)
	}
	b.publish(ctx, delta.GenerationID, Event{Delta: &delta})
	return nil
}

func (b *RedisBuffer) Range(ctx context.Context, generationID int64, from int) ([]models.Delta, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("redis buffer not initialized")
	}
	if from < 0 {
		from = 0
	}
	fragments, err := b.client.LRange(ctx, deltaKey(generationID), int64(from), -1)
	if err != nil {
		return nil, fmt.Errorf("range deltas: %w", err)
	}
	deltas := make([]models.Delta, 0, len(fragments))
	for i, fragment := range fragments {
		deltas = append(deltas, models.Delta{
			GenerationID: generationID,
			Sequence:     from + i,
			Fragment:     fragment,
		})
	}
	return deltas, nil
}

func (b *RedisBuffer) Finish(ctx context.Context, generationID int64, status models.Status) error {
	if b == nil || b.client == nil {
		return errors.New("redis buffer not initialized")
	}
	b.publish(ctx, generationID, Event{Done: true, Status: status})
	return nil
}

func (b *RedisBuffer) Drop(ctx context.Context, generationIDs ...int64) error {
	if b == nil || b.client == nil {
		return errors.New("redis buffer not initialized")
	}
	if len(generationIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(generationIDs))
	for _, id := range generationIDs {
		keys = append(keys, deltaKey(id))
	}
	if err := b.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("drop deltas: %w", err)
	}
	return nil
}

func (b *RedisBuffer) Subscribe(ctx context.Context, generationID int64) (<-chan Event, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, errors.New("redis buffer not initialized")
	}
	raw := b.client.Raw()
	if raw == nil {
		return nil, nil, errors.New("redis buffer not initialized")
	}
	pubsub := raw.Subscribe(ctx, eventChannel(generationID))
	out := make(chan Event, subscribeBacklog)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("stream event decode failed: %v", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Done {
				return
			}
		}
	}()
	cancel := func() {
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

func (b *RedisBuffer) publish(ctx context.Context, generationID int64, ev Event) {
	raw := b.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("stream event marshal failed: %v", err)
		return
	}
	if err := raw.Publish(ctx, eventChannel(generationID), payload).Err(); err != nil {
		log.Printf("stream event publish failed: %v", err)
	}
}
