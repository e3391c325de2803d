package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// RedisEventQueue публикует события в Redis list.
type RedisEventQueue struct {
	client *redis.Client
	key    string
}

var _ domain.EventPublisher = (*RedisEventQueue)(nil)

// NewRedisEventQueue создаёт очередь по указанному ключу.
func NewRedisEventQueue(client *redis.Client, key string) *RedisEventQueue {
	return &RedisEventQueue{client: client, key: key}
}

// Publish кладёт событие в голову списка.
func (q *RedisEventQueue) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Pop блокирующе читает самое старое событие.
func (q *RedisEventQueue) Pop(ctx context.Context) (domain.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Event{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.Event{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.Event{}, err
		}
		if len(res) != 2 {
			return domain.Event{}, errors.New("redis queue: unexpected response")
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(res[1]), &event); err != nil {
			return domain.Event{}, fmt.Errorf("decode event: %w", err)
		}
		return event, nil
	}
}
