package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// курсор меняется только вперёд
var saveCursorScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local new = tonumber(ARGV[2])
if new > cur then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 1
`)

// RedisStore хранит токены, курсоры и подписки в хешах Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ domain.Storage = (*RedisStore)(nil)

// NewRedis создаёт хранилище с префиксом ключей.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pubchat"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) LoadToken(ctx context.Context, serverURL string) (string, error) {
	start := time.Now()
	token, err := s.client.HGet(ctx, s.key("tokens"), serverURL).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveNetworkRequest("redis", "tokens_load", "tokens", start, err)
	return token, err
}

// SaveToken сохраняет токен. Пустой токен удаляет запись.
func (s *RedisStore) SaveToken(ctx context.Context, serverURL, token string) error {
	start := time.Now()
	var err error
	if token == "" {
		err = s.client.HDel(ctx, s.key("tokens"), serverURL).Err()
	} else {
		err = s.client.HSet(ctx, s.key("tokens"), serverURL, token).Err()
	}
	metrics.ObserveNetworkRequest("redis", "tokens_store", "tokens", start, err)
	return err
}

func (s *RedisStore) LoadLastSeenID(ctx context.Context, conversationID string) (int64, error) {
	start := time.Now()
	id, err := s.client.HGet(ctx, s.key("cursors"), conversationID).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveNetworkRequest("redis", "cursors_load", "cursors", start, err)
	return id, err
}

func (s *RedisStore) SaveLastSeenID(ctx context.Context, conversationID string, id int64) error {
	start := time.Now()
	err := saveCursorScript.Run(ctx, s.client, []string{s.key("cursors")}, conversationID, id).Err()
	metrics.ObserveNetworkRequest("redis", "cursors_store", "cursors", start, err)
	return err
}

func subField(serverURL string, channelID int64) string {
	return serverURL + "|" + strconv.FormatInt(channelID, 10)
}

// ListSubscriptions возвращает подписки, отсортированные по серверу и каналу.
func (s *RedisStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	start := time.Now()
	values, err := s.client.HGetAll(ctx, s.key("subscriptions")).Result()
	metrics.ObserveNetworkRequest("redis", "subscriptions_list", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	subs := make([]domain.Subscription, 0, len(values))
	for field, raw := range values {
		var sub domain.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", field, err)
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if c := strings.Compare(subs[i].ServerURL, subs[j].ServerURL); c != 0 {
			return c < 0
		}
		return subs[i].ChannelID < subs[j].ChannelID
	})
	return subs, nil
}

func (s *RedisStore) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	start := time.Now()
	err = s.client.HSet(ctx, s.key("subscriptions"), subField(sub.ServerURL, sub.ChannelID), payload).Err()
	metrics.ObserveNetworkRequest("redis", "subscriptions_store", "subscriptions", start, err)
	return err
}

func (s *RedisStore) DeleteSubscription(ctx context.Context, serverURL string, channelID int64) error {
	start := time.Now()
	err := s.client.HDel(ctx, s.key("subscriptions"), subField(serverURL, channelID)).Err()
	metrics.ObserveNetworkRequest("redis", "subscriptions_delete", "subscriptions", start, err)
	return err
}

// Once выполняет fn, если ключ ещё не занят. При ошибке fn ключ освобождается.
func (s *RedisStore) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	ok, err := s.client.SetNX(ctx, s.key(key), "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = s.client.Del(ctx, s.key(key)).Err()
		return err
	}
	return nil
}
