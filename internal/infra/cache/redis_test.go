package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pubchat-client/internal/domain"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR не задан")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	prefix := "test-" + uuid.NewString()
	store := NewRedis(client, prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
	})
	return store
}

func TestRedisStoreCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if got, err := s.LoadLastSeenID(ctx, "c"); err != nil || got != 0 {
		t.Fatalf("пустой курсор: %d, %v", got, err)
	}
	_ = s.SaveLastSeenID(ctx, "c", 42)
	_ = s.SaveLastSeenID(ctx, "c", 40)
	if got, _ := s.LoadLastSeenID(ctx, "c"); got != 42 {
		t.Fatalf("курсор не должен откатываться, получили %d", got)
	}
}

func TestRedisStoreTokensAndSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.SaveToken(ctx, "https://a", "tok")
	if got, _ := s.LoadToken(ctx, "https://a"); got != "tok" {
		t.Fatalf("ожидали tok, получили %q", got)
	}
	_ = s.SaveToken(ctx, "https://a", "")
	if got, _ := s.LoadToken(ctx, "https://a"); got != "" {
		t.Fatalf("токен должен быть сброшен")
	}

	_ = s.SaveSubscription(ctx, domain.Subscription{ServerURL: "https://b", ChannelID: 2, ConversationID: "b2"})
	_ = s.SaveSubscription(ctx, domain.Subscription{ServerURL: "https://a", ChannelID: 1, ConversationID: "a1"})
	subs, err := s.ListSubscriptions(ctx)
	if err != nil || len(subs) != 2 || subs[0].ServerURL != "https://a" {
		t.Fatalf("неожиданные подписки %+v, %v", subs, err)
	}
	_ = s.DeleteSubscription(ctx, "https://a", 1)
	if subs, _ := s.ListSubscriptions(ctx); len(subs) != 1 {
		t.Fatalf("подписка не удалена")
	}
}

func TestRedisStoreOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	calls := 0
	fn := func() error { calls++; return nil }
	_ = s.Once(ctx, "k", time.Minute, fn)
	_ = s.Once(ctx, "k", time.Minute, fn)
	if calls != 1 {
		t.Fatalf("ожидали один вызов, было %d", calls)
	}
	failing := func() error { return errors.New("boom") }
	if err := s.Once(ctx, "f", time.Minute, failing); err == nil {
		t.Fatalf("ошибка должна вернуться")
	}
	_ = s.Once(ctx, "f", time.Minute, fn)
	if calls != 2 {
		t.Fatalf("после ошибки ключ освобождается")
	}
}
