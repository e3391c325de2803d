package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// Postgres хранит токены, курсоры и подписки в pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Storage = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS server_tokens (
	server_url TEXT PRIMARY KEY,
	token      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_cursors (
	conversation_id TEXT PRIMARY KEY,
	last_seen_id    BIGINT NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS channel_subscriptions (
	server_url      TEXT NOT NULL,
	channel_id      BIGINT NOT NULL,
	conversation_id TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (server_url, channel_id)
);
`

// EnsureSchema создаёт таблицы, если их ещё нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// LoadToken возвращает сохранённый токен сервера или пустую строку.
func (p *Postgres) LoadToken(ctx context.Context, serverURL string) (string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var token string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT token FROM server_tokens WHERE server_url = $1`, serverURL).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "server_tokens_load", "server_tokens", start, nil)
		return "", nil
	}
	metrics.ObserveNetworkRequest("postgres", "server_tokens_load", "server_tokens", start, err)
	if err != nil {
		return "", err
	}
	return token, nil
}

// SaveToken сохраняет токен. Пустой токен означает сброс.
func (p *Postgres) SaveToken(ctx context.Context, serverURL, token string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO server_tokens (server_url, token, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (server_url) DO UPDATE SET token = EXCLUDED.token, updated_at = now()
`, serverURL, token)
	metrics.ObserveNetworkRequest("postgres", "server_tokens_store", "server_tokens", start, err)
	return err
}

// LoadLastSeenID возвращает курсор беседы, 0 если его нет.
func (p *Postgres) LoadLastSeenID(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_seen_id FROM conversation_cursors WHERE conversation_id = $1`, conversationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "cursors_load", "conversation_cursors", start, nil)
		return 0, nil
	}
	metrics.ObserveNetworkRequest("postgres", "cursors_load", "conversation_cursors", start, err)
	return id, err
}

// SaveLastSeenID сохраняет курсор. Курсор не откатывается назад.
func (p *Postgres) SaveLastSeenID(ctx context.Context, conversationID string, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO conversation_cursors (conversation_id, last_seen_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (conversation_id) DO UPDATE
SET last_seen_id = GREATEST(conversation_cursors.last_seen_id, EXCLUDED.last_seen_id), updated_at = now()
`, conversationID, id)
	metrics.ObserveNetworkRequest("postgres", "cursors_store", "conversation_cursors", start, err)
	return err
}

// ListSubscriptions возвращает сохранённые подписки в порядке создания.
func (p *Postgres) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT server_url, channel_id, conversation_id
FROM channel_subscriptions
ORDER BY created_at, server_url, channel_id
`)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list", "channel_subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ServerURL, &sub.ChannelID, &sub.ConversationID); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SaveSubscription добавляет или обновляет подписку.
func (p *Postgres) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channel_subscriptions (server_url, channel_id, conversation_id)
VALUES ($1, $2, $3)
ON CONFLICT (server_url, channel_id) DO UPDATE SET conversation_id = EXCLUDED.conversation_id
`, sub.ServerURL, sub.ChannelID, sub.ConversationID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_store", "channel_subscriptions", start, err)
	return err
}

// DeleteSubscription удаляет подписку.
func (p *Postgres) DeleteSubscription(ctx context.Context, serverURL string, channelID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM channel_subscriptions WHERE server_url = $1 AND channel_id = $2`, serverURL, channelID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_delete", "channel_subscriptions", start, err)
	return err
}
