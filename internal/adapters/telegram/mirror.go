package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// Sender описывает часть tgbotapi.BotAPI, нужную зеркалу.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Deduper выполняет fn один раз на ключ. Реализуется cache.RedisStore.
type Deduper interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

const dedupTTL = 7 * 24 * time.Hour

// Mirror пересылает проверенные сообщения и удаления в чат Telegram.
type Mirror struct {
	bot    Sender
	chatID int64
	dedup  Deduper
	log    zerolog.Logger
}

var _ domain.Conversation = (*Mirror)(nil)

// NewMirror создаёт зеркало. dedup может быть nil.
func NewMirror(bot Sender, chatID int64, dedup Deduper, logger zerolog.Logger) *Mirror {
	return &Mirror{
		bot:    bot,
		chatID: chatID,
		dedup:  dedup,
		log:    logger.With().Str("component", "telegram").Int64("chat", chatID).Logger(),
	}
}

func (m *Mirror) HandlePublicMessage(ctx context.Context, msg domain.VerifiedMessage) error {
	send := func() error { return m.send(FormatMessage(msg)) }
	if m.dedup == nil {
		return send()
	}
	key := fmt.Sprintf("mirror:%d:%s:%d", m.chatID, msg.ConversationID, msg.ServerID)
	return m.dedup.Once(ctx, key, dedupTTL, send)
}

func (m *Mirror) UpdateChannelInfo(context.Context, domain.ChannelInfo) error { return nil }

func (m *Mirror) UpdateModerators(context.Context, domain.ModeratorUpdate) error { return nil }

func (m *Mirror) DeleteMessages(_ context.Context, batch domain.DeletionBatch) error {
	if len(batch.MessageIDs) == 0 {
		return nil
	}
	return m.send(fmt.Sprintf("%s: удалено сообщений: %d", batch.ConversationID, len(batch.MessageIDs)))
}

func (m *Mirror) send(text string) error {
	for _, part := range SplitMessage(text, messageLimit) {
		msg := tgbotapi.NewMessage(m.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := m.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(m.chatID, 10), start, err)
		if err != nil {
			m.log.Error().Err(err).Msg("telegram: не удалось отправить сообщение")
			return err
		}
	}
	return nil
}
