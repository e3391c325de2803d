// Package sink содержит реализации domain.Conversation: лог, публикация событий и рассылка по нескольким получателям.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
)

// Log пишет всё полученное в лог.
type Log struct {
	log zerolog.Logger
}

var _ domain.Conversation = Log{}

// NewLog создаёт лог-получателя.
func NewLog(logger zerolog.Logger) Log {
	return Log{log: logger.With().Str("component", "conversation").Logger()}
}

func (l Log) HandlePublicMessage(_ context.Context, msg domain.VerifiedMessage) error {
	l.log.Info().
		Str("conversation", msg.ConversationID).
		Int64("message_id", msg.ServerID).
		Str("from", msg.Source).
		Str("name", msg.Profile.DisplayName).
		Int("attachments", len(msg.Attachments)).
		Str("body", msg.Body).
		Msg("conversation: новое сообщение")
	return nil
}

func (l Log) UpdateChannelInfo(_ context.Context, info domain.ChannelInfo) error {
	ev := l.log.Info().Str("conversation", info.ConversationID).Str("avatar", info.Avatar)
	if info.Name != nil {
		ev = ev.Str("name", *info.Name)
	}
	if info.Subscribers != nil {
		ev = ev.Int("subscribers", *info.Subscribers)
	}
	ev.Msg("conversation: метаданные канала")
	return nil
}

func (l Log) UpdateModerators(_ context.Context, u domain.ModeratorUpdate) error {
	l.log.Info().Str("conversation", u.ConversationID).Strs("moderators", u.Moderators).Bool("is_moderator", u.IsModerator).
		Msg("conversation: модераторы")
	return nil
}

func (l Log) DeleteMessages(_ context.Context, b domain.DeletionBatch) error {
	l.log.Info().Str("conversation", b.ConversationID).Ints64("ids", b.MessageIDs).Msg("conversation: удаления")
	return nil
}

// Events превращает обновления в domain.Event и публикует их.
type Events struct {
	pub domain.EventPublisher
	now func() time.Time
}

var _ domain.Conversation = (*Events)(nil)

// NewEvents создаёт публикатора событий.
func NewEvents(pub domain.EventPublisher) *Events {
	return &Events{pub: pub, now: time.Now}
}

func (e *Events) envelope(kind domain.EventKind, serverURL string, channelID int64, conversationID string) domain.Event {
	return domain.Event{
		ID:             uuid.NewString(),
		Kind:           kind,
		ServerURL:      serverURL,
		ChannelID:      channelID,
		ConversationID: conversationID,
		OccurredAt:     e.now().UTC(),
	}
}

func (e *Events) HandlePublicMessage(ctx context.Context, msg domain.VerifiedMessage) error {
	ev := e.envelope(domain.EventPublicMessage, msg.ServerURL, msg.ChannelID, msg.ConversationID)
	ev.Message = &msg
	return e.pub.Publish(ctx, ev)
}

func (e *Events) UpdateChannelInfo(ctx context.Context, info domain.ChannelInfo) error {
	ev := e.envelope(domain.EventChannelInfo, info.ServerURL, info.ChannelID, info.ConversationID)
	ev.Info = &info
	return e.pub.Publish(ctx, ev)
}

func (e *Events) UpdateModerators(ctx context.Context, u domain.ModeratorUpdate) error {
	ev := e.envelope(domain.EventModerators, u.ServerURL, u.ChannelID, u.ConversationID)
	ev.Moderators = &u
	return e.pub.Publish(ctx, ev)
}

func (e *Events) DeleteMessages(ctx context.Context, b domain.DeletionBatch) error {
	ev := e.envelope(domain.EventDeletions, b.ServerURL, b.ChannelID, b.ConversationID)
	ev.Deletion = &b
	return e.pub.Publish(ctx, ev)
}

// Fanout рассылает каждое обновление всем получателям по порядку.
// Ошибка одного получателя не мешает остальным.
type Fanout []domain.Conversation

var _ domain.Conversation = Fanout(nil)

func (f Fanout) each(fn func(domain.Conversation) error) error {
	var errs error
	for i, c := range f {
		if err := fn(c); err != nil {
			errs = errors.Join(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errs
}

func (f Fanout) HandlePublicMessage(ctx context.Context, msg domain.VerifiedMessage) error {
	return f.each(func(c domain.Conversation) error { return c.HandlePublicMessage(ctx, msg) })
}

func (f Fanout) UpdateChannelInfo(ctx context.Context, info domain.ChannelInfo) error {
	return f.each(func(c domain.Conversation) error { return c.UpdateChannelInfo(ctx, info) })
}

func (f Fanout) UpdateModerators(ctx context.Context, u domain.ModeratorUpdate) error {
	return f.each(func(c domain.Conversation) error { return c.UpdateModerators(ctx, u) })
}

func (f Fanout) DeleteMessages(ctx context.Context, b domain.DeletionBatch) error {
	return f.each(func(c domain.Conversation) error { return c.DeleteMessages(ctx, b) })
}
