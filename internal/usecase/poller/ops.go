package poller

import (
	"context"
	"encoding/json"
	"fmt"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/usecase/pipeline"
)

// Значения настроек новой комнаты.
const (
	DefaultChannelName        = "Your Public Chat"
	DefaultChannelDescription = "Your public chat room"
)

// SendMessage подписывает и публикует сообщение. При ошибке id и время равны -1.
func (c *Channel) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (domain.PostedMessage, error) {
	failed := domain.PostedMessage{ServerID: -1, ServerTimestamp: -1}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.now().UnixMilli()
	}
	payload, err := pipeline.BuildPost(c.api.Identity(), msg)
	if err != nil {
		return failed, err
	}
	posted, err := c.api.PostMessage(ctx, c.id, payload)
	if err != nil {
		c.log.Error().Err(err).Msg("poller: не удалось отправить сообщение")
		return failed, err
	}
	return posted, nil
}

// DeleteMessages удаляет сообщения; модератор удаляет любые.
func (c *Channel) DeleteMessages(ctx context.Context, ids []int64) (domain.DeleteResult, error) {
	res, err := c.api.DeleteMessages(ctx, ids, c.IsModerator())
	if err != nil {
		return domain.DeleteResult{}, fmt.Errorf("delete messages: %w", err)
	}
	if len(res.DeletedIDs) > 0 {
		c.log.Info().Ints64("ids", res.DeletedIDs).Msg("poller: сообщения удалены")
	}
	return res, nil
}

// BanUser блокирует пользователя.
func (c *Channel) BanUser(ctx context.Context, pubKey string) error {
	return c.api.BanUser(ctx, pubKey)
}

// Subscribers возвращает подписчиков канала.
func (c *Channel) Subscribers(ctx context.Context) ([]domain.User, error) {
	return c.api.Subscribers(ctx, c.id)
}

// SetChannelSettings меняет имя, описание или аватар комнаты. Пустые поля не меняются.
func (c *Channel) SetChannelSettings(ctx context.Context, update domain.ChannelSettings) error {
	if !c.IsModerator() {
		return domain.ErrNotModerator
	}
	data, err := c.api.ChannelInfo(ctx, c.id)
	if err != nil {
		return fmt.Errorf("channel state unknown: %w", err)
	}

	var notes []domain.Annotation
	for _, note := range data.Annotations {
		if note.Type == domain.AnnotationChannelSettings {
			notes = append(notes, note)
		}
	}
	settings := domain.ChannelSettings{Name: DefaultChannelName, Description: DefaultChannelDescription}
	if len(notes) > 0 {
		settings = domain.ChannelSettings{}
		if err := notes[0].DecodeValue(&settings); err != nil {
			return fmt.Errorf("%w: decode settings: %v", domain.ErrProtocol, err)
		}
	} else {
		notes = []domain.Annotation{{Type: domain.AnnotationChannelSettings}}
	}
	if update.Name != "" {
		settings.Name = update.Name
	}
	if update.Description != "" {
		settings.Description = update.Description
	}
	if update.Avatar != "" {
		settings.Avatar = update.Avatar
	}
	value, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	notes[0].Value = value
	return c.api.UpdateChannelSettings(ctx, c.id, notes)
}
