package domain

import (
	"context"
	"time"
)

// EventKind описывает тип события для внешних потребителей.
type EventKind string

const (
	// новое проверенное сообщение
	EventPublicMessage EventKind = "public_message"
	// изменились метаданные комнаты
	EventChannelInfo EventKind = "channel_info"
	// обновлён список модераторов
	EventModerators EventKind = "moderators"
	// сообщения удалены на сервере
	EventDeletions EventKind = "deletions"
)

// Event описывает конверт, публикуемый в очередь событий.
type Event struct {
	ID             string           `json:"event_id"`
	Kind           EventKind        `json:"kind"`
	ServerURL      string           `json:"server_url"`
	ChannelID      int64            `json:"channel_id"`
	ConversationID string           `json:"conversation_id"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Message        *VerifiedMessage `json:"message,omitempty"`
	Info           *ChannelInfo     `json:"info,omitempty"`
	Moderators     *ModeratorUpdate `json:"moderators,omitempty"`
	Deletion       *DeletionBatch   `json:"deletion,omitempty"`
}

// EventPublisher публикует события во внешнюю систему.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
