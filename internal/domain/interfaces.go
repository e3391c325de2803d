package domain

import (
	"context"
	"encoding/json"
)

// PathSelector выбирает путь через ретрансляторы.
type PathSelector interface {
	SelectPath(ctx context.Context) ([]Node, error)
}

// RelayPayload описывает канонический запрос, который ретранслятор доставит серверу.
type RelayPayload struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
	Body     json.RawMessage   `json:"body"`
}

// RelayRequest описывает одну отправку через ретранслятор.
type RelayRequest struct {
	Host          string
	DestPubKey    []byte
	Payload       RelayPayload
	RequestNumber uint64
}

// RelayResult описывает ответ ретранслятора. Status == 0 означает сбой транспорта.
// Body может быть JSON-строкой или JSON-объектом.
type RelayResult struct {
	Status  int               `json:"status"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers"`
}

// RelaySender отправляет запрос по выбранному пути.
type RelaySender interface {
	Send(ctx context.Context, path []Node, req RelayRequest) (RelayResult, error)
}

// Identity представляет локальный ключ пользователя.
type Identity interface {
	PublicKey() string
	Sign(data []byte) []byte
	DecryptChallenge(challenge Challenge) (string, error)
}

// Verifier проверяет подпись отправителя. pubKey и sig в hex.
type Verifier interface {
	Verify(pubKey string, data []byte, sig string) error
}

// TokenStore хранит токены серверов.
type TokenStore interface {
	LoadToken(ctx context.Context, serverURL string) (string, error)
	SaveToken(ctx context.Context, serverURL, token string) error
}

// CursorStore хранит последний полученный id сообщения канала.
type CursorStore interface {
	LoadLastSeenID(ctx context.Context, conversationID string) (int64, error)
	SaveLastSeenID(ctx context.Context, conversationID string, id int64) error
}

// SubscriptionStore хранит подписки, чтобы восстановить их после рестарта.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, serverURL string, channelID int64) error
}

// Storage объединяет все хранилища клиента.
type Storage interface {
	TokenStore
	CursorStore
	SubscriptionStore
}

// ProfileSource отдаёт текущее локальное имя профиля.
type ProfileSource interface {
	DisplayName(ctx context.Context) string
}

// MessageIngestor принимает проверенные сообщения.
type MessageIngestor interface {
	HandlePublicMessage(ctx context.Context, msg VerifiedMessage) error
}

// ConversationSink получает обновления состояния беседы.
type ConversationSink interface {
	UpdateChannelInfo(ctx context.Context, info ChannelInfo) error
	UpdateModerators(ctx context.Context, update ModeratorUpdate) error
	DeleteMessages(ctx context.Context, batch DeletionBatch) error
}

// Conversation получает результаты опроса канала.
type Conversation interface {
	MessageIngestor
	ConversationSink
}
