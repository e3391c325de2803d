package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Типы аннотаций, которыми сервер помечает записи.
const (
	AnnotationHomeServer      = "network.loki.messenger.homeserver"
	AnnotationAvatar          = "network.loki.messenger.avatar"
	AnnotationChannelSettings = "net.patter-app.settings"
	AnnotationPublicChat      = "network.loki.messenger.publicChat"
	AnnotationOEmbed          = "net.app.core.oembed"

	LokiTypeAttachment = "attachment"
	LokiTypePreview    = "preview"
)

// Annotation описывает типизированный атрибут записи сервера.
type Annotation struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// DecodeValue разбирает значение аннотации в v.
func (a Annotation) DecodeValue(v any) error {
	if len(a.Value) == 0 {
		return nil
	}
	return json.Unmarshal(a.Value, v)
}

// RawUser описывает пользователя в ответах сервера. Публичный ключ хранится в Username.
type RawUser struct {
	ID          int64        `json:"id"`
	Username    string       `json:"username"`
	Name        string       `json:"name"`
	Annotations []Annotation `json:"annotations"`
}

// User возвращается поиском и списком подписчиков.
type User = RawUser

// RawMessage описывает сообщение канала в том виде, в каком его отдаёт сервер.
type RawMessage struct {
	ID          int64        `json:"id"`
	Text        string       `json:"text"`
	CreatedAt   string       `json:"created_at"`
	ReplyTo     int64        `json:"reply_to,omitempty"`
	IsDeleted   bool         `json:"is_deleted"`
	User        *RawUser     `json:"user"`
	Annotations []Annotation `json:"annotations"`
}

// NoteValue содержит подписанное значение первой аннотации сообщения.
type NoteValue struct {
	Timestamp int64  `json:"timestamp"`
	Quote     *Quote `json:"quote,omitempty"`
	Sig       string `json:"sig,omitempty"`
	SigVer    int    `json:"sigver,omitempty"`
}

// Quote описывает цитируемое сообщение.
type Quote struct {
	ID          int64        `json:"id"`
	Author      string       `json:"author"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment описывает вложение из аннотации с lokiType=attachment.
type Attachment struct {
	ID          int64  `json:"id,omitempty"`
	LokiType    string `json:"lokiType,omitempty"`
	Type        string `json:"type,omitempty"`
	Version     string `json:"version,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Key         string `json:"key,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Flags       int    `json:"flags,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	IsRaw       bool   `json:"isRaw,omitempty"`
}

// PreviewValue содержит значение аннотации с lokiType=preview.
type PreviewValue struct {
	Attachment
	LinkPreviewTitle string `json:"linkPreviewTitle,omitempty"`
	LinkPreviewURL   string `json:"linkPreviewUrl,omitempty"`
}

// Preview описывает превью ссылки.
type Preview struct {
	Title string      `json:"title,omitempty"`
	URL   string      `json:"url,omitempty"`
	Image *Attachment `json:"image,omitempty"`
}

// SignatureID возвращает идентификатор, участвующий в подписи.
func (a Attachment) SignatureID() string {
	if a.ID == 0 {
		return ""
	}
	return strconv.FormatInt(a.ID, 10)
}

// SignatureID возвращает идентификатор картинки превью.
func (p Preview) SignatureID() string {
	if p.Image == nil {
		return ""
	}
	return p.Image.SignatureID()
}

// Profile содержит отображаемые поля профиля отправителя.
type Profile struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// VerifiedMessage прошло проверку подписи и дедупликацию.
type VerifiedMessage struct {
	ServerURL       string       `json:"server_url"`
	ChannelID       int64        `json:"channel_id"`
	ConversationID  string       `json:"conversation_id"`
	ServerID        int64        `json:"server_id"`
	Source          string       `json:"source"`
	Timestamp       int64        `json:"timestamp"`
	ServerTimestamp int64        `json:"server_timestamp"`
	ReceivedAt      int64        `json:"received_at"`
	Body            string       `json:"body"`
	Attachments     []Attachment `json:"attachments"`
	Quote           *Quote       `json:"quote,omitempty"`
	Preview         []Preview    `json:"preview"`
	Profile         Profile      `json:"profile"`
	ProfileKey      string       `json:"profile_key,omitempty"`
}

// ChannelSettings хранится в аннотации net.patter-app.settings.
type ChannelSettings struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ChannelData описывает ответ channels/{id} с аннотациями.
type ChannelData struct {
	ID          int64        `json:"id"`
	Annotations []Annotation `json:"annotations"`
	Counts      struct {
		Subscribers *int `json:"subscribers"`
	} `json:"counts"`
}

// ChannelInfo содержит новые метаданные комнаты для беседы.
type ChannelInfo struct {
	ServerURL      string  `json:"server_url"`
	ChannelID      int64   `json:"channel_id"`
	ConversationID string  `json:"conversation_id"`
	// Name == nil: сервер имя не прислал, текущее имя беседы не трогаем.
	Name           *string `json:"name,omitempty"`
	Avatar         string  `json:"avatar,omitempty"`
	AvatarData     []byte  `json:"avatar_data,omitempty"`
	Subscribers    *int    `json:"subscribers,omitempty"`
}

// ModeratorUpdate содержит полный список модераторов канала.
type ModeratorUpdate struct {
	ServerURL      string   `json:"server_url"`
	ChannelID      int64    `json:"channel_id"`
	ConversationID string   `json:"conversation_id"`
	Moderators     []string `json:"moderators"`
	IsModerator    bool     `json:"is_moderator"`
}

// DeletionRecord описывает запись ленты удалений.
type DeletionRecord struct {
	ID        int64 `json:"id"`
	MessageID int64 `json:"message_id"`
}

// DeletionPage описывает страницу ленты удалений.
type DeletionPage struct {
	Records []DeletionRecord
	MaxID   int64
	More    bool
}

// DeletionBatch сообщает об удалённых сообщениях, id идут по возрастанию.
type DeletionBatch struct {
	ServerURL      string  `json:"server_url"`
	ChannelID      int64   `json:"channel_id"`
	ConversationID string  `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

// MessageQuery задаёт окно выборки сообщений.
type MessageQuery struct {
	SinceID int64
	Count   int
}

// OutgoingMessage описывает сообщение для публикации в канал.
type OutgoingMessage struct {
	Body        string
	Timestamp   int64
	Quote       *Quote
	ReplyTo     int64
	Attachments []Attachment
	Previews    []Preview
}

// PostedMessage описывает ответ сервера на публикацию.
type PostedMessage struct {
	ServerID        int64
	ServerTimestamp int64
}

// DeleteResult содержит итог удаления сообщений.
type DeleteResult struct {
	DeletedIDs []int64
	IgnoredIDs []int64
}

// Upload описывает загруженный на сервер файл.
type Upload struct {
	ID  int64  `json:"id,omitempty"`
	URL string `json:"url"`
}

// Challenge содержит зашифрованный токен из loki/v1/get_challenge.
type Challenge struct {
	CipherText64   string `json:"cipherText64"`
	ServerPubKey64 string `json:"serverPubKey64"`
}

// Node описывает узел ретранслятора.
type Node struct {
	Address string `json:"address"`
	PubKey  string `json:"pubkey,omitempty"`
}

// Subscription описывает сохранённую подписку на канал.
type Subscription struct {
	ServerURL      string `json:"server_url"`
	ChannelID      int64  `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
}

// ChannelState содержит снимок состояния канала для админки.
type ChannelState struct {
	Subscription
	Running     bool  `json:"running"`
	LastSeenID  int64 `json:"last_seen_id"`
	DeleteAtID  int64 `json:"delete_cursor"`
	IsModerator bool  `json:"is_moderator"`
}

// ServerTimeMillis переводит created_at сервера в миллисекунды. Ошибка разбора даёт 0.
func ServerTimeMillis(createdAt string) int64 {
	if createdAt == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
