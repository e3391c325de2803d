package pipeline

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// AnonymousName подставляется, когда у отправителя нет имени.
const AnonymousName = "Anonymous"

// Config описывает канал, сообщения которого обрабатывает конвейер.
type Config struct {
	ServerURL         string
	ChannelID         int64
	ConversationID    string
	OwnPubKey         string
	DefaultHomeServer string
	Verifier          domain.Verifier
	Logger            zerolog.Logger
}

// Pipeline проверяет подписи, отбрасывает дубликаты и строит VerifiedMessage.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	recent *Ring
	// id сообщений с плохой подписью, о которых уже писали в лог
	logged map[int64]struct{}
}

// Batch содержит итог обработки одной выборки.
type Batch struct {
	Messages []domain.VerifiedMessage
	LastSeen int64
	// HomeServers группирует ключи отправителей (@pubkey) по домашнему серверу.
	HomeServers map[string][]string
	// OwnName хранит последнее имя из собственных сообщений.
	OwnName string
	SawOwn  bool
}

// New создаёт конвейер канала.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		log:    cfg.Logger,
		recent: NewRing(RingSize),
		logged: make(map[int64]struct{}),
	}
}

// Process обрабатывает сообщения в порядке сервера (новые первыми). Курсор
// продвигается по всем записям, включая отброшенные.
func (p *Pipeline) Process(raw []domain.RawMessage, lastSeen, receivedAt int64) Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := Batch{LastSeen: lastSeen, HomeServers: make(map[string][]string)}
	for i := len(raw) - 1; i >= 0; i-- {
		m := raw[i]
		if batch.LastSeen == 0 || m.ID > batch.LastSeen {
			batch.LastSeen = m.ID
		}
		if m.ID == 0 || m.User == nil || m.User.Username == "" || m.Text == "" || m.IsDeleted {
			metrics.DropMessage("invalid")
			continue
		}

		msg, ok := p.verify(m)
		if !ok {
			continue
		}
		fp := Fingerprint{Source: m.User.Username, SentAt: msg.Timestamp, Body: m.Text}
		if p.recent.Contains(fp) {
			metrics.DropMessage("duplicate")
			continue
		}
		p.recent.Push(fp)

		if m.User.Username == p.cfg.OwnPubKey {
			batch.OwnName = msg.Profile.DisplayName
			batch.SawOwn = true
		}
		home := homeServer(m.User, p.cfg.DefaultHomeServer)
		batch.HomeServers[home] = appendUnique(batch.HomeServers[home], "@"+m.User.Username)

		msg.ReceivedAt = receivedAt
		receivedAt++
		batch.Messages = append(batch.Messages, msg)
	}
	return batch
}

func (p *Pipeline) verify(m domain.RawMessage) (domain.VerifiedMessage, bool) {
	if len(m.Annotations) == 0 {
		metrics.DropMessage("unsigned")
		return domain.VerifiedMessage{}, false
	}
	var note domain.NoteValue
	if err := m.Annotations[0].DecodeValue(&note); err != nil || note.Sig == "" {
		metrics.DropMessage("unsigned")
		return domain.VerifiedMessage{}, false
	}
	if note.Quote != nil {
		note.Quote.Attachments = []domain.Attachment{}
	}
	attachments, previews := splitAnnotations(m.Annotations)

	data := SignatureData(m.Text, note, m.ReplyTo, attachments, previews)
	if err := p.cfg.Verifier.Verify(m.User.Username, data, note.Sig); err != nil {
		metrics.DropMessage("signature")
		if errors.Is(err, domain.ErrInvalidSignature) {
			if _, seen := p.logged[m.ID]; !seen {
				p.logged[m.ID] = struct{}{}
				p.log.Warn().
					Int64("message_id", m.ID).
					Str("from", m.User.Username).
					Int("sigver", note.SigVer).
					Msg("pipeline: неверная подпись сообщения")
			}
		} else {
			p.log.Error().Err(err).Int64("message_id", m.ID).Msg("pipeline: ошибка проверки подписи")
		}
		return domain.VerifiedMessage{}, false
	}
	if note.Timestamp == 0 {
		metrics.DropMessage("invalid")
		return domain.VerifiedMessage{}, false
	}

	name := m.User.Name
	if name == "" {
		name = AnonymousName
	}
	avatar, profileKey := avatarOf(m.User)
	body := m.Text
	if body == strconv.FormatInt(note.Timestamp, 10) {
		body = ""
	}
	serverTS := domain.ServerTimeMillis(m.CreatedAt)
	if serverTS == 0 {
		serverTS = note.Timestamp
	}
	return domain.VerifiedMessage{
		ServerURL:       p.cfg.ServerURL,
		ChannelID:       p.cfg.ChannelID,
		ConversationID:  p.cfg.ConversationID,
		ServerID:        m.ID,
		Source:          m.User.Username,
		Timestamp:       note.Timestamp,
		ServerTimestamp: serverTS,
		Body:            body,
		Attachments:     attachments,
		Quote:           note.Quote,
		Preview:         previews,
		Profile:         domain.Profile{DisplayName: name, Avatar: avatar},
		ProfileKey:      profileKey,
	}, true
}

func splitAnnotations(notes []domain.Annotation) ([]domain.Attachment, []domain.Preview) {
	attachments := []domain.Attachment{}
	previews := []domain.Preview{}
	for _, note := range notes {
		var kind struct {
			LokiType string `json:"lokiType"`
		}
		if err := json.Unmarshal(note.Value, &kind); err != nil {
			continue
		}
		switch kind.LokiType {
		case domain.LokiTypeAttachment:
			var a domain.Attachment
			if err := note.DecodeValue(&a); err == nil {
				a.IsRaw = true
				attachments = append(attachments, a)
			}
		case domain.LokiTypePreview:
			var v domain.PreviewValue
			if err := note.DecodeValue(&v); err == nil {
				img := v.Attachment
				img.IsRaw = true
				img.LokiType = ""
				img.Version = ""
				img.Type = ""
				previews = append(previews, domain.Preview{Title: v.LinkPreviewTitle, URL: v.LinkPreviewURL, Image: &img})
			}
		}
	}
	return attachments, previews
}

func avatarOf(user *domain.RawUser) (avatar, profileKey string) {
	for _, note := range user.Annotations {
		if note.Type != domain.AnnotationAvatar {
			continue
		}
		var v struct {
			URL        string `json:"url"`
			ProfileKey string `json:"profileKey"`
		}
		if err := note.DecodeValue(&v); err == nil {
			return v.URL, v.ProfileKey
		}
		return "", ""
	}
	return "", ""
}

func homeServer(user *domain.RawUser, fallback string) string {
	home := fallback
	for _, note := range user.Annotations {
		if note.Type != domain.AnnotationHomeServer {
			continue
		}
		var v string
		if err := note.DecodeValue(&v); err == nil && v != "" {
			home = v
		}
	}
	return home
}

func appendUnique(list []string, v string) []string {
	for _, it := range list {
		if it == v {
			return list
		}
	}
	return append(list, v)
}
