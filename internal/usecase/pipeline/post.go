package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"pubchat-client/internal/domain"
)

// PostPayload описывает тело POST channels/{id}/messages.
type PostPayload struct {
	Text        string              `json:"text"`
	ReplyTo     int64               `json:"reply_to,omitempty"`
	Annotations []domain.Annotation `json:"annotations"`
}

// BuildPost готовит и подписывает исходящее сообщение. Пустой текст заменяется
// временем отправки, чтобы сообщение с одними вложениями прошло проверку сервера.
func BuildPost(identity domain.Identity, msg domain.OutgoingMessage) (PostPayload, error) {
	text := msg.Body
	if text == "" {
		text = strconv.FormatInt(msg.Timestamp, 10)
	}

	note := domain.NoteValue{Timestamp: msg.Timestamp}
	var replyTo int64
	if msg.Quote != nil && msg.Quote.ID != 0 {
		note.Quote = msg.Quote
		replyTo = msg.ReplyTo
	}

	annotations := make([]domain.Annotation, 0, 1+len(msg.Attachments)+len(msg.Previews))
	annotations = append(annotations, domain.Annotation{Type: domain.AnnotationPublicChat})
	for _, a := range msg.Attachments {
		ann, err := attachmentAnnotation(a)
		if err != nil {
			return PostPayload{}, err
		}
		annotations = append(annotations, ann)
	}
	for _, p := range msg.Previews {
		ann, err := previewAnnotation(p)
		if err != nil {
			return PostPayload{}, err
		}
		annotations = append(annotations, ann)
	}

	sigData := SignatureData(text, domain.NoteValue{Timestamp: note.Timestamp, Quote: note.Quote, SigVer: SigVersion}, replyTo, msg.Attachments, msg.Previews)
	note.Sig = hex.EncodeToString(identity.Sign(sigData))
	note.SigVer = SigVersion
	value, err := json.Marshal(note)
	if err != nil {
		return PostPayload{}, fmt.Errorf("marshal note: %w", err)
	}
	annotations[0].Value = value

	return PostPayload{Text: text, ReplyTo: replyTo, Annotations: annotations}, nil
}

func attachmentAnnotation(a domain.Attachment) (domain.Annotation, error) {
	a.Version = "1.0"
	a.LokiType = domain.LokiTypeAttachment
	a.Type = mediaKind(a.ContentType)
	value, err := json.Marshal(a)
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("marshal attachment: %w", err)
	}
	return domain.Annotation{Type: domain.AnnotationOEmbed, Value: value}, nil
}

func previewAnnotation(p domain.Preview) (domain.Annotation, error) {
	v := domain.PreviewValue{LinkPreviewTitle: p.Title, LinkPreviewURL: p.URL}
	if p.Image != nil {
		v.Attachment = *p.Image
		v.IsRaw = false
		v.Type = ""
	}
	v.Version = "1.0"
	v.LokiType = domain.LokiTypePreview
	value, err := json.Marshal(v)
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("marshal preview: %w", err)
	}
	return domain.Annotation{Type: domain.AnnotationOEmbed, Value: value}, nil
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image"):
		return "photo"
	case strings.HasPrefix(contentType, "video"):
		return "video"
	case strings.HasPrefix(contentType, "audio"):
		return "audio"
	default:
		return "other"
	}
}
