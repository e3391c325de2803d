package pipeline

import (
	"sort"
	"strconv"
	"strings"

	"pubchat-client/internal/domain"
)

// SigVersion задаёт версию формата подписи исходящих сообщений.
const SigVersion = 1

// SignatureData собирает байты, которые подписывает отправитель: текст,
// время отправки, цитата с reply_to, отсортированные id вложений и версия подписи.
func SignatureData(text string, note domain.NoteValue, replyTo int64, attachments []domain.Attachment, previews []domain.Preview) []byte {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	b.WriteString(strconv.FormatInt(note.Timestamp, 10))
	if q := note.Quote; q != nil {
		b.WriteString(strconv.FormatInt(q.ID, 10))
		b.WriteString(q.Author)
		b.WriteString(strings.TrimSpace(q.Text))
		if replyTo != 0 {
			b.WriteString(strconv.FormatInt(replyTo, 10))
		}
	}

	ids := make([]string, 0, len(attachments)+len(previews))
	for _, a := range attachments {
		if id := a.SignatureID(); id != "" {
			ids = append(ids, id)
		}
	}
	for _, p := range previews {
		if id := p.SignatureID(); id != "" {
			ids = append(ids, id)
		}
	}
	// сортировка строковая, как у отправителей
	sort.Strings(ids)
	b.WriteString(strings.Join(ids, ""))

	if note.SigVer != 0 {
		b.WriteString(strconv.Itoa(note.SigVer))
	}
	return []byte(b.String())
}
