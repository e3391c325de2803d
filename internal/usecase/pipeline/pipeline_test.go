package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/crypto"
)

func TestSignatureData(t *testing.T) {
	note := domain.NoteValue{
		Timestamp: 1600,
		Quote:     &domain.Quote{ID: 7, Author: "05ab", Text: " q "},
		SigVer:    1,
	}
	attachments := []domain.Attachment{{ID: 10}, {ID: 9}, {}}
	previews := []domain.Preview{{Image: &domain.Attachment{ID: 2}}, {Title: "no image"}}

	got := string(SignatureData(" hi ", note, 3, attachments, previews))
	want := "hi1600" + "7" + "05ab" + "q" + "3" + "1029" + "1"
	if got != want {
		t.Fatalf("ожидали %q, получили %q", want, got)
	}

	note.Quote = nil
	got = string(SignatureData("hi", note, 3, nil, nil))
	if got != "hi16001" {
		t.Fatalf("reply_to без цитаты не подписывается: %q", got)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(RingSize)
	for i := 0; i < RingSize+1; i++ {
		r.Push(Fingerprint{Source: "a", SentAt: int64(i)})
	}
	if r.Len() != RingSize {
		t.Fatalf("ожидали %d элементов, получили %d", RingSize, r.Len())
	}
	if r.Contains(Fingerprint{Source: "a", SentAt: 0}) {
		t.Fatalf("самый старый отпечаток должен быть вытеснен")
	}
	if !r.Contains(Fingerprint{Source: "a", SentAt: RingSize}) {
		t.Fatalf("последний отпечаток потерян")
	}
}

type fixture struct {
	t        *testing.T
	identity *crypto.Identity
	pipe     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	pipe := New(Config{
		ServerURL:         "https://chat.example.org",
		ChannelID:         1,
		ConversationID:    "publicChat:1@chat.example.org",
		OwnPubKey:         id.PublicKey(),
		DefaultHomeServer: "https://file.example.org",
		Verifier:          crypto.Verifier{},
		Logger:            zerolog.Nop(),
	})
	return &fixture{t: t, identity: id, pipe: pipe}
}

func (f *fixture) signed(id int64, body string, ts int64, name string) domain.RawMessage {
	f.t.Helper()
	payload, err := BuildPost(f.identity, domain.OutgoingMessage{Body: body, Timestamp: ts})
	if err != nil {
		f.t.Fatalf("build post: %v", err)
	}
	return domain.RawMessage{
		ID:          id,
		Text:        payload.Text,
		CreatedAt:   "2024-01-02T03:04:05.000Z",
		User:        &domain.RawUser{ID: 1, Username: f.identity.PublicKey(), Name: name},
		Annotations: payload.Annotations,
	}
}

func TestProcessOrderAndReceipt(t *testing.T) {
	f := newFixture(t)
	// сервер отдаёт новые первыми
	raw := []domain.RawMessage{
		f.signed(12, "third", 3000, "alice"),
		f.signed(11, "second", 2000, "alice"),
		f.signed(10, "first", 1000, "alice"),
	}
	batch := f.pipe.Process(raw, 0, 500)

	if len(batch.Messages) != 3 {
		t.Fatalf("ожидали 3 сообщения, получили %d", len(batch.Messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		m := batch.Messages[i]
		if m.Body != want {
			t.Fatalf("сообщение %d: ожидали %q, получили %q", i, want, m.Body)
		}
		if m.ReceivedAt != int64(500+i) {
			t.Fatalf("receivedAt должен строго расти: %d", m.ReceivedAt)
		}
		if m.ServerTimestamp != 1704164645000 {
			t.Fatalf("неверное серверное время %d", m.ServerTimestamp)
		}
	}
	if batch.LastSeen != 12 {
		t.Fatalf("ожидали курсор 12, получили %d", batch.LastSeen)
	}
	if !batch.SawOwn || batch.OwnName != "alice" {
		t.Fatalf("не распознаны собственные сообщения: %+v", batch)
	}
	if got := batch.HomeServers["https://file.example.org"]; len(got) != 1 || got[0] != "@"+f.identity.PublicKey() {
		t.Fatalf("неверная группировка по серверам: %v", batch.HomeServers)
	}
}

func TestProcessTamperedDroppedCursorAdvances(t *testing.T) {
	f := newFixture(t)
	good := f.signed(20, "hello", 1000, "bob")
	bad := f.signed(21, "hello", 2000, "bob")
	bad.Text = "jello"

	batch := f.pipe.Process([]domain.RawMessage{bad, good}, 19, 1)
	if len(batch.Messages) != 1 || batch.Messages[0].ServerID != 20 {
		t.Fatalf("ожидали только сообщение 20, получили %+v", batch.Messages)
	}
	if batch.LastSeen != 21 {
		t.Fatalf("курсор должен пройти отброшенное сообщение, получили %d", batch.LastSeen)
	}
	// повторная выборка не пишет предупреждение второй раз
	f.pipe.Process([]domain.RawMessage{bad}, 21, 1)
	if len(f.pipe.logged) != 1 {
		t.Fatalf("ожидали одну запись о плохой подписи, получили %d", len(f.pipe.logged))
	}
}

func TestProcessDeduplicates(t *testing.T) {
	f := newFixture(t)
	a := f.signed(30, "same", 1000, "carol")
	b := f.signed(31, "same", 1000, "carol")

	batch := f.pipe.Process([]domain.RawMessage{b, a}, 0, 1)
	if len(batch.Messages) != 1 || batch.Messages[0].ServerID != 30 {
		t.Fatalf("ожидали одно сообщение, получили %+v", batch.Messages)
	}
	again := f.pipe.Process([]domain.RawMessage{f.signed(32, "same", 1000, "carol")}, 31, 1)
	if len(again.Messages) != 0 {
		t.Fatalf("дубликат из прошлой выборки должен отбрасываться")
	}
}

func TestProcessInvalidRecords(t *testing.T) {
	f := newFixture(t)
	deleted := f.signed(40, "bye", 1000, "dan")
	deleted.IsDeleted = true
	noUser := f.signed(41, "x", 1000, "dan")
	noUser.User = nil
	unsigned := domain.RawMessage{ID: 42, Text: "plain", User: &domain.RawUser{Username: "05aa"}}

	batch := f.pipe.Process([]domain.RawMessage{unsigned, noUser, deleted}, 39, 1)
	if len(batch.Messages) != 0 {
		t.Fatalf("ожидали ноль сообщений, получили %d", len(batch.Messages))
	}
	if batch.LastSeen != 42 {
		t.Fatalf("ожидали курсор 42, получили %d", batch.LastSeen)
	}
}

func TestProcessAttachmentOnlyAndProfile(t *testing.T) {
	f := newFixture(t)
	payload, err := BuildPost(f.identity, domain.OutgoingMessage{
		Timestamp:   5000,
		Attachments: []domain.Attachment{{ID: 77, ContentType: "image/png", URL: "https://file.example.org/f/77"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	avatar, _ := json.Marshal(map[string]string{"url": "https://a/1", "profileKey": "pk"})
	home, _ := json.Marshal("https://home.example.org")
	raw := domain.RawMessage{
		ID:   50,
		Text: payload.Text,
		User: &domain.RawUser{
			Username: f.identity.PublicKey(),
			Annotations: []domain.Annotation{
				{Type: domain.AnnotationAvatar, Value: avatar},
				{Type: domain.AnnotationHomeServer, Value: home},
			},
		},
		Annotations: payload.Annotations,
	}

	batch := f.pipe.Process([]domain.RawMessage{raw}, 0, 1)
	if len(batch.Messages) != 1 {
		t.Fatalf("ожидали сообщение с вложением")
	}
	m := batch.Messages[0]
	if m.Body != "" {
		t.Fatalf("текст-время должен стать пустым, получили %q", m.Body)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ID != 77 || !m.Attachments[0].IsRaw {
		t.Fatalf("неверные вложения %+v", m.Attachments)
	}
	if m.Profile.DisplayName != AnonymousName || m.Profile.Avatar != "https://a/1" || m.ProfileKey != "pk" {
		t.Fatalf("неверный профиль %+v / %q", m.Profile, m.ProfileKey)
	}
	if m.ServerTimestamp != 5000 {
		t.Fatalf("без created_at время сервера берётся из подписи, получили %d", m.ServerTimestamp)
	}
	if _, ok := batch.HomeServers["https://home.example.org"]; !ok {
		t.Fatalf("домашний сервер из аннотации не учтён: %v", batch.HomeServers)
	}
}

func TestBuildPostWithQuote(t *testing.T) {
	f := newFixture(t)
	payload, err := BuildPost(f.identity, domain.OutgoingMessage{
		Body:      "reply",
		Timestamp: 7000,
		Quote:     &domain.Quote{ID: 6000, Author: "05cc", Text: "orig", Attachments: []domain.Attachment{{ID: 1}}},
		ReplyTo:   99,
		Previews:  []domain.Preview{{Title: "t", URL: "https://x", Image: &domain.Attachment{ID: 5}}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload.ReplyTo != 99 || len(payload.Annotations) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	raw := domain.RawMessage{
		ID: 60, Text: payload.Text, ReplyTo: payload.ReplyTo,
		User:        &domain.RawUser{Username: f.identity.PublicKey(), Name: "eve"},
		Annotations: payload.Annotations,
	}
	batch := f.pipe.Process([]domain.RawMessage{raw}, 0, 1)
	if len(batch.Messages) != 1 {
		t.Fatalf("подписанный ответ с цитатой должен пройти проверку")
	}
	m := batch.Messages[0]
	if m.Quote == nil || len(m.Quote.Attachments) != 0 {
		t.Fatalf("вложения цитаты должны быть очищены: %+v", m.Quote)
	}
	if len(m.Preview) != 1 || m.Preview[0].Image == nil || m.Preview[0].Image.ID != 5 {
		t.Fatalf("неверное превью %+v", m.Preview)
	}
}
