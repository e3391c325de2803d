package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/usecase/poller"
)

type stubServer struct {
	url string

	mu           sync.Mutex
	subscribed   []int64
	unsubscribed []int64
	names        []string
	waited       int
	tokenErr     error
}

func (s *stubServer) BaseURL() string           { return s.url }
func (s *stubServer) OwnPubKey() string         { return "05aa" }
func (s *stubServer) Identity() domain.Identity { return nil }
func (s *stubServer) Token(context.Context, bool) (string, error) {
	return "tok", s.tokenErr
}
func (s *stubServer) ChannelInfo(context.Context, int64) (domain.ChannelData, error) {
	return domain.ChannelData{}, nil
}
func (s *stubServer) UpdateChannelSettings(context.Context, int64, []domain.Annotation) error {
	return nil
}
func (s *stubServer) Moderators(context.Context, int64) ([]string, error) { return nil, nil }
func (s *stubServer) Deletions(_ context.Context, _ int64, since int64, _ int) (domain.DeletionPage, error) {
	return domain.DeletionPage{MaxID: since}, nil
}
func (s *stubServer) Messages(context.Context, int64, domain.MessageQuery) ([]domain.RawMessage, error) {
	return nil, nil
}
func (s *stubServer) PostMessage(context.Context, int64, any) (domain.PostedMessage, error) {
	return domain.PostedMessage{}, nil
}
func (s *stubServer) DeleteMessages(context.Context, []int64, bool) (domain.DeleteResult, error) {
	return domain.DeleteResult{}, nil
}
func (s *stubServer) BanUser(context.Context, string) error                     { return nil }
func (s *stubServer) Subscribers(context.Context, int64) ([]domain.User, error) { return nil, nil }
func (s *stubServer) DownloadAttachment(context.Context, string) ([]byte, error) {
	return nil, nil
}
func (s *stubServer) SetProfileName(_ context.Context, name string) ([]domain.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return nil, nil
}
func (s *stubServer) Subscribe(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, id)
	return nil
}
func (s *stubServer) Unsubscribe(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, id)
	return nil
}
func (s *stubServer) WaitRefresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waited++
	return nil
}

type nopConversation struct{}

func (nopConversation) HandlePublicMessage(context.Context, domain.VerifiedMessage) error { return nil }
func (nopConversation) UpdateChannelInfo(context.Context, domain.ChannelInfo) error       { return nil }
func (nopConversation) UpdateModerators(context.Context, domain.ModeratorUpdate) error    { return nil }
func (nopConversation) DeleteMessages(context.Context, domain.DeletionBatch) error        { return nil }

type stubSubscriptions struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func key(serverURL string, id int64) string {
	return ConversationID(serverURL, id)
}

func (s *stubSubscriptions) ListSubscriptions(context.Context) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *stubSubscriptions) SaveSubscription(_ context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[key(sub.ServerURL, sub.ChannelID)] = sub
	return nil
}

func (s *stubSubscriptions) DeleteSubscription(_ context.Context, serverURL string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, key(serverURL, id))
	return nil
}

type fixture struct {
	svc     *Service
	servers map[string]*stubServer
	subs    *stubSubscriptions
	created int
}

func newFixture(limit int) *fixture {
	f := &fixture{servers: map[string]*stubServer{}, subs: &stubSubscriptions{subs: map[string]domain.Subscription{}}}
	f.svc = NewService(Config{
		Servers: func(serverURL string) (ServerAPI, error) {
			f.created++
			srv, ok := f.servers[serverURL]
			if !ok {
				srv = &stubServer{url: serverURL}
				f.servers[serverURL] = srv
			}
			return srv, nil
		},
		Conversation:  nopConversation{},
		Subscriptions: f.subs,
		Intervals:     poller.Intervals{Channel: time.Hour, Moderators: time.Hour, Deletions: time.Hour, Messages: time.Hour},
		Limit:         limit,
		Logger:        zerolog.Nop(),
	})
	return f
}

func TestParseServerURL(t *testing.T) {
	cases := map[string]string{
		"Chat.Example.org":            "https://chat.example.org",
		"https://chat.example.org/":   "https://chat.example.org",
		"http://localhost:8080/api//": "http://localhost:8080/api",
		"ftp://chat.example.org":      "",
		"https://chat.example.org/?a": "",
		"   ":                         "",
	}
	for input, expected := range cases {
		got, err := ParseServerURL(input)
		if expected == "" {
			if err == nil {
				t.Fatalf("ожидали ошибку для %q", input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("не ожидали ошибку для %q: %v", input, err)
		}
		if got != expected {
			t.Fatalf("ожидали %s, получили %s", expected, got)
		}
	}
}

func TestSubscribeFindOrCreate(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()

	ch, err := f.svc.Subscribe(ctx, "chat.example.org", 1, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer ch.Stop()
	again, err := f.svc.Subscribe(ctx, "https://chat.example.org/", 1, "")
	if err != nil || again != ch {
		t.Fatalf("повторная подписка должна вернуть тот же канал")
	}
	srv := f.servers["https://chat.example.org"]
	if len(srv.subscribed) != 1 || f.created != 1 {
		t.Fatalf("ожидали один запрос подписки и одно подключение, получили %v / %d", srv.subscribed, f.created)
	}
	if !ch.Running() || ch.ConversationID() != "publicChat:1@chat.example.org" {
		t.Fatalf("канал не запущен или неверный id беседы: %s", ch.ConversationID())
	}
	if len(f.subs.subs) != 1 {
		t.Fatalf("подписка не сохранена")
	}
	if api, ok := f.svc.Server("CHAT.example.org"); !ok || api != ServerAPI(srv) {
		t.Fatalf("сервер должен находиться по ненормализованному адресу")
	}
}

func TestSubscribeLimit(t *testing.T) {
	f := newFixture(1)
	ctx := context.Background()
	if _, err := f.svc.Subscribe(ctx, "chat.example.org", 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := f.svc.Subscribe(ctx, "chat.example.org", 2, ""); !errors.Is(err, ErrChannelLimit) {
		t.Fatalf("ожидали ErrChannelLimit, получили %v", err)
	}
	_ = f.svc.Close(ctx)
}

func TestAddServerWithoutToken(t *testing.T) {
	f := newFixture(0)
	f.servers["https://down.example.org"] = &stubServer{url: "https://down.example.org", tokenErr: domain.ErrNoToken}
	if _, err := f.svc.Subscribe(context.Background(), "down.example.org", 1, ""); !errors.Is(err, domain.ErrNoToken) {
		t.Fatalf("ожидали ErrNoToken, получили %v", err)
	}
	if len(f.svc.List()) != 0 {
		t.Fatalf("сервер без токена не регистрируется")
	}
	if _, ok := f.svc.Server("down.example.org"); ok {
		t.Fatalf("сервер без токена не должен находиться")
	}
}

func TestPartStopsAndForgets(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	ch, err := f.svc.Subscribe(ctx, "chat.example.org", 3, "conv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.svc.Part(ctx, "chat.example.org", 3); err != nil {
		t.Fatalf("part: %v", err)
	}
	if ch.Running() {
		t.Fatalf("канал должен быть остановлен")
	}
	if _, ok := f.svc.Channel("chat.example.org", 3); ok {
		t.Fatalf("канал должен быть удалён из реестра")
	}
	if got := f.servers["https://chat.example.org"].unsubscribed; len(got) != 1 || got[0] != 3 {
		t.Fatalf("ожидали отписку на сервере, получили %v", got)
	}
	if len(f.subs.subs) != 0 {
		t.Fatalf("подписка должна быть удалена")
	}
	if err := f.svc.Unregister(ctx, "chat.example.org", 3); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
}

func TestCloseAndRestore(t *testing.T) {
	f := newFixture(0)
	ctx := context.Background()
	f.subs.subs["a"] = domain.Subscription{ServerURL: "https://a.example.org", ChannelID: 1, ConversationID: "c1"}
	f.subs.subs["b"] = domain.Subscription{ServerURL: "https://b.example.org", ChannelID: 2, ConversationID: "c2"}

	n, err := f.svc.Restore(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ожидали 2 восстановленные подписки, получили %d, %v", n, err)
	}
	if err := f.svc.SetProfileName(ctx, "alice"); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if err := f.svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for url, srv := range f.servers {
		if srv.waited != 1 {
			t.Fatalf("%s: Close должен дождаться обновления токена", url)
		}
		if len(srv.names) != 1 || srv.names[0] != "alice" {
			t.Fatalf("%s: имя не разослано", url)
		}
	}
	for _, st := range f.svc.List() {
		if st.Running {
			t.Fatalf("после Close каналы остановлены: %+v", st)
		}
	}
}
