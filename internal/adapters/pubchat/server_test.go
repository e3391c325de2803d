package pubchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/adapters/transport"
	"pubchat-client/internal/domain"
)

const testBase = "https://chat.example.org"

type fakeIdentity struct{ token string }

func (f fakeIdentity) PublicKey() string { return "05aabb" }

func (f fakeIdentity) Sign(data []byte) []byte { return data }

func (f fakeIdentity) DecryptChallenge(c domain.Challenge) (string, error) {
	if c.CipherText64 == "" {
		return "", errors.New("empty")
	}
	return f.token, nil
}

type memTokens struct {
	mu    sync.Mutex
	token string
	loads atomic.Int32
	// onLoad подменяет ответ n-го чтения, если возвращает true.
	onLoad func(n int32) (string, bool)
}

func (m *memTokens) LoadToken(context.Context, string) (string, error) {
	n := m.loads.Add(1)
	if m.onLoad != nil {
		if token, ok := m.onLoad(n); ok {
			return token, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memTokens) SaveToken(_ context.Context, _ string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

type staticProfile string

func (p staticProfile) DisplayName(context.Context) string { return string(p) }

// fakeSender отвечает из памяти: обработчик по endpoint без базового адреса.
type fakeSender struct {
	mu      sync.Mutex
	calls   map[string]int
	auth    []string
	relay   bool
	handler func(endpoint string, d transport.Descriptor) transport.Result
}

func newFakeSender(handler func(string, transport.Descriptor) transport.Result) *fakeSender {
	return &fakeSender{calls: map[string]int{}, handler: handler}
}

func (f *fakeSender) Send(_ context.Context, d transport.Descriptor) (transport.Result, error) {
	endpoint := strings.TrimPrefix(d.URL, testBase+"/")
	f.mu.Lock()
	f.calls[endpoint]++
	f.auth = append(f.auth, d.Headers["Authorization"])
	f.mu.Unlock()
	return f.handler(endpoint, d), nil
}

func (f *fakeSender) UsesRelay(string) bool { return f.relay }

func (f *fakeSender) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func jsonResult(status int, body string) transport.Result {
	return transport.Result{Status: status, Body: transport.JSONBody([]byte(body))}
}

func okToken(name string) transport.Result {
	return jsonResult(200, `{"meta":{"code":200},"data":{"user":{"id":1,"username":"05aabb","name":"`+name+`"}}}`)
}

func handshake(endpoint string, d transport.Descriptor) (transport.Result, bool) {
	switch endpoint {
	case "loki/v1/get_challenge":
		if d.Query.Get("pubKey") != "05aabb" {
			return jsonResult(400, `{"meta":{"code":400}}`), true
		}
		return jsonResult(200, `{"cipherText64":"Y2lwaGVy","serverPubKey64":"BQ=="}`), true
	case "loki/v1/submit_challenge":
		var body map[string]string
		_ = json.Unmarshal(d.Body, &body)
		if body["token"] == "" || !d.NoJSON {
			return jsonResult(400, `{}`), true
		}
		return transport.Result{Status: 200, Body: transport.TextBody("")}, true
	}
	return transport.Result{}, false
}

func newTestServer(t *testing.T, sender *fakeSender, tokens *memTokens, token string) *Server {
	t.Helper()
	s, err := NewServer(Config{
		BaseURL:  testBase + "/",
		Identity: fakeIdentity{token: token},
		Tokens:   tokens,
		Profile:  staticProfile("alice"),
		Sender:   sender,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestTokenSingleFlight(t *testing.T) {
	release := make(chan struct{})
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if endpoint == "loki/v1/get_challenge" {
			<-release
		}
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		if endpoint == "token" {
			return okToken("alice")
		}
		return jsonResult(404, `{"meta":{"code":404}}`)
	})
	tokens := &memTokens{}
	s := newTestServer(t, sender, tokens, "tok-1")

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.Token(context.Background(), false)
			if err != nil {
				t.Errorf("token: %v", err)
			}
			results[i] = tok
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tokens.loads.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := sender.count("loki/v1/get_challenge"); got != 1 {
		t.Fatalf("ожидали один запрос challenge, получили %d", got)
	}
	if got := sender.count("loki/v1/submit_challenge"); got != 1 {
		t.Fatalf("ожидали одну активацию, получили %d", got)
	}
	for i, tok := range results {
		if tok != "tok-1" {
			t.Fatalf("вызов %d получил токен %q", i, tok)
		}
	}
	if tokens.token != "tok-1" {
		t.Fatalf("токен не сохранён: %q", tokens.token)
	}
	if err := s.WaitRefresh(context.Background()); err != nil {
		t.Fatalf("wait refresh: %v", err)
	}
}

func TestTokenLateLoaderReusesFinishedHandshake(t *testing.T) {
	secondLoading := make(chan struct{})
	submitted := make(chan struct{})
	var submitOnce sync.Once
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		switch endpoint {
		case "loki/v1/get_challenge":
			<-secondLoading
		case "loki/v1/submit_challenge":
			defer submitOnce.Do(func() { close(submitted) })
		case "token":
			return okToken("alice")
		}
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		return jsonResult(404, `{"meta":{"code":404}}`)
	})
	tokens := &memTokens{onLoad: func(n int32) (string, bool) {
		if n != 2 {
			return "", false
		}
		// второй вызов читает пустое хранилище уже после обмена первого
		close(secondLoading)
		<-submitted
		return "", true
	}}
	s := newTestServer(t, sender, tokens, "tok-1")

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.Token(context.Background(), false)
			if err != nil {
				t.Errorf("token: %v", err)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if got := sender.count("loki/v1/get_challenge"); got != 1 {
		t.Fatalf("ожидали один обмен токена, получили %d", got)
	}
	if got := sender.count("loki/v1/submit_challenge"); got != 1 {
		t.Fatalf("ожидали одну активацию, получили %d", got)
	}
	if results[0] != "tok-1" || results[1] != "tok-1" {
		t.Fatalf("неверные токены %v", results)
	}
}

func TestTokenCachedWithoutIO(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		return okToken("alice")
	})
	s := newTestServer(t, sender, &memTokens{}, "tok-1")
	if _, err := s.Token(context.Background(), false); err != nil {
		t.Fatalf("token: %v", err)
	}
	before := len(sender.auth)
	tok, err := s.Token(context.Background(), false)
	if err != nil || tok != "tok-1" {
		t.Fatalf("получили %q, %v", tok, err)
	}
	if len(sender.auth) != before {
		t.Fatalf("кэшированный токен не должен вызывать запросы")
	}
}

func TestTokenVerifyUnauthorizedRefreshes(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		if endpoint == "token" && d.Headers["Authorization"] == "Bearer stale" {
			return jsonResult(401, `{"meta":{"code":401}}`)
		}
		return okToken("alice")
	})
	tokens := &memTokens{token: "stale"}
	s := newTestServer(t, sender, tokens, "fresh")

	tok, err := s.Token(context.Background(), false)
	if err != nil || tok != "fresh" {
		t.Fatalf("ожидали свежий токен, получили %q, %v", tok, err)
	}
	if sender.count("loki/v1/get_challenge") != 1 {
		t.Fatalf("ожидали один обмен токена")
	}
	if tokens.token != "fresh" {
		t.Fatalf("в хранилище %q", tokens.token)
	}
}

func TestTokenForcedFailureGivesUp(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		return jsonResult(401, `{"meta":{"code":401}}`)
	})
	tokens := &memTokens{}
	s := newTestServer(t, sender, tokens, "tok")

	_, err := s.Token(context.Background(), false)
	if !errors.Is(err, domain.ErrNoToken) {
		t.Fatalf("ожидали ErrNoToken, получили %v", err)
	}
	if got := sender.count("token"); got != 2 {
		t.Fatalf("ожидали две проверки токена, получили %d", got)
	}
	if s.cachedToken() != "" || tokens.token != "" {
		t.Fatalf("токен должен быть сброшен")
	}
}

func TestRequestRetriesOnceAfterUnauthorized(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		switch endpoint {
		case "token":
			return okToken("alice")
		case "channels/1/subscribe":
			if d.Headers["Authorization"] != "Bearer fresh" {
				return jsonResult(200, `{"meta":{"code":401}}`)
			}
			return jsonResult(200, `{"meta":{"code":200},"data":{"id":1}}`)
		}
		return jsonResult(404, `{}`)
	})
	s := newTestServer(t, sender, &memTokens{}, "fresh")
	s.setToken("old")
	// адаптер подменяет статус кодом из meta
	sender.handler = wrapMetaStatus(sender.handler)

	if err := s.Subscribe(context.Background(), 1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := sender.count("channels/1/subscribe"); got != 2 {
		t.Fatalf("ожидали 2 попытки, получили %d", got)
	}
	if got := sender.count("loki/v1/get_challenge"); got != 1 {
		t.Fatalf("ожидали один обмен токена, получили %d", got)
	}
}

func TestRequestSecondFailureSurfaces(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if res, ok := handshake(endpoint, d); ok {
			return res
		}
		if endpoint == "token" {
			return okToken("alice")
		}
		return jsonResult(500, `oops`)
	})
	s := newTestServer(t, sender, &memTokens{}, "tok")
	s.setToken("tok")

	res := s.Request(context.Background(), "channels/5", RequestOptions{})
	if res.OK || !domain.IsStatus(res.Err, 500) {
		t.Fatalf("ожидали StatusError 500, получили %+v", res)
	}
	if got := sender.count("channels/5"); got != 2 {
		t.Fatalf("без meta ожидали ровно один повтор, получили %d попыток", got)
	}

	sender.handler = func(string, transport.Descriptor) transport.Result {
		return jsonResult(404, `{"meta":{"code":404}}`)
	}
	res = s.Request(context.Background(), "channels/7", RequestOptions{})
	if !domain.IsStatus(res.Err, http.StatusNotFound) || sender.count("channels/7") != 1 {
		t.Fatalf("404 с meta не должен повторяться: %+v", res)
	}
}

func TestNewServerConfiguration(t *testing.T) {
	sender := newFakeSender(nil)
	base := Config{BaseURL: testBase, Identity: fakeIdentity{}, Tokens: &memTokens{}, Sender: sender, Logger: zerolog.Nop()}

	bad := base
	bad.PubKey = make([]byte, 10)
	if _, err := NewServer(bad); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("ожидали ErrConfiguration для короткого ключа, получили %v", err)
	}

	sender.relay = true
	if _, err := NewServer(base); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("ожидали ErrConfiguration без ключа, получили %v", err)
	}

	ok := base
	ok.PubKey = make([]byte, ServerPubKeySize)
	s, err := NewServer(ok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.BaseURL() != testBase {
		t.Fatalf("unexpected base url %q", s.BaseURL())
	}
}

func TestDeleteMessagesClassification(t *testing.T) {
	sender := newFakeSender(func(endpoint string, d transport.Descriptor) transport.Result {
		if endpoint != "loki/v1/moderation/messages" || d.Method != http.MethodDelete || d.Query.Get("ids") != "1,2,3" {
			return jsonResult(400, `{"meta":{"code":400}}`)
		}
		return jsonResult(200, `{"meta":{"code":200},"data":[{"id":1,"is_deleted":true},{"id":2,"is_deleted":false}]}`)
	})
	s := newTestServer(t, sender, &memTokens{}, "tok")
	s.setToken("tok")

	res, err := s.DeleteMessages(context.Background(), []int64{1, 2, 3}, true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != 1 || len(res.IgnoredIDs) != 1 || res.IgnoredIDs[0] != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestModeratorsMissingList(t *testing.T) {
	sender := newFakeSender(func(string, transport.Descriptor) transport.Result {
		return jsonResult(200, `{"meta":{"code":200}}`)
	})
	s := newTestServer(t, sender, &memTokens{}, "tok")
	s.setToken("tok")
	if _, err := s.Moderators(context.Background(), 1); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("ожидали ErrProtocol, получили %v", err)
	}

	sender.handler = func(string, transport.Descriptor) transport.Result {
		return jsonResult(200, `{"moderators":["05aabb","05ccdd"]}`)
	}
	mods, err := s.Moderators(context.Background(), 1)
	if err != nil || len(mods) != 2 {
		t.Fatalf("получили %v, %v", mods, err)
	}
}

func TestOperationName(t *testing.T) {
	cases := map[string]string{
		"channels/12/messages":               "channels/:id/messages",
		"loki/v1/moderation/blacklist/@05aa": "loki/v1/moderation/blacklist/:user",
		"token":                              "token",
	}
	for in, want := range cases {
		if got := operationName(in); got != want {
			t.Fatalf("%s: ожидали %s, получили %s", in, want, got)
		}
	}
}

func wrapMetaStatus(h func(string, transport.Descriptor) transport.Result) func(string, transport.Descriptor) transport.Result {
	return func(endpoint string, d transport.Descriptor) transport.Result {
		res := h(endpoint, d)
		if env, ok := res.Body.Envelope(); ok && env.Meta != nil && env.Meta.Code != 0 {
			res.Status = env.Meta.Code
		}
		return res
	}
}
