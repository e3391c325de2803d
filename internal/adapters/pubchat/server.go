package pubchat

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pubchat-client/internal/adapters/transport"
	"pubchat-client/internal/domain"
)

// ServerPubKeySize равен длине ключа сервера с байтом типа.
const ServerPubKeySize = 33

// Sender описывает транспорт, через который уходят запросы.
type Sender interface {
	Send(ctx context.Context, d transport.Descriptor) (transport.Result, error)
	UsesRelay(host string) bool
}

// Config описывает подключение к одному серверу.
type Config struct {
	BaseURL      string
	PubKey       []byte
	Identity     domain.Identity
	Tokens       domain.TokenStore
	Profile      domain.ProfileSource
	Sender       Sender
	TokenTimeout time.Duration
	Logger       zerolog.Logger
}

// Server управляет подключением к серверу публичных чатов: токеном и REST вызовами.
type Server struct {
	baseURL      string
	host         string
	pubKey       []byte
	identity     domain.Identity
	tokens       domain.TokenStore
	profile      domain.ProfileSource
	sender       Sender
	tokenTimeout time.Duration
	log          zerolog.Logger

	mu          sync.Mutex
	token       string
	refreshDone chan struct{}
	flight      singleflight.Group
}

// NewServer проверяет конфигурацию и создаёт подключение.
func NewServer(cfg Config) (*Server, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid server url %q", domain.ErrConfiguration, cfg.BaseURL)
	}
	if cfg.Identity == nil || cfg.Sender == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: identity, sender and token store are required", domain.ErrConfiguration)
	}
	if len(cfg.PubKey) > 0 && len(cfg.PubKey) != ServerPubKeySize {
		return nil, fmt.Errorf("%w: server %s public key must be %d bytes, got %d", domain.ErrConfiguration, u.Host, ServerPubKeySize, len(cfg.PubKey))
	}
	if len(cfg.PubKey) == 0 && cfg.Sender.UsesRelay(u.Host) {
		return nil, fmt.Errorf("%w: relay enabled for %s but server public key is missing", domain.ErrConfiguration, u.Host)
	}
	timeout := cfg.TokenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		baseURL:      baseURL,
		host:         u.Host,
		pubKey:       append([]byte(nil), cfg.PubKey...),
		identity:     cfg.Identity,
		tokens:       cfg.Tokens,
		profile:      cfg.Profile,
		sender:       cfg.Sender,
		tokenTimeout: timeout,
		log:          cfg.Logger.With().Str("server", baseURL).Logger(),
	}
	s.log.Info().Msg("pubchat: сервер зарегистрирован")
	return s, nil
}

// BaseURL возвращает адрес сервера без завершающего слэша.
func (s *Server) BaseURL() string { return s.baseURL }

// OwnPubKey возвращает публичный ключ локального пользователя.
func (s *Server) OwnPubKey() string { return s.identity.PublicKey() }

// Identity возвращает ключ, которым подписываются сообщения.
func (s *Server) Identity() domain.Identity { return s.identity }

func (s *Server) cachedToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Server) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Server) displayName(ctx context.Context) string {
	if s.profile == nil {
		return ""
	}
	return s.profile.DisplayName(ctx)
}
