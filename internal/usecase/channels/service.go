package channels

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/usecase/poller"
)

var (
	ErrChannelLimit     = errors.New("превышен лимит каналов")
	ErrServerURLInvalid = errors.New("некорректный адрес сервера")
	ErrChannelNotFound  = errors.New("канал не найден")
)

// ServerAPI описывает подключение к серверу, которым управляет реестр.
type ServerAPI interface {
	poller.API
	Subscribe(ctx context.Context, channelID int64) error
	Unsubscribe(ctx context.Context, channelID int64) error
	WaitRefresh(ctx context.Context) error
}

// ServerFactory создаёт подключение к серверу по нормализованному адресу.
type ServerFactory func(serverURL string) (ServerAPI, error)

// Config описывает зависимости реестра.
type Config struct {
	Servers           ServerFactory
	Conversation      domain.Conversation
	Cursors           domain.CursorStore
	Subscriptions     domain.SubscriptionStore
	Verifier          domain.Verifier
	Profile           domain.ProfileSource
	DefaultHomeServer string
	Intervals         poller.Intervals
	// Limit ограничивает число каналов. 0 снимает ограничение.
	Limit  int
	Logger zerolog.Logger
}

type serverEntry struct {
	api      ServerAPI
	channels map[int64]*poller.Channel
}

// Service ведёт реестр серверов и каналов клиента.
type Service struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	servers map[string]*serverEntry
}

// NewService создаёт пустой реестр.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "channels").Logger(),
		ctx:     context.Background(),
		servers: make(map[string]*serverEntry),
	}
}

// ParseServerURL приводит ввод пользователя к каноничному адресу сервера.
func ParseServerURL(input string) (string, error) {
	trim := strings.TrimSpace(input)
	if trim == "" {
		return "", ErrServerURLInvalid
	}
	if !strings.Contains(trim, "://") {
		trim = "https://" + trim
	}
	u, err := url.Parse(trim)
	if err != nil || u.Host == "" {
		return "", ErrServerURLInvalid
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", ErrServerURLInvalid
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", ErrServerURLInvalid
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// AddServer находит или создаёт подключение и убеждается, что токен получен.
func (s *Service) AddServer(ctx context.Context, rawURL string) (ServerAPI, error) {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, ok := s.servers[serverURL]
	s.mu.Unlock()
	if ok {
		return entry.api, nil
	}

	api, err := s.cfg.Servers(serverURL)
	if err != nil {
		return nil, fmt.Errorf("подключение к %s: %w", serverURL, err)
	}
	if _, err := api.Token(ctx, false); err != nil {
		s.log.Warn().Err(err).Str("server", serverURL).Msg("channels: сервер не выдал токен")
		return nil, fmt.Errorf("токен %s: %w", serverURL, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// сервер мог добавить параллельный вызов
	if existing, ok := s.servers[serverURL]; ok {
		return existing.api, nil
	}
	s.servers[serverURL] = &serverEntry{api: api, channels: make(map[int64]*poller.Channel)}
	s.log.Info().Str("server", serverURL).Msg("channels: сервер добавлен")
	return api, nil
}

// Subscribe подписывается на канал, запускает его опрос и сохраняет подписку.
// Уже известный канал возвращается без запросов к серверу.
func (s *Service) Subscribe(ctx context.Context, rawURL string, channelID int64, conversationID string) (*poller.Channel, error) {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ch, ok := s.Channel(serverURL, channelID); ok {
		return ch, nil
	}
	if s.cfg.Limit > 0 && s.count() >= s.cfg.Limit {
		return nil, ErrChannelLimit
	}

	api, err := s.AddServer(ctx, serverURL)
	if err != nil {
		return nil, err
	}
	if err := api.Subscribe(ctx, channelID); err != nil {
		return nil, fmt.Errorf("подписка на канал %d: %w", channelID, err)
	}
	if conversationID == "" {
		conversationID = ConversationID(serverURL, channelID)
	}

	ch := poller.NewChannel(poller.Config{
		ChannelID:         channelID,
		ConversationID:    conversationID,
		API:               api,
		Conversation:      s.cfg.Conversation,
		Cursors:           s.cfg.Cursors,
		Verifier:          s.cfg.Verifier,
		Profile:           s.cfg.Profile,
		DefaultHomeServer: s.cfg.DefaultHomeServer,
		Intervals:         s.cfg.Intervals,
		Logger:            s.cfg.Logger,
	})

	s.mu.Lock()
	entry, ok := s.servers[serverURL]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("сервер %s удалён во время подписки", serverURL)
	}
	if existing, ok := entry.channels[channelID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	entry.channels[channelID] = ch
	runCtx := s.ctx
	s.mu.Unlock()

	ch.Open(runCtx)

	if s.cfg.Subscriptions != nil {
		sub := domain.Subscription{ServerURL: serverURL, ChannelID: channelID, ConversationID: conversationID}
		if err := s.cfg.Subscriptions.SaveSubscription(ctx, sub); err != nil {
			s.log.Error().Err(err).Str("server", serverURL).Int64("channel", channelID).Msg("channels: не удалось сохранить подписку")
		}
	}
	s.log.Info().Str("server", serverURL).Int64("channel", channelID).Msg("channels: подписка оформлена")
	return ch, nil
}

// Part отписывается от канала на сервере и убирает его из реестра.
func (s *Service) Part(ctx context.Context, rawURL string, channelID int64) error {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	entry, ok := s.servers[serverURL]
	s.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}
	if err := entry.api.Unsubscribe(ctx, channelID); err != nil {
		s.log.Warn().Err(err).Str("server", serverURL).Int64("channel", channelID).Msg("channels: сервер не принял отписку")
	}
	return s.Unregister(ctx, serverURL, channelID)
}

// Unregister останавливает канал и забывает его. Сервер без каналов удаляется.
func (s *Service) Unregister(ctx context.Context, rawURL string, channelID int64) error {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	entry, ok := s.servers[serverURL]
	var ch *poller.Channel
	if ok {
		ch = entry.channels[channelID]
		delete(entry.channels, channelID)
		if len(entry.channels) == 0 {
			delete(s.servers, serverURL)
		}
	}
	s.mu.Unlock()
	if ch == nil {
		return ErrChannelNotFound
	}

	ch.Stop()
	if s.cfg.Subscriptions != nil {
		if err := s.cfg.Subscriptions.DeleteSubscription(ctx, serverURL, channelID); err != nil {
			return fmt.Errorf("удаление подписки: %w", err)
		}
	}
	s.log.Info().Str("server", serverURL).Int64("channel", channelID).Msg("channels: канал удалён")
	return nil
}

// Open задаёт контекст жизни опросов и запускает все известные каналы.
func (s *Service) Open(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	channels := s.channelsLocked()
	s.mu.Unlock()
	for _, ch := range channels {
		ch.Open(ctx)
	}
}

// Close останавливает все каналы и дожидается обновлений токенов.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	channels := s.channelsLocked()
	apis := make([]ServerAPI, 0, len(s.servers))
	for _, entry := range s.servers {
		apis = append(apis, entry.api)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Stop()
	}
	var errs error
	for _, api := range apis {
		if err := api.WaitRefresh(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", api.BaseURL(), err))
		}
	}
	return errs
}

// List возвращает состояние всех каналов.
func (s *Service) List() []domain.ChannelState {
	s.mu.Lock()
	channels := s.channelsLocked()
	s.mu.Unlock()
	out := make([]domain.ChannelState, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.State())
	}
	return out
}

// Channel ищет канал в реестре.
func (s *Service) Channel(rawURL string, channelID int64) (*poller.Channel, bool) {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.servers[serverURL]
	if !ok {
		return nil, false
	}
	ch, ok := entry.channels[channelID]
	return ch, ok
}

// Server возвращает уже подключённый сервер.
func (s *Service) Server(rawURL string) (ServerAPI, bool) {
	serverURL, err := ParseServerURL(rawURL)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.servers[serverURL]
	if !ok {
		return nil, false
	}
	return entry.api, true
}

// SetProfileName меняет имя профиля на всех серверах.
func (s *Service) SetProfileName(ctx context.Context, name string) error {
	s.mu.Lock()
	apis := make([]ServerAPI, 0, len(s.servers))
	for _, entry := range s.servers {
		apis = append(apis, entry.api)
	}
	s.mu.Unlock()

	var errs error
	for _, api := range apis {
		if _, err := api.SetProfileName(ctx, name); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", api.BaseURL(), err))
		}
	}
	return errs
}

// Restore поднимает сохранённые подписки. Ошибка одной подписки не мешает остальным.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.cfg.Subscriptions == nil {
		return 0, nil
	}
	subs, err := s.cfg.Subscriptions.ListSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("чтение подписок: %w", err)
	}
	restored := 0
	for _, sub := range subs {
		if _, err := s.Subscribe(ctx, sub.ServerURL, sub.ChannelID, sub.ConversationID); err != nil {
			s.log.Warn().Err(err).Str("server", sub.ServerURL).Int64("channel", sub.ChannelID).Msg("channels: подписка не восстановлена")
			continue
		}
		restored++
	}
	return restored, nil
}

// ConversationID строит id беседы по умолчанию.
func ConversationID(serverURL string, channelID int64) string {
	host := serverURL
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return fmt.Sprintf("publicChat:%d@%s", channelID, host)
}

func (s *Service) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.servers {
		n += len(entry.channels)
	}
	return n
}

func (s *Service) channelsLocked() []*poller.Channel {
	var out []*poller.Channel
	for _, entry := range s.servers {
		for _, ch := range entry.channels {
			out = append(out, ch)
		}
	}
	return out
}
