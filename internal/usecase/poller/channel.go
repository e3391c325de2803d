package poller

import (
	"context"
	"errors"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
	"pubchat-client/internal/usecase/pipeline"
)

const (
	// FirstPollCount задаёт число сообщений первого опроса канала.
	FirstPollCount = 100
	// PollCount задаёт размер страницы следующих опросов и ленты удалений.
	PollCount = 200
)

// Интервалы опроса по умолчанию.
const (
	DefaultChannelEvery    = 20 * time.Second
	DefaultModeratorsEvery = 30 * time.Second
	DefaultDeletionsEvery  = 5 * time.Second
	DefaultMessagesEvery   = 1500 * time.Millisecond
)

// API описывает вызовы сервера, которые нужны каналу.
type API interface {
	BaseURL() string
	OwnPubKey() string
	Identity() domain.Identity
	Token(ctx context.Context, forceRefresh bool) (string, error)
	ChannelInfo(ctx context.Context, channelID int64) (domain.ChannelData, error)
	UpdateChannelSettings(ctx context.Context, channelID int64, notes []domain.Annotation) error
	Moderators(ctx context.Context, channelID int64) ([]string, error)
	Deletions(ctx context.Context, channelID, sinceID int64, count int) (domain.DeletionPage, error)
	Messages(ctx context.Context, channelID int64, q domain.MessageQuery) ([]domain.RawMessage, error)
	PostMessage(ctx context.Context, channelID int64, payload any) (domain.PostedMessage, error)
	DeleteMessages(ctx context.Context, ids []int64, moderator bool) (domain.DeleteResult, error)
	BanUser(ctx context.Context, pubKey string) error
	Subscribers(ctx context.Context, channelID int64) ([]domain.User, error)
	DownloadAttachment(ctx context.Context, fileURL string) ([]byte, error)
	SetProfileName(ctx context.Context, name string) ([]domain.Annotation, error)
}

// Intervals задаёт периоды четырёх задач опроса.
type Intervals struct {
	Channel    time.Duration
	Moderators time.Duration
	Deletions  time.Duration
	Messages   time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Channel <= 0 {
		i.Channel = DefaultChannelEvery
	}
	if i.Moderators <= 0 {
		i.Moderators = DefaultModeratorsEvery
	}
	if i.Deletions <= 0 {
		i.Deletions = DefaultDeletionsEvery
	}
	if i.Messages <= 0 {
		i.Messages = DefaultMessagesEvery
	}
	return i
}

// BatchHook вызывается после доставки выборки сообщений.
type BatchHook func(ctx context.Context, c *Channel, batch pipeline.Batch)

// Config описывает канал.
type Config struct {
	ChannelID         int64
	ConversationID    string
	API               API
	Conversation      domain.Conversation
	Cursors           domain.CursorStore
	Verifier          domain.Verifier
	Profile           domain.ProfileSource
	DefaultHomeServer string
	Intervals         Intervals
	// AfterBatch по умолчанию синхронизирует имя профиля.
	AfterBatch BatchHook
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Channel опрашивает один канал сервера.
type Channel struct {
	id             int64
	conversationID string
	api            API
	conversation   domain.Conversation
	cursors        domain.CursorStore
	profile        domain.ProfileSource
	afterBatch     BatchHook
	now            func() time.Time
	log            zerolog.Logger
	pipe           *pipeline.Pipeline

	mu           sync.Mutex
	running      bool
	lastSeen     int64
	deleteCursor int64
	isModerator  bool

	polling atomic.Bool
	jobs    []*job
}

// NewChannel создаёт остановленный канал.
func NewChannel(cfg Config) *Channel {
	logger := cfg.Logger.With().Int64("channel", cfg.ChannelID).Str("server", cfg.API.BaseURL()).Logger()
	c := &Channel{
		id:             cfg.ChannelID,
		conversationID: cfg.ConversationID,
		api:            cfg.API,
		conversation:   cfg.Conversation,
		cursors:        cfg.Cursors,
		profile:        cfg.Profile,
		afterBatch:     cfg.AfterBatch,
		now:            cfg.Now,
		log:            logger,
		deleteCursor:   1,
		pipe: pipeline.New(pipeline.Config{
			ServerURL:         cfg.API.BaseURL(),
			ChannelID:         cfg.ChannelID,
			ConversationID:    cfg.ConversationID,
			OwnPubKey:         cfg.API.OwnPubKey(),
			DefaultHomeServer: cfg.DefaultHomeServer,
			Verifier:          cfg.Verifier,
			Logger:            logger,
		}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.afterBatch == nil {
		c.afterBatch = SyncProfileName
	}
	iv := cfg.Intervals.withDefaults()
	c.jobs = []*job{
		newJob("channel", iv.Channel, c.pollChannelOnce, logger),
		newJob("moderators", iv.Moderators, c.pollModeratorsOnce, logger),
		newJob("deletions", iv.Deletions, c.pollDeletionsOnce, logger),
		newJob("messages", iv.Messages, c.pollMessagesOnce, logger),
	}
	return c
}

// ID возвращает id канала на сервере.
func (c *Channel) ID() int64 { return c.id }

// ConversationID возвращает id локальной беседы.
func (c *Channel) ConversationID() string { return c.conversationID }

// Open запускает четыре задачи опроса.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.log.Warn().Msg("poller: канал уже открыт")
	}
	c.running = true
	c.mu.Unlock()

	c.log.Info().Msg("poller: канал открыт")
	for _, j := range c.jobs {
		j.start(ctx)
	}
}

// Stop отменяет запланированные опросы. Повторный вызов ничего не делает.
func (c *Channel) Stop() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	if !wasRunning {
		c.log.Debug().Msg("poller: канал уже остановлен")
	}
	for _, j := range c.jobs {
		j.stop()
	}
	if wasRunning {
		c.log.Info().Msg("poller: канал остановлен")
	}
}

// Running сообщает, запущен ли опрос.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// IsModerator сообщает, модератор ли локальный пользователь.
func (c *Channel) IsModerator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isModerator
}

// State возвращает снимок состояния канала.
func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ChannelState{
		Subscription: domain.Subscription{
			ServerURL:      c.api.BaseURL(),
			ChannelID:      c.id,
			ConversationID: c.conversationID,
		},
		Running:     c.running,
		LastSeenID:  c.lastSeen,
		DeleteAtID:  c.deleteCursor,
		IsModerator: c.isModerator,
	}
}

func (c *Channel) refreshTokenOnForbidden(ctx context.Context, err error) {
	if !domain.IsStatus(err, http.StatusForbidden) {
		return
	}
	if _, tokErr := c.api.Token(ctx, true); tokErr != nil {
		c.log.Warn().Err(tokErr).Msg("poller: не удалось обновить токен после 403")
	}
}

func (c *Channel) pollChannelOnce(ctx context.Context) error {
	data, err := c.api.ChannelInfo(ctx, c.id)
	if err != nil {
		c.refreshTokenOnForbidden(ctx, err)
		return err
	}
	if !c.Running() {
		return nil
	}

	info := domain.ChannelInfo{
		ServerURL:      c.api.BaseURL(),
		ChannelID:      c.id,
		ConversationID: c.conversationID,
	}
	if settings, ok := channelSettings(data.Annotations); ok {
		if settings.Name != "" {
			name := settings.Name
			info.Name = &name
		}
		if settings.Avatar != "" {
			c.resolveAvatar(ctx, settings.Avatar, &info)
		}
	}
	info.Subscribers = data.Counts.Subscribers
	return c.conversation.UpdateChannelInfo(ctx, info)
}

func (c *Channel) resolveAvatar(ctx context.Context, avatar string, info *domain.ChannelInfo) {
	if strings.HasPrefix(avatar, "images/") {
		cleaned := path.Clean(avatar)
		if strings.HasPrefix(cleaned, "images/") {
			info.Avatar = cleaned
		}
		return
	}
	abs := c.api.BaseURL() + avatar
	data, err := c.api.DownloadAttachment(ctx, abs)
	if err != nil {
		c.log.Warn().Err(err).Str("avatar", abs).Msg("poller: не удалось скачать аватар канала")
		return
	}
	info.Avatar = abs
	info.AvatarData = data
}

func channelSettings(notes []domain.Annotation) (domain.ChannelSettings, bool) {
	for _, note := range notes {
		if note.Type != domain.AnnotationChannelSettings {
			continue
		}
		var s domain.ChannelSettings
		if err := note.DecodeValue(&s); err != nil {
			return domain.ChannelSettings{}, false
		}
		return s, true
	}
	return domain.ChannelSettings{}, false
}

func (c *Channel) pollModeratorsOnce(ctx context.Context) error {
	moderators, err := c.api.Moderators(ctx, c.id)
	if err != nil {
		// флаг модератора остаётся прежним
		return err
	}
	isModerator := slices.Contains(moderators, c.api.OwnPubKey())

	c.mu.Lock()
	c.isModerator = isModerator
	running := c.running
	c.mu.Unlock()

	if !running {
		return nil
	}
	return c.conversation.UpdateModerators(ctx, domain.ModeratorUpdate{
		ServerURL:      c.api.BaseURL(),
		ChannelID:      c.id,
		ConversationID: c.conversationID,
		Moderators:     moderators,
		IsModerator:    isModerator,
	})
}

func (c *Channel) pollDeletionsOnce(ctx context.Context) error {
	for {
		c.mu.Lock()
		cursor := c.deleteCursor
		c.mu.Unlock()

		page, err := c.api.Deletions(ctx, c.id, cursor, PollCount)
		if err != nil {
			c.refreshTokenOnForbidden(ctx, err)
			return err
		}

		if len(page.Records) > 0 {
			ids := make([]int64, 0, len(page.Records))
			for _, r := range page.Records {
				ids = append(ids, r.MessageID)
			}
			slices.Sort(ids)
			metrics.DeletionsTotal.Add(float64(len(ids)))
			if err := c.conversation.DeleteMessages(ctx, domain.DeletionBatch{
				ServerURL:      c.api.BaseURL(),
				ChannelID:      c.id,
				ConversationID: c.conversationID,
				MessageIDs:     ids,
			}); err != nil {
				c.log.Error().Err(err).Msg("poller: не удалось применить удаления")
			}
		}

		c.mu.Lock()
		if page.MaxID > c.deleteCursor {
			c.deleteCursor = page.MaxID
		}
		running := c.running
		c.mu.Unlock()

		if !page.More || len(page.Records) < PollCount || !running {
			return nil
		}
	}
}

func (c *Channel) pollMessagesOnce(ctx context.Context) error {
	if !c.polling.CompareAndSwap(false, true) {
		c.log.Warn().Msg("poller: предыдущий опрос сообщений ещё идёт")
		return nil
	}
	defer c.polling.Store(false)

	lastSeen := c.loadLastSeen(ctx)
	q := domain.MessageQuery{Count: FirstPollCount}
	if lastSeen > 0 {
		q = domain.MessageQuery{Count: PollCount, SinceID: lastSeen}
	}
	raw, err := c.api.Messages(ctx, c.id, q)
	if err != nil {
		c.refreshTokenOnForbidden(ctx, err)
		return err
	}

	batch := c.pipe.Process(raw, lastSeen, c.now().UnixMilli())
	c.mu.Lock()
	if batch.LastSeen > c.lastSeen {
		c.lastSeen = batch.LastSeen
	}
	cursor := c.lastSeen
	c.mu.Unlock()

	var deliverErr error
	for _, msg := range batch.Messages {
		if !c.Running() {
			break
		}
		if err := c.conversation.HandlePublicMessage(ctx, msg); err != nil {
			c.log.Error().Err(err).Int64("message_id", msg.ServerID).Msg("poller: беседа не приняла сообщение")
			deliverErr = errors.Join(deliverErr, err)
			continue
		}
		metrics.MessagesIngested.Inc()
	}
	if len(batch.Messages) > 0 && c.Running() {
		c.afterBatch(ctx, c, batch)
	}

	if c.cursors != nil {
		if err := c.cursors.SaveLastSeenID(ctx, c.conversationID, cursor); err != nil {
			return errors.Join(deliverErr, err)
		}
	}
	return deliverErr
}

func (c *Channel) loadLastSeen(ctx context.Context) int64 {
	c.mu.Lock()
	lastSeen := c.lastSeen
	c.mu.Unlock()
	if lastSeen > 0 || c.cursors == nil {
		return lastSeen
	}
	stored, err := c.cursors.LoadLastSeenID(ctx, c.conversationID)
	if err != nil {
		c.log.Warn().Err(err).Msg("poller: не удалось прочитать курсор")
		return 0
	}
	c.mu.Lock()
	if stored > c.lastSeen {
		c.lastSeen = stored
	}
	lastSeen = c.lastSeen
	c.mu.Unlock()
	return lastSeen
}

// SyncProfileName обновляет имя на сервере, если собственные сообщения пришли с устаревшим именем.
func SyncProfileName(ctx context.Context, c *Channel, batch pipeline.Batch) {
	if !batch.SawOwn || c.profile == nil {
		return
	}
	current := c.profile.DisplayName(ctx)
	if current == batch.OwnName {
		return
	}
	if _, err := c.api.SetProfileName(ctx, current); err != nil {
		c.log.Debug().Err(err).Msg("poller: не удалось синхронизировать имя профиля")
	}
}
