package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	httpinfra "pubchat-client/internal/infra/http"
	"pubchat-client/internal/usecase/channels"
	"pubchat-client/internal/usecase/poller"
)

// Registry описывает операции реестра каналов, доступные из админки.
type Registry interface {
	Subscribe(ctx context.Context, serverURL string, channelID int64, conversationID string) (*poller.Channel, error)
	Part(ctx context.Context, serverURL string, channelID int64) error
	List() []domain.ChannelState
	Channel(serverURL string, channelID int64) (*poller.Channel, bool)
	Server(serverURL string) (channels.ServerAPI, bool)
	SetProfileName(ctx context.Context, name string) error
}

// ProfileSetter меняет локальное имя профиля.
type ProfileSetter interface {
	Set(name string) bool
}

// Handler обслуживает /api/v1 админки.
type Handler struct {
	registry Registry
	profile  ProfileSetter
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(registry Registry, profile ProfileSetter, log zerolog.Logger) *Handler {
	return &Handler{registry: registry, profile: profile, log: log.With().Str("component", "admin").Logger()}
}

// Mount регистрирует маршруты под защитой bearer токена.
func (h *Handler) Mount(r chi.Router, token string) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.BearerAuthMiddleware(token))
		api.Get("/channels", h.listChannels)
		api.Post("/channels", h.subscribe)
		api.Route("/channels/{channelID}", func(ch chi.Router) {
			ch.Delete("/", h.part)
			ch.Post("/messages", h.sendMessage)
			ch.Post("/deletions", h.deleteMessages)
			ch.Post("/bans", h.banUser)
			ch.Get("/subscribers", h.subscribers)
			ch.Put("/settings", h.channelSettings)
		})
		api.Put("/profile", h.setProfile)
		api.Route("/server", h.mountServer)
	})
}

type subscribeRequest struct {
	Server         string `json:"server"`
	ChannelID      int64  `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
}

type sendRequest struct {
	Body      string        `json:"body"`
	Timestamp int64         `json:"timestamp"`
	ReplyTo   int64         `json:"reply_to"`
	Quote     *domain.Quote `json:"quote"`
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

type banRequest struct {
	PubKey string `json:"pubkey"`
}

type profileRequest struct {
	Name string `json:"name"`
}

func (h *Handler) listChannels(w http.ResponseWriter, _ *http.Request) {
	httpinfra.WriteJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Server == "" || req.ChannelID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "server и channel_id обязательны")
		return
	}
	ch, err := h.registry.Subscribe(r.Context(), req.Server, req.ChannelID, req.ConversationID)
	if err != nil {
		h.fail(w, err, "admin: подписка не удалась")
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, ch.State())
}

func (h *Handler) part(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	if err := h.registry.Part(r.Context(), r.URL.Query().Get("server"), id); err != nil {
		h.fail(w, err, "admin: отписка не удалась")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	posted, err := ch.SendMessage(r.Context(), domain.OutgoingMessage{
		Body:      req.Body,
		Timestamp: req.Timestamp,
		ReplyTo:   req.ReplyTo,
		Quote:     req.Quote,
	})
	if err != nil {
		h.fail(w, err, "admin: сообщение не отправлено")
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, map[string]int64{
		"server_id":        posted.ServerID,
		"server_timestamp": posted.ServerTimestamp,
	})
}

func (h *Handler) deleteMessages(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "ids пуст")
		return
	}
	res, err := ch.DeleteMessages(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, err, "admin: удаление не удалось")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string][]int64{"deleted": res.DeletedIDs, "ignored": res.IgnoredIDs})
}

func (h *Handler) banUser(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	var req banRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PubKey == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, "pubkey обязателен")
		return
	}
	if err := ch.BanUser(r.Context(), req.PubKey); err != nil {
		h.fail(w, err, "admin: бан не удался")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) subscribers(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	users, err := ch.Subscribers(r.Context())
	if err != nil {
		h.fail(w, err, "admin: не удалось получить подписчиков")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, users)
}

func (h *Handler) channelSettings(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channel(w, r)
	if !ok {
		return
	}
	var req domain.ChannelSettings
	if !decode(w, r, &req) {
		return
	}
	if err := ch.SetChannelSettings(r.Context(), req); err != nil {
		h.fail(w, err, "admin: настройки канала не изменены")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, "name обязателен")
		return
	}
	h.profile.Set(req.Name)
	if err := h.registry.SetProfileName(r.Context(), req.Name); err != nil {
		h.fail(w, err, "admin: имя обновлено не на всех серверах")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) channel(w http.ResponseWriter, r *http.Request) (*poller.Channel, bool) {
	id, ok := channelID(w, r)
	if !ok {
		return nil, false
	}
	ch, found := h.registry.Channel(r.URL.Query().Get("server"), id)
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, channels.ErrChannelNotFound.Error())
		return nil, false
	}
	return ch, true
}

func channelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
	if err != nil || id <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "некорректный id канала")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, channels.ErrServerURLInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, channels.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, channels.ErrChannelLimit):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNotModerator):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConfiguration):
		status = http.StatusInternalServerError
	}
	h.log.Error().Err(err).Int("status", status).Msg(msg)
	httpinfra.WriteError(w, status, err.Error())
}
