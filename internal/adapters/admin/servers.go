package admin

import (
	"context"
	"io"
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"pubchat-client/internal/domain"
	httpinfra "pubchat-client/internal/infra/http"
)

const maxUploadSize = 10 << 20

// ServerAdmin описывает вызовы уровня сервера, не привязанные к каналу.
type ServerAdmin interface {
	Users(ctx context.Context, pubKeys []string) ([]domain.User, error)
	UserAnnotations(ctx context.Context, pubKey string) ([]domain.Annotation, error)
	AddModerator(ctx context.Context, pubKey string) error
	RemoveModerators(ctx context.Context, pubKeys []string) error
	SetHomeServer(ctx context.Context, homeServer string) ([]domain.Annotation, error)
	UploadAvatar(ctx context.Context, image []byte) (domain.Upload, error)
	SetAvatar(ctx context.Context, avatarURL, profileKey string) error
	PutAttachment(ctx context.Context, content []byte) (domain.Upload, error)
}

type homeServerRequest struct {
	HomeServer string `json:"home_server"`
}

func (h *Handler) mountServer(r chi.Router) {
	r.Get("/users", h.users)
	r.Get("/users/{pubkey}/annotations", h.userAnnotations)
	r.Post("/moderators", h.addModerator)
	r.Delete("/moderators/{pubkey}", h.removeModerator)
	r.Put("/home", h.setHomeServer)
	r.Post("/avatar", h.uploadAvatar)
	r.Delete("/avatar", h.clearAvatar)
	r.Post("/files", h.putAttachment)
}

func (h *Handler) server(w http.ResponseWriter, r *http.Request) (ServerAdmin, bool) {
	api, found := h.registry.Server(r.URL.Query().Get("server"))
	if !found {
		httpinfra.WriteError(w, http.StatusNotFound, "сервер не подключён")
		return nil, false
	}
	srv, ok := api.(ServerAdmin)
	if !ok {
		httpinfra.WriteError(w, http.StatusNotImplemented, "сервер не поддерживает операцию")
		return nil, false
	}
	return srv, true
}

func (h *Handler) users(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	var keys []string
	for _, k := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "ids обязателен")
		return
	}
	users, err := srv.Users(r.Context(), keys)
	if err != nil {
		h.fail(w, err, "admin: поиск пользователей не удался")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, users)
}

func (h *Handler) userAnnotations(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	notes, err := srv.UserAnnotations(r.Context(), chi.URLParam(r, "pubkey"))
	if err != nil {
		h.fail(w, err, "admin: аннотации пользователя не получены")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, notes)
}

func (h *Handler) addModerator(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
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
	if err := srv.AddModerator(r.Context(), req.PubKey); err != nil {
		h.fail(w, err, "admin: модератор не добавлен")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeModerator(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	if err := srv.RemoveModerators(r.Context(), []string{chi.URLParam(r, "pubkey")}); err != nil {
		h.fail(w, err, "admin: модератор не снят")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setHomeServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	var req homeServerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.HomeServer == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, "home_server обязателен")
		return
	}
	notes, err := srv.SetHomeServer(r.Context(), req.HomeServer)
	if err != nil {
		h.fail(w, err, "admin: домашний сервер не сохранён")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, notes)
}

// uploadAvatar принимает картинку телом запроса. Картинка уже зашифрована
// ключом профиля, который передаётся в profile_key.
func (h *Handler) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	profileKey := r.URL.Query().Get("profile_key")
	if profileKey == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, "profile_key обязателен")
		return
	}
	image, ok := readBody(w, r)
	if !ok {
		return
	}
	upload, err := srv.UploadAvatar(r.Context(), image)
	if err != nil {
		h.fail(w, err, "admin: аватар не загружен")
		return
	}
	if err := srv.SetAvatar(r.Context(), upload.URL, profileKey); err != nil {
		h.fail(w, err, "admin: аватар не опубликован")
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, upload)
}

func (h *Handler) clearAvatar(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	if err := srv.SetAvatar(r.Context(), "", ""); err != nil {
		h.fail(w, err, "admin: аватар не удалён")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putAttachment(w http.ResponseWriter, r *http.Request) {
	srv, ok := h.server(w, r)
	if !ok {
		return
	}
	content, ok := readBody(w, r)
	if !ok {
		return
	}
	upload, err := srv.PutAttachment(r.Context(), content)
	if err != nil {
		h.fail(w, err, "admin: файл не загружен")
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, upload)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		httpinfra.WriteError(w, http.StatusRequestEntityTooLarge, "тело запроса слишком большое")
		return nil, false
	}
	if len(data) == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "пустое тело запроса")
		return nil, false
	}
	return data, true
}
