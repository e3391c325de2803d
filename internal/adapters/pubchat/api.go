package pubchat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pubchat-client/internal/adapters/transport"
	"pubchat-client/internal/domain"
)

// Subscribe подписывает пользователя на канал.
func (s *Server) Subscribe(ctx context.Context, channelID int64) error {
	res := s.Request(ctx, fmt.Sprintf("channels/%d/subscribe", channelID), RequestOptions{Method: http.MethodPost})
	return res.Err
}

// Unsubscribe отписывает пользователя от канала.
func (s *Server) Unsubscribe(ctx context.Context, channelID int64) error {
	res := s.Request(ctx, fmt.Sprintf("channels/%d/subscribe", channelID), RequestOptions{Method: http.MethodDelete})
	return res.Err
}

// SetProfileName меняет имя профиля на сервере. Пустая строка очищает имя.
func (s *Server) SetProfileName(ctx context.Context, name string) ([]domain.Annotation, error) {
	return s.patchMe(ctx, map[string]any{"name": name})
}

// SetHomeServer публикует домашний сервер пользователя.
func (s *Server) SetHomeServer(ctx context.Context, homeServer string) ([]domain.Annotation, error) {
	return s.patchMe(ctx, map[string]any{
		"annotations": []map[string]any{{"type": domain.AnnotationHomeServer, "value": homeServer}},
	})
}

// SetAvatar публикует аватар. Пустой url удаляет аннотацию.
func (s *Server) SetAvatar(ctx context.Context, avatarURL, profileKey string) error {
	var value any
	if avatarURL != "" && profileKey != "" {
		value = map[string]string{"url": avatarURL, "profileKey": profileKey}
	}
	return s.SetSelfAnnotation(ctx, domain.AnnotationAvatar, value)
}

// SetSelfAnnotation задаёт одну аннотацию пользователя. value == nil удаляет её.
func (s *Server) SetSelfAnnotation(ctx context.Context, annotationType string, value any) error {
	note := map[string]any{"type": annotationType}
	if value != nil {
		note["value"] = value
	}
	_, err := s.patchMe(ctx, map[string]any{"annotations": []map[string]any{note}})
	if errors.Is(err, domain.ErrProtocol) {
		return nil
	}
	return err
}

func (s *Server) patchMe(ctx context.Context, body map[string]any) ([]domain.Annotation, error) {
	res := s.Request(ctx, "users/me", RequestOptions{Method: http.MethodPatch, JSONBody: body})
	var user domain.RawUser
	if err := decodeData(res, &user); err != nil {
		return nil, err
	}
	return user.Annotations, nil
}

// UserAnnotations возвращает аннотации пользователя.
func (s *Server) UserAnnotations(ctx context.Context, pubKey string) ([]domain.Annotation, error) {
	if pubKey == "" {
		return nil, errors.New("pubkey is required")
	}
	res := s.Request(ctx, "users/@"+pubKey, RequestOptions{
		Params: url.Values{"include_user_annotations": {"1"}},
	})
	var user domain.RawUser
	if err := decodeData(res, &user); err != nil {
		return nil, err
	}
	return user.Annotations, nil
}

// Users ищет пользователей по публичным ключам.
func (s *Server) Users(ctx context.Context, pubKeys []string) ([]domain.User, error) {
	if len(pubKeys) == 0 {
		return nil, nil
	}
	if len(pubKeys) > 200 {
		s.log.Warn().Int("count", len(pubKeys)).Msg("pubchat: слишком много ключей в запросе пользователей")
	}
	ids := make([]string, 0, len(pubKeys))
	for _, k := range pubKeys {
		if !strings.HasPrefix(k, "@") {
			k = "@" + k
		}
		ids = append(ids, k)
	}
	res := s.Request(ctx, "users", RequestOptions{
		Params: url.Values{
			"ids":                      {strings.Join(ids, ",")},
			"include_user_annotations": {"1"},
		},
	})
	var users []domain.User
	if err := decodeData(res, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Subscribers возвращает подписчиков канала.
func (s *Server) Subscribers(ctx context.Context, channelID int64) ([]domain.User, error) {
	res := s.Request(ctx, fmt.Sprintf("channels/%d/subscribers", channelID), RequestOptions{
		Params: url.Values{"include_user_annotations": {"1"}},
	})
	var users []domain.User
	if err := decodeData(res, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Moderators возвращает публичные ключи модераторов канала.
func (s *Server) Moderators(ctx context.Context, channelID int64) ([]string, error) {
	res := s.Request(ctx, fmt.Sprintf("loki/v1/channels/%d/moderators", channelID), RequestOptions{})
	if res.Err != nil {
		return nil, res.Err
	}
	var body struct {
		Moderators *[]string `json:"moderators"`
	}
	if err := res.Body.Decode(&body); err != nil {
		return nil, err
	}
	if body.Moderators == nil {
		return nil, fmt.Errorf("%w: moderators list missing", domain.ErrProtocol)
	}
	return *body.Moderators, nil
}

// AddModerator назначает пользователя модератором.
func (s *Server) AddModerator(ctx context.Context, pubKey string) error {
	return s.changeModerators(ctx, []string{pubKey}, http.MethodPost)
}

// RemoveModerators снимает права модератора.
func (s *Server) RemoveModerators(ctx context.Context, pubKeys []string) error {
	return s.changeModerators(ctx, pubKeys, http.MethodDelete)
}

func (s *Server) changeModerators(ctx context.Context, pubKeys []string, method string) error {
	users, err := s.Users(ctx, pubKeys)
	if err != nil {
		return err
	}
	var failed []int64
	valid := 0
	for _, u := range users {
		if u.ID == 0 {
			continue
		}
		valid++
		res := s.Request(ctx, fmt.Sprintf("loki/v1/moderators/%d", u.ID), RequestOptions{Method: method})
		if res.Err != nil || len(res.Data) == 0 || string(res.Data) == "null" {
			failed = append(failed, u.ID)
		}
	}
	if valid == 0 && method == http.MethodPost {
		return fmt.Errorf("no known users for %v", pubKeys)
	}
	if len(failed) > 0 {
		s.log.Info().Ints64("users", failed).Str("method", method).Msg("pubchat: не удалось изменить модераторов")
		return fmt.Errorf("moderator change failed for users %v", failed)
	}
	return nil
}

// BanUser блокирует пользователя на сервере.
func (s *Server) BanUser(ctx context.Context, pubKey string) error {
	res := s.Request(ctx, "loki/v1/moderation/blacklist/@"+pubKey, RequestOptions{Method: http.MethodPost})
	if res.Err != nil {
		return res.Err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return fmt.Errorf("%w: ban response has no data", domain.ErrProtocol)
	}
	return nil
}

// DeleteMessages удаляет сообщения: свои или, для модератора, любые.
func (s *Server) DeleteMessages(ctx context.Context, ids []int64, moderator bool) (domain.DeleteResult, error) {
	endpoint := "loki/v1/messages"
	if moderator {
		endpoint = "loki/v1/moderation/messages"
	}
	res := s.Request(ctx, endpoint, RequestOptions{
		Method: http.MethodDelete,
		Params: url.Values{"ids": {joinIDs(ids)}},
	})
	var records []struct {
		ID        int64 `json:"id"`
		IsDeleted bool  `json:"is_deleted"`
	}
	if err := decodeData(res, &records); err != nil {
		return domain.DeleteResult{}, err
	}

	var result domain.DeleteResult
	answered := make(map[int64]struct{}, len(records))
	var failed []int64
	for _, r := range records {
		answered[r.ID] = struct{}{}
		if r.IsDeleted {
			result.DeletedIDs = append(result.DeletedIDs, r.ID)
		} else {
			failed = append(failed, r.ID)
		}
	}
	for _, id := range ids {
		if _, ok := answered[id]; !ok {
			result.IgnoredIDs = append(result.IgnoredIDs, id)
		}
	}
	if len(failed) > 0 {
		s.log.Warn().Ints64("ids", failed).Msg("pubchat: сообщения не удалены")
	}
	if len(result.IgnoredIDs) > 0 {
		s.log.Warn().Ints64("ids", result.IgnoredIDs).Msg("pubchat: нет ответа по сообщениям")
	}
	return result, nil
}

// ChannelInfo возвращает канал с аннотациями.
func (s *Server) ChannelInfo(ctx context.Context, channelID int64) (domain.ChannelData, error) {
	res := s.Request(ctx, fmt.Sprintf("channels/%d", channelID), RequestOptions{
		Params: url.Values{"include_annotations": {"1"}},
	})
	var data domain.ChannelData
	if err := decodeData(res, &data); err != nil {
		return domain.ChannelData{}, err
	}
	return data, nil
}

// UpdateChannelSettings заменяет аннотации канала.
func (s *Server) UpdateChannelSettings(ctx context.Context, channelID int64, notes []domain.Annotation) error {
	res := s.Request(ctx, fmt.Sprintf("loki/v1/channels/%d", channelID), RequestOptions{
		Method:   http.MethodPut,
		JSONBody: map[string]any{"annotations": notes},
	})
	if res.Err != nil {
		return res.Err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return fmt.Errorf("%w: settings response has no data", domain.ErrProtocol)
	}
	return nil
}

// Deletions возвращает страницу ленты удалений после sinceID.
func (s *Server) Deletions(ctx context.Context, channelID, sinceID int64, count int) (domain.DeletionPage, error) {
	res := s.Request(ctx, fmt.Sprintf("loki/v1/channel/%d/deletes", channelID), RequestOptions{
		Params: url.Values{
			"count":    {strconv.Itoa(count)},
			"since_id": {strconv.FormatInt(sinceID, 10)},
		},
	})
	var records []domain.DeletionRecord
	if err := decodeData(res, &records); err != nil {
		return domain.DeletionPage{}, err
	}
	if res.Meta == nil {
		return domain.DeletionPage{}, fmt.Errorf("%w: deletions response has no meta", domain.ErrProtocol)
	}
	return domain.DeletionPage{Records: records, MaxID: res.Meta.MaxID, More: res.Meta.More}, nil
}

// Messages возвращает сообщения канала, новые первыми.
func (s *Server) Messages(ctx context.Context, channelID int64, q domain.MessageQuery) ([]domain.RawMessage, error) {
	params := url.Values{
		"include_annotations":      {"1"},
		"include_user_annotations": {"1"},
		"include_deleted":          {"false"},
		"count":                    {strconv.Itoa(q.Count)},
	}
	if q.SinceID > 0 {
		params.Set("since_id", strconv.FormatInt(q.SinceID, 10))
	}
	res := s.Request(ctx, fmt.Sprintf("channels/%d/messages", channelID), RequestOptions{Params: params})
	if res.Err != nil {
		return nil, res.Err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	var messages []domain.RawMessage
	if err := decodeData(res, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PostMessage публикует подготовленное сообщение.
func (s *Server) PostMessage(ctx context.Context, channelID int64, payload any) (domain.PostedMessage, error) {
	res := s.Request(ctx, fmt.Sprintf("channels/%d/messages", channelID), RequestOptions{
		Method:   http.MethodPost,
		JSONBody: payload,
	})
	var data struct {
		ID        int64  `json:"id"`
		CreatedAt string `json:"created_at"`
	}
	if err := decodeData(res, &data); err != nil {
		if res.Meta != nil && res.Meta.Code == http.StatusUnauthorized {
			s.log.Error().Msg("pubchat: сервер отклонил токен при публикации")
		}
		return domain.PostedMessage{}, err
	}
	return domain.PostedMessage{ServerID: data.ID, ServerTimestamp: domain.ServerTimeMillis(data.CreatedAt)}, nil
}

// UploadAvatar загружает картинку аватара и возвращает её адрес.
func (s *Server) UploadAvatar(ctx context.Context, image []byte) (domain.Upload, error) {
	res := s.Request(ctx, "users/me/avatar", RequestOptions{
		Method: http.MethodPost,
		Form: &transport.Form{Files: []transport.FormFile{{
			Field:       "avatar",
			FileName:    "attachment",
			ContentType: "application/octet-stream",
			Data:        image,
		}}},
	})
	var data struct {
		AvatarImage struct {
			URL string `json:"url"`
		} `json:"avatar_image"`
	}
	if err := decodeData(res, &data); err != nil {
		return domain.Upload{}, fmt.Errorf("upload avatar to %s: %w", s.baseURL, err)
	}
	if data.AvatarImage.URL == "" {
		return domain.Upload{}, fmt.Errorf("upload avatar: %w: empty url", domain.ErrProtocol)
	}
	return domain.Upload{URL: data.AvatarImage.URL}, nil
}

// PutAttachment загружает файл вложения.
func (s *Server) PutAttachment(ctx context.Context, content []byte) (domain.Upload, error) {
	res := s.Request(ctx, "files", RequestOptions{
		Method: http.MethodPost,
		Form: &transport.Form{
			Fields: []transport.FormField{{Name: "type", Value: "network.loki"}},
			Files: []transport.FormFile{{
				Field:       "content",
				FileName:    "attachment",
				ContentType: "application/octet-stream",
				Data:        content,
			}},
		},
	})
	var data struct {
		ID  int64  `json:"id"`
		URL string `json:"url"`
	}
	if err := decodeData(res, &data); err != nil {
		return domain.Upload{}, fmt.Errorf("upload data to %s: %w", s.baseURL, err)
	}
	if data.ID == 0 || data.URL == "" {
		return domain.Upload{}, fmt.Errorf("upload data: %w: invalid url or id", domain.ErrProtocol)
	}
	return domain.Upload{ID: data.ID, URL: data.URL}, nil
}

// DownloadAttachment скачивает файл по его адресу на этом сервере. Через
// ретранслятор файл приходит base64 строкой, напрямую массивом байт в data.
func (s *Server) DownloadAttachment(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return nil, fmt.Errorf("parse attachment url: %w", err)
	}
	viaRelay := s.sender.UsesRelay(s.host)
	res := s.Request(ctx, "loki/v1"+u.EscapedPath(), RequestOptions{NoJSON: viaRelay})
	if res.Err != nil {
		return nil, res.Err
	}
	if viaRelay {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Body.Text()))
		if err != nil {
			return nil, fmt.Errorf("%w: decode attachment: %v", domain.ErrProtocol, err)
		}
		return data, nil
	}
	var raw []int
	if err := decodeData(res, &raw); err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = byte(b)
	}
	return out, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
