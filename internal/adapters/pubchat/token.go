package pubchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// Token возвращает действующий токен сервера. Без forceRefresh кэшированный
// токен отдаётся без сетевых запросов.
func (s *Server) Token(ctx context.Context, forceRefresh bool) (string, error) {
	var token string
	if !forceRefresh {
		if cached := s.cachedToken(); cached != "" {
			return cached, nil
		}
		stored, err := s.tokens.LoadToken(ctx, s.baseURL)
		if err != nil {
			s.log.Warn().Err(err).Msg("pubchat: не удалось прочитать сохранённый токен")
		}
		token = stored
	}

	if token == "" {
		fresh, err := s.refreshToken(ctx, forceRefresh)
		if err != nil {
			s.log.Warn().Err(err).Bool("forced", forceRefresh).Msg("pubchat: не удалось получить токен")
		}
		token = fresh
		if token != "" {
			if err := s.tokens.SaveToken(ctx, s.baseURL, token); err != nil {
				s.log.Warn().Err(err).Msg("pubchat: не удалось сохранить токен")
			}
		}
	}
	s.setToken(token)

	if token == "" {
		if !forceRefresh {
			return s.Token(ctx, true)
		}
		return "", domain.ErrNoToken
	}

	res := s.Request(ctx, "token", RequestOptions{noAuthRetry: true})
	if res.Err == nil {
		s.syncProfileName(ctx, res)
		return token, nil
	}

	s.log.Error().Err(res.Err).Int("status", res.StatusCode).Msg("pubchat: проверка токена не прошла")
	if !isAuthFailure(res) {
		return token, nil
	}
	s.setToken("")
	if err := s.tokens.SaveToken(ctx, s.baseURL, ""); err != nil {
		s.log.Warn().Err(err).Msg("pubchat: не удалось сбросить токен")
	}
	if forceRefresh {
		return "", domain.ErrNoToken
	}
	return s.Token(ctx, true)
}

func isAuthFailure(res Response) bool {
	if res.StatusCode == http.StatusUnauthorized {
		return true
	}
	return res.Meta != nil && res.Meta.Code == http.StatusUnauthorized
}

func (s *Server) syncProfileName(ctx context.Context, res Response) {
	var data struct {
		User *domain.RawUser `json:"user"`
	}
	if err := decodeData(res, &data); err != nil || data.User == nil {
		return
	}
	name := s.displayName(ctx)
	if data.User.Name == name {
		return
	}
	if _, err := s.SetProfileName(ctx, name); err != nil {
		s.log.Debug().Err(err).Msg("pubchat: не удалось обновить имя профиля")
	}
}

// refreshToken выполняет обмен challenge/response. Параллельные вызовы
// дожидаются одного и того же обмена. Без forced токен, полученный чужим
// обменом, пока вызывающий читал хранилище, используется повторно.
func (s *Server) refreshToken(ctx context.Context, forced bool) (string, error) {
	ch := s.flight.DoChan(s.baseURL, func() (any, error) {
		if !forced {
			if cached := s.cachedToken(); cached != "" {
				return cached, nil
			}
		}
		done := make(chan struct{})
		s.mu.Lock()
		s.refreshDone = done
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.refreshDone = nil
			s.mu.Unlock()
			close(done)
		}()

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.tokenTimeout)
		defer cancel()

		token, err := s.requestToken(hctx)
		if err == nil {
			err = s.submitToken(hctx, token)
		}
		metrics.ObserveTokenRefresh(s.host, err == nil)
		if err != nil {
			return "", err
		}
		s.setToken(token)
		s.log.Info().Msg("pubchat: получен новый токен")
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// WaitRefresh ждёт завершения текущего обмена токена, если он идёт.
func (s *Server) WaitRefresh(ctx context.Context) error {
	s.mu.Lock()
	done := s.refreshDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) requestToken(ctx context.Context) (string, error) {
	res := s.Request(ctx, "loki/v1/get_challenge", RequestOptions{
		Method:      http.MethodGet,
		Params:      url.Values{"pubKey": {s.identity.PublicKey()}},
		noAuthRetry: true,
	})
	if res.Err != nil {
		return "", fmt.Errorf("get challenge: %w", res.Err)
	}
	var challenge domain.Challenge
	if err := res.Body.Decode(&challenge); err != nil {
		return "", fmt.Errorf("get challenge: %w", err)
	}
	if challenge.CipherText64 == "" || challenge.ServerPubKey64 == "" {
		return "", fmt.Errorf("get challenge: %w: empty challenge", domain.ErrProtocol)
	}
	token, err := s.identity.DecryptChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("decrypt challenge: %w", err)
	}
	if token == "" {
		return "", errors.New("decrypt challenge: empty token")
	}
	return token, nil
}

func (s *Server) submitToken(ctx context.Context, token string) error {
	res := s.Request(ctx, "loki/v1/submit_challenge", RequestOptions{
		Method: http.MethodPost,
		JSONBody: map[string]string{
			"pubKey": s.identity.PublicKey(),
			"token":  token,
		},
		NoJSON:      true,
		noAuthRetry: true,
	})
	if res.Err != nil {
		return fmt.Errorf("submit challenge: %w", res.Err)
	}
	return nil
}
