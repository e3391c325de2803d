package pubchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pubchat-client/internal/adapters/transport"
	"pubchat-client/internal/domain"
)

// RequestOptions задаёт параметры запроса к серверу.
type RequestOptions struct {
	Method   string
	Params   url.Values
	JSONBody any
	RawBody  []byte
	Form     *transport.Form
	NoJSON   bool

	forceFreshToken bool
	// noAuthRetry отключает повтор со свежим токеном: обмен токена не должен ждать сам себя.
	noAuthRetry bool
}

// Response содержит результат запроса. Ошибки любых видов возвращаются в Err.
type Response struct {
	OK         bool
	StatusCode int
	Body       transport.Body
	Headers    http.Header
	Meta       *transport.Meta
	Data       json.RawMessage
	Err        error
}

// Request выполняет авторизованный запрос. При отказе в авторизации токен
// обновляется и запрос повторяется один раз.
func (s *Server) Request(ctx context.Context, endpoint string, opts RequestOptions) Response {
	if opts.forceFreshToken {
		if _, err := s.Token(ctx, true); err != nil {
			s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("pubchat: не удалось обновить токен перед повтором")
		}
	}

	d := transport.Descriptor{
		Method:       opts.Method,
		URL:          s.baseURL + "/" + strings.TrimPrefix(endpoint, "/"),
		Query:        opts.Params,
		Headers:      make(map[string]string, 2),
		Form:         opts.Form,
		NoJSON:       opts.NoJSON,
		ServerPubKey: s.pubKey,
		Operation:    operationName(endpoint),
	}
	if token := s.cachedToken(); token != "" {
		d.Headers["Authorization"] = "Bearer " + token
	}
	switch {
	case opts.JSONBody != nil:
		body, err := json.Marshal(opts.JSONBody)
		if err != nil {
			return Response{Err: fmt.Errorf("marshal request body: %w", err)}
		}
		d.Headers["Content-Type"] = "application/json"
		d.Body = body
	case opts.RawBody != nil:
		d.Body = opts.RawBody
	}

	res, err := s.sender.Send(ctx, d)
	if err != nil {
		s.log.Error().Err(err).Str("endpoint", endpoint).Str("body", truncate(res.Body.Text(), 256)).Msg("pubchat: запрос не выполнен")
		return Response{StatusCode: res.Status, Body: res.Body, Headers: res.Headers, Err: err}
	}
	if res.Status == 0 {
		return Response{Err: fmt.Errorf("%w: no result for %s", domain.ErrTransport, endpoint)}
	}

	resp := Response{StatusCode: res.Status, Body: res.Body, Headers: res.Headers}
	if env, ok := res.Body.Envelope(); ok {
		resp.Meta = env.Meta
		resp.Data = env.Data
	}
	if res.Status != http.StatusOK {
		if !opts.forceFreshToken && !opts.noAuthRetry && (resp.Meta == nil || resp.Meta.Code == http.StatusUnauthorized) {
			opts.forceFreshToken = true
			return s.Request(ctx, endpoint, opts)
		}
		resp.Err = &domain.StatusError{Code: res.Status}
		return resp
	}
	resp.OK = true
	return resp
}

// decodeData разбирает поле data конверта.
func decodeData(res Response, v any) error {
	if res.Err != nil {
		return res.Err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return fmt.Errorf("%w: response has no data", domain.ErrProtocol)
	}
	if err := json.Unmarshal(res.Data, v); err != nil {
		return fmt.Errorf("%w: decode data: %v", domain.ErrProtocol, err)
	}
	return nil
}

// operationName убирает из пути идентификаторы, чтобы метки метрик не разрастались.
func operationName(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "@") {
			parts[i] = ":user"
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
