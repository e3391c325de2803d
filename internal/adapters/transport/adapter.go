package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// MaxRelayRetries ограничивает повторы отправки через ретранслятор после первой попытки.
const MaxRelayRetries = 3

// Options задаёт зависимости адаптера.
type Options struct {
	HTTPClient   *http.Client
	Paths        domain.PathSelector
	Relay        domain.RelaySender
	RelayEnabled bool
	// RelayHosts ограничивает ретрансляцию указанными хостами. Пустой список разрешает все хосты.
	RelayHosts []string
	Logger     zerolog.Logger
}

// Adapter отправляет запросы напрямую или через ретранслятор.
type Adapter struct {
	http         *http.Client
	paths        domain.PathSelector
	relay        domain.RelaySender
	relayEnabled bool
	relayHosts   map[string]struct{}
	requestNum   atomic.Uint64
	log          zerolog.Logger
}

// NewAdapter создаёт адаптер.
func NewAdapter(opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	hosts := make(map[string]struct{}, len(opts.RelayHosts))
	for _, h := range opts.RelayHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &Adapter{
		http:         client,
		paths:        opts.Paths,
		relay:        opts.Relay,
		relayEnabled: opts.RelayEnabled && opts.Relay != nil && opts.Paths != nil,
		relayHosts:   hosts,
		log:          opts.Logger,
	}
}

// UsesRelay сообщает, пойдут ли запросы к host через ретранслятор.
func (a *Adapter) UsesRelay(host string) bool {
	if !a.relayEnabled {
		return false
	}
	if len(a.relayHosts) == 0 {
		return true
	}
	_, ok := a.relayHosts[strings.ToLower(host)]
	return ok
}

// Send выполняет запрос и нормализует ответ.
func (a *Adapter) Send(ctx context.Context, d Descriptor) (Result, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	if len(d.Query) > 0 {
		u.RawQuery = d.Query.Encode()
	}
	if a.UsesRelay(u.Host) {
		return a.sendViaRelay(ctx, u, d)
	}
	return a.sendDirect(ctx, u, d)
}

func (a *Adapter) sendViaRelay(ctx context.Context, u *url.URL, d Descriptor) (Result, error) {
	if len(d.ServerPubKey) == 0 {
		return Result{}, fmt.Errorf("%w: relay to %s requires a server public key", domain.ErrConfiguration, u.Host)
	}
	payload, err := BuildPayload(u, d)
	if err != nil {
		return Result{}, err
	}
	reqNum := a.requestNum.Add(1)
	log := a.log.With().Uint64("request", reqNum).Str("host", u.Host).Logger()

	for attempt := 0; ; attempt++ {
		path, err := a.paths.SelectPath(ctx)
		if err != nil || len(path) == 0 {
			metrics.RelayNoPathTotal.Inc()
			log.Warn().Err(err).Msg("transport: нет доступного пути, запрос не отправлен")
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", domain.ErrNoPath, err)
			}
			return Result{}, domain.ErrNoPath
		}

		start := time.Now()
		res, err := a.relay.Send(ctx, path, domain.RelayRequest{
			Host:          u.Host,
			DestPubKey:    d.ServerPubKey,
			Payload:       payload,
			RequestNumber: reqNum,
		})
		if err == nil && res.Status == 0 {
			err = errors.New("relay returned no status")
		}
		metrics.ObserveNetworkRequest("relay", d.Operation, u.Host, start, err)
		if err == nil {
			return a.normalizeRelay(res, d.NoJSON, log), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("%w: %v", domain.ErrTransport, ctxErr)
		}
		if attempt >= MaxRelayRetries {
			log.Error().Err(err).Int("retries", attempt).Msg("transport: превышено число повторов")
			return Result{}, fmt.Errorf("%w: relay retries exhausted: %v", domain.ErrTransport, err)
		}
		metrics.RelayRetriesTotal.WithLabelValues(u.Host).Inc()
		log.Warn().Err(err).Int("retry", attempt+1).Str("endpoint", payload.Endpoint).Msg("transport: сбой ретранслятора, повторяем")
	}
}

func (a *Adapter) normalizeRelay(res domain.RelayResult, noJSON bool, log zerolog.Logger) Result {
	out := Result{Status: res.Status, Headers: make(http.Header, len(res.Headers))}
	for k, v := range res.Headers {
		out.Headers.Set(k, v)
	}

	raw := bytes.TrimSpace(res.Body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out
	}
	if raw[0] != '"' {
		if noJSON {
			out.Body = TextBody(string(raw))
		} else {
			out.Body = JSONBody(raw)
		}
		return out
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		out.Body = TextBody(string(raw))
		return out
	}
	if noJSON {
		out.Body = TextBody(text)
		return out
	}
	if !json.Valid([]byte(text)) {
		log.Error().Int("status", res.Status).Str("body", text).Msg("transport: не удалось разобрать JSON ответ")
		out.Body = TextBody(text)
		return out
	}
	out.Body = JSONBody([]byte(text))
	return out
}

func (a *Adapter) sendDirect(ctx context.Context, u *url.URL, d Descriptor) (Result, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case d.Form != nil:
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		contentType = mw.FormDataContentType()
		go func() {
			pw.CloseWithError(d.Form.write(mw))
		}()
		body = pr
	case len(d.Body) > 0:
		body = bytes.NewReader(d.Body)
	}

	req, err := http.NewRequestWithContext(ctx, d.method(), u.String(), body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("direct", d.Operation, u.Host, start, err)
		return Result{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	metrics.ObserveNetworkRequest("direct", d.Operation, u.Host, start, err)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
	}

	out := Result{Status: resp.StatusCode, Headers: resp.Header}
	if d.NoJSON {
		out.Body = TextBody(string(data))
		return out, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return out, nil
	}
	if !json.Valid(trimmed) {
		out.Body = TextBody(string(data))
		return out, fmt.Errorf("%w: non-json body from %s (status %d)", domain.ErrProtocol, u.Host, resp.StatusCode)
	}
	out.Body = JSONBody(trimmed)
	// сервер может отвечать 200 и класть реальный код в meta.code
	if env, ok := out.Body.Envelope(); ok && env.Meta != nil && env.Meta.Code != 0 {
		out.Status = env.Meta.Code
	}
	return out, nil
}
