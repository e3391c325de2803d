package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
)

// HTTPSender передаёт запрос первому узлу пути, дальше его ведут сами узлы.
type HTTPSender struct {
	httpClient *http.Client
	scheme     string
	log        zerolog.Logger
	onBadNode  func(address string)
}

var _ domain.RelaySender = (*HTTPSender)(nil)

type Option func(*HTTPSender)

func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут на копии клиента, переданный WithHTTPClient
// клиент не меняется.
func WithTimeout(timeout time.Duration) Option {
	return func(s *HTTPSender) {
		if timeout > 0 {
			c := *s.httpClient
			c.Timeout = timeout
			s.httpClient = &c
		}
	}
}

// WithScheme задаёт схему обращения к узлам (по умолчанию https).
func WithScheme(scheme string) Option {
	return func(s *HTTPSender) {
		if scheme != "" {
			s.scheme = scheme
		}
	}
}

// WithBadNodeHook вызывается, когда первый узел пути не ответил.
func WithBadNodeHook(fn func(address string)) Option {
	return func(s *HTTPSender) { s.onBadNode = fn }
}

func NewHTTPSender(logger zerolog.Logger, opts ...Option) *HTTPSender {
	s := &HTTPSender{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		scheme:     "https",
		log:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type hop struct {
	Address string `json:"address"`
	PubKey  string `json:"pubkey,omitempty"`
}

type onionRequest struct {
	Hops          []hop               `json:"hops"`
	Host          string              `json:"host"`
	DestPubKey    string              `json:"dest_pubkey"`
	Payload       domain.RelayPayload `json:"payload"`
	RequestNumber uint64              `json:"request_number"`
}

// Send отправляет запрос по пути. Ошибка означает сбой транспорта; HTTP статус
// целевого сервера возвращается в RelayResult.Status.
func (s *HTTPSender) Send(ctx context.Context, path []domain.Node, req domain.RelayRequest) (domain.RelayResult, error) {
	if len(path) == 0 {
		return domain.RelayResult{}, domain.ErrNoPath
	}
	hops := make([]hop, 0, len(path)-1)
	for _, n := range path[1:] {
		hops = append(hops, hop{Address: n.Address, PubKey: n.PubKey})
	}
	body, err := json.Marshal(onionRequest{
		Hops:          hops,
		Host:          req.Host,
		DestPubKey:    hex.EncodeToString(req.DestPubKey),
		Payload:       req.Payload,
		RequestNumber: req.RequestNumber,
	})
	if err != nil {
		return domain.RelayResult{}, fmt.Errorf("marshal onion request: %w", err)
	}

	entry := path[0].Address
	if !strings.Contains(entry, "://") {
		entry = s.scheme + "://" + entry
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(entry, "/")+"/onion_req", bytes.NewReader(body))
	if err != nil {
		return domain.RelayResult{}, fmt.Errorf("create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if s.onBadNode != nil {
			s.onBadNode(path[0].Address)
		}
		return domain.RelayResult{}, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.RelayResult{}, fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode >= 300 {
		s.log.Warn().Int("status", resp.StatusCode).Uint64("request", req.RequestNumber).Str("node", path[0].Address).Msg("relay: узел отклонил запрос")
		return domain.RelayResult{}, fmt.Errorf("relay node %s: status %d: %s", path[0].Address, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out domain.RelayResult
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.RelayResult{}, fmt.Errorf("decode relay response: %w", err)
	}
	return out, nil
}
