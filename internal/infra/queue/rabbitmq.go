package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"pubchat-client/internal/domain"
	"pubchat-client/internal/infra/metrics"
)

// RabbitPublisher публикует события в очередь RabbitMQ через default exchange.
// Соединение поднимается лениво и пересоздаётся после обрыва.
type RabbitPublisher struct {
	url   string
	queue string
	log   zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ domain.EventPublisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher проверяет параметры и открывает соединение.
func NewRabbitPublisher(amqpURL, queue string, logger zerolog.Logger) (*RabbitPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	p := &RabbitPublisher{url: amqpURL, queue: queue, log: logger.With().Str("component", "rabbitmq").Logger()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channelLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// Publish отправляет событие как persistent JSON сообщение.
func (p *RabbitPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    event.OccurredAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.queue, start, err)
	if err != nil {
		p.log.Warn().Err(err).Msg("rabbitmq: публикация не удалась, канал будет пересоздан")
		_ = ch.Close()
		p.ch = nil
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	if p.ch != nil {
		errs = errors.Join(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = errors.Join(errs, p.conn.Close())
		p.conn = nil
	}
	return errs
}
