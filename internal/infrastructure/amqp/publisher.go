// Package amqp delivers BROKER notifications to a RabbitMQ topic exchange
// with publisher confirms.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
)

var (
	ErrNacked         = errors.New("broker rejected message")
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel; called again after a failure.
type ChannelProvider func() (Channel, error)

// Publisher implements the BROKER channel. Publishes are serialized so each
// confirmation matches its message.
type Publisher struct {
	mu             sync.Mutex
	provider       ChannelProvider
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	confirmTimeout time.Duration
	logger         zerolog.Logger
}

func NewPublisher(provider ChannelProvider, exchange string, confirmTimeout time.Duration, logger zerolog.Logger) *Publisher {
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	return &Publisher{
		provider:       provider,
		exchange:       exchange,
		confirmTimeout: confirmTimeout,
		logger:         logger.With().Str("service", "amqp").Logger(),
	}
}

// DialProvider returns a provider that keeps one connection to url and
// redials it when closed.
func DialProvider(url string) (ChannelProvider, func() error) {
	var mu sync.Mutex
	var conn *amqp.Connection
	provider := func() (Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if conn == nil || conn.IsClosed() {
			c, err := amqp.Dial(url)
			if err != nil {
				return nil, fmt.Errorf("dial broker: %w", err)
			}
			conn = c
		}
		return conn.Channel()
	}
	closer := func() error {
		mu.Lock()
		defer mu.Unlock()
		if conn == nil {
			return nil
		}
		return conn.Close()
	}
	return provider, closer
}

func (p *Publisher) channel() (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.provider()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.ch = ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

type envelope struct {
	NotificationID string          `json:"notificationId"`
	TransactionID  string          `json:"transactionId"`
	Seq            int64           `json:"seq"`
	Event          string          `json:"event"`
	Recipient      string          `json:"recipient"`
	Priority       string          `json:"priority"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// RoutingKey is escrow.<event>.
func RoutingKey(event string) string {
	return "escrow." + event
}

func (p *Publisher) Send(ctx context.Context, n *notification.Notification) error {
	body, err := json.Marshal(envelope{
		NotificationID: n.NotificationID.String(),
		TransactionID:  n.TransactionID.String(),
		Seq:            n.Seq,
		Event:          n.Event,
		Recipient:      n.Recipient,
		Priority:       string(n.Priority),
		Title:          n.Title,
		Body:           n.Body,
		Payload:        n.Payload,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal broker message: %w", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, RoutingKey(n.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.NotificationID.String(),
		Timestamp:    time.Now().UTC(),
		Type:         n.Event,
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.reset()
			return errors.New("channel closed before confirmation")
		}
		if !confirm.Ack {
			return ErrNacked
		}
	case <-timer.C:
		p.reset()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.reset()
		return ctx.Err()
	}

	p.logger.Debug().
		Str("notification_id", n.NotificationID.String()).
		Str("routing_key", RoutingKey(n.Event)).
		Msg("message confirmed")
	return nil
}

// Close closes the current channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
