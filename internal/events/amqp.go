package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/metrics"
	"github.com/deposit-settlement/internal/retry"
)

// DefaultExchange is the topic exchange deposit events are published to.
const DefaultExchange = "deposit.events"

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig configures an AMQPPublisher
type AMQPConfig struct {
	URL      string
	Exchange string
	Retry    *retry.RetryConfig
	Logger   *logging.Logger
}

// AMQPPublisher publishes events as JSON to a topic exchange, routed by
// event type. The connection and channel are opened on first use and
// reopened after a failed publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	retry    *retry.RetryConfig
	logger   *logging.Logger

	conn *amqp.Connection
	ch   channel
	open func() (channel, error)
}

// NewAMQPPublisher creates a publisher. No connection is made until the
// first event.
func NewAMQPPublisher(cfg *AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	p := &AMQPPublisher{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		retry:    cfg.Retry,
		logger:   cfg.Logger,
	}
	if p.exchange == "" {
		p.exchange = DefaultExchange
	}
	if p.retry == nil {
		p.retry = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		}
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	p.logger = p.logger.WithComponent("amqp")
	p.open = p.dial
	return p, nil
}

func (p *AMQPPublisher) dial() (channel, error) {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		p.conn = conn
		p.logger.WithField("exchange", p.exchange).Info("Connected to message broker")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// channelLocked returns the current channel, opening and declaring the
// exchange if needed. Callers hold p.mu.
func (p *AMQPPublisher) channelLocked() (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Notify publishes event, retrying with backoff on broker errors.
func (p *AMQPPublisher) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event.Type(), err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         event.Type(),
		Body:         body,
	}

	result := retry.WithExponentialBackoff(ctx, p.retry, func(ctx context.Context, attempt int) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		ch, err := p.channelLocked()
		if err != nil {
			return err
		}
		if err := ch.Publish(p.exchange, event.Type(), false, false, msg); err != nil {
			p.resetLocked()
			return err
		}
		return nil
	})
	if !result.Success {
		metrics.EventsPublishedTotal.WithLabelValues(event.Type(), "error").Inc()
		err := result.LastError
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("failed to publish %s after %d attempts: %w", event.Type(), result.Attempts, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Type(), "published").Inc()
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
