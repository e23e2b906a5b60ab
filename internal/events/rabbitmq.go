package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig holds the broker connection and exchange settings.
type RabbitMQConfig struct {
	URL           string
	Exchange      string
	ExchangeType  string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// RabbitMQPublisher sends events to a durable topic exchange, routed by event type.
type RabbitMQPublisher struct {
	cfg     RabbitMQConfig
	logger  *slog.Logger
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	p := &RabbitMQPublisher{cfg: cfg, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials with retries and declares the exchange.
func (p *RabbitMQPublisher) connect() error {
	var err error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		p.conn, err = amqp.DialConfig(p.cfg.URL, amqp.Config{Heartbeat: p.cfg.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		p.logger.Warn("connect to RabbitMQ failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt < p.cfg.RetryAttempts {
			time.Sleep(p.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ after %d attempts: %w", p.cfg.RetryAttempts, err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = p.channel.ExchangeDeclare(
		p.cfg.Exchange,     // name
		p.cfg.ExchangeType, // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		p.channel.Close()
		p.conn.Close()
		return fmt.Errorf("declare exchange %q: %w", p.cfg.Exchange, err)
	}
	p.logger.Info("RabbitMQ event publisher ready", slog.String("exchange", p.cfg.Exchange))
	return nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connect(); err != nil {
			return err
		}
	}
	return p.channel.PublishWithContext(ctx,
		p.cfg.Exchange, // exchange
		ev.Type,        // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.JobID + ":" + ev.Type,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
