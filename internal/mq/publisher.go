package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ChannelProvider hands out the live channel.
type ChannelProvider interface {
	WithChannel(fn func(ch *amqp.Channel) error) error
}

// Publisher sends JSON messages to a durable topic exchange.
type Publisher struct {
	exchange string
	with     func(fn func(ch Channel) error) error
	logger   *zap.Logger
}

// NewPublisher declares exchange on the connection and returns a publisher for it.
func NewPublisher(conn ChannelProvider, exchange string, logger *zap.Logger) (*Publisher, error) {
	with := func(fn func(ch Channel) error) error {
		return conn.WithChannel(func(ch *amqp.Channel) error { return fn(ch) })
	}
	return newPublisher(with, exchange, logger)
}

func newPublisher(with func(fn func(ch Channel) error) error, exchange string, logger *zap.Logger) (*Publisher, error) {
	err := with(func(ch Channel) error {
		return ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{exchange: exchange, with: with, logger: logger}, nil
}

// Publish marshals body as JSON and publishes it persistently under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, at time.Time, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.with(func(ch Channel) error {
		err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    at,
			Body:         raw,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", p.exchange, routingKey, err)
		}
		p.logger.Debug("published message",
			zap.String("exchange", p.exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", messageID))
		return nil
	})
}
