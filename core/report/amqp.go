package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/m3rciful/shophost/core/logger"
)

// RoutingKey is the topic incidents are published under.
const RoutingKey = "shophost.incident"

// publisher is the broker side of AMQPReporter.
type publisher interface {
	Publish(ctx context.Context, key string, msg amqp091.Publishing) error
	Close() error
}

// AMQPReporter publishes incidents as persistent JSON messages to a topic exchange.
type AMQPReporter struct {
	pub publisher
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPReporter, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("report: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("report: amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("report: declare exchange %s: %w", exchange, err)
	}
	logger.RPT.Info("amqp reporter ready",
		slog.String("event", "amqp.connect"),
		slog.String("exchange", exchange),
	)
	return &AMQPReporter{pub: &rmqPublisher{conn: conn, exchange: exchange}}, nil
}

// Report publishes inc.
func (a *AMQPReporter) Report(ctx context.Context, inc Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	return a.pub.Publish(ctx, RoutingKey, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     inc.ID,
		CorrelationId: inc.RID,
		Timestamp:     inc.At,
		Type:          inc.Source,
		Body:          body,
	})
}

// Close closes the broker connection.
func (a *AMQPReporter) Close() error {
	return a.pub.Close()
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// Publish uses a short-lived confirm-mode channel and waits for the broker ack.
func (r *rmqPublisher) Publish(ctx context.Context, key string, msg amqp091.Publishing) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("report: broker nacked incident")
	}
	return nil
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}
