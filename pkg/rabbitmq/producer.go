/**
 * @description
 * This package provides a simple producer for publishing payout events to
 * RabbitMQ. It encapsulates the logic for connecting to RabbitMQ, declaring the
 * event queue, and publishing a message to it.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// PayoutExecutedEvent is the payload published after a confirmed transfer.
type PayoutExecutedEvent struct {
	RunID            string    `json:"run_id"`
	ReferralCode     string    `json:"referral_code"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	TransferID       string    `json:"transfer_id"`
	TransactionCount int       `json:"transaction_count"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// Publisher is the interface implemented by types that can publish payout events.
type Publisher interface {
	PublishPayoutExecuted(ctx context.Context, event PayoutExecutedEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// NewEventProducer connects to RabbitMQ and declares the payout event queue.
func NewEventProducer(amqpURL, queue string) (*EventProducer, error) {
	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &EventProducer{conn: conn, channel: channel, queue: queue}, nil
}

// PublishPayoutExecuted publishes a payout event to the event queue.
func (p *EventProducer) PublishPayoutExecuted(ctx context.Context, event PayoutExecutedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payout event: %w", err)
	}
	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopProducer is a minimal no-op publisher used when RabbitMQ is not configured.
type NoopProducer struct{}

func (NoopProducer) PublishPayoutExecuted(ctx context.Context, event PayoutExecutedEvent) error {
	log.Printf("rabbitmq not configured; payout event skipped run_id=%s referral_code=%s", event.RunID, event.ReferralCode)
	return nil
}

func (NoopProducer) Close() {}
