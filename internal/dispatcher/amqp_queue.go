package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/genjob/shared/rabbitmq"
)

// AMQPQueue is the RabbitMQ work queue. The broker queue is declared with
// x-max-priority, so higher priority messages are delivered first.
type AMQPQueue struct {
	client      *rabbitmq.Client
	consumerTag string
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

func NewAMQPQueue(client *rabbitmq.Client, consumerTag string, logger *slog.Logger) *AMQPQueue {
	return &AMQPQueue{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

func (q *AMQPQueue) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	return q.client.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   msg.JobID,
		Priority:    uint8(msg.Priority),
	})
}

func (q *AMQPQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.client.Consume(q.consumerTag)
	if err != nil {
		return nil, err
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive returns the next well-formed delivery. Malformed messages are
// rejected without requeue so they dead-letter instead of looping.
func (q *AMQPQueue) Receive(ctx context.Context) (Delivery, error) {
	deliveries, err := q.consume()
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				q.logger.Warn("RabbitMQ delivery channel closed")
				return nil, ErrQueueClosed
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				q.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.Uint64("delivery_tag", d.DeliveryTag),
				)
				q.reject(d)
				continue
			}
			if _, err := uuid.Parse(msg.JobID); err != nil {
				q.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
				)
				q.reject(d)
				continue
			}

			return &amqpDelivery{delivery: d, msg: msg}, nil
		}
	}
}

func (q *AMQPQueue) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		q.logger.Error("Failed to NACK malformed message",
			slog.String("error", err.Error()),
		)
	}
}

type amqpDelivery struct {
	delivery amqp.Delivery
	msg      Message
}

func (d *amqpDelivery) Message() Message { return d.msg }

func (d *amqpDelivery) Ack(context.Context) error {
	return d.delivery.Ack(false)
}

func (d *amqpDelivery) Nack(_ context.Context, requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
