// Package bus wraps RabbitMQ topic-exchange publish/subscribe with durable
// queues, per-consumer prefetch, manual ack, and dead-letter queues.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Bus struct {
	conn     *amqp.Connection
	exchange string
	prefetch int
	logger   *zap.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// Dial connects and declares the durable topic exchange plus its dead-letter
// exchange.
func Dial(url, exchange string, prefetch int, logger *zap.Logger) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchanges(pub, exchange); err != nil {
		conn.Close()
		return nil, err
	}

	return &Bus{
		conn:     conn,
		exchange: exchange,
		prefetch: prefetch,
		logger:   logger,
		pub:      pub,
	}, nil
}

func declareExchanges(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(dlxName(exchange), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	return nil
}

func dlxName(exchange string) string {
	return exchange + ".dlx"
}

// Publish marshals payload as JSON and publishes persistently under the
// routing key. Failures are for the caller to log; the domain state is
// already committed and recoverable from rows, so nothing is retried here.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = b.pub.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Handler processes one delivery body. A nil return acks the message; an
// error nacks it without requeue, routing it to the queue's dead-letter
// queue. Redelivery with backoff is the reconciler's job, not the broker's.
type Handler func(ctx context.Context, body []byte) error

// Subscribe declares the durable queue with dead-lettering, binds it to the
// topic exchange for each routing key, and consumes with manual ack until
// ctx is done. It blocks; run it in its own goroutine.
func (b *Bus) Subscribe(ctx context.Context, queue string, bindings []string, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := b.ensureDLQ(ch, queue); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlxName(b.exchange),
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, key := range bindings {
		if err := ch.QueueBind(queue, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, key, err)
		}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	b.logger.Info("consuming", zap.String("queue", queue), zap.Strings("bindings", bindings))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume channel closed for %s", queue)
			}
			if err := handler(ctx, d.Body); err != nil {
				b.logger.Error("handler failed, dead-lettering",
					zap.String("queue", queue),
					zap.Error(err),
				)
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error("nack failed", zap.String("queue", queue), zap.Error(nackErr))
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				b.logger.Error("ack failed", zap.String("queue", queue), zap.Error(ackErr))
			}
		}
	}
}

// ensureDLQ provisions the queue's dead-letter counterpart.
func (b *Bus) ensureDLQ(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, queue, dlxName(b.exchange), false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", dlq, err)
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pub.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
