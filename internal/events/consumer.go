package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
)

// HandlerFunc processes one delivery. It must be idempotent: a message is
// acknowledged only after the handler returns nil, so it may run again for
// the same message after a crash or a requeue.
type HandlerFunc func(ctx context.Context, eventType string, body []byte) error

// Bind binds queue to the client's exchange for every routing key.
func (c *Client) Bind(ctx context.Context, queue string, keys ...string) error {
	topo, err := c.Topology(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := topo.Bind(queue, c.opts.Exchange, key); err != nil {
			return err
		}
	}
	return nil
}

// Consume subscribes handler to queue and processes deliveries in a
// goroutine until ctx is cancelled. Subscription errors are returned
// synchronously; later connection losses are resubscribed transparently.
func (c *Client) Consume(ctx context.Context, queue string, handler HandlerFunc) error {
	ch, deliveries, err := c.subscribe(ctx, queue)
	if err != nil {
		return err
	}
	c.logger.Info("consuming", zap.String("queue", queue))
	go c.consumeLoop(ctx, queue, ch, deliveries, handler)
	return nil
}

func (c *Client) subscribe(ctx context.Context, queue string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, topo, err := c.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := topo.DeclareQueue(queue); err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, generated
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

func (c *Client) consumeLoop(ctx context.Context, queue string, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping consumer", zap.String("queue", queue))
			_ = ch.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("delivery channel closed, resubscribing", zap.String("queue", queue))
				ch, deliveries = c.resubscribe(ctx, queue)
				if deliveries == nil {
					return
				}
				continue
			}
			c.handleDelivery(ctx, queue, d, handler)
		}
	}
}

func (c *Client) resubscribe(ctx context.Context, queue string) (*amqp.Channel, <-chan amqp.Delivery) {
	for attempt := 1; ; attempt++ {
		ch, deliveries, err := c.subscribe(ctx, queue)
		if err == nil {
			c.logger.Info("resubscribed", zap.String("queue", queue), zap.Int("attempt", attempt))
			return ch, deliveries
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		delay := connectDelay(min(attempt, c.opts.ConnectAttempts), c.opts.ConnectBaseDelay)
		c.logger.Warn("resubscribe failed", zap.String("queue", queue), zap.Duration("delay", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return nil, nil
		}
	}
}

// handleDelivery runs handler and settles d: ack on success, reject for
// permanent failures, requeue otherwise.
func (c *Client) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler HandlerFunc) {
	eventType := EventTypeOf(d)
	logger := c.logger.With(
		zap.String("queue", queue),
		zap.String("event_type", eventType),
		zap.String("message_id", d.MessageId),
		zap.Bool("redelivered", d.Redelivered),
	)

	err := runHandler(logging.WithContext(ctx, logger), handler, eventType, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Warn("ack failed", zap.Error(ackErr))
		}
		c.metrics.Consumed(queue, "ack")
	case IsPermanent(err):
		logger.Error("rejecting message", zap.Error(err))
		if rejErr := d.Reject(false); rejErr != nil {
			logger.Warn("reject failed", zap.Error(rejErr))
		}
		c.metrics.Consumed(queue, "reject")
	default:
		logger.Error("handler failed, message left for redelivery", zap.Error(err))
		sleep(ctx, c.opts.RedeliveryDelay)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Warn("nack failed", zap.Error(nackErr))
		}
		c.metrics.Consumed(queue, "requeue")
	}
}

func runHandler(ctx context.Context, handler HandlerFunc, eventType string, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, eventType, body)
}

// EventTypeOf reads the event type header, falling back to the routing key.
func EventTypeOf(d amqp.Delivery) string {
	if v, ok := d.Headers[HeaderEventType].(string); ok && v != "" {
		return v
	}
	return d.RoutingKey
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Dispatch returns a handler that routes by event type. Unknown types are
// permanent failures.
func Dispatch(handlers map[string]HandlerFunc) HandlerFunc {
	return func(ctx context.Context, eventType string, body []byte) error {
		h, ok := handlers[eventType]
		if !ok {
			return Permanent(fmt.Errorf("no handler for event type %q", eventType))
		}
		return h(ctx, eventType, body)
	}
}
