package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type publishConfig struct {
	exchange   string
	routingKey string
	ttl        time.Duration
}

type PublishOption func(*publishConfig)

func WithExchange(name string) PublishOption {
	return func(c *publishConfig) { c.exchange = name }
}

func WithRoutingKey(key string) PublishOption {
	return func(c *publishConfig) { c.routingKey = key }
}

// WithTTL sets a per-message expiration after which the broker drops the
// message if it is still queued.
func WithTTL(ttl time.Duration) PublishOption {
	return func(c *publishConfig) { c.ttl = ttl }
}

// Publish sends payload as a persistent JSON message routed by eventType on
// the default exchange. The publish is mandatory and confirmed: it only
// returns nil once the broker has routed and accepted the message.
func (c *Client) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) error {
	cfg := publishConfig{exchange: c.opts.Exchange, routingKey: eventType}
	for _, o := range opts {
		o(&cfg)
	}

	msg, err := buildMessage(eventType, payload, cfg.ttl, time.Now().UTC())
	if err != nil {
		return err
	}

	err = c.publish(ctx, cfg.exchange, cfg.routingKey, msg)
	c.metrics.Published(eventType, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	c.logger.Debug("published event",
		zap.String("event_type", eventType),
		zap.String("routing_key", cfg.routingKey),
		zap.String("message_id", msg.MessageId),
	)
	return nil
}

// PublishDelayed publishes an order.delayed message that expires after the
// configured delayed TTL unless consumed first.
func (c *Client) PublishDelayed(ctx context.Context, payload any, opts ...PublishOption) error {
	opts = append([]PublishOption{WithTTL(c.opts.DelayedTTL)}, opts...)
	return c.Publish(ctx, OrderDelayed, payload, opts...)
}

func buildMessage(eventType string, payload any, ttl time.Duration, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{HeaderEventType: eventType},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         eventType,
		Body:         body,
	}
	if cp, ok := payload.(interface{ CorrelationID() string }); ok {
		msg.CorrelationId = cp.CorrelationID()
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return msg, nil
}

func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = c.publishOnce(ctx, exchange, key, msg)
		if !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		c.resetPublishChannel()
	}
	return err
}

func (c *Client) publishOnce(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	ch, returns, err := c.publishChannel(ctx)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		pubCtx,
		exchange,
		key,
		true,  // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}

	// The broker sends basic.return before the confirm of the same message,
	// so any return for it is already buffered here.
	if ret, ok := returnedMessage(returns, msg.MessageId); ok {
		return fmt.Errorf("%w: exchange=%q key=%q: %d %s",
			ErrUnroutable, exchange, key, ret.ReplyCode, ret.ReplyText)
	}

	if !acked {
		return ErrNacked
	}
	return nil
}

// returnedMessage drains buffered returns and reports the one matching id.
func returnedMessage(returns <-chan amqp.Return, id string) (amqp.Return, bool) {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return amqp.Return{}, false
			}
			if ret.MessageId == id {
				return ret, true
			}
		default:
			return amqp.Return{}, false
		}
	}
}

func (c *Client) publishChannel(ctx context.Context) (*amqp.Channel, <-chan amqp.Return, error) {
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, c.returns, nil
	}

	conn, _, err := c.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("enable confirms: %w", err)
	}
	c.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	c.pubCh = ch
	return ch, c.returns, nil
}

func (c *Client) resetPublishChannel() {
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	c.pubCh = nil
	c.returns = nil
}
