package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
)

type Options struct {
	URL              string
	Exchange         string
	ConnectAttempts  int
	ConnectBaseDelay time.Duration
	PublishTimeout   time.Duration
	DelayedTTL       time.Duration
	Prefetch         int
	RedeliveryDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 10
	}
	if o.ConnectBaseDelay <= 0 {
		o.ConnectBaseDelay = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.DelayedTTL <= 0 {
		o.DelayedTTL = time.Hour
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	return o
}

// Client is the process-wide broker handle. It owns one connection, a confirm
// mode publishing channel and the topology registry of that connection, and
// reconnects lazily when the connection drops.
type Client struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	dial    func(url string) (*amqp.Connection, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	topology *Topology

	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	returns chan amqp.Return
}

type ClientOption func(*Client)

// WithDialer replaces amqp.Dial.
func WithDialer(dial func(url string) (*amqp.Connection, error)) ClientOption {
	return func(c *Client) { c.dial = dial }
}

func NewClient(opts Options, logger *zap.Logger, m *metrics.Metrics, options ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: m,
		dial:    amqp.Dial,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) Exchange() string { return c.opts.Exchange }

// Connect dials the broker, retrying with a linearly growing delay. An error
// means every attempt failed and the service should abort startup.
func (c *Client) Connect(ctx context.Context) error {
	_, _, err := c.connection(ctx)
	return err
}

// Topology returns the declaration registry of the current connection.
func (c *Client) Topology(ctx context.Context) (*Topology, error) {
	_, topo, err := c.connection(ctx)
	return topo, err
}

func (c *Client) Close() error {
	c.pubMu.Lock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	c.pubMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) connection(ctx context.Context) (*amqp.Connection, *Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, c.topology, nil
	}

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.conn = conn
	c.topology = NewTopology(func() (Declarer, error) {
		return conn.Channel()
	})

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			c.logger.Warn("rabbitmq connection closed", zap.String("reason", err.Reason), zap.Int("code", err.Code))
		}
	}()

	c.logger.Info("connected to rabbitmq")
	return c.conn, c.topology, nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		conn, err := c.dial(c.opts.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == c.opts.ConnectAttempts {
			break
		}
		delay := connectDelay(attempt, c.opts.ConnectBaseDelay)
		c.logger.Warn("rabbitmq connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", c.opts.ConnectAttempts, lastErr)
}

// connectDelay grows linearly: attempt n waits n*base.
func connectDelay(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}
