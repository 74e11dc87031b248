package events

import (
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the part of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

// Topology memoizes queue, exchange and binding declarations for a single
// connection. A failed declaration closes its channel, so each uncached
// declaration runs on a fresh one.
type Topology struct {
	open func() (Declarer, error)

	mu        sync.Mutex
	queues    map[string]amqp.Queue
	exchanges map[string]struct{}
	bindings  map[string]struct{}
}

func NewTopology(open func() (Declarer, error)) *Topology {
	return &Topology{
		open:      open,
		queues:    make(map[string]amqp.Queue),
		exchanges: make(map[string]struct{}),
		bindings:  make(map[string]struct{}),
	}
}

// DeclareQueue declares a durable, non auto-deleted queue once.
func (t *Topology) DeclareQueue(name string) (amqp.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.declareQueueLocked(name)
}

// DeclareExchange declares a durable topic exchange once. Broker-reserved
// amq.* exchanges are checked passively.
func (t *Topology) DeclareExchange(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.declareExchangeLocked(name)
}

// Bind binds queue to exchange under key, declaring both when needed.
func (t *Topology) Bind(queue, exchange, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := queue + "|" + exchange + "|" + key
	if _, ok := t.bindings[id]; ok {
		return nil
	}
	if err := t.declareExchangeLocked(exchange); err != nil {
		return err
	}
	if _, err := t.declareQueueLocked(queue); err != nil {
		return err
	}
	err := t.with(func(d Declarer) error {
		return d.QueueBind(queue, key, exchange, false, nil)
	})
	if err != nil {
		return fmt.Errorf("bind %s to %s (%s): %w", queue, exchange, key, err)
	}
	t.bindings[id] = struct{}{}
	return nil
}

func (t *Topology) declareQueueLocked(name string) (amqp.Queue, error) {
	if q, ok := t.queues[name]; ok {
		return q, nil
	}
	var q amqp.Queue
	err := t.with(func(d Declarer) error {
		var err error
		q, err = d.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		)
		return err
	})
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}
	t.queues[name] = q
	return q, nil
}

func (t *Topology) declareExchangeLocked(name string) error {
	if _, ok := t.exchanges[name]; ok {
		return nil
	}
	err := t.with(func(d Declarer) error {
		if strings.HasPrefix(name, "amq.") {
			return d.ExchangeDeclarePassive(name, amqp.ExchangeTopic, true, false, false, false, nil)
		}
		return d.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
	})
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	t.exchanges[name] = struct{}{}
	return nil
}

func (t *Topology) with(fn func(Declarer) error) error {
	ch, err := t.open()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	return fn(ch)
}
