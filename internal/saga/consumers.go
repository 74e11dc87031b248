package saga

import (
	"context"
	"fmt"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
)

// Subscriber is the part of the bus client the coordinator consumes through.
type Subscriber interface {
	Bind(ctx context.Context, queue string, keys ...string) error
	Consume(ctx context.Context, queue string, handler events.HandlerFunc) error
}

// Handlers maps each saga routing key to its handler.
func (c *Coordinator) Handlers() map[string]events.HandlerFunc {
	return map[string]events.HandlerFunc{
		events.MenuReserved: c.observed(c.HandleMenuReserved),
		events.MenuFailed:   c.observed(c.HandleMenuFailed),
		events.OrderFailed:  c.observed(c.HandleOrderFailed),
		events.OrderDelayed: c.observed(c.HandleOrderDelayed),
	}
}

// Register declares one durable queue per saga event plus a shared queue for
// the menu maintenance events, and starts consuming them until ctx ends.
func (c *Coordinator) Register(ctx context.Context, bus Subscriber, service string) error {
	for key, h := range c.Handlers() {
		queue := events.QueueName(service, key)
		if err := bus.Bind(ctx, queue, key); err != nil {
			return fmt.Errorf("bind %s: %w", queue, err)
		}
		if err := bus.Consume(ctx, queue, h); err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
	}

	maintenance := make(map[string]events.HandlerFunc, len(events.MenuMaintenanceEvents))
	for _, key := range events.MenuMaintenanceEvents {
		maintenance[key] = c.observed(c.HandleMenuMaintenance)
	}
	queue := events.QueueName(service, "menu.maintenance")
	if err := bus.Bind(ctx, queue, events.MenuMaintenanceEvents...); err != nil {
		return fmt.Errorf("bind %s: %w", queue, err)
	}
	if err := bus.Consume(ctx, queue, events.Dispatch(maintenance)); err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	return nil
}
