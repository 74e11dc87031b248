package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
)

// dedup consumer names
const (
	consumerMenuFailed = "saga.menu.failed"
)

// HandleMenuReserved completes the order whose items were reserved.
func (c *Coordinator) HandleMenuReserved(ctx context.Context, _ string, body []byte) error {
	ev, err := events.DecodeOrderEvent(body)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx, c.logger).With(zap.String("order_id", ev.OrderID))

	res, err := c.store.Transition(ctx, ev.OrderID, order.StatusCompleted, events.MenuReserved, "")
	if errors.Is(err, order.ErrNotFound) {
		logger.Warn("reservation for unknown order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if !res.Changed {
		logger.Info("reservation ignored", zap.String("status", string(res.From)))
		return nil
	}
	logger.Info("order completed")
	return nil
}

// HandleMenuFailed turns a failed reservation into order.failed. The
// compensation is published once per order however often menu.failed is
// delivered.
func (c *Coordinator) HandleMenuFailed(ctx context.Context, _ string, body []byte) error {
	ev, err := events.DecodeOrderEvent(body)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx, c.logger).With(zap.String("order_id", ev.OrderID))

	seen, err := c.dedup.Seen(ctx, consumerMenuFailed, ev.OrderID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		logger.Info("duplicate menu.failed skipped")
		return nil
	}

	failed := events.OrderEvent{
		OrderID:      ev.OrderID,
		UserID:       ev.UserID,
		Items:        ev.Items,
		Lines:        ev.Lines,
		Amount:       ev.Amount,
		Reason:       events.ReasonReservationFailed,
		FailedItemID: ev.FailedItemID,
		Timestamp:    c.now(),
	}
	if err := c.pub.Publish(ctx, events.OrderFailed, failed); err != nil {
		return fmt.Errorf("publish %s: %w", events.OrderFailed, err)
	}
	if _, err := c.dedup.Mark(ctx, consumerMenuFailed, ev.OrderID); err != nil {
		// order.failed is idempotent downstream, a second publish on
		// redelivery is harmless.
		logger.Warn("dedup mark", zap.Error(err))
	}
	logger.Info("reservation failed, compensating", zap.String("menu_reason", ev.Reason))
	return nil
}

// HandleOrderFailed cancels the order. Unknown and already cancelled orders
// are left alone, and so are precondition failures: they were raised before
// the order existed, and a retry under the same id may since have created it.
func (c *Coordinator) HandleOrderFailed(ctx context.Context, _ string, body []byte) error {
	ev, err := events.DecodeOrderEvent(body)
	if err != nil {
		return err
	}
	if events.IsPreconditionReason(ev.Reason) {
		logging.FromContext(ctx, c.logger).Debug("precondition failure, nothing to cancel",
			zap.String("order_id", ev.OrderID),
			zap.String("reason", ev.Reason),
		)
		return nil
	}
	changed, err := c.store.CancelOrder(ctx, ev.OrderID, events.OrderFailed, ev.Reason)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	logging.FromContext(ctx, c.logger).Info("order failed",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", ev.Reason),
		zap.Bool("cancelled", changed),
	)
	return nil
}

// HandleOrderDelayed re-runs CreateOrder for a parked request. Precondition
// failures were already reported through order.failed and are not retried by
// redelivery.
func (c *Coordinator) HandleOrderDelayed(ctx context.Context, _ string, body []byte) error {
	ev, err := events.DecodeOrderEvent(body)
	if err != nil {
		return err
	}
	req := CreateOrderRequest{OrderID: ev.OrderID, UserID: ev.UserID, Attempt: ev.Attempt}
	for _, l := range ev.LineItems() {
		req.Items = append(req.Items, LineRequest{DishID: l.DishID, Quantity: l.Quantity})
	}

	res, err := c.CreateOrder(ctx, req)
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return events.Permanent(err)
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrPreconditionFailed):
		return nil
	case err != nil:
		return err
	}
	logging.FromContext(ctx, c.logger).Info("delayed order resumed",
		zap.String("order_id", res.OrderID),
		zap.Int("attempt", ev.Attempt),
		zap.String("status", res.Status),
	)
	return nil
}

// HandleMenuMaintenance records catalog changes published by the menu
// service. They carry no saga state.
func (c *Coordinator) HandleMenuMaintenance(ctx context.Context, eventType string, body []byte) error {
	logger := logging.FromContext(ctx, c.logger).With(zap.String("event_type", eventType))

	switch eventType {
	case events.MenuPriceChanged:
		var ev events.PriceChangedEvent
		if err := decode(body, &ev); err != nil {
			return err
		}
		logger.Info("dish price changed",
			zap.Int64("dish_id", ev.DishID),
			zap.Int64("old_price", ev.OldPrice),
			zap.Int64("new_price", ev.NewPrice),
			zap.Float64("percent", ev.PriceChangePercent),
		)
	case events.MenuItemAvailability:
		var ev events.AvailabilityChangedEvent
		if err := decode(body, &ev); err != nil {
			return err
		}
		logger.Info("dish availability changed",
			zap.Int64("dish_id", ev.DishID),
			zap.Bool("available", ev.NewAvailability),
		)
	case events.MenuDishCreated:
		var ev events.DishCreatedEvent
		if err := decode(body, &ev); err != nil {
			return err
		}
		logger.Info("dish created", zap.Int64("dish_id", ev.DishID), zap.String("name", ev.Name))
	default:
		var ev events.MenuUpdatedEvent
		if err := decode(body, &ev); err != nil {
			return err
		}
		logger.Info("dish updated", zap.Int64("dish_id", ev.DishID))
	}
	return nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return events.Permanent(fmt.Errorf("unmarshal: %w", err))
	}
	return nil
}

// observed counts the outcome of every handler call.
func (c *Coordinator) observed(h events.HandlerFunc) events.HandlerFunc {
	return func(ctx context.Context, eventType string, body []byte) error {
		err := h(ctx, eventType, body)
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.SagaEvent(eventType, result)
		return err
	}
}
