package menu

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
)

type Subscriber interface {
	Bind(ctx context.Context, queue string, keys ...string) error
	Consume(ctx context.Context, queue string, handler events.HandlerFunc) error
}

// Participant is the menu side of the order saga: it reserves dishes for new
// orders and releases them when an order fails.
type Participant struct {
	repo    Repository
	pub     Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewParticipant(repo Repository, pub Publisher, logger *zap.Logger, m *metrics.Metrics) *Participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Participant{
		repo:    repo,
		pub:     pub,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleOrderCreated reserves the order's dishes and answers with
// menu.reserved or menu.failed. A redelivery finds the earlier reservation and
// answers the same way.
func (p *Participant) HandleOrderCreated(ctx context.Context, _ string, body []byte) error {
	ev, err := decodeOrder(body)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx, p.logger).With(zap.String("order_id", ev.OrderID))

	lines := make([]Line, 0, len(ev.LineItems()))
	for _, l := range ev.LineItems() {
		lines = append(lines, Line{DishID: l.DishID, Quantity: l.Quantity})
	}

	res, err := p.repo.Reserve(ctx, ev.OrderID, lines)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}

	reply := events.OrderEvent{
		OrderID:   ev.OrderID,
		UserID:    ev.UserID,
		Items:     ev.Items,
		Lines:     ev.Lines,
		Amount:    ev.Amount,
		Timestamp: p.now(),
	}
	if res.Rejected != nil {
		failed := res.Rejected.DishID
		reply.Reason = res.Rejected.Reason
		reply.FailedItemID = &failed
		if err := p.pub.Publish(ctx, events.MenuFailed, reply); err != nil {
			return fmt.Errorf("publish %s: %w", events.MenuFailed, err)
		}
		p.metrics.SagaEvent(events.MenuFailed, "ok")
		logger.Info("reservation rejected", zap.Int64("dish_id", failed), zap.String("reason", res.Rejected.Reason))
		return nil
	}

	if err := p.pub.Publish(ctx, events.MenuReserved, reply); err != nil {
		return fmt.Errorf("publish %s: %w", events.MenuReserved, err)
	}
	p.metrics.SagaEvent(events.MenuReserved, "ok")
	logger.Info("dishes reserved", zap.Int("lines", len(res.Reserved)), zap.Bool("replayed", res.Replayed))
	return nil
}

// HandleOrderFailed releases whatever the order holds. Orders that never
// reserved anything release nothing. Precondition failures are skipped: the
// id may belong to a later attempt that did reserve.
func (p *Participant) HandleOrderFailed(ctx context.Context, _ string, body []byte) error {
	ev, err := decodeOrder(body)
	if err != nil {
		return err
	}
	if events.IsPreconditionReason(ev.Reason) {
		return nil
	}
	n, err := p.repo.Release(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	logging.FromContext(ctx, p.logger).Info("reservations released",
		zap.String("order_id", ev.OrderID),
		zap.Int64("released", n),
		zap.String("reason", ev.Reason),
	)
	return nil
}

func (p *Participant) Register(ctx context.Context, bus Subscriber, service string) error {
	handlers := map[string]events.HandlerFunc{
		events.OrderCreated: p.HandleOrderCreated,
		events.OrderFailed:  p.HandleOrderFailed,
	}
	for key, h := range handlers {
		queue := events.QueueName(service, key)
		if err := bus.Bind(ctx, queue, key); err != nil {
			return fmt.Errorf("bind %s: %w", queue, err)
		}
		if err := bus.Consume(ctx, queue, h); err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
	}
	return nil
}

// decodeOrder rejects payloads whose order id is not a uuid; the
// reservation table could never store them.
func decodeOrder(body []byte) (events.OrderEvent, error) {
	ev, err := events.DecodeOrderEvent(body)
	if err != nil {
		return ev, err
	}
	if _, err := uuid.Parse(ev.OrderID); err != nil {
		return ev, events.Permanent(fmt.Errorf("order id %q: %w", ev.OrderID, err))
	}
	return ev, nil
}
