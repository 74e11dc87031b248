package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/downstream"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
)

var (
	ErrInvalidRequest     = errors.New("invalid order request")
	ErrServiceUnavailable = errors.New("downstream service unavailable")
	ErrPreconditionFailed = errors.New("order precondition failed")
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	causeCreate = "order.create"
)

type OrderStore interface {
	CreateOrder(ctx context.Context, o *order.Order, cause string) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	Transition(ctx context.Context, id string, to order.Status, cause, detail string) (order.TransitionResult, error)
	CancelOrder(ctx context.Context, id, cause, detail string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...events.PublishOption) error
	PublishDelayed(ctx context.Context, payload any, opts ...events.PublishOption) error
}

type UserDirectory interface {
	Healthy(ctx context.Context) bool
	GetUser(ctx context.Context, id int64) (*downstream.User, error)
}

type MenuCatalog interface {
	Healthy(ctx context.Context) bool
	GetDish(ctx context.Context, id int64) (*downstream.Dish, error)
}

// Deduper is the processed-event ledger of idempotent handlers.
type Deduper interface {
	Seen(ctx context.Context, consumerName, key string) (bool, error)
	Mark(ctx context.Context, consumerName, key string) (bool, error)
}

type Deps struct {
	Store     OrderStore
	Publisher Publisher
	Users     UserDirectory
	Menu      MenuCatalog
	Dedup     Deduper
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Options struct {
	// DelayOnUnavailable parks orders that failed on an unhealthy
	// downstream as order.delayed, up to MaxDelayedAttempts times.
	DelayOnUnavailable bool
	MaxDelayedAttempts int
	FetchConcurrency   int
}

type LineRequest struct {
	DishID   int64 `json:"dish_id"`
	Quantity int   `json:"quantity"`
}

type CreateOrderRequest struct {
	OrderID string        `json:"order_id,omitempty"`
	UserID  int64         `json:"user_id"`
	Items   []LineRequest `json:"items"`
	Attempt int           `json:"-"`
}

// Result is what the caller of CreateOrder is told.
type Result struct {
	OrderID      string `json:"order_id,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	FailedItemID *int64 `json:"failed_item_id,omitempty"`
}

// Coordinator runs the create-order saga and reacts to its events.
type Coordinator struct {
	store   OrderStore
	pub     Publisher
	users   UserDirectory
	menu    MenuCatalog
	dedup   Deduper
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCoordinator(deps Deps, opts Options) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	return &Coordinator{
		store:   deps.Store,
		pub:     deps.Publisher,
		users:   deps.Users,
		menu:    deps.Menu,
		dedup:   deps.Dedup,
		opts:    opts,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r CreateOrderRequest) validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for _, it := range r.Items {
		if it.DishID <= 0 {
			return fmt.Errorf("%w: dish_id must be positive", ErrInvalidRequest)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity of dish %d must be positive", ErrInvalidRequest, it.DishID)
		}
	}
	if r.OrderID != "" {
		if _, err := uuid.Parse(r.OrderID); err != nil {
			return fmt.Errorf("%w: order_id is not a uuid", ErrInvalidRequest)
		}
	}
	return nil
}

func (r CreateOrderRequest) dishIDs() []int64 {
	ids := make([]int64, 0, len(r.Items))
	for _, it := range r.Items {
		ids = append(ids, it.DishID)
	}
	return ids
}

// CreateOrder checks the preconditions of a new order, persists it as
// PENDING, publishes order.created and moves it to PROCESSING. A failed
// precondition publishes order.failed, persists nothing and returns a failed
// Result with an error matching ErrServiceUnavailable or
// ErrPreconditionFailed.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (Result, error) {
	if err := req.validate(); err != nil {
		c.metrics.SagaOrder("invalid")
		return Result{Status: StatusFailed, Reason: "invalid_request"}, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	} else if res, ok, err := c.replay(ctx, req.OrderID); err != nil || ok {
		return res, err
	}
	logger := c.logger.With(zap.String("order_id", req.OrderID), zap.Int64("user_id", req.UserID))

	if !c.healthy(ctx) {
		res, err := c.fail(ctx, req, events.ReasonServiceUnavailable, nil, req.dishIDs())
		if err != nil {
			return res, err
		}
		c.scheduleRetry(ctx, req, logger)
		return res, fmt.Errorf("%w: user or menu service is down", ErrServiceUnavailable)
	}

	if _, err := c.users.GetUser(ctx, req.UserID); err != nil {
		logger.Warn("user lookup failed", zap.Error(err))
		res, perr := c.fail(ctx, req, events.ReasonUserUnavailable, nil, req.dishIDs())
		if perr != nil {
			return res, perr
		}
		return res, fmt.Errorf("%w: user %d: %v", ErrPreconditionFailed, req.UserID, err)
	}

	dishes, failedID, err := c.fetchDishes(ctx, req.Items)
	if err != nil {
		logger.Warn("item unavailable", zap.Int64("dish_id", failedID), zap.Error(err))
		res, perr := c.fail(ctx, req, events.ReasonItemUnavailable, &failedID, []int64{failedID})
		if perr != nil {
			return res, perr
		}
		return res, fmt.Errorf("%w: dish %d: %v", ErrPreconditionFailed, failedID, err)
	}

	o := &order.Order{ID: req.OrderID, UserID: req.UserID, Status: order.StatusPending, Items: make([]order.Item, 0, len(req.Items))}
	for i, it := range req.Items {
		o.Items = append(o.Items, order.Item{DishID: it.DishID, Quantity: it.Quantity, Price: dishes[i].Price})
	}
	if err := c.store.CreateOrder(ctx, o, causeCreate); err != nil {
		if errors.Is(err, order.ErrAlreadyExists) {
			res, _, rerr := c.replay(ctx, o.ID)
			return res, rerr
		}
		c.metrics.SagaOrder("error")
		return Result{OrderID: o.ID, Status: StatusFailed}, fmt.Errorf("persist order: %w", err)
	}

	if err := c.submit(ctx, o); err != nil {
		c.metrics.SagaOrder("error")
		return Result{OrderID: o.ID, Status: StatusFailed, Reason: events.ReasonPublishFailed}, err
	}

	logger.Info("order created", zap.Int64("total_price", o.TotalPrice), zap.Int("items", len(o.Items)))
	c.metrics.SagaOrder(StatusSuccess)
	return Result{OrderID: o.ID, Status: StatusSuccess}, nil
}

// SubmitOrder starts the saga for an order that is already persisted as
// PENDING, such as one converted from a basket.
func (c *Coordinator) SubmitOrder(ctx context.Context, o *order.Order) error {
	if o.Status != order.StatusPending {
		return fmt.Errorf("%w: order %s is %s", order.ErrInvalidTransition, o.ID, o.Status)
	}
	if err := c.submit(ctx, o); err != nil {
		return err
	}
	c.metrics.SagaOrder(StatusSuccess)
	return nil
}

// submit publishes order.created for a persisted PENDING order and moves it to
// PROCESSING. If the event cannot be published the order is cancelled, since
// nothing downstream will ever reserve it.
func (c *Coordinator) submit(ctx context.Context, o *order.Order) error {
	ev := createdEvent(o, c.now())
	if err := c.pub.Publish(ctx, events.OrderCreated, ev); err != nil {
		if _, cerr := c.store.CancelOrder(ctx, o.ID, events.ReasonPublishFailed, err.Error()); cerr != nil {
			c.logger.Error("cancel unpublished order", zap.String("order_id", o.ID), zap.Error(cerr))
		}
		return fmt.Errorf("publish %s: %w", events.OrderCreated, err)
	}

	res, err := c.store.Transition(ctx, o.ID, order.StatusProcessing, events.OrderCreated, "")
	if err != nil {
		// The saga is already under way; the reservation outcome can still
		// complete or cancel the order from PENDING.
		c.logger.Warn("mark order processing", zap.String("order_id", o.ID), zap.Error(err))
		return nil
	}
	if res.Changed {
		o.Status = res.To
	}
	return nil
}

func createdEvent(o *order.Order, now time.Time) events.OrderEvent {
	ev := events.OrderEvent{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Items:     make([]int64, 0, len(o.Items)),
		Lines:     make([]events.Line, 0, len(o.Items)),
		Amount:    o.TotalPrice,
		Timestamp: now,
	}
	for _, it := range o.Items {
		ev.Items = append(ev.Items, it.DishID)
		ev.Lines = append(ev.Lines, events.Line{DishID: it.DishID, Quantity: it.Quantity, Price: it.Price})
	}
	return ev
}

// replay reports the state of an order that already exists, so that a
// retried request or redelivered order.delayed does not start a second saga.
func (c *Coordinator) replay(ctx context.Context, id string) (Result, bool, error) {
	o, err := c.store.GetOrder(ctx, id)
	if errors.Is(err, order.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{OrderID: id, Status: StatusFailed}, false, fmt.Errorf("load order: %w", err)
	}
	if o.Status == order.StatusCancelled {
		return Result{OrderID: id, Status: StatusFailed, Reason: "cancelled"}, true, nil
	}
	return Result{OrderID: id, Status: StatusSuccess}, true, nil
}

func (c *Coordinator) healthy(ctx context.Context) bool {
	var userOK, menuOK bool
	var g errgroup.Group
	g.Go(func() error {
		userOK = c.users.Healthy(ctx)
		return nil
	})
	g.Go(func() error {
		menuOK = c.menu.Healthy(ctx)
		return nil
	})
	_ = g.Wait()
	return userOK && menuOK
}

// fetchDishes loads every requested dish concurrently. Results are judged in
// request order so the reported item is the first failing one as listed.
func (c *Coordinator) fetchDishes(ctx context.Context, items []LineRequest) ([]*downstream.Dish, int64, error) {
	dishes := make([]*downstream.Dish, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(c.opts.FetchConcurrency)
	for i, it := range items {
		g.Go(func() error {
			dishes[i], errs[i] = c.menu.GetDish(ctx, it.DishID)
			return nil
		})
	}
	_ = g.Wait()

	for i, it := range items {
		if errs[i] != nil {
			return nil, it.DishID, errs[i]
		}
		if !dishes[i].IsAvailable {
			return nil, it.DishID, errors.New("dish is not available")
		}
	}
	return dishes, 0, nil
}

// fail publishes order.failed for a request that never became an order.
func (c *Coordinator) fail(ctx context.Context, req CreateOrderRequest, reason string, failedItem *int64, items []int64) (Result, error) {
	c.metrics.SagaOrder(StatusFailed)
	res := Result{OrderID: req.OrderID, Status: StatusFailed, Reason: reason, FailedItemID: failedItem}

	ev := events.OrderEvent{
		OrderID:      req.OrderID,
		UserID:       req.UserID,
		Items:        items,
		Reason:       reason,
		FailedItemID: failedItem,
		Attempt:      req.Attempt,
		Timestamp:    c.now(),
	}
	if err := c.pub.Publish(ctx, events.OrderFailed, ev); err != nil {
		return res, fmt.Errorf("publish %s: %w", events.OrderFailed, err)
	}
	c.logger.Info("order rejected",
		zap.String("order_id", req.OrderID),
		zap.String("reason", reason),
		zap.Int64s("items", items),
	)
	return res, nil
}

func (c *Coordinator) scheduleRetry(ctx context.Context, req CreateOrderRequest, logger *zap.Logger) {
	if !c.opts.DelayOnUnavailable || req.Attempt >= c.opts.MaxDelayedAttempts {
		return
	}
	ev := events.OrderEvent{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Items:     req.dishIDs(),
		Lines:     make([]events.Line, 0, len(req.Items)),
		Attempt:   req.Attempt + 1,
		Timestamp: c.now(),
	}
	for _, it := range req.Items {
		ev.Lines = append(ev.Lines, events.Line{DishID: it.DishID, Quantity: it.Quantity})
	}
	if err := c.pub.PublishDelayed(ctx, ev); err != nil {
		logger.Warn("schedule delayed retry", zap.Error(err))
		return
	}
	logger.Info("order parked for retry", zap.Int("attempt", ev.Attempt))
}
