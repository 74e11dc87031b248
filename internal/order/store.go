package order

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/cache"
)

// Cache operation names. Keys are cache.Key(op, args...).
const (
	opGetOrder     = "get_order"
	opListOrders   = "list_orders"
	opGetItem      = "get_order_item"
	opListItems    = "list_order_items"
	opGetBasket    = "get_basket"
	opListBaskets  = "list_baskets"
	defaultLimit   = 50
	maxListLimit   = 500
	cancelledCause = "order.failed"

	// orderTTL bounds how long a read racing a status change can keep the
	// previous status cached.
	orderTTL = 30 * time.Second
)

// Store is the cache-aside front of the repository. Reads go through the
// cache; every write invalidates the keys it may have made stale before
// returning.
type Store struct {
	repo   Repository
	cache  *cache.Cache
	logger *zap.Logger
}

func NewStore(repo Repository, c *cache.Cache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, cache: c, logger: logger}
}

// NormalizePage clamps list paging to sane bounds.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Store) CreateOrder(ctx context.Context, o *Order, cause string) error {
	if err := s.repo.CreateOrder(ctx, o, cause); err != nil {
		return err
	}
	s.invalidateOrder(ctx, o.ID)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	return cache.AsideTTL(ctx, s.cache, cache.Key(opGetOrder, id), orderTTL, func(ctx context.Context) (*Order, error) {
		return s.repo.GetOrder(ctx, id)
	})
}

func (s *Store) ListOrders(ctx context.Context, limit, offset int) ([]Order, error) {
	limit, offset = NormalizePage(limit, offset)
	return cache.Aside(ctx, s.cache, cache.Key(opListOrders, limit, offset), func(ctx context.Context) ([]Order, error) {
		return s.repo.ListOrders(ctx, limit, offset)
	})
}

func (s *Store) UpdateOrder(ctx context.Context, id string, upd OrderUpdate) (*Order, error) {
	o, err := s.repo.UpdateOrder(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, id)
	return o, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	if err := s.repo.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.invalidateOrder(ctx, id)
	s.cache.Invalidate(ctx, nil, opGetItem+":", opListItems+":")
	return nil
}

func (s *Store) Transition(ctx context.Context, id string, to Status, cause, detail string) (TransitionResult, error) {
	res, err := s.repo.Transition(ctx, id, to, cause, detail)
	if err != nil {
		return res, err
	}
	if res.Changed {
		s.invalidateOrder(ctx, id)
	}
	return res, nil
}

// CancelOrder moves the order to CANCELLED. Cancelling a missing or already
// cancelled order is a no-op and reports false.
func (s *Store) CancelOrder(ctx context.Context, id, cause, detail string) (bool, error) {
	if cause == "" {
		cause = cancelledCause
	}
	res, err := s.Transition(ctx, id, StatusCancelled, cause, detail)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.Changed, nil
}

// SagaLog is read straight from the database; it backs debugging, not hot paths.
func (s *Store) SagaLog(ctx context.Context, id string) ([]SagaLogEntry, error) {
	return s.repo.SagaLog(ctx, id)
}

func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	return cache.Aside(ctx, s.cache, cache.Key(opGetItem, id), func(ctx context.Context) (*Item, error) {
		return s.repo.GetItem(ctx, id)
	})
}

func (s *Store) ListItems(ctx context.Context, limit, offset int) ([]Item, error) {
	limit, offset = NormalizePage(limit, offset)
	return cache.Aside(ctx, s.cache, cache.Key(opListItems, limit, offset), func(ctx context.Context) ([]Item, error) {
		return s.repo.ListItems(ctx, limit, offset)
	})
}

func (s *Store) CreateItem(ctx context.Context, it *Item) error {
	if err := s.repo.CreateItem(ctx, it); err != nil {
		return err
	}
	s.invalidateItem(ctx, it.ID, it.OrderID)
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, id int64, quantity int) (*Item, error) {
	it, err := s.repo.UpdateItem(ctx, id, quantity)
	if err != nil {
		return nil, err
	}
	s.invalidateItem(ctx, id, it.OrderID)
	return it, nil
}

func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	it, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.invalidateItem(ctx, id, it.OrderID)
	return nil
}

func (s *Store) GetBasket(ctx context.Context, id int64) (*Basket, error) {
	return cache.Aside(ctx, s.cache, cache.Key(opGetBasket, id), func(ctx context.Context) (*Basket, error) {
		return s.repo.GetBasket(ctx, id)
	})
}

func (s *Store) ListBaskets(ctx context.Context, userID int64, limit, offset int) ([]Basket, error) {
	limit, offset = NormalizePage(limit, offset)
	return cache.Aside(ctx, s.cache, cache.Key(opListBaskets, userID, limit, offset), func(ctx context.Context) ([]Basket, error) {
		return s.repo.ListBaskets(ctx, userID, limit, offset)
	})
}

func (s *Store) AddToBasket(ctx context.Context, b *Basket) error {
	if err := s.repo.AddToBasket(ctx, b); err != nil {
		return err
	}
	s.invalidateBasket(ctx, b.ID, b.UserID)
	return nil
}

func (s *Store) UpdateBasket(ctx context.Context, id int64, quantity int) (*Basket, error) {
	b, err := s.repo.UpdateBasket(ctx, id, quantity)
	if err != nil {
		return nil, err
	}
	s.invalidateBasket(ctx, id, b.UserID)
	return b, nil
}

func (s *Store) DeleteBasket(ctx context.Context, id int64) error {
	b, err := s.repo.GetBasket(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBasket(ctx, id); err != nil {
		return err
	}
	s.invalidateBasket(ctx, id, b.UserID)
	return nil
}

func (s *Store) ConvertBasketToOrder(ctx context.Context, userID int64) (*Order, error) {
	o, err := s.repo.ConvertBasketToOrder(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, nil, opGetBasket+":", cache.Key(opListBaskets, userID)+":")
	s.invalidateOrder(ctx, o.ID)
	return o, nil
}

func (s *Store) invalidateOrder(ctx context.Context, id string) {
	s.cache.Invalidate(ctx, []string{cache.Key(opGetOrder, id)}, opListOrders+":")
}

func (s *Store) invalidateItem(ctx context.Context, id int64, orderID string) {
	s.cache.Invalidate(ctx,
		[]string{cache.Key(opGetItem, id), cache.Key(opGetOrder, orderID)},
		opListItems+":", opListOrders+":",
	)
}

func (s *Store) invalidateBasket(ctx context.Context, id, userID int64) {
	s.cache.Invalidate(ctx, []string{cache.Key(opGetBasket, id)}, cache.Key(opListBaskets, userID)+":")
}
