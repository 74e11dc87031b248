package menu

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/cache"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
)

const (
	opGetDish    = "get_dish"
	opListDishes = "list_dishes"
)

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...events.PublishOption) error
}

// Service is the dish catalog: cached reads, and writes that announce
// themselves on the bus.
type Service struct {
	repo   Repository
	cache  *cache.Cache
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, c *cache.Cache, pub Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		cache:  c,
		pub:    pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetDish(ctx context.Context, id int64) (Dish, error) {
	return cache.Aside(ctx, s.cache, cache.Key(opGetDish, id), func(ctx context.Context) (Dish, error) {
		return s.repo.GetDish(ctx, id)
	})
}

func (s *Service) ListDishes(ctx context.Context, limit, offset int) ([]Dish, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return cache.Aside(ctx, s.cache, cache.Key(opListDishes, limit, offset), func(ctx context.Context) ([]Dish, error) {
		return s.repo.ListDishes(ctx, limit, offset)
	})
}

func (s *Service) CreateDish(ctx context.Context, d *Dish) error {
	if err := s.repo.CreateDish(ctx, d); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, nil, opListDishes+":")

	s.announce(ctx, events.MenuDishCreated, events.DishCreatedEvent{
		DishID:      d.ID,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.Price,
		CategoryID:  d.CategoryID,
		IsAvailable: d.IsAvailable,
		Timestamp:   s.now(),
	})
	return nil
}

// UpdateDish applies upd and publishes menu.updated, plus menu.price.change
// and menu.item.availability when those fields changed.
func (s *Service) UpdateDish(ctx context.Context, id int64, upd DishUpdate) (Dish, error) {
	before, after, err := s.repo.UpdateDish(ctx, id, upd)
	if err != nil {
		return Dish{}, err
	}
	s.cache.Invalidate(ctx, []string{cache.Key(opGetDish, id)}, opListDishes+":")

	now := s.now()
	if before.Price != after.Price {
		s.announce(ctx, events.MenuPriceChanged, events.PriceChangedEvent{
			DishID:             id,
			Name:               after.Name,
			OldPrice:           before.Price,
			NewPrice:           after.Price,
			PriceChangePercent: events.PriceChangePercent(before.Price, after.Price),
			Timestamp:          now,
		})
	}
	if before.IsAvailable != after.IsAvailable {
		s.announce(ctx, events.MenuItemAvailability, events.AvailabilityChangedEvent{
			DishID:          id,
			Name:            after.Name,
			OldAvailability: before.IsAvailable,
			NewAvailability: after.IsAvailable,
			CategoryID:      after.CategoryID,
			Timestamp:       now,
		})
	}
	s.announce(ctx, events.MenuUpdated, events.MenuUpdatedEvent{
		DishID:      id,
		CategoryID:  after.CategoryID,
		Name:        after.Name,
		Description: after.Description,
		Timestamp:   now,
	})
	return after, nil
}

// announce publishes a catalog event. The change is already committed, so a
// failed publish is logged rather than returned.
func (s *Service) announce(ctx context.Context, eventType string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, eventType, payload); err != nil {
		s.logger.Warn("publish catalog event", zap.String("event_type", eventType), zap.Error(err))
	}
}
