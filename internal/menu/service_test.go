package menu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/cache"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
)

type fakeRepository struct {
	mu           sync.Mutex
	dishes       map[int64]Dish
	reservations map[string][]Line
	rejections   map[string]Rejection
	reads        int
	reserveErr   error
}

func newFakeRepository(dishes ...Dish) *fakeRepository {
	f := &fakeRepository{dishes: map[int64]Dish{}, reservations: map[string][]Line{}, rejections: map[string]Rejection{}}
	for _, d := range dishes {
		f.dishes[d.ID] = d
	}
	return f
}

func (f *fakeRepository) GetDish(_ context.Context, id int64) (Dish, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	d, ok := f.dishes[id]
	if !ok {
		return Dish{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeRepository) ListDishes(context.Context, int, int) ([]Dish, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	out := []Dish{}
	for _, d := range f.dishes {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRepository) CreateDish(_ context.Context, d *Dish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = int64(len(f.dishes) + 1)
	f.dishes[d.ID] = *d
	return nil
}

func (f *fakeRepository) UpdateDish(_ context.Context, id int64, upd DishUpdate) (Dish, Dish, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before, ok := f.dishes[id]
	if !ok {
		return Dish{}, Dish{}, ErrNotFound
	}
	after := upd.apply(before)
	f.dishes[id] = after
	return before, after, nil
}

func (f *fakeRepository) Reserve(_ context.Context, orderID string, lines []Line) (ReserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return ReserveResult{}, f.reserveErr
	}
	if held, ok := f.reservations[orderID]; ok {
		return ReserveResult{Reserved: held, Replayed: true}, nil
	}
	if rej, ok := f.rejections[orderID]; ok {
		return ReserveResult{Rejected: &rej, Replayed: true}, nil
	}
	merged := mergeLines(lines)
	for _, l := range merged {
		rej := Rejection{DishID: l.DishID}
		d, ok := f.dishes[l.DishID]
		switch {
		case !ok:
			rej.Reason = RejectNotFound
		case !d.IsAvailable:
			rej.Reason = RejectUnavailable
		default:
			continue
		}
		f.rejections[orderID] = rej
		return ReserveResult{Rejected: &rej}, nil
	}
	f.reservations[orderID] = merged
	return ReserveResult{Reserved: merged}, nil
}

func (f *fakeRepository) Release(_ context.Context, orderID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.reservations[orderID]))
	delete(f.reservations, orderID)
	return n, nil
}

type sent struct {
	eventType string
	payload   []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, payload any, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	b, _ := json.Marshal(payload)
	p.sent = append(p.sent, sent{eventType: eventType, payload: b})
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.eventType)
	}
	return out
}

func (p *fakePublisher) last(t *testing.T, v any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.sent)
	require.NoError(t, json.Unmarshal(p.sent[len(p.sent)-1].payload, v))
}

func newTestService(t *testing.T, repo Repository) (*Service, *fakePublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := &fakePublisher{}
	svc := NewService(repo, cache.New(client, time.Hour, zap.NewNop()), pub, zap.NewNop())
	return svc, pub, mr
}

func TestService_GetDishIsCached(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "borscht", Price: 150, IsAvailable: true})
	svc, _, mr := newTestService(t, repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := svc.GetDish(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(150), d.Price)
	}
	assert.Equal(t, 1, repo.reads)
	assert.True(t, mr.Exists("get_dish:1"))

	_, err := svc.GetDish(ctx, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdateDishPublishesChanges(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "borscht", Price: 100, IsAvailable: true})
	svc, pub, _ := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.GetDish(ctx, 1)
	require.NoError(t, err)

	price := int64(120)
	off := false
	d, err := svc.UpdateDish(ctx, 1, DishUpdate{Price: &price, IsAvailable: &off})
	require.NoError(t, err)
	assert.Equal(t, int64(120), d.Price)

	assert.Equal(t, []string{events.MenuPriceChanged, events.MenuItemAvailability, events.MenuUpdated}, pub.types())

	got, err := svc.GetDish(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(120), got.Price)
	assert.False(t, got.IsAvailable)
}

func TestService_UpdateDishPriceChangePercent(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "pelmeni", Price: 200})
	svc, pub, _ := newTestService(t, repo)

	price := int64(150)
	_, err := svc.UpdateDish(context.Background(), 1, DishUpdate{Price: &price})
	require.NoError(t, err)

	require.Equal(t, []string{events.MenuPriceChanged, events.MenuUpdated}, pub.types())
	pub.sent = pub.sent[:1]
	var ev events.PriceChangedEvent
	pub.last(t, &ev)
	assert.Equal(t, -25.0, ev.PriceChangePercent)
	assert.Equal(t, int64(200), ev.OldPrice)
}

func TestService_NameChangeOnlyPublishesUpdated(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "pelmeni", Price: 200})
	svc, pub, _ := newTestService(t, repo)

	name := "vareniki"
	_, err := svc.UpdateDish(context.Background(), 1, DishUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, []string{events.MenuUpdated}, pub.types())
}

func TestService_CreateDishInvalidatesList(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "borscht", Price: 100, IsAvailable: true})
	svc, pub, _ := newTestService(t, repo)
	ctx := context.Background()

	list, err := svc.ListDishes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.CreateDish(ctx, &Dish{Name: "blini", Price: 90, IsAvailable: true}))
	assert.Equal(t, []string{events.MenuDishCreated}, pub.types())

	list, err = svc.ListDishes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestService_PublishFailureDoesNotFailUpdate(t *testing.T) {
	repo := newFakeRepository(Dish{ID: 1, Name: "borscht", Price: 100})
	svc, pub, _ := newTestService(t, repo)
	pub.err = errors.New("broker down")

	price := int64(110)
	d, err := svc.UpdateDish(context.Background(), 1, DishUpdate{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, int64(110), d.Price)
}
