package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/downstream"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
)

type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]*order.Order
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*order.Order{}}
}

func (s *fakeStore) CreateOrder(_ context.Context, o *order.Order, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.orders[o.ID]; ok {
		return order.ErrAlreadyExists
	}
	o.TotalPrice = order.Total(o.Items)
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) Transition(_ context.Context, id string, to order.Status, _, _ string) (order.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.TransitionResult{}, order.ErrNotFound
	}
	res := order.TransitionResult{From: o.Status, To: o.Status}
	if !order.CanTransition(o.Status, to) {
		return res, nil
	}
	o.Status = to
	res.To, res.Changed = to, true
	return res, nil
}

func (s *fakeStore) CancelOrder(ctx context.Context, id, cause, detail string) (bool, error) {
	res, err := s.Transition(ctx, id, order.StatusCancelled, cause, detail)
	if errors.Is(err, order.ErrNotFound) {
		return false, nil
	}
	return res.Changed, err
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *fakeStore) status(t *testing.T, id string) order.Status {
	t.Helper()
	o, err := s.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

type published struct {
	eventType string
	event     events.OrderEvent
	delayed   bool
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []published
	failFor map[string]error
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, payload any, _ ...events.PublishOption) error {
	return p.record(eventType, payload, false)
}

func (p *fakePublisher) PublishDelayed(_ context.Context, payload any, _ ...events.PublishOption) error {
	return p.record(events.OrderDelayed, payload, true)
}

func (p *fakePublisher) record(eventType string, payload any, delayed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[eventType]; err != nil {
		return err
	}
	ev, _ := payload.(events.OrderEvent)
	p.msgs = append(p.msgs, published{eventType: eventType, event: ev, delayed: delayed})
	return nil
}

func (p *fakePublisher) of(eventType string) []events.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.OrderEvent
	for _, m := range p.msgs {
		if m.eventType == eventType {
			out = append(out, m.event)
		}
	}
	return out
}

type fakeUsers struct {
	down bool
	err  error
}

func (u *fakeUsers) Healthy(context.Context) bool { return !u.down }

func (u *fakeUsers) GetUser(_ context.Context, id int64) (*downstream.User, error) {
	if u.err != nil {
		return nil, u.err
	}
	return &downstream.User{ID: id, Username: "ann", IsActive: true}, nil
}

type fakeMenu struct {
	down   bool
	dishes map[int64]downstream.Dish
}

func (m *fakeMenu) Healthy(context.Context) bool { return !m.down }

func (m *fakeMenu) GetDish(_ context.Context, id int64) (*downstream.Dish, error) {
	d, ok := m.dishes[id]
	if !ok {
		return nil, &downstream.StatusError{Method: "GET", StatusCode: 404}
	}
	return &d, nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDedup) Seen(_ context.Context, consumer, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[consumer+"|"+key], nil
}

func (d *fakeDedup) Mark(_ context.Context, consumer, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	k := consumer + "|" + key
	first := !d.seen[k]
	d.seen[k] = true
	return first, nil
}

type harness struct {
	coord *Coordinator
	store *fakeStore
	pub   *fakePublisher
	users *fakeUsers
	menu  *fakeMenu
}

func newHarness(opts Options) *harness {
	h := &harness{
		store: newFakeStore(),
		pub:   &fakePublisher{failFor: map[string]error{}},
		users: &fakeUsers{},
		menu: &fakeMenu{dishes: map[int64]downstream.Dish{
			3: {ID: 3, Name: "borscht", Price: 150, IsAvailable: true},
			7: {ID: 7, Name: "pelmeni", Price: 150, IsAvailable: true},
			9: {ID: 9, Name: "kulebyaka", Price: 300, IsAvailable: true},
			5: {ID: 5, Name: "okroshka", Price: 120, IsAvailable: false},
		}},
	}
	h.coord = NewCoordinator(Deps{
		Store:     h.store,
		Publisher: h.pub,
		Users:     h.users,
		Menu:      h.menu,
		Dedup:     &fakeDedup{},
	}, opts)
	return h
}

func body(t *testing.T, ev any) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}
