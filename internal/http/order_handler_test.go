package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/downstream"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/saga"
)

const testOrderID = "6f1c2f5e-2c43-4a0e-9c57-5b1a2c9b7d10"

type fakeOrderStore struct {
	OrderStore

	orders    map[string]*order.Order
	baskets   map[int64]*order.Basket
	added     []order.Basket
	convertFn func(userID int64) (*order.Order, error)
	deleted   []int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: map[string]*order.Order{}, baskets: map[int64]*order.Basket{}}
}

func (s *fakeOrderStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeOrderStore) ListOrders(_ context.Context, limit, offset int) ([]order.Order, error) {
	out := []order.Order{}
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (s *fakeOrderStore) UpdateOrder(_ context.Context, id string, upd order.OrderUpdate) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if upd.Status != nil {
		if !order.CanTransition(o.Status, *upd.Status) {
			return nil, order.ErrInvalidTransition
		}
		o.Status = *upd.Status
	}
	return o, nil
}

func (s *fakeOrderStore) DeleteOrder(_ context.Context, id string) error {
	if _, ok := s.orders[id]; !ok {
		return order.ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

func (s *fakeOrderStore) SagaLog(_ context.Context, id string) ([]order.SagaLogEntry, error) {
	return []order.SagaLogEntry{{OrderID: id, Seq: 1, EventType: "order.create", ToStatus: order.StatusPending}}, nil
}

func (s *fakeOrderStore) GetItem(_ context.Context, id int64) (*order.Item, error) {
	if id != 1 {
		return nil, order.ErrNotFound
	}
	return &order.Item{ID: 1, OrderID: testOrderID, DishID: 3, Quantity: 2, Price: 150}, nil
}

func (s *fakeOrderStore) UpdateItem(_ context.Context, id int64, quantity int) (*order.Item, error) {
	if quantity <= 0 {
		return nil, order.ErrInvalidQuantity
	}
	return &order.Item{ID: id, Quantity: quantity}, nil
}

func (s *fakeOrderStore) GetBasket(_ context.Context, id int64) (*order.Basket, error) {
	b, ok := s.baskets[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *fakeOrderStore) ListBaskets(_ context.Context, userID int64, _, _ int) ([]order.Basket, error) {
	out := []order.Basket{}
	for _, b := range s.baskets {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) AddToBasket(_ context.Context, b *order.Basket) error {
	b.ID = int64(len(s.baskets) + 100)
	s.added = append(s.added, *b)
	s.baskets[b.ID] = b
	return nil
}

func (s *fakeOrderStore) DeleteBasket(_ context.Context, id int64) error {
	s.deleted = append(s.deleted, id)
	delete(s.baskets, id)
	return nil
}

func (s *fakeOrderStore) ConvertBasketToOrder(_ context.Context, userID int64) (*order.Order, error) {
	return s.convertFn(userID)
}

type fakeSaga struct {
	result    saga.Result
	err       error
	got       saga.CreateOrderRequest
	submitErr error
	submitted []string
}

func (s *fakeSaga) CreateOrder(_ context.Context, req saga.CreateOrderRequest) (saga.Result, error) {
	s.got = req
	return s.result, s.err
}

func (s *fakeSaga) SubmitOrder(_ context.Context, o *order.Order) error {
	s.submitted = append(s.submitted, o.ID)
	return s.submitErr
}

type fakeDishes map[int64]downstream.Dish

func (f fakeDishes) GetDish(_ context.Context, id int64) (*downstream.Dish, error) {
	if id == 99 {
		return nil, errors.New("menu-service: connection refused")
	}
	d, ok := f[id]
	if !ok {
		return nil, downstream.ErrNotFound
	}
	return &d, nil
}

type orderEnv struct {
	store  *fakeOrderStore
	saga   *fakeSaga
	router http.Handler
}

func newOrderEnv(t *testing.T) *orderEnv {
	t.Helper()
	env := &orderEnv{store: newFakeOrderStore(), saga: &fakeSaga{}}
	dishes := fakeDishes{
		3: {ID: 3, Name: "borscht", Price: 150, IsAvailable: true},
		5: {ID: 5, Name: "okroshka", Price: 200, IsAvailable: false},
	}
	h := NewOrderHandler(env.store, env.saga, dishes, zap.NewNop())
	env.router = NewOrderRouter(OrderRouterDeps{Handler: h, Logger: zap.NewNop()})
	return env
}

func (e *orderEnv) do(t *testing.T, method, path string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newOrderEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok", "service": "order-service"}, decodeBody[map[string]string](t, rec))
}

func TestOrderRoutesRequireUser(t *testing.T) {
	env := newOrderEnv(t)

	rec := env.do(t, http.MethodGet, "/order/orders/", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/order/orders/", nil, "abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateOrder(t *testing.T) {
	env := newOrderEnv(t)
	env.saga.result = saga.Result{OrderID: testOrderID, Status: saga.StatusSuccess}

	rec := env.do(t, http.MethodPost, "/order/orders/", map[string]any{
		"items": []map[string]any{{"dish_id": 3, "quantity": 2}},
	}, "7")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, env.saga.result, decodeBody[saga.Result](t, rec))
	assert.Equal(t, int64(7), env.saga.got.UserID)
	assert.Equal(t, []saga.LineRequest{{DishID: 3, Quantity: 2}}, env.saga.got.Items)
}

func TestCreateOrder_Failures(t *testing.T) {
	tests := []struct {
		name   string
		result saga.Result
		err    error
		status int
	}{
		{"invalid", saga.Result{}, saga.ErrInvalidRequest, http.StatusBadRequest},
		{"unavailable", saga.Result{OrderID: testOrderID, Reason: "service_unavailable"}, saga.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"precondition", saga.Result{OrderID: testOrderID, Reason: "item_unavailable"}, saga.ErrPreconditionFailed, http.StatusUnprocessableEntity},
		{"internal", saga.Result{}, errors.New("db down"), http.StatusInternalServerError},
		{"replayed cancel", saga.Result{OrderID: testOrderID, Status: saga.StatusFailed, Reason: "cancelled"}, nil, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrderEnv(t)
			env.saga.result, env.saga.err = tt.result, tt.err

			rec := env.do(t, http.MethodPost, "/order/orders/", map[string]any{"items": []any{}}, "7")

			assert.Equal(t, tt.status, rec.Code)
			res := decodeBody[saga.Result](t, rec)
			assert.Equal(t, saga.StatusFailed, res.Status)
			assert.NotContains(t, rec.Body.String(), "db down")
		})
	}
}

func TestCreateOrder_UnknownField(t *testing.T) {
	env := newOrderEnv(t)
	rec := env.do(t, http.MethodPost, "/order/orders/", map[string]any{"items": []any{}, "user_id": 1}, "7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder(t *testing.T) {
	env := newOrderEnv(t)
	env.store.orders[testOrderID] = &order.Order{ID: testOrderID, UserID: 7, Status: order.StatusPending}

	rec := env.do(t, http.MethodGet, "/order/orders/"+testOrderID, nil, "7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPending, decodeBody[order.Order](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/order/orders/missing", nil, "7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateOrder(t *testing.T) {
	env := newOrderEnv(t)
	env.store.orders[testOrderID] = &order.Order{ID: testOrderID, Status: order.StatusCancelled}

	rec := env.do(t, http.MethodPut, "/order/orders/"+testOrderID, map[string]string{"status": "COMPLETED"}, "7")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, "/order/orders/"+testOrderID, map[string]string{"status": "SHIPPED"}, "7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteOrder(t *testing.T) {
	env := newOrderEnv(t)
	env.store.orders[testOrderID] = &order.Order{ID: testOrderID}

	rec := env.do(t, http.MethodDelete, "/order/orders/"+testOrderID, nil, "7")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/order/orders/"+testOrderID, nil, "7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSagaLogRoute(t *testing.T) {
	env := newOrderEnv(t)
	rec := env.do(t, http.MethodGet, "/order/orders/"+testOrderID+"/saga", nil, "7")

	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]order.SagaLogEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, order.StatusPending, entries[0].ToStatus)
}

func TestOrderItems(t *testing.T) {
	env := newOrderEnv(t)

	rec := env.do(t, http.MethodGet, "/order/order-items/1", nil, "7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(150), decodeBody[order.Item](t, rec).Price)

	rec = env.do(t, http.MethodGet, "/order/order-items/abc", nil, "7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/order/order-items/1", map[string]int{"quantity": 0}, "7")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddToBasket(t *testing.T) {
	tests := []struct {
		name   string
		dishID int64
		status int
	}{
		{"available", 3, http.StatusCreated},
		{"unavailable", 5, http.StatusUnprocessableEntity},
		{"missing", 4, http.StatusUnprocessableEntity},
		{"menu down", 99, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrderEnv(t)
			rec := env.do(t, http.MethodPost, "/order/baskets/", map[string]any{"dish_id": tt.dishID, "quantity": 2}, "7")
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	env := newOrderEnv(t)
	env.do(t, http.MethodPost, "/order/baskets/", map[string]any{"dish_id": 3, "quantity": 2}, "7")
	require.Len(t, env.store.added, 1)
	assert.Equal(t, order.Basket{ID: 100, UserID: 7, DishID: 3, Quantity: 2, Price: 150}, env.store.added[0])
}

func TestBasketOwnership(t *testing.T) {
	env := newOrderEnv(t)
	env.store.baskets[1] = &order.Basket{ID: 1, UserID: 8, DishID: 3, Quantity: 1, Price: 150}
	env.store.baskets[2] = &order.Basket{ID: 2, UserID: 7, DishID: 3, Quantity: 1, Price: 150}

	rec := env.do(t, http.MethodGet, "/order/baskets/1", nil, "7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/order/baskets/1", nil, "7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.store.deleted)

	rec = env.do(t, http.MethodGet, "/order/baskets/", nil, "7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]order.Basket](t, rec), 1)

	rec = env.do(t, http.MethodDelete, "/order/baskets/2", nil, "7")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{2}, env.store.deleted)
}

func TestBasketToOrder(t *testing.T) {
	env := newOrderEnv(t)
	env.store.convertFn = func(userID int64) (*order.Order, error) {
		return &order.Order{ID: testOrderID, UserID: userID, TotalPrice: 600, Status: order.StatusPending}, nil
	}

	rec := env.do(t, http.MethodPost, "/order/baskets/bask-to-order", nil, "7")

	require.Equal(t, http.StatusCreated, rec.Code)
	o := decodeBody[order.Order](t, rec)
	assert.Equal(t, int64(600), o.TotalPrice)
	assert.Equal(t, []string{testOrderID}, env.saga.submitted)
}

func TestBasketToOrder_SubmitFailureReturnsCurrentState(t *testing.T) {
	env := newOrderEnv(t)
	env.store.convertFn = func(userID int64) (*order.Order, error) {
		o := &order.Order{ID: testOrderID, UserID: userID, Status: order.StatusPending}
		env.store.orders[o.ID] = &order.Order{ID: testOrderID, UserID: userID, Status: order.StatusCancelled}
		return o, nil
	}
	env.saga.submitErr = errors.New("broker down")

	rec := env.do(t, http.MethodPost, "/order/baskets/bask-to-order", nil, "7")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, order.StatusCancelled, decodeBody[order.Order](t, rec).Status)
}

func TestBasketToOrder_Empty(t *testing.T) {
	env := newOrderEnv(t)
	env.store.convertFn = func(int64) (*order.Order, error) { return nil, order.ErrEmptyBasket }

	rec := env.do(t, http.MethodPost, "/order/baskets/bask-to-order", nil, "7")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.saga.submitted)
}
