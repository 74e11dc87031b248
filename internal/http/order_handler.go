package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/downstream"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/saga"
)

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, limit, offset int) ([]order.Order, error)
	UpdateOrder(ctx context.Context, id string, upd order.OrderUpdate) (*order.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	SagaLog(ctx context.Context, id string) ([]order.SagaLogEntry, error)

	GetItem(ctx context.Context, id int64) (*order.Item, error)
	ListItems(ctx context.Context, limit, offset int) ([]order.Item, error)
	UpdateItem(ctx context.Context, id int64, quantity int) (*order.Item, error)
	DeleteItem(ctx context.Context, id int64) error

	GetBasket(ctx context.Context, id int64) (*order.Basket, error)
	ListBaskets(ctx context.Context, userID int64, limit, offset int) ([]order.Basket, error)
	AddToBasket(ctx context.Context, b *order.Basket) error
	UpdateBasket(ctx context.Context, id int64, quantity int) (*order.Basket, error)
	DeleteBasket(ctx context.Context, id int64) error
	ConvertBasketToOrder(ctx context.Context, userID int64) (*order.Order, error)
}

type Saga interface {
	CreateOrder(ctx context.Context, req saga.CreateOrderRequest) (saga.Result, error)
	SubmitOrder(ctx context.Context, o *order.Order) error
}

// DishLookup resolves the price snapshot of a basket line.
type DishLookup interface {
	GetDish(ctx context.Context, id int64) (*downstream.Dish, error)
}

const readTimeout = 5 * time.Second

type OrderHandler struct {
	store  OrderStore
	saga   Saga
	dishes DishLookup
	logger *zap.Logger
}

func NewOrderHandler(store OrderStore, s Saga, dishes DishLookup, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{store: store, saga: s, dishes: dishes, logger: logger}
}

type createOrderRequest struct {
	OrderID string             `json:"order_id,omitempty"`
	Items   []saga.LineRequest `json:"items"`
}

// CreateOrder runs the create-order saga. The body is always a saga.Result.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, saga.Result{Status: saga.StatusFailed, Reason: err.Error()})
		return
	}

	res, err := h.saga.CreateOrder(r.Context(), saga.CreateOrderRequest{
		OrderID: req.OrderID,
		UserID:  UserID(r.Context()),
		Items:   req.Items,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusBadRequest {
			res.Reason = err.Error()
		}
		if status == http.StatusInternalServerError {
			logging.FromContext(r.Context(), h.logger).Error("create order", zap.Error(err))
		}
		res.Status = saga.StatusFailed
		writeJSON(w, status, res)
		return
	}
	if res.Status == saga.StatusFailed {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	limit, offset := page(r)
	orders, err := h.store.ListOrders(ctx, limit, offset)
	if err != nil {
		h.fail(w, r, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	o, err := h.store.GetOrder(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type updateOrderRequest struct {
	TotalPrice *int64  `json:"total_price,omitempty"`
	Status     *string `json:"status,omitempty"`
}

func (h *OrderHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var upd order.OrderUpdate
	upd.TotalPrice = req.TotalPrice
	if req.Status != nil {
		st, err := order.ParseStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.Status = &st
	}

	o, err := h.store.UpdateOrder(r.Context(), chi.URLParam(r, "orderId"), upd)
	if err != nil {
		h.fail(w, r, "update order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteOrder(r.Context(), chi.URLParam(r, "orderId")); err != nil {
		h.fail(w, r, "delete order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandler) SagaLog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	entries, err := h.store.SagaLog(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, "saga log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *OrderHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	items, err := h.store.ListItems(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *OrderHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "itemId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	it, err := h.store.GetItem(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *OrderHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "itemId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := h.store.UpdateItem(r.Context(), id, req.Quantity)
	if err != nil {
		h.fail(w, r, "update item", err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *OrderHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "itemId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := h.store.DeleteItem(r.Context(), id); err != nil {
		h.fail(w, r, "delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandler) ListBaskets(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	baskets, err := h.store.ListBaskets(r.Context(), UserID(r.Context()), limit, offset)
	if err != nil {
		h.fail(w, r, "list baskets", err)
		return
	}
	writeJSON(w, http.StatusOK, baskets)
}

func (h *OrderHandler) GetBasket(w http.ResponseWriter, r *http.Request) {
	b, ok := h.ownBasket(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type addToBasketRequest struct {
	DishID   int64 `json:"dish_id"`
	Quantity int   `json:"quantity"`
}

// AddToBasket stores a line with the dish's current price as its snapshot.
func (h *OrderHandler) AddToBasket(w http.ResponseWriter, r *http.Request) {
	var req addToBasketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DishID <= 0 || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "dish_id and quantity must be positive")
		return
	}

	dish, err := h.dishes.GetDish(r.Context(), req.DishID)
	switch {
	case errors.Is(err, downstream.ErrNotFound):
		writeError(w, http.StatusUnprocessableEntity, "dish not found")
		return
	case err != nil:
		logging.FromContext(r.Context(), h.logger).Warn("dish lookup", zap.Int64("dish_id", req.DishID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "menu service unavailable")
		return
	case !dish.IsAvailable:
		writeError(w, http.StatusUnprocessableEntity, "dish is not available")
		return
	}

	b := &order.Basket{UserID: UserID(r.Context()), DishID: req.DishID, Quantity: req.Quantity, Price: dish.Price}
	if err := h.store.AddToBasket(r.Context(), b); err != nil {
		h.fail(w, r, "add to basket", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *OrderHandler) UpdateBasket(w http.ResponseWriter, r *http.Request) {
	b, ok := h.ownBasket(w, r)
	if !ok {
		return
	}
	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := h.store.UpdateBasket(r.Context(), b.ID, req.Quantity)
	if err != nil {
		h.fail(w, r, "update basket", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) DeleteBasket(w http.ResponseWriter, r *http.Request) {
	b, ok := h.ownBasket(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteBasket(r.Context(), b.ID); err != nil {
		h.fail(w, r, "delete basket", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BasketToOrder converts the caller's basket into an order and starts its
// saga. The order is returned even if the saga could not be started; its
// status then shows it was cancelled.
func (h *OrderHandler) BasketToOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.ConvertBasketToOrder(r.Context(), UserID(r.Context()))
	if err != nil {
		h.fail(w, r, "convert basket", err)
		return
	}

	if err := h.saga.SubmitOrder(r.Context(), o); err != nil {
		logging.FromContext(r.Context(), h.logger).Error("submit order", zap.String("order_id", o.ID), zap.Error(err))
		if fresh, gerr := h.store.GetOrder(r.Context(), o.ID); gerr == nil {
			o = fresh
		}
	}
	writeJSON(w, http.StatusCreated, o)
}

// ownBasket loads the basket named in the path. Baskets of other users are
// reported as missing.
func (h *OrderHandler) ownBasket(w http.ResponseWriter, r *http.Request) (*order.Basket, bool) {
	id, ok := int64Param(r, "basketId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid basket id")
		return nil, false
	}
	b, err := h.store.GetBasket(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get basket", err)
		return nil, false
	}
	if b.UserID != UserID(r.Context()) {
		writeError(w, http.StatusNotFound, order.ErrNotFound.Error())
		return nil, false
	}
	return b, true
}

func (h *OrderHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error(op, zap.Error(err))
	}
	writeErr(w, err)
}
