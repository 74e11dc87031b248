package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/menu"
)

type MenuService interface {
	GetDish(ctx context.Context, id int64) (menu.Dish, error)
	ListDishes(ctx context.Context, limit, offset int) ([]menu.Dish, error)
	CreateDish(ctx context.Context, d *menu.Dish) error
	UpdateDish(ctx context.Context, id int64, upd menu.DishUpdate) (menu.Dish, error)
}

type MenuHandler struct {
	svc    MenuService
	logger *zap.Logger
}

func NewMenuHandler(svc MenuService, logger *zap.Logger) *MenuHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MenuHandler{svc: svc, logger: logger}
}

func (h *MenuHandler) ListDishes(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	dishes, err := h.svc.ListDishes(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, "list dishes", err)
		return
	}
	writeJSON(w, http.StatusOK, dishes)
}

func (h *MenuHandler) GetDish(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "dishId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dish id")
		return
	}
	d, err := h.svc.GetDish(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get dish", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type createDishRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	IsAvailable *bool  `json:"is_available,omitempty"`
}

func (h *MenuHandler) CreateDish(w http.ResponseWriter, r *http.Request) {
	var req createDishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := &menu.Dish{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		CategoryID:  req.CategoryID,
		IsAvailable: req.IsAvailable == nil || *req.IsAvailable,
	}
	if err := h.svc.CreateDish(r.Context(), d); err != nil {
		h.fail(w, r, "create dish", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *MenuHandler) UpdateDish(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(r, "dishId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dish id")
		return
	}
	var upd menu.DishUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.svc.UpdateDish(r.Context(), id, upd)
	if err != nil {
		h.fail(w, r, "update dish", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *MenuHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error(op, zap.Error(err))
	}
	writeErr(w, err)
}
