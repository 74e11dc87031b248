package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type OrderRouterDeps struct {
	Handler *OrderHandler
	Limiter *RateLimiter
	Logger  *zap.Logger
	Metrics http.Handler
}

func NewOrderRouter(d OrderRouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))

	r.Get("/health", healthHandler("order-service"))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	h := d.Handler
	r.Route("/order", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Use(RequireUserID)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{orderId}", h.GetOrder)
			r.Put("/{orderId}", h.UpdateOrder)
			r.Delete("/{orderId}", h.DeleteOrder)
			r.Get("/{orderId}/saga", h.SagaLog)
		})

		r.Route("/order-items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Get("/{itemId}", h.GetItem)
			r.Put("/{itemId}", h.UpdateItem)
			r.Delete("/{itemId}", h.DeleteItem)
		})

		r.Route("/baskets", func(r chi.Router) {
			r.Get("/", h.ListBaskets)
			r.Post("/", h.AddToBasket)
			r.With(middleware.Timeout(30*time.Second)).Post("/bask-to-order", h.BasketToOrder)
			r.Get("/{basketId}", h.GetBasket)
			r.Put("/{basketId}", h.UpdateBasket)
			r.Delete("/{basketId}", h.DeleteBasket)
		})
	})

	return r
}
