package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type MenuRouterDeps struct {
	Handler *MenuHandler
	Logger  *zap.Logger
	Metrics http.Handler
}

func NewMenuRouter(d MenuRouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))

	r.Get("/health", healthHandler("menu-service"))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	h := d.Handler
	r.Route("/dishes", func(r chi.Router) {
		r.Get("/", h.ListDishes)
		r.Post("/", h.CreateDish)
		r.Get("/{dishId}", h.GetDish)
		r.Put("/{dishId}", h.UpdateDish)
	})
	return r
}
