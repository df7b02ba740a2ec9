package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/boostmart/internal/middleware"
)

// Размещение ждёт провайдера, поэтому таймаут запроса больше таймаута клиента провайдера.
const requestTimeout = 30 * time.Second

// SetupRouter настраивает HTTP-маршруты и middleware сервиса boostmart.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.RealIP)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetOrders)

		r.Get("/account", h.GetAccount)
		r.Get("/account/transactions", h.GetTransactions)
		r.Post("/account/funds", h.TopUp)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
