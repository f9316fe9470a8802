package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/pizza-storefront/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware витрины.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Session(h.store))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/signin/{provider}", h.BeginSignIn)
		r.Get("/callback/{provider}", h.Callback)

		r.Group(func(r chi.Router) {
			h.limit(r)
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/cart", h.GetCart)
		r.Get("/cart/items/{pizzaID}", h.ControlState)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireSession)
			r.Get("/me", h.GetMe)
			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
		})

		r.Group(func(r chi.Router) {
			h.limit(r)
			r.Patch("/me", h.UpdateMe)
			r.Delete("/cart/{cartID}", h.ClearCart)
			r.Post("/cart/items/{pizzaID}/increment", h.Increment)
			r.Post("/cart/items/{pizzaID}/decrement", h.Decrement)
			r.Put("/pizza/{pizzaID}/rating", h.RatePizza)
			r.Post("/orders", h.CreateOrder)
			r.Patch("/orders/{orderID}", h.UpdateOrder)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) limit(r chi.Router) {
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}
}
