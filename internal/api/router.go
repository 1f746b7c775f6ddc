package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-offers/internal/domain/auth"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "api_key"

// Router mounts every endpoint under /api.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.refreshOnRead)
			r.Get("/products", h.listProducts)
			r.Get("/products/{id}", h.getProduct)
			r.Get("/categories", h.listCategories)
		})
		r.Post("/cart/quote", h.quoteCart)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireScope(auth.ScopeOffersAdmin))
			r.Get("/offers", h.listOffers)
			r.Post("/offers", h.createOffer)
			r.Post("/offers/sweep", h.runSweep)
			r.Post("/offers/refresh", h.runRefresh)
			r.Get("/offers/{id}", h.getOffer)
			r.Put("/offers/{id}", h.updateOffer)
			r.Delete("/offers/{id}", h.deleteOffer)
			r.Put("/products/{id}/offers/{offerID}", h.applyProductOffer)
			r.Delete("/products/{id}/offers/{offerID}", h.removeProductOffer)
			r.Put("/categories/{id}/offers/{offerID}", h.applyCategoryOffer)
			r.Delete("/categories/{id}/offers/{offerID}", h.removeCategoryOffer)
		})
	})
	return r
}

// refreshOnRead nudges the throttled re-propagation from catalog reads. It
// never delays the request.
func (h *Handler) refreshOnRead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Refresher != nil {
			h.Refresher.Trigger(r.Context())
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := h.Auth.Authenticate(r.Context(), r.Header.Get(APIKeyHeader), scope); err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
