package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// listProducts serves the listing from the denormalized offer fields,
// optionally filtered by ?category=.
func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	var (
		list []catalog.Product
		err  error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		list, err = h.Products.ListByCategory(r.Context(), category)
	} else {
		list, err = h.Products.List(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, p := range list {
				h.encodeListedProduct(e, p, now)
			}
		})
	})
}

// getProduct prices one product through the resolver.
func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Products.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res := h.Pricer.ResolveProduct(r.Context(), p, p.Price)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodeResolvedProduct(e, *p, res)
	})
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	list, err := h.Categories.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, c := range list {
				encodeCategory(e, c, now)
			}
		})
	})
}
