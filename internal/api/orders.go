package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// quoteCart prices a cart with the currently valid offers.
func (h *Handler) quoteCart(w http.ResponseWriter, r *http.Request) {
	items, err := readBody(r, decodeItems)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.Orders.QuoteCart(r.Context(), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeQuote(e, q) })
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	items, err := readBody(r, decodeItems)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Orders.PlaceOrder(r.Context(), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}
