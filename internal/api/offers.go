package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Offers.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range list {
				encodeOffer(e, &list[i])
			}
		})
	})
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.Offers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOffer(e, o) })
}

func (h *Handler) createOffer(w http.ResponseWriter, r *http.Request) {
	in, err := readBody(r, decodeOfferInput)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Offers.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOffer(e, o) })
}

func (h *Handler) updateOffer(w http.ResponseWriter, r *http.Request) {
	in, err := readBody(r, decodeOfferInput)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Offers.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOffer(e, o) })
}

func (h *Handler) deleteOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.Offers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scopeOp func(ctx context.Context, refID, offerID string) (bool, error)

// scopeChange handles PUT/DELETE {kind}/{id}/offers/{offerID} and reports
// whether the record carries an offer afterwards.
func (h *Handler) scopeChange(op scopeOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refID := chi.URLParam(r, "id")
		offerID := chi.URLParam(r, "offerID")
		applied, err := op(r.Context(), refID, offerID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(refID) })
				e.Field("offerId", func(e *jx.Encoder) { e.Str(offerID) })
				e.Field("offerApplied", func(e *jx.Encoder) { e.Bool(applied) })
			})
		})
	}
}

func (h *Handler) applyProductOffer(w http.ResponseWriter, r *http.Request) {
	h.scopeChange(h.Offers.ApplyProductOffer)(w, r)
}

func (h *Handler) removeProductOffer(w http.ResponseWriter, r *http.Request) {
	h.scopeChange(h.Offers.RemoveProductOffer)(w, r)
}

func (h *Handler) applyCategoryOffer(w http.ResponseWriter, r *http.Request) {
	h.scopeChange(h.Offers.ApplyCategoryOffer)(w, r)
}

func (h *Handler) removeCategoryOffer(w http.ResponseWriter, r *http.Request) {
	h.scopeChange(h.Offers.RemoveCategoryOffer)(w, r)
}

// runSweep executes the sweep job synchronously under the same overlap
// guard as its timed runs.
func (h *Handler) runSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.RunNow(r.Context(), h.sweepJob); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("job", func(e *jx.Encoder) { e.Str(h.sweepJob) })
			e.Field("status", func(e *jx.Encoder) { e.Str("completed") })
		})
	})
}

// runRefresh re-propagates everything now, bypassing the refresh throttle.
func (h *Handler) runRefresh(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Propagator.RefreshAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("changed", func(e *jx.Encoder) { e.Int(changed) })
		})
	})
}
