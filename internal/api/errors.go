package api

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-offers/internal/domain/auth"
	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/domain/order"
	"github.com/xenking/kart-offers/internal/scheduler"
)

// badRequestError marks malformed request bodies.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return "invalid request body: " + e.err.Error() }

func (e *badRequestError) Unwrap() error { return e.err }

// errorStatus maps domain errors to an HTTP status and client message.
func errorStatus(err error) (int, string) {
	var (
		validation  *offer.ValidationError
		badRequest  *badRequestError
		missingItem *order.ProductNotFoundError
		badQuantity *order.InvalidQuantityError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, validation.Error()
	case errors.As(err, &missingItem):
		return http.StatusUnprocessableEntity, missingItem.Error()
	case errors.As(err, &badQuantity):
		return http.StatusUnprocessableEntity, badQuantity.Error()
	case errors.As(err, &badRequest):
		return http.StatusBadRequest, badRequest.Error()
	case errors.Is(err, order.ErrEmptyItems):
		return http.StatusBadRequest, "items required"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, offer.ErrNotFound):
		return http.StatusNotFound, "offer not found"
	case errors.Is(err, catalog.ErrProductNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, catalog.ErrCategoryNotFound):
		return http.StatusNotFound, "category not found"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, catalog.ErrVersionConflict), errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func readBody[T any](r *http.Request, decode func(d *jx.Decoder) (T, error)) (T, error) {
	d := jx.GetDecoder()
	defer jx.PutDecoder(d)
	d.Reset(http.MaxBytesReader(nil, r.Body, 1<<20))

	v, err := decode(d)
	if err != nil {
		return v, &badRequestError{err: err}
	}
	return v, nil
}
