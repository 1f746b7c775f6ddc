package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/xenking/kart-offers/internal/domain/auth"
	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/domain/order"
	"github.com/xenking/kart-offers/internal/scheduler"
)

var (
	fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	inADay   = fixedNow.Add(24 * time.Hour)
	dayAgo   = fixedNow.Add(-24 * time.Hour)
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// --- Fakes ---

type fakeProducts struct {
	catalog.ProductRepository
	items []catalog.Product
	err   error
}

func (f *fakeProducts) List(context.Context) ([]catalog.Product, error) {
	return f.items, f.err
}

func (f *fakeProducts) ListByCategory(_ context.Context, categoryID string) ([]catalog.Product, error) {
	var out []catalog.Product
	for _, p := range f.items {
		if p.CategoryID == categoryID {
			out = append(out, p)
		}
	}
	return out, f.err
}

func (f *fakeProducts) GetByID(_ context.Context, id string) (*catalog.Product, error) {
	for i := range f.items {
		if f.items[i].ID == id {
			return &f.items[i], nil
		}
	}
	return nil, catalog.ErrProductNotFound
}

type fakeCategories struct {
	catalog.CategoryRepository
	items []catalog.Category
}

func (f *fakeCategories) List(context.Context) ([]catalog.Category, error) {
	return f.items, nil
}

type fakePricer struct {
	res offer.Resolution
}

func (f *fakePricer) ResolveProduct(_ context.Context, _ *catalog.Product, _ decimal.Decimal) offer.Resolution {
	return f.res
}

type fakeOffers struct {
	OfferAdmin
	created  offer.Input
	offer    *offer.Offer
	err      error
	scopeRef string
}

func (f *fakeOffers) Create(_ context.Context, in offer.Input) (*offer.Offer, error) {
	f.created = in
	return f.offer, f.err
}

func (f *fakeOffers) Get(_ context.Context, id string) (*offer.Offer, error) {
	if f.offer == nil || f.offer.ID != id {
		return nil, offer.ErrNotFound
	}
	return f.offer, nil
}

func (f *fakeOffers) Delete(context.Context, string) error { return f.err }

func (f *fakeOffers) ApplyProductOffer(_ context.Context, productID, _ string) (bool, error) {
	f.scopeRef = productID
	return f.err == nil, f.err
}

func (f *fakeOffers) RemoveCategoryOffer(_ context.Context, categoryID, _ string) (bool, error) {
	f.scopeRef = categoryID
	return false, f.err
}

type fakeOrders struct {
	Orders
	quote *order.Quote
	err   error
	items []order.Item
}

func (f *fakeOrders) QuoteCart(_ context.Context, items []order.Item) (*order.Quote, error) {
	f.items = items
	return f.quote, f.err
}

func (f *fakeOrders) Get(context.Context, string) (*order.Order, error) {
	return nil, order.ErrNotFound
}

type fakeJobs struct {
	ran []string
	err error
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.ran = append(f.ran, name)
	return f.err
}

type fakePropagator struct{ changed int }

func (f *fakePropagator) RefreshAll(context.Context) (int, error) { return f.changed, nil }

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger(context.Context) { c.n.Add(1) }

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, rawKey, scope string) (*auth.APIKeyInfo, error) {
	switch rawKey {
	case "admin-key":
		return &auth.APIKeyInfo{ID: "k1", Scopes: []string{scope}}, nil
	case "reader-key":
		return nil, auth.ErrForbidden
	default:
		return nil, auth.ErrUnauthorized
	}
}

// --- Helpers ---

type fixture struct {
	products *fakeProducts
	pricer   *fakePricer
	offers   *fakeOffers
	orders   *fakeOrders
	jobs     *fakeJobs
	trigger  *countingTrigger
	router   http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		products: &fakeProducts{items: []catalog.Product{
			{
				ID: "p1", Name: "Novel", Price: d("1000"), CategoryID: "c1",
				Offer: catalog.OfferState{
					OfferID: "o1", Applied: true, Percentage: d("15"), DiscountAmount: d("150"), EndDate: &inADay,
				},
			},
			{
				ID: "p2", Name: "Board game", Price: d("200"), CategoryID: "c2",
				Offer: catalog.OfferState{
					OfferID: "o2", Applied: true, Percentage: d("50"), DiscountAmount: d("100"), EndDate: &dayAgo,
				},
			},
		}},
		pricer:  &fakePricer{},
		offers:  &fakeOffers{},
		orders:  &fakeOrders{},
		jobs:    &fakeJobs{},
		trigger: &countingTrigger{},
	}
	h := NewHandler(Config{SweepJob: "offer-sweep"}, Deps{
		Products: f.products,
		Categories: &fakeCategories{items: []catalog.Category{
			{ID: "c1", Name: "Books", OfferType: "category",
				Offer: catalog.OfferState{OfferID: "o3", Applied: true, Percentage: d("10"), EndDate: &inADay}},
			{ID: "c2", Name: "Games"},
		}},
		Pricer:     f.pricer,
		Offers:     f.offers,
		Orders:     f.orders,
		Jobs:       f.jobs,
		Propagator: &fakePropagator{changed: 4},
		Refresher:  f.trigger,
		Auth:       fakeAuth{},
	})
	h.now = func() time.Time { return fixedNow }
	f.router = h.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, key string) (*httptest.ResponseRecorder, gjson.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w, gjson.Parse(w.Body.String())
}

// --- Tests ---

func TestListProducts(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/api/products", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	require.Len(t, body.Array(), 2)
	assert.JSONEq(t, `{
		"id": "p1", "name": "Novel", "price": 1000, "category": "c1",
		"image": {"thumbnail": "", "mobile": "", "tablet": "", "desktop": ""},
		"offerApplied": true, "offerId": "o1", "offerPercentage": 15,
		"offerEndDate": "2025-06-16T12:00:00Z", "finalPrice": 850
	}`, body.Get("0").Raw)

	// Stored reference past its end date is not shown.
	assert.False(t, body.Get("1.offerApplied").Bool())
	assert.False(t, body.Get("1.offerId").Exists())
	assert.Equal(t, "200", body.Get("1.finalPrice").Raw)

	assert.EqualValues(t, 1, f.trigger.n.Load())
}

func TestListProducts_ByCategory(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/api/products?category=c2", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body.Array(), 1)
	assert.Equal(t, "p2", body.Get("0.id").String())
}

func TestListProducts_Error(t *testing.T) {
	f := newFixture()
	f.products.err = errors.New("db down")
	w, body := f.do(t, http.MethodGet, "/api/products", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body.Get("message").String())
}

func TestGetProduct(t *testing.T) {
	f := newFixture()
	f.pricer.res = offer.Resolution{
		HasOffer:       true,
		DiscountAmount: d("250"),
		FinalPrice:     d("750"),
		Offer:          &offer.Offer{ID: "o9", EndDate: inADay},
	}

	w, body := f.do(t, http.MethodGet, "/api/products/p1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "o9", body.Get("offerId").String())
	assert.Equal(t, "25", body.Get("offerPercentage").Raw)
	assert.Equal(t, "250", body.Get("discountAmount").Raw)
	assert.Equal(t, "750", body.Get("finalPrice").Raw)
}

func TestGetProduct_NoOffer(t *testing.T) {
	f := newFixture()
	f.pricer.res = offer.Resolution{DiscountAmount: decimal.Zero, FinalPrice: d("1000")}

	w, body := f.do(t, http.MethodGet, "/api/products/p1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, body.Get("offerApplied").Bool())
	assert.False(t, body.Get("offerId").Exists())
	assert.Equal(t, "1000", body.Get("finalPrice").Raw)
}

func TestGetProduct_NotFound(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/api/products/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"code":404,"message":"product not found"}`, body.Raw)
}

func TestListCategories(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/api/categories", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", body.Get("0.categoryOffer").Raw)
	assert.Equal(t, "category", body.Get("0.offerType").String())
	assert.Equal(t, "0", body.Get("1.categoryOffer").Raw)
	assert.False(t, body.Get("1.offerApplied").Bool())
}

func TestAdminAuth(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodGet, "/api/admin/offers/o1", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/admin/offers/o1", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/admin/offers/o1", "", "reader-key")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/admin/offers/o1", "", "admin-key")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOffer(t *testing.T) {
	f := newFixture()
	f.offers.offer = &offer.Offer{
		ID: "o1", Name: "Summer", Type: offer.TypeProduct, DiscountType: offer.DiscountPercentage,
		DiscountValue: d("20"), StartDate: dayAgo, EndDate: inADay, IsActive: true,
		ApplicableProducts: []string{"p1"}, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}

	w, body := f.do(t, http.MethodPost, "/api/admin/offers", `{
		"name": "Summer",
		"type": "product",
		"discountType": "percentage",
		"discountValue": 20,
		"maxDiscountAmount": "50.5",
		"minPurchaseAmount": 0,
		"startDate": "2025-06-14T12:00:00Z",
		"endDate": "2025-06-16T12:00:00Z",
		"applicableProducts": ["p1"],
		"extra": {"ignored": true}
	}`, "admin-key")
	require.Equal(t, http.StatusCreated, w.Code, body.Raw)

	in := f.offers.created
	assert.Equal(t, "Summer", in.Name)
	assert.Equal(t, offer.TypeProduct, in.Type)
	assert.True(t, in.DiscountValue.Equal(d("20")))
	require.NotNil(t, in.MaxDiscountAmount)
	assert.True(t, in.MaxDiscountAmount.Equal(d("50.5")))
	assert.True(t, dayAgo.Equal(in.StartDate))
	assert.True(t, in.IsActive, "isActive defaults to true")
	assert.Equal(t, []string{"p1"}, in.ApplicableProducts)

	assert.Equal(t, "o1", body.Get("id").String())
	assert.Equal(t, gjson.Null, body.Get("maxDiscountAmount").Type)
	assert.Equal(t, "2025-06-15T12:00:00Z", body.Get("createdAt").String())
}

func TestCreateOffer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed json", `{"name":`, nil, http.StatusBadRequest},
		{"bad decimal", `{"discountValue":"ten"}`, nil, http.StatusBadRequest},
		{"bad date", `{"startDate":"yesterday"}`, nil, http.StatusBadRequest},
		{"validation", `{"name":""}`, &offer.ValidationError{Field: "name", Reason: "required"}, http.StatusUnprocessableEntity},
		{"storage", `{"name":"x"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.offers.err = tt.err
			w, body := f.do(t, http.MethodPost, "/api/admin/offers", tt.body, "admin-key")
			assert.Equal(t, tt.status, w.Code)
			assert.EqualValues(t, tt.status, body.Get("code").Int())
		})
	}
}

func TestScopeChange(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodPut, "/api/admin/products/p1/offers/o1", "", "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"p1","offerId":"o1","offerApplied":true}`, body.Raw)
	assert.Equal(t, "p1", f.offers.scopeRef)

	w, body = f.do(t, http.MethodDelete, "/api/admin/categories/c1/offers/o3", "", "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, body.Get("offerApplied").Bool())
	assert.Equal(t, "c1", f.offers.scopeRef)

	f.offers.err = &offer.ValidationError{Field: "type", Reason: "offer is category-scoped, not product"}
	w, _ = f.do(t, http.MethodPut, "/api/admin/products/p1/offers/o3", "", "admin-key")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDeleteOffer(t *testing.T) {
	f := newFixture()
	w, _ := f.do(t, http.MethodDelete, "/api/admin/offers/o1", "", "admin-key")
	assert.Equal(t, http.StatusNoContent, w.Code)

	f.offers.err = offer.ErrNotFound
	w, _ = f.do(t, http.MethodDelete, "/api/admin/offers/o1", "", "admin-key")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunJobs(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodPost, "/api/admin/offers/sweep", "", "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offer-sweep", body.Get("job").String())

	w, body = f.do(t, http.MethodPost, "/api/admin/offers/refresh", "", "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, body.Get("changed").Int())
	assert.Equal(t, []string{"offer-sweep"}, f.jobs.ran)

	f.jobs.err = scheduler.ErrJobRunning
	w, _ = f.do(t, http.MethodPost, "/api/admin/offers/sweep", "", "admin-key")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestQuoteCart(t *testing.T) {
	f := newFixture()
	f.orders.quote = &order.Quote{
		Lines: []order.Line{{
			ProductID: "p1", Name: "Novel", Quantity: 2,
			UnitPrice: d("1000"), UnitDiscount: d("150"), UnitFinal: d("850"), LineTotal: d("1700"),
			OfferID: "o1",
		}},
		Subtotal:  d("2000"),
		Discounts: d("300"),
		Total:     d("1700"),
	}

	w, body := f.do(t, http.MethodPost, "/api/cart/quote", `{"items":[{"productId":"p1","quantity":2}]}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []order.Item{{ProductID: "p1", Quantity: 2}}, f.orders.items)
	assert.Equal(t, "1700", body.Get("total").Raw)
	assert.Equal(t, "o1", body.Get("lines.0.offerId").String())
	assert.Equal(t, "150", body.Get("lines.0.unitDiscount").Raw)
}

func TestQuoteCart_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"empty", order.ErrEmptyItems, http.StatusBadRequest},
		{"unknown product", &order.ProductNotFoundError{ProductID: "p9"}, http.StatusUnprocessableEntity},
		{"bad quantity", &order.InvalidQuantityError{ProductID: "p1"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.orders.err = tt.err
			w, body := f.do(t, http.MethodPost, "/api/cart/quote", `{"items":[]}`, "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.err.Error(), body.Get("message").String())
		})
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture()
	w, _ := f.do(t, http.MethodGet, "/api/orders/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
