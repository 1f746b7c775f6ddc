package offer

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// --- In-memory store shared by the offer, product and category fakes ---

type memDB struct {
	mu         sync.Mutex
	offers     map[string]*Offer
	products   map[string]*catalog.Product
	categories map[string]*catalog.Category

	productWrites  int
	categoryWrites int

	// conflicts makes the next N product SetOffer calls fail with
	// ErrVersionConflict after bumping the stored version.
	conflicts int

	listProductOffersErr error
	deactivateErr        error
	clearProductsErr     error
}

func newMemDB() *memDB {
	return &memDB{
		offers:     make(map[string]*Offer),
		products:   make(map[string]*catalog.Product),
		categories: make(map[string]*catalog.Category),
	}
}

func (db *memDB) addOffer(o Offer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := cloneOffer(o)
	db.offers[o.ID] = &cp
}

func (db *memDB) addProduct(p catalog.Product) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.products[p.ID] = &p
}

func (db *memDB) addCategory(c catalog.Category) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.categories[c.ID] = &c
}

func (db *memDB) product(id string) catalog.Product {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.products[id]
}

func (db *memDB) category(id string) catalog.Category {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.categories[id]
}

func (db *memDB) offer(id string) (Offer, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.offers[id]
	if !ok {
		return Offer{}, false
	}
	return cloneOffer(*o), true
}

func cloneOffer(o Offer) Offer {
	o.ApplicableProducts = slices.Clone(o.ApplicableProducts)
	o.ApplicableCategories = slices.Clone(o.ApplicableCategories)
	return o
}

type fakeOffers struct{ db *memDB }

func (f fakeOffers) Create(_ context.Context, o *Offer) error {
	f.db.addOffer(*o)
	return nil
}

func (f fakeOffers) Update(_ context.Context, o *Offer) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.offers[o.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneOffer(*o)
	f.db.offers[o.ID] = &cp
	return nil
}

func (f fakeOffers) Delete(_ context.Context, id string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if _, ok := f.db.offers[id]; !ok {
		return ErrNotFound
	}
	delete(f.db.offers, id)
	return nil
}

func (f fakeOffers) GetByID(_ context.Context, id string) (*Offer, error) {
	o, ok := f.db.offer(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (f fakeOffers) List(_ context.Context) ([]Offer, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]Offer, 0, len(f.db.offers))
	for _, o := range f.db.offers {
		out = append(out, cloneOffer(*o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeOffers) ListValidForProduct(_ context.Context, productID string, now time.Time) ([]Offer, error) {
	if f.db.listProductOffersErr != nil {
		return nil, f.db.listProductOffersErr
	}
	return f.filter(func(o *Offer) bool { return o.AppliesToProduct(productID) && o.ValidAt(now) }), nil
}

func (f fakeOffers) ListValidForCategory(_ context.Context, categoryID string, now time.Time) ([]Offer, error) {
	return f.filter(func(o *Offer) bool { return o.AppliesToCategory(categoryID) && o.ValidAt(now) }), nil
}

func (f fakeOffers) filter(keep func(o *Offer) bool) []Offer {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []Offer
	for _, o := range f.db.offers {
		if keep(o) {
			out = append(out, cloneOffer(*o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeOffers) AddToScope(_ context.Context, offerID string, scope Type, refID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	o, ok := f.db.offers[offerID]
	if !ok {
		return ErrNotFound
	}
	switch scope {
	case TypeProduct:
		if !slices.Contains(o.ApplicableProducts, refID) {
			o.ApplicableProducts = append(o.ApplicableProducts, refID)
		}
	case TypeCategory:
		if !slices.Contains(o.ApplicableCategories, refID) {
			o.ApplicableCategories = append(o.ApplicableCategories, refID)
		}
	}
	return nil
}

func (f fakeOffers) RemoveFromScope(_ context.Context, offerID string, scope Type, refID string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	o, ok := f.db.offers[offerID]
	if !ok {
		return ErrNotFound
	}
	drop := func(s string) bool { return s == refID }
	switch scope {
	case TypeProduct:
		o.ApplicableProducts = slices.DeleteFunc(o.ApplicableProducts, drop)
	case TypeCategory:
		o.ApplicableCategories = slices.DeleteFunc(o.ApplicableCategories, drop)
	}
	return nil
}

func (f fakeOffers) DeactivateExpired(_ context.Context, now time.Time) ([]string, error) {
	if f.db.deactivateErr != nil {
		return nil, f.db.deactivateErr
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var ids []string
	for id, o := range f.db.offers {
		if o.IsActive && o.EndDate.Before(now) {
			o.IsActive = false
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeProducts struct{ db *memDB }

func (f fakeProducts) List(_ context.Context) ([]catalog.Product, error) {
	return f.filter(func(*catalog.Product) bool { return true }), nil
}

func (f fakeProducts) ListByCategory(_ context.Context, categoryID string) ([]catalog.Product, error) {
	return f.filter(func(p *catalog.Product) bool { return p.CategoryID == categoryID }), nil
}

func (f fakeProducts) ListWithOffer(_ context.Context) ([]catalog.Product, error) {
	return f.filter(func(p *catalog.Product) bool { return p.Offer.OfferID != "" }), nil
}

func (f fakeProducts) filter(keep func(p *catalog.Product) bool) []catalog.Product {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []catalog.Product
	for _, p := range f.db.products {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeProducts) GetByID(_ context.Context, id string) (*catalog.Product, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (f fakeProducts) GetByIDs(_ context.Context, ids []string) ([]catalog.Product, error) {
	return f.filter(func(p *catalog.Product) bool { return slices.Contains(ids, p.ID) }), nil
}

func (f fakeProducts) Upsert(_ context.Context, p *catalog.Product) error {
	f.db.addProduct(*p)
	return nil
}

func (f fakeProducts) SetOffer(_ context.Context, id string, state catalog.OfferState, version int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.products[id]
	if !ok {
		return catalog.ErrProductNotFound
	}
	if f.db.conflicts > 0 {
		f.db.conflicts--
		p.Version++
		return catalog.ErrVersionConflict
	}
	if p.Version != version {
		return catalog.ErrVersionConflict
	}
	p.Offer = state
	p.Version++
	f.db.productWrites++
	return nil
}

func (f fakeProducts) ClearOffer(_ context.Context, offerID string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, p := range f.db.products {
		if p.Offer.OfferID == offerID {
			p.Offer = catalog.OfferState{}
			p.Version++
			n++
		}
	}
	return n, nil
}

func (f fakeProducts) ClearStaleOffers(_ context.Context, now time.Time) (int64, error) {
	if f.db.clearProductsErr != nil {
		return 0, f.db.clearProductsErr
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, p := range f.db.products {
		if p.Offer.OfferID == "" {
			continue
		}
		if o, ok := f.db.offers[p.Offer.OfferID]; ok && o.ValidAt(now) {
			continue
		}
		p.Offer = catalog.OfferState{}
		p.Version++
		n++
	}
	return n, nil
}

type fakeCategories struct{ db *memDB }

func (f fakeCategories) List(_ context.Context) ([]catalog.Category, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []catalog.Category
	for _, c := range f.db.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeCategories) GetByID(_ context.Context, id string) (*catalog.Category, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.categories[id]
	if !ok {
		return nil, catalog.ErrCategoryNotFound
	}
	cp := *c
	return &cp, nil
}

func (f fakeCategories) Upsert(_ context.Context, c *catalog.Category) error {
	f.db.addCategory(*c)
	return nil
}

func (f fakeCategories) SetOffer(_ context.Context, id string, state catalog.OfferState, offerType string, version int64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.categories[id]
	if !ok {
		return catalog.ErrCategoryNotFound
	}
	if c.Version != version {
		return catalog.ErrVersionConflict
	}
	c.Offer = state
	c.OfferType = offerType
	c.Version++
	f.db.categoryWrites++
	return nil
}

func (f fakeCategories) ClearOffer(_ context.Context, offerID string) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, c := range f.db.categories {
		if c.Offer.OfferID == offerID {
			c.Offer = catalog.OfferState{}
			c.OfferType = ""
			c.Version++
			n++
		}
	}
	return n, nil
}

func (f fakeCategories) ClearStaleOffers(_ context.Context, now time.Time) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for _, c := range f.db.categories {
		if c.Offer.OfferID == "" || c.OfferType != string(TypeCategory) {
			continue
		}
		if o, ok := f.db.offers[c.Offer.OfferID]; ok && o.ValidAt(now) {
			continue
		}
		c.Offer = catalog.OfferState{}
		c.OfferType = ""
		c.Version++
		n++
	}
	return n, nil
}

// --- Fixtures ---

var (
	fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	dayAgo   = fixedNow.Add(-24 * time.Hour)
	inADay   = fixedNow.Add(24 * time.Hour)
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func percentOffer(id string, value string) Offer {
	return Offer{
		ID:            id,
		Name:          "offer " + id,
		Type:          TypeProduct,
		DiscountType:  DiscountPercentage,
		DiscountValue: d(value),
		StartDate:     dayAgo,
		EndDate:       inADay,
		IsActive:      true,
		CreatedAt:     dayAgo,
	}
}

func fixedOffer(id string, value, minPurchase string) Offer {
	o := percentOffer(id, value)
	o.DiscountType = DiscountFixed
	o.MinPurchaseAmount = d(minPurchase)
	return o
}

func forProducts(o Offer, ids ...string) Offer {
	o.Type = TypeProduct
	o.ApplicableProducts = ids
	o.ApplicableCategories = nil
	return o
}

func forCategories(o Offer, ids ...string) Offer {
	o.Type = TypeCategory
	o.ApplicableCategories = ids
	o.ApplicableProducts = nil
	return o
}

type fixture struct {
	db         *memDB
	resolver   *Resolver
	propagator *Propagator
	sweeper    *Sweeper
	service    *Service
}

func newFixture() *fixture {
	db := newMemDB()
	db.addCategory(catalog.Category{ID: "c1", Name: "Books"})
	db.addCategory(catalog.Category{ID: "c2", Name: "Games"})
	db.addProduct(catalog.Product{ID: "p1", Name: "Novel", Price: d("1000"), CategoryID: "c1"})
	db.addProduct(catalog.Product{ID: "p2", Name: "Atlas", Price: d("500"), CategoryID: "c1"})
	db.addProduct(catalog.Product{ID: "p3", Name: "Chess", Price: d("200"), CategoryID: "c2"})

	offers, products, categories := fakeOffers{db}, fakeProducts{db}, fakeCategories{db}
	clock := func() time.Time { return fixedNow }

	r := NewResolver(offers, products, categories)
	r.now = clock
	p := NewPropagator(PropagatorConfig{Concurrency: 2, MaxAttempts: 3}, r, offers, products, categories)
	p.now = clock
	sw := NewSweeper(offers, products, categories)
	sw.now = clock
	svc := NewService(ServiceConfig{AutoCorrectMinPurchase: true}, offers, products, categories, p)
	svc.now = clock

	return &fixture{db: db, resolver: r, propagator: p, sweeper: sw, service: svc}
}
