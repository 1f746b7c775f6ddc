package offer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// PropagatorConfig tunes propagation fan-out and write retries.
type PropagatorConfig struct {
	// Concurrency bounds parallel product updates during a category
	// cascade or a full refresh.
	Concurrency int
	// MaxAttempts bounds compare-and-swap retries per record.
	MaxAttempts int
}

// Propagator copies the resolved best offer onto product and category rows
// so read paths can price without resolving.
type Propagator struct {
	resolver    *Resolver
	offers      Repository
	products    catalog.ProductRepository
	categories  catalog.CategoryRepository
	concurrency int
	maxAttempts int
	now         func() time.Time
}

// NewPropagator creates a Propagator. Zero config values fall back to a
// concurrency of 8 and 3 write attempts.
func NewPropagator(
	cfg PropagatorConfig,
	resolver *Resolver,
	offers Repository,
	products catalog.ProductRepository,
	categories catalog.CategoryRepository,
) *Propagator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Propagator{
		resolver:    resolver,
		offers:      offers,
		products:    products,
		categories:  categories,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// UpdateProductOffer resolves the best offer for the product at its base
// price and stores the outcome. It reports whether an offer is applied
// after the call.
func (p *Propagator) UpdateProductOffer(ctx context.Context, productID string) (bool, error) {
	applied, _, err := p.updateProduct(ctx, productID)
	return applied, err
}

// UpdateCategoryOffer stores the best category-scoped offer on the category
// and then re-propagates every product in it. It reports whether the
// category carries an offer after the call.
func (p *Propagator) UpdateCategoryOffer(ctx context.Context, categoryID string) (bool, error) {
	applied, _, err := p.updateCategory(ctx, categoryID)
	return applied, err
}

// RefreshAll re-propagates every record that carries an offer or is named
// by a currently valid offer. It returns the number of rows that changed.
func (p *Propagator) RefreshAll(ctx context.Context) (int, error) {
	now := p.now()

	offers, err := p.offers.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list offers")
	}
	categories, err := p.categories.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list categories")
	}
	withOffer, err := p.products.ListWithOffer(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list products with offer")
	}

	var (
		categoryIDs = newIDSet()
		productIDs  = newIDSet()
	)
	for i := range offers {
		if !offers[i].ValidAt(now) {
			continue
		}
		categoryIDs.add(offers[i].ApplicableCategories...)
		productIDs.add(offers[i].ApplicableProducts...)
	}
	for _, c := range categories {
		if !c.Offer.IsZero() {
			categoryIDs.add(c.ID)
		}
	}
	for _, pr := range withOffer {
		productIDs.add(pr.ID)
	}

	changed := 0
	for _, id := range categoryIDs.list() {
		_, n, err := p.updateCategory(ctx, id)
		if err != nil {
			if errors.Is(err, catalog.ErrCategoryNotFound) {
				continue
			}
			return changed, err
		}
		changed += n
	}

	n, err := p.updateProducts(ctx, productIDs.list())
	changed += n
	return changed, err
}

func (p *Propagator) updateProduct(ctx context.Context, productID string) (applied, changed bool, _ error) {
	for attempt := 1; ; attempt++ {
		prod, err := p.products.GetByID(ctx, productID)
		if err != nil {
			return false, false, errors.Wrapf(err, "load product %s", productID)
		}

		res, err := p.resolver.resolveProduct(ctx, prod, prod.Price)
		if err != nil {
			return false, false, errors.Wrapf(err, "resolve product %s", productID)
		}
		state := productState(res, prod.Price)
		if state.Equal(prod.Offer) {
			return state.Applied, false, nil
		}

		err = p.products.SetOffer(ctx, prod.ID, state, prod.Version)
		if err == nil {
			return state.Applied, true, nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) || attempt >= p.maxAttempts {
			return false, false, errors.Wrapf(err, "store offer state for product %s", productID)
		}
		zctx.From(ctx).Debug("Product offer state changed concurrently, retrying",
			zap.String("product_id", productID),
			zap.Int("attempt", attempt),
		)
	}
}

func (p *Propagator) updateCategory(ctx context.Context, categoryID string) (bool, int, error) {
	applied, changed, err := p.storeCategory(ctx, categoryID)
	if err != nil {
		return false, 0, err
	}

	members, err := p.products.ListByCategory(ctx, categoryID)
	if err != nil {
		return applied, changed, errors.Wrapf(err, "list products of category %s", categoryID)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}

	n, err := p.updateProducts(ctx, ids)
	zctx.From(ctx).Debug("Category offer cascaded",
		zap.String("category_id", categoryID),
		zap.Bool("applied", applied),
		zap.Int("products", len(ids)),
		zap.Int("products_changed", n),
	)
	return applied, changed + n, err
}

func (p *Propagator) storeCategory(ctx context.Context, categoryID string) (bool, int, error) {
	for attempt := 1; ; attempt++ {
		cat, err := p.categories.GetByID(ctx, categoryID)
		if err != nil {
			return false, 0, errors.Wrapf(err, "load category %s", categoryID)
		}

		res, err := p.resolver.ResolveCategory(ctx, categoryID)
		if err != nil {
			return false, 0, errors.Wrapf(err, "resolve category %s", categoryID)
		}
		state, offerType := categoryState(res)
		if state.Equal(cat.Offer) && offerType == cat.OfferType {
			return state.Applied, 0, nil
		}

		err = p.categories.SetOffer(ctx, cat.ID, state, offerType, cat.Version)
		if err == nil {
			return state.Applied, 1, nil
		}
		if !errors.Is(err, catalog.ErrVersionConflict) || attempt >= p.maxAttempts {
			return false, 0, errors.Wrapf(err, "store offer state for category %s", categoryID)
		}
	}
}

// updateProducts propagates ids with bounded concurrency. Products deleted
// in the meantime are skipped.
func (p *Propagator) updateProducts(ctx context.Context, ids []string) (int, error) {
	var (
		changed atomic.Int64
		g       errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, ok, err := p.updateProduct(ctx, id)
			if err != nil {
				if errors.Is(err, catalog.ErrProductNotFound) {
					return nil
				}
				return err
			}
			if ok {
				changed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(changed.Load()), err
}

func productState(res Resolution, price decimal.Decimal) catalog.OfferState {
	if !res.HasOffer || res.Offer == nil {
		return catalog.OfferState{}
	}
	end := res.Offer.EndDate
	return catalog.OfferState{
		OfferID:        res.Offer.ID,
		Applied:        true,
		Percentage:     PercentageOf(res.DiscountAmount, price),
		DiscountAmount: res.DiscountAmount,
		EndDate:        &end,
	}
}

func categoryState(res CategoryResolution) (catalog.OfferState, string) {
	if !res.HasOffer || res.Offer == nil {
		return catalog.OfferState{}, ""
	}
	end := res.Offer.EndDate
	return catalog.OfferState{
		OfferID:    res.Offer.ID,
		Applied:    true,
		Percentage: res.Percentage,
		EndDate:    &end,
	}, string(TypeCategory)
}

// idSet keeps insertion order so refresh runs are deterministic.
type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{})}
}

func (s *idSet) add(ids ...string) {
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *idSet) list() []string {
	return s.order
}
