package offer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// Resolution is the outcome of pricing one product against current offers.
// It is always derivable from offer and catalog state and is never stored.
type Resolution struct {
	HasOffer       bool
	DiscountAmount decimal.Decimal
	FinalPrice     decimal.Decimal
	Offer          *Offer
}

// CategoryResolution is the best category-scoped offer for a category,
// ranked by its percentage-equivalent at a notional base price.
type CategoryResolution struct {
	HasOffer   bool
	Percentage decimal.Decimal
	Offer      *Offer
}

// PriceResolver resolves the best offer for a product. Read paths depend on
// this interface; it never returns an error.
type PriceResolver interface {
	ResolveBestOffer(ctx context.Context, productID string, basePrice decimal.Decimal) Resolution
	// ResolveProduct skips the product lookup for callers that already
	// loaded it.
	ResolveProduct(ctx context.Context, p *catalog.Product, basePrice decimal.Decimal) Resolution
}

var _ PriceResolver = (*Resolver)(nil)

// Resolver picks the single best valid offer for a product out of its
// product-scoped and category-scoped candidates. It holds no mutable state
// and is safe for concurrent use.
type Resolver struct {
	offers     Repository
	products   catalog.ProductRepository
	categories catalog.CategoryRepository
	now        func() time.Time
}

// NewResolver creates a Resolver backed by the given repositories.
func NewResolver(
	offers Repository,
	products catalog.ProductRepository,
	categories catalog.CategoryRepository,
) *Resolver {
	return &Resolver{
		offers:     offers,
		products:   products,
		categories: categories,
		now:        time.Now,
	}
}

// ResolveBestOffer loads the product and prices it at basePrice. Any lookup
// failure resolves to "no offer" so callers always receive a price.
func (r *Resolver) ResolveBestOffer(ctx context.Context, productID string, basePrice decimal.Decimal) Resolution {
	p, err := r.products.GetByID(ctx, productID)
	if err != nil {
		zctx.From(ctx).Warn("Resolve offer: product lookup failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)
		return noOffer(basePrice)
	}
	return r.ResolveProduct(ctx, p, basePrice)
}

// ResolveProduct prices an already loaded product at basePrice. Lookup
// failures resolve to "no offer".
func (r *Resolver) ResolveProduct(ctx context.Context, p *catalog.Product, basePrice decimal.Decimal) Resolution {
	res, err := r.resolveProduct(ctx, p, basePrice)
	if err != nil {
		zctx.From(ctx).Warn("Resolve offer failed, charging full price",
			zap.String("product_id", p.ID),
			zap.Error(err),
		)
		return noOffer(basePrice)
	}
	return res
}

// resolveProduct is ResolveProduct for writers: a failed lookup is returned
// instead of being priced as "no offer".
func (r *Resolver) resolveProduct(ctx context.Context, p *catalog.Product, basePrice decimal.Decimal) (Resolution, error) {
	now := r.now()

	productOffers, err := r.offers.ListValidForProduct(ctx, p.ID, now)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "list product offers")
	}

	// A product pointing at a missing category gets no offer at all.
	var categoryOffers []Offer
	if p.CategoryID != "" {
		_, err := r.categories.GetByID(ctx, p.CategoryID)
		switch {
		case errors.Is(err, catalog.ErrCategoryNotFound):
			return noOffer(basePrice), nil
		case err != nil:
			return Resolution{}, errors.Wrapf(err, "load category %s", p.CategoryID)
		}
		categoryOffers, err = r.offers.ListValidForCategory(ctx, p.CategoryID, now)
		if err != nil {
			return Resolution{}, errors.Wrap(err, "list category offers")
		}
	}

	bestProduct, productAmount := pickBest(productOffers, now, func(o *Offer) (decimal.Decimal, bool) {
		return CalculateDiscount(o, basePrice, now), o.AppliesToProduct(p.ID)
	})
	bestCategory, categoryAmount := pickBest(categoryOffers, now, func(o *Offer) (decimal.Decimal, bool) {
		return CalculateDiscount(o, basePrice, now), o.AppliesToCategory(p.CategoryID)
	})

	// The category offer must be strictly better; product scope wins ties.
	winner, amount := bestProduct, productAmount
	if bestCategory != nil && (winner == nil || categoryAmount.GreaterThan(productAmount)) {
		winner, amount = bestCategory, categoryAmount
	}
	if winner == nil {
		return noOffer(basePrice), nil
	}

	return Resolution{
		HasOffer:       true,
		DiscountAmount: amount,
		FinalPrice:     floorAtZero(basePrice.Sub(amount)).Round(2),
		Offer:          winner,
	}, nil
}

// ResolveCategory finds the best category-scoped offer for categoryID.
func (r *Resolver) ResolveCategory(ctx context.Context, categoryID string) (CategoryResolution, error) {
	if _, err := r.categories.GetByID(ctx, categoryID); err != nil {
		return CategoryResolution{}, err
	}

	now := r.now()
	candidates, err := r.offers.ListValidForCategory(ctx, categoryID, now)
	if err != nil {
		return CategoryResolution{}, err
	}

	best, pct := pickBest(candidates, now, func(o *Offer) (decimal.Decimal, bool) {
		return notionalPercentage(o, now), o.AppliesToCategory(categoryID)
	})
	if best == nil {
		return CategoryResolution{}, nil
	}
	return CategoryResolution{HasOffer: true, Percentage: pct, Offer: best}, nil
}

// notionalPercentage is the percentage-equivalent of o at a base price of
// max(100, MinPurchaseAmount), so fixed offers can be ranked against
// percentage offers without a concrete product price.
func notionalPercentage(o *Offer, now time.Time) decimal.Decimal {
	base := decimal.Max(hundred, o.MinPurchaseAmount)
	return PercentageOf(CalculateDiscount(o, base, now), base)
}

// pickBest returns the candidate with the greatest positive score. Equal
// scores prefer the most recently created offer, then the lowest id.
func pickBest(
	candidates []Offer,
	now time.Time,
	score func(o *Offer) (decimal.Decimal, bool),
) (*Offer, decimal.Decimal) {
	var (
		best      *Offer
		bestScore = zero
	)
	for i := range candidates {
		o := &candidates[i]
		if !o.ValidAt(now) {
			continue
		}
		s, ok := score(o)
		if !ok || s.Sign() <= 0 {
			continue
		}
		if best == nil || s.GreaterThan(bestScore) || (s.Equal(bestScore) && newer(o, best)) {
			best, bestScore = o, s
		}
	}
	return best, bestScore
}

func newer(a, b *Offer) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func noOffer(basePrice decimal.Decimal) Resolution {
	return Resolution{
		DiscountAmount: zero,
		FinalPrice:     basePrice,
	}
}
