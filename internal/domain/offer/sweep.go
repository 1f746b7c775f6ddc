package offer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// SweepJob is the scheduler name of the expiration sweep.
const SweepJob = "offer-sweep"

// SweepResult reports what one expiration sweep changed.
type SweepResult struct {
	Deactivated       []string
	ProductsCleared   int64
	CategoriesCleared int64
}

// Sweeper deactivates lapsed offers and strips references to invalid
// offers from products and categories. Every step is idempotent, so a run
// that fails halfway is completed by the next one.
type Sweeper struct {
	offers     Repository
	products   catalog.ProductRepository
	categories catalog.CategoryRepository
	now        func() time.Time
}

// NewSweeper creates a Sweeper backed by the given repositories.
func NewSweeper(
	offers Repository,
	products catalog.ProductRepository,
	categories catalog.CategoryRepository,
) *Sweeper {
	return &Sweeper{
		offers:     offers,
		products:   products,
		categories: categories,
		now:        time.Now,
	}
}

// Sweep runs one reconciliation pass and stops at the first failing step.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		now = s.now()
		res SweepResult
		err error
	)

	res.Deactivated, err = s.offers.DeactivateExpired(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "deactivate expired offers")
	}

	res.ProductsCleared, err = s.products.ClearStaleOffers(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "clear stale product offers")
	}

	res.CategoriesCleared, err = s.categories.ClearStaleOffers(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "clear stale category offers")
	}

	return res, nil
}

// Run is the scheduler entry point for the sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	res, err := s.Sweep(ctx)
	if err != nil {
		return err
	}

	lg := zctx.From(ctx)
	if len(res.Deactivated) == 0 && res.ProductsCleared == 0 && res.CategoriesCleared == 0 {
		lg.Debug("Offer sweep found nothing to reconcile")
		return nil
	}
	lg.Info("Offer sweep reconciled",
		zap.Strings("deactivated", res.Deactivated),
		zap.Int64("products_cleared", res.ProductsCleared),
		zap.Int64("categories_cleared", res.CategoriesCleared),
	)
	return nil
}
