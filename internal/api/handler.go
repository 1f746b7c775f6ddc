// Package api serves the storefront and offer administration HTTP API.
package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-offers/internal/domain/auth"
	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/domain/order"
)

// ProductPricer prices a loaded product against current offers.
type ProductPricer interface {
	ResolveProduct(ctx context.Context, p *catalog.Product, basePrice decimal.Decimal) offer.Resolution
}

// OfferAdmin mutates offers and their scopes.
type OfferAdmin interface {
	List(ctx context.Context) ([]offer.Offer, error)
	Get(ctx context.Context, id string) (*offer.Offer, error)
	Create(ctx context.Context, in offer.Input) (*offer.Offer, error)
	Update(ctx context.Context, id string, in offer.Input) (*offer.Offer, error)
	Delete(ctx context.Context, id string) error
	ApplyProductOffer(ctx context.Context, productID, offerID string) (bool, error)
	RemoveProductOffer(ctx context.Context, productID, offerID string) (bool, error)
	ApplyCategoryOffer(ctx context.Context, categoryID, offerID string) (bool, error)
	RemoveCategoryOffer(ctx context.Context, categoryID, offerID string) (bool, error)
}

// Orders prices carts and places orders.
type Orders interface {
	QuoteCart(ctx context.Context, items []order.Item) (*order.Quote, error)
	PlaceOrder(ctx context.Context, items []order.Item) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Jobs runs a registered background job on demand.
type Jobs interface {
	RunNow(ctx context.Context, name string) error
}

// FullRefresher re-propagates every offer-bearing record immediately.
type FullRefresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// RefreshTrigger starts a throttled background re-propagation.
type RefreshTrigger interface {
	Trigger(ctx context.Context)
}

// Authenticator validates admin API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey, scope string) (*auth.APIKeyInfo, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	ImageBaseURL string
	// SweepJob names the scheduler job run by the admin sweep endpoint.
	SweepJob string
}

// Deps groups the collaborators of a Handler.
type Deps struct {
	Products   catalog.ProductRepository
	Categories catalog.CategoryRepository
	Pricer     ProductPricer
	Offers     OfferAdmin
	Orders     Orders
	Jobs       Jobs
	Propagator FullRefresher
	Refresher  RefreshTrigger
	Auth       Authenticator
}

// Handler implements the HTTP endpoints on top of the domain services.
type Handler struct {
	Deps
	imageBaseURL string
	sweepJob     string
	now          func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	return &Handler{
		Deps:         deps,
		imageBaseURL: cfg.ImageBaseURL,
		sweepJob:     cfg.SweepJob,
		now:          time.Now,
	}
}
