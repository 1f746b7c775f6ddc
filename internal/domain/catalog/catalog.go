// Package catalog holds the product and category records that carry a
// denormalized copy of their currently winning offer.
package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrProductNotFound is returned when a requested product does not exist.
	ErrProductNotFound = errors.New("product not found")
	// ErrCategoryNotFound is returned when a requested category does not exist.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrVersionConflict is returned by compare-and-swap offer writes when the
	// row was modified after it was read.
	ErrVersionConflict = errors.New("offer state version conflict")
)

// OfferState is the denormalized copy of the winning offer stored on a
// product or category row. The zero value means "no offer".
type OfferState struct {
	OfferID    string
	Applied    bool
	Percentage decimal.Decimal
	// DiscountAmount is the exact amount taken off the product price when
	// the state was resolved. Categories leave it zero.
	DiscountAmount decimal.Decimal
	EndDate        *time.Time
}

// IsZero reports whether no offer is attached.
func (s OfferState) IsZero() bool {
	return s.OfferID == "" && !s.Applied && s.Percentage.IsZero() && s.DiscountAmount.IsZero() && s.EndDate == nil
}

// Equal reports whether two states would persist identically.
func (s OfferState) Equal(o OfferState) bool {
	if s.OfferID != o.OfferID || s.Applied != o.Applied {
		return false
	}
	if !s.Percentage.Equal(o.Percentage) || !s.DiscountAmount.Equal(o.DiscountAmount) {
		return false
	}
	switch {
	case s.EndDate == nil && o.EndDate == nil:
		return true
	case s.EndDate == nil || o.EndDate == nil:
		return false
	default:
		return s.EndDate.Equal(*o.EndDate)
	}
}

// LiveAt reports whether the denormalized offer should still be shown at t.
// It trusts the stored end date so readers avoid loading the offer itself.
func (s OfferState) LiveAt(t time.Time) bool {
	if !s.Applied || s.OfferID == "" {
		return false
	}
	return s.EndDate == nil || !t.After(*s.EndDate)
}

// Product represents a catalog item available for purchase.
type Product struct {
	ID         string
	Name       string
	Price      decimal.Decimal
	CategoryID string
	Image      Image
	Offer      OfferState
	// Version is bumped on every offer state write.
	Version   int64
	CreatedAt time.Time
}

// Image holds responsive image URLs for a product.
type Image struct {
	Thumbnail string
	Mobile    string
	Tablet    string
	Desktop   string
}

// DisplayPrice returns the price shown in listings using only the
// denormalized offer fields. It never touches the offers table. It
// subtracts the stored discount amount; the rounded percentage is for
// display only.
func (p Product) DisplayPrice(now time.Time) decimal.Decimal {
	if !p.Offer.LiveAt(now) || p.Offer.DiscountAmount.Sign() <= 0 {
		return p.Price
	}
	final := p.Price.Sub(p.Offer.DiscountAmount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final.Round(2)
}

// Category groups products and may carry its own best category-scoped offer.
type Category struct {
	ID        string
	Name      string
	Offer     OfferState
	OfferType string
	Version   int64
}

// ProductRepository defines persistence operations for products.
type ProductRepository interface {
	List(ctx context.Context) ([]Product, error)
	ListByCategory(ctx context.Context, categoryID string) ([]Product, error)
	ListWithOffer(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	Upsert(ctx context.Context, p *Product) error
	// SetOffer writes the offer state only if the stored version still
	// equals version, returning ErrVersionConflict otherwise.
	SetOffer(ctx context.Context, id string, state OfferState, version int64) error
	// ClearOffer unconditionally clears the state of every product whose
	// offer reference equals offerID.
	ClearOffer(ctx context.Context, offerID string) (int64, error)
	// ClearStaleOffers clears every product whose referenced offer is no
	// longer valid at now.
	ClearStaleOffers(ctx context.Context, now time.Time) (int64, error)
}

// CategoryRepository defines persistence operations for categories.
type CategoryRepository interface {
	List(ctx context.Context) ([]Category, error)
	GetByID(ctx context.Context, id string) (*Category, error)
	Upsert(ctx context.Context, c *Category) error
	SetOffer(ctx context.Context, id string, state OfferState, offerType string, version int64) error
	ClearOffer(ctx context.Context, offerID string) (int64, error)
	ClearStaleOffers(ctx context.Context, now time.Time) (int64, error)
}
