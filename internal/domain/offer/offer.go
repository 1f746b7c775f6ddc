// Package offer implements promotional offer pricing: discount math, best
// offer resolution, denormalized price propagation onto catalog records,
// and the recurring expiration sweep.
package offer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type discriminates the scope an offer applies to.
type Type string

const (
	TypeProduct  Type = "product"
	TypeCategory Type = "category"
	// TypeReferral offers are stored but never match catalog records.
	TypeReferral Type = "referral"
)

// DiscountType enumerates the supported discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the price, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the price.
	DiscountFixed DiscountType = "fixed"
)

// ErrNotFound is returned when a requested offer does not exist.
var ErrNotFound = errors.New("offer not found")

// ValidationError describes administrator input that cannot be saved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid offer %s: %s", e.Field, e.Reason)
}

// Offer is a discount rule scoped to products or whole categories.
type Offer struct {
	ID                   string
	Name                 string
	Type                 Type
	DiscountType         DiscountType
	DiscountValue        decimal.Decimal
	MaxDiscountAmount    *decimal.Decimal
	MinPurchaseAmount    decimal.Decimal
	StartDate            time.Time
	EndDate              time.Time
	IsActive             bool
	ApplicableProducts   []string
	ApplicableCategories []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ValidAt reports whether the offer may apply at t: it must be switched on
// and t must fall inside the inclusive [StartDate, EndDate] window.
func (o *Offer) ValidAt(t time.Time) bool {
	return o.IsActive && !t.Before(o.StartDate) && !t.After(o.EndDate)
}

// ExpiredAt reports whether the validity window has lapsed at t,
// regardless of IsActive.
func (o *Offer) ExpiredAt(t time.Time) bool {
	return t.After(o.EndDate)
}

// AppliesToProduct reports whether productID is in the product scope.
func (o *Offer) AppliesToProduct(productID string) bool {
	return o.Type == TypeProduct && slices.Contains(o.ApplicableProducts, productID)
}

// AppliesToCategory reports whether categoryID is in the category scope.
func (o *Offer) AppliesToCategory(categoryID string) bool {
	return o.Type == TypeCategory && slices.Contains(o.ApplicableCategories, categoryID)
}

// Normalize clamps and corrects administrator input in place. A fixed
// discount whose minimum purchase does not exceed its value gets the
// minimum raised to value + 1 when autoCorrect is set.
func (o *Offer) Normalize(autoCorrect bool) error {
	o.Name = strings.TrimSpace(o.Name)
	o.ApplicableProducts = dedupe(o.ApplicableProducts)
	o.ApplicableCategories = dedupe(o.ApplicableCategories)

	switch o.Type {
	case TypeProduct:
		o.ApplicableCategories = nil
	case TypeCategory:
		o.ApplicableProducts = nil
	case TypeReferral:
		o.ApplicableProducts = nil
		o.ApplicableCategories = nil
	}

	if o.DiscountType == DiscountPercentage && o.DiscountValue.GreaterThan(hundred) {
		o.DiscountValue = hundred
	}
	if o.MaxDiscountAmount != nil && o.MaxDiscountAmount.IsZero() {
		o.MaxDiscountAmount = nil
	}

	if o.DiscountType == DiscountFixed && o.MinPurchaseAmount.LessThanOrEqual(o.DiscountValue) {
		if !autoCorrect {
			return &ValidationError{
				Field:  "minPurchaseAmount",
				Reason: "must exceed discountValue for fixed discounts",
			}
		}
		o.MinPurchaseAmount = o.DiscountValue.Add(decimal.NewFromInt(1))
	}
	return nil
}

// Validate checks the offer after normalization.
func (o *Offer) Validate() error {
	if o.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	switch o.Type {
	case TypeProduct, TypeCategory, TypeReferral:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported value %q", o.Type)}
	}
	switch o.DiscountType {
	case DiscountPercentage, DiscountFixed:
	default:
		return &ValidationError{Field: "discountType", Reason: fmt.Sprintf("unsupported value %q", o.DiscountType)}
	}
	if o.DiscountValue.IsNegative() {
		return &ValidationError{Field: "discountValue", Reason: "must not be negative"}
	}
	if o.MaxDiscountAmount != nil && o.MaxDiscountAmount.IsNegative() {
		return &ValidationError{Field: "maxDiscountAmount", Reason: "must not be negative"}
	}
	if o.MinPurchaseAmount.IsNegative() {
		return &ValidationError{Field: "minPurchaseAmount", Reason: "must not be negative"}
	}
	if o.StartDate.IsZero() || o.EndDate.IsZero() {
		return &ValidationError{Field: "startDate", Reason: "validity window required"}
	}
	if o.EndDate.Before(o.StartDate) {
		return &ValidationError{Field: "endDate", Reason: "must not be before startDate"}
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Repository defines persistence operations for offers.
type Repository interface {
	Create(ctx context.Context, o *Offer) error
	Update(ctx context.Context, o *Offer) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*Offer, error)
	List(ctx context.Context) ([]Offer, error)
	// ListValidForProduct returns product-scoped offers naming productID
	// that are valid at now.
	ListValidForProduct(ctx context.Context, productID string, now time.Time) ([]Offer, error)
	// ListValidForCategory returns category-scoped offers naming
	// categoryID that are valid at now.
	ListValidForCategory(ctx context.Context, categoryID string, now time.Time) ([]Offer, error)
	// AddToScope atomically adds refID to the product or category scope.
	AddToScope(ctx context.Context, offerID string, scope Type, refID string) error
	// RemoveFromScope atomically removes refID from the scope.
	RemoveFromScope(ctx context.Context, offerID string, scope Type, refID string) error
	// DeactivateExpired switches off every active offer whose end date is
	// before now and returns their ids.
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)
}
