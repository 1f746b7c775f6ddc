package offer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

// Input is the administrator-editable part of an offer.
type Input struct {
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
}

// ServiceConfig holds admin policy switches.
type ServiceConfig struct {
	// AutoCorrectMinPurchase raises a fixed offer's minimum purchase to
	// value + 1 instead of rejecting it.
	AutoCorrectMinPurchase bool
}

// Service is the only mutator of offers. Every mutation is followed by
// propagation onto the affected products and categories.
type Service struct {
	offers      Repository
	products    catalog.ProductRepository
	categories  catalog.CategoryRepository
	propagator  *Propagator
	autoCorrect bool
	now         func() time.Time
}

// NewService creates an offer admin Service.
func NewService(
	cfg ServiceConfig,
	offers Repository,
	products catalog.ProductRepository,
	categories catalog.CategoryRepository,
	propagator *Propagator,
) *Service {
	return &Service{
		offers:      offers,
		products:    products,
		categories:  categories,
		propagator:  propagator,
		autoCorrect: cfg.AutoCorrectMinPurchase,
		now:         time.Now,
	}
}

// List returns every offer.
func (s *Service) List(ctx context.Context) ([]Offer, error) {
	return s.offers.List(ctx)
}

// Get returns a single offer by id.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.offers.GetByID(ctx, id)
}

// Create validates and stores a new offer, then propagates it.
func (s *Service) Create(ctx context.Context, in Input) (*Offer, error) {
	now := s.now()
	o := in.offer()
	o.ID = uuid.New().String()
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := s.prepare(ctx, o); err != nil {
		return nil, err
	}
	if err := s.offers.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create offer")
	}
	if err := s.propagate(ctx, o.ApplicableProducts, o.ApplicableCategories); err != nil {
		return o, err
	}
	return o, nil
}

// Update replaces the editable fields of an offer and propagates to both
// the previous and the new scope.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Offer, error) {
	prev, err := s.offers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	o := in.offer()
	o.ID = prev.ID
	o.CreatedAt = prev.CreatedAt
	o.UpdatedAt = s.now()

	if err := s.prepare(ctx, o); err != nil {
		return nil, err
	}
	if err := s.offers.Update(ctx, o); err != nil {
		return nil, errors.Wrapf(err, "update offer %s", id)
	}

	products := newIDSet()
	products.add(prev.ApplicableProducts...)
	products.add(o.ApplicableProducts...)
	categories := newIDSet()
	categories.add(prev.ApplicableCategories...)
	categories.add(o.ApplicableCategories...)

	if err := s.propagate(ctx, products.list(), categories.list()); err != nil {
		return o, err
	}
	return o, nil
}

// Delete detaches the offer from every product and category that references
// it, lets them fall back to their next best offer, and removes it.
func (s *Service) Delete(ctx context.Context, id string) error {
	o, err := s.offers.GetByID(ctx, id)
	if err != nil {
		return err
	}

	for _, pid := range o.ApplicableProducts {
		if err := s.offers.RemoveFromScope(ctx, id, TypeProduct, pid); err != nil {
			return errors.Wrapf(err, "detach product %s", pid)
		}
	}
	for _, cid := range o.ApplicableCategories {
		if err := s.offers.RemoveFromScope(ctx, id, TypeCategory, cid); err != nil {
			return errors.Wrapf(err, "detach category %s", cid)
		}
	}
	if _, err := s.products.ClearOffer(ctx, id); err != nil {
		return errors.Wrap(err, "clear product references")
	}
	if _, err := s.categories.ClearOffer(ctx, id); err != nil {
		return errors.Wrap(err, "clear category references")
	}
	if err := s.propagate(ctx, o.ApplicableProducts, o.ApplicableCategories); err != nil {
		return err
	}

	if err := s.offers.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "delete offer %s", id)
	}
	return nil
}

// ApplyProductOffer adds productID to a product-scoped offer and
// re-propagates the product. It reports whether the product carries an
// offer afterwards.
func (s *Service) ApplyProductOffer(ctx context.Context, productID, offerID string) (bool, error) {
	if err := s.checkScope(ctx, offerID, TypeProduct); err != nil {
		return false, err
	}
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		return false, err
	}
	if err := s.offers.AddToScope(ctx, offerID, TypeProduct, productID); err != nil {
		return false, errors.Wrap(err, "attach product")
	}
	return s.propagator.UpdateProductOffer(ctx, productID)
}

// RemoveProductOffer removes productID from a product-scoped offer and
// re-propagates the product.
func (s *Service) RemoveProductOffer(ctx context.Context, productID, offerID string) (bool, error) {
	if err := s.checkScope(ctx, offerID, TypeProduct); err != nil {
		return false, err
	}
	if err := s.offers.RemoveFromScope(ctx, offerID, TypeProduct, productID); err != nil {
		return false, errors.Wrap(err, "detach product")
	}
	return s.propagator.UpdateProductOffer(ctx, productID)
}

// ApplyCategoryOffer adds categoryID to a category-scoped offer and
// re-propagates the category and its products.
func (s *Service) ApplyCategoryOffer(ctx context.Context, categoryID, offerID string) (bool, error) {
	if err := s.checkScope(ctx, offerID, TypeCategory); err != nil {
		return false, err
	}
	if _, err := s.categories.GetByID(ctx, categoryID); err != nil {
		return false, err
	}
	if err := s.offers.AddToScope(ctx, offerID, TypeCategory, categoryID); err != nil {
		return false, errors.Wrap(err, "attach category")
	}
	return s.propagator.UpdateCategoryOffer(ctx, categoryID)
}

// RemoveCategoryOffer removes categoryID from a category-scoped offer and
// re-propagates the category and its products.
func (s *Service) RemoveCategoryOffer(ctx context.Context, categoryID, offerID string) (bool, error) {
	if err := s.checkScope(ctx, offerID, TypeCategory); err != nil {
		return false, err
	}
	if err := s.offers.RemoveFromScope(ctx, offerID, TypeCategory, categoryID); err != nil {
		return false, errors.Wrap(err, "detach category")
	}
	return s.propagator.UpdateCategoryOffer(ctx, categoryID)
}

func (s *Service) checkScope(ctx context.Context, offerID string, want Type) error {
	o, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if o.Type != want {
		return &ValidationError{Field: "type", Reason: "offer is " + string(o.Type) + "-scoped, not " + string(want)}
	}
	return nil
}

// prepare normalizes and validates o and checks that every referenced
// product and category exists.
func (s *Service) prepare(ctx context.Context, o *Offer) error {
	if err := o.Normalize(s.autoCorrect); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}

	if len(o.ApplicableProducts) > 0 {
		found, err := s.products.GetByIDs(ctx, o.ApplicableProducts)
		if err != nil {
			return errors.Wrap(err, "load applicable products")
		}
		known := newIDSet()
		for _, p := range found {
			known.add(p.ID)
		}
		for _, id := range o.ApplicableProducts {
			if _, ok := known.seen[id]; !ok {
				return &ValidationError{Field: "applicableProducts", Reason: "unknown product " + id}
			}
		}
	}
	for _, id := range o.ApplicableCategories {
		if _, err := s.categories.GetByID(ctx, id); err != nil {
			if errors.Is(err, catalog.ErrCategoryNotFound) {
				return &ValidationError{Field: "applicableCategories", Reason: "unknown category " + id}
			}
			return errors.Wrap(err, "load applicable categories")
		}
	}
	return nil
}

func (s *Service) propagate(ctx context.Context, productIDs, categoryIDs []string) error {
	for _, id := range categoryIDs {
		if _, err := s.propagator.UpdateCategoryOffer(ctx, id); err != nil && !errors.Is(err, catalog.ErrCategoryNotFound) {
			return errors.Wrap(err, "propagate category offer")
		}
	}
	if _, err := s.propagator.updateProducts(ctx, productIDs); err != nil {
		return errors.Wrap(err, "propagate product offer")
	}
	return nil
}

func (in Input) offer() *Offer {
	return &Offer{
		Name:                 in.Name,
		Type:                 in.Type,
		DiscountType:         in.DiscountType,
		DiscountValue:        in.DiscountValue,
		MaxDiscountAmount:    in.MaxDiscountAmount,
		MinPurchaseAmount:    in.MinPurchaseAmount,
		StartDate:            in.StartDate,
		EndDate:              in.EndDate,
		IsActive:             in.IsActive,
		ApplicableProducts:   in.ApplicableProducts,
		ApplicableCategories: in.ApplicableCategories,
	}
}
