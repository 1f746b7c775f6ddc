package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-offers/internal/domain/offer"
)

const offerColumns = `id, name, type, discount_type, discount_value, max_discount_amount,
	min_purchase_amount, start_date, end_date, is_active,
	applicable_products, applicable_categories, created_at, updated_at`

const (
	createOfferSQL = `INSERT INTO offers (` + offerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	updateOfferSQL = `UPDATE offers SET
		name = $2, type = $3, discount_type = $4, discount_value = $5,
		max_discount_amount = $6, min_purchase_amount = $7,
		start_date = $8, end_date = $9, is_active = $10,
		applicable_products = $11, applicable_categories = $12, updated_at = $13
		WHERE id = $1`

	deleteOfferSQL = `DELETE FROM offers WHERE id = $1`

	getOfferByIDSQL = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`

	listOffersSQL = `SELECT ` + offerColumns + ` FROM offers ORDER BY created_at, id`

	listValidForProductSQL = `SELECT ` + offerColumns + ` FROM offers
		WHERE type = 'product' AND $1 = ANY(applicable_products)
		AND is_active AND start_date <= $2 AND end_date >= $2`

	listValidForCategorySQL = `SELECT ` + offerColumns + ` FROM offers
		WHERE type = 'category' AND $1 = ANY(applicable_categories)
		AND is_active AND start_date <= $2 AND end_date >= $2`

	addProductScopeSQL = `UPDATE offers
		SET applicable_products = array_append(applicable_products, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(applicable_products))`

	addCategoryScopeSQL = `UPDATE offers
		SET applicable_categories = array_append(applicable_categories, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(applicable_categories))`

	removeProductScopeSQL = `UPDATE offers
		SET applicable_products = array_remove(applicable_products, $2), updated_at = now()
		WHERE id = $1`

	removeCategoryScopeSQL = `UPDATE offers
		SET applicable_categories = array_remove(applicable_categories, $2), updated_at = now()
		WHERE id = $1`

	offerExistsSQL = `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`

	deactivateExpiredSQL = `UPDATE offers SET is_active = FALSE, updated_at = $1
		WHERE is_active AND end_date < $1
		RETURNING id`
)

var _ offer.Repository = (*OfferRepository)(nil)

// OfferRepository implements offer.Repository backed by PostgreSQL. Scope
// lists are TEXT[] columns updated with single-statement array operations.
type OfferRepository struct {
	pool *pgxpool.Pool
}

// NewOfferRepository returns an OfferRepository that uses the given pool.
func NewOfferRepository(pool *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{pool: pool}
}

// Create inserts a new offer.
func (r *OfferRepository) Create(ctx context.Context, o *offer.Offer) error {
	_, err := r.pool.Exec(ctx, createOfferSQL,
		o.ID, o.Name, string(o.Type), string(o.DiscountType), o.DiscountValue, o.MaxDiscountAmount,
		o.MinPurchaseAmount, o.StartDate, o.EndDate, o.IsActive,
		nonNil(o.ApplicableProducts), nonNil(o.ApplicableCategories), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating offer %q: %w", o.ID, err)
	}
	return nil
}

// Update replaces every mutable column of an offer.
func (r *OfferRepository) Update(ctx context.Context, o *offer.Offer) error {
	tag, err := r.pool.Exec(ctx, updateOfferSQL,
		o.ID, o.Name, string(o.Type), string(o.DiscountType), o.DiscountValue,
		o.MaxDiscountAmount, o.MinPurchaseAmount,
		o.StartDate, o.EndDate, o.IsActive,
		nonNil(o.ApplicableProducts), nonNil(o.ApplicableCategories), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating offer %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return offer.ErrNotFound
	}
	return nil
}

// Delete removes an offer.
func (r *OfferRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteOfferSQL, id)
	if err != nil {
		return fmt.Errorf("deleting offer %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return offer.ErrNotFound
	}
	return nil
}

// GetByID returns a single offer.
func (r *OfferRepository) GetByID(ctx context.Context, id string) (*offer.Offer, error) {
	rows, err := r.pool.Query(ctx, getOfferByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting offer %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOffer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, offer.ErrNotFound
		}
		return nil, fmt.Errorf("getting offer %q: %w", id, err)
	}
	return &o, nil
}

// List returns every offer, oldest first.
func (r *OfferRepository) List(ctx context.Context) ([]offer.Offer, error) {
	return r.collect(ctx, "listing offers", listOffersSQL)
}

// ListValidForProduct returns product-scoped offers naming productID that
// are valid at now.
func (r *OfferRepository) ListValidForProduct(ctx context.Context, productID string, now time.Time) ([]offer.Offer, error) {
	return r.collect(ctx, "listing offers for product "+productID, listValidForProductSQL, productID, now)
}

// ListValidForCategory returns category-scoped offers naming categoryID
// that are valid at now.
func (r *OfferRepository) ListValidForCategory(ctx context.Context, categoryID string, now time.Time) ([]offer.Offer, error) {
	return r.collect(ctx, "listing offers for category "+categoryID, listValidForCategorySQL, categoryID, now)
}

// AddToScope appends refID to the scope list unless already present.
func (r *OfferRepository) AddToScope(ctx context.Context, offerID string, scope offer.Type, refID string) error {
	sql := addProductScopeSQL
	if scope == offer.TypeCategory {
		sql = addCategoryScopeSQL
	}
	return r.updateScope(ctx, sql, offerID, refID)
}

// RemoveFromScope removes refID from the scope list.
func (r *OfferRepository) RemoveFromScope(ctx context.Context, offerID string, scope offer.Type, refID string) error {
	sql := removeProductScopeSQL
	if scope == offer.TypeCategory {
		sql = removeCategoryScopeSQL
	}
	return r.updateScope(ctx, sql, offerID, refID)
}

func (r *OfferRepository) updateScope(ctx context.Context, sql, offerID, refID string) error {
	tag, err := r.pool.Exec(ctx, sql, offerID, refID)
	if err != nil {
		return fmt.Errorf("updating scope of offer %q: %w", offerID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row changed: either the offer is gone or refID was already present.
	var exists bool
	if err := r.pool.QueryRow(ctx, offerExistsSQL, offerID).Scan(&exists); err != nil {
		return fmt.Errorf("checking offer %q: %w", offerID, err)
	}
	if !exists {
		return offer.ErrNotFound
	}
	return nil
}

// DeactivateExpired switches off active offers that ended before now.
func (r *OfferRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, deactivateExpiredSQL, now)
	if err != nil {
		return nil, fmt.Errorf("deactivating expired offers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("deactivating expired offers: %w", err)
	}
	return ids, nil
}

func (r *OfferRepository) collect(ctx context.Context, op, sql string, args ...any) ([]offer.Offer, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	offers, err := pgx.CollectRows(rows, scanOffer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return offers, nil
}

func scanOffer(row pgx.CollectableRow) (offer.Offer, error) {
	var (
		o            offer.Offer
		typ          string
		discountType string
	)
	err := row.Scan(
		&o.ID, &o.Name, &typ, &discountType, &o.DiscountValue, &o.MaxDiscountAmount,
		&o.MinPurchaseAmount, &o.StartDate, &o.EndDate, &o.IsActive,
		&o.ApplicableProducts, &o.ApplicableCategories, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Type = offer.Type(typ)
	o.DiscountType = offer.DiscountType(discountType)
	return o, err
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
