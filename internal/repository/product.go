package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-offers/internal/domain/catalog"
)

const productColumns = `id, name, price, category_id,
	image_thumbnail, image_mobile, image_tablet, image_desktop,
	offer_id, offer_applied, offer_percentage, offer_discount, offer_end_date, offer_version, created_at`

const (
	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY id`

	listProductsByCategorySQL = `SELECT ` + productColumns + `
		FROM products WHERE category_id = $1 ORDER BY id`

	listProductsWithOfferSQL = `SELECT ` + productColumns + `
		FROM products WHERE offer_id IS NOT NULL ORDER BY id`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, price, category_id,
		image_thumbnail, image_mobile, image_tablet, image_desktop)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			category_id = EXCLUDED.category_id,
			image_thumbnail = EXCLUDED.image_thumbnail,
			image_mobile = EXCLUDED.image_mobile,
			image_tablet = EXCLUDED.image_tablet,
			image_desktop = EXCLUDED.image_desktop`

	setProductOfferSQL = `UPDATE products SET
		offer_id = $2, offer_applied = $3, offer_percentage = $4, offer_discount = $5,
		offer_end_date = $6, offer_version = offer_version + 1
		WHERE id = $1 AND offer_version = $7`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`

	clearProductOfferSQL = `UPDATE products SET ` + clearOfferColumns + `
		WHERE offer_id = $1`

	clearStaleProductOffersSQL = `UPDATE products t SET ` + clearOfferColumns + `
		WHERE t.offer_id IS NOT NULL AND NOT EXISTS (` + validOfferSubquery + `)`
)

const (
	clearOfferColumns = `offer_id = NULL, offer_applied = FALSE, offer_percentage = 0,
		offer_discount = 0, offer_end_date = NULL, offer_version = offer_version + 1`

	// validOfferSubquery matches the offer referenced by row t when it is
	// valid at $1.
	validOfferSubquery = `SELECT 1 FROM offers o
		WHERE o.id = t.offer_id AND o.is_active AND o.start_date <= $1 AND o.end_date >= $1`
)

var _ catalog.ProductRepository = (*ProductRepository)(nil)

// ProductRepository implements catalog.ProductRepository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns all products from the catalog ordered by ID.
func (r *ProductRepository) List(ctx context.Context) ([]catalog.Product, error) {
	return r.collect(ctx, "listing products", listProductsSQL)
}

// ListByCategory returns the products in a category ordered by ID.
func (r *ProductRepository) ListByCategory(ctx context.Context, categoryID string) ([]catalog.Product, error) {
	return r.collect(ctx, "listing products of category "+categoryID, listProductsByCategorySQL, categoryID)
}

// ListWithOffer returns every product that carries an offer reference.
func (r *ProductRepository) ListWithOffer(ctx context.Context) ([]catalog.Product, error) {
	return r.collect(ctx, "listing products with offers", listProductsWithOfferSQL)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrProductNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]catalog.Product, error) {
	return r.collect(ctx, "getting products by ids", getProductsByIDsSQL, ids)
}

// Upsert inserts a product or updates its catalog fields. Offer state is
// left untouched on update.
func (r *ProductRepository) Upsert(ctx context.Context, p *catalog.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Price, p.CategoryID,
		p.Image.Thumbnail, p.Image.Mobile, p.Image.Tablet, p.Image.Desktop,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// SetOffer writes the offer state if the row is still at version.
func (r *ProductRepository) SetOffer(ctx context.Context, id string, state catalog.OfferState, version int64) error {
	tag, err := r.pool.Exec(ctx, setProductOfferSQL,
		id, nullableID(state.OfferID), state.Applied, state.Percentage, state.DiscountAmount, state.EndDate, version,
	)
	if err != nil {
		return fmt.Errorf("setting offer on product %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, productExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking product %q: %w", id, err)
	}
	if !exists {
		return catalog.ErrProductNotFound
	}
	return catalog.ErrVersionConflict
}

// ClearOffer clears every product referencing offerID.
func (r *ProductRepository) ClearOffer(ctx context.Context, offerID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, clearProductOfferSQL, offerID)
	if err != nil {
		return 0, fmt.Errorf("clearing offer %q from products: %w", offerID, err)
	}
	return tag.RowsAffected(), nil
}

// ClearStaleOffers clears products whose offer is missing or invalid at now.
func (r *ProductRepository) ClearStaleOffers(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, clearStaleProductOffersSQL, now)
	if err != nil {
		return 0, fmt.Errorf("clearing stale product offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ProductRepository) collect(ctx context.Context, op, sql string, args ...any) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return products, nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var (
		p       catalog.Product
		offerID *string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Price, &p.CategoryID,
		&p.Image.Thumbnail, &p.Image.Mobile, &p.Image.Tablet, &p.Image.Desktop,
		&offerID, &p.Offer.Applied, &p.Offer.Percentage, &p.Offer.DiscountAmount, &p.Offer.EndDate,
		&p.Version, &p.CreatedAt,
	)
	p.Offer.OfferID = derefID(offerID)
	return p, err
}
