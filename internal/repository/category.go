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

const categoryColumns = `id, name, offer_id, offer_applied, offer_percentage,
	offer_end_date, offer_type, offer_version`

const (
	listCategoriesSQL = `SELECT ` + categoryColumns + ` FROM categories ORDER BY id`

	getCategoryByIDSQL = `SELECT ` + categoryColumns + ` FROM categories WHERE id = $1`

	upsertCategorySQL = `INSERT INTO categories (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	setCategoryOfferSQL = `UPDATE categories SET
		offer_id = $2, offer_applied = $3, offer_percentage = $4, offer_end_date = $5,
		offer_type = $6, offer_version = offer_version + 1
		WHERE id = $1 AND offer_version = $7`

	categoryExistsSQL = `SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`

	clearCategoryOfferSQL = `UPDATE categories SET ` + clearOfferColumns + `, offer_type = ''
		WHERE offer_id = $1`

	clearStaleCategoryOffersSQL = `UPDATE categories t SET ` + clearOfferColumns + `, offer_type = ''
		WHERE t.offer_id IS NOT NULL AND t.offer_type = 'category'
		AND NOT EXISTS (` + validOfferSubquery + `)`
)

var _ catalog.CategoryRepository = (*CategoryRepository)(nil)

// CategoryRepository implements catalog.CategoryRepository backed by
// PostgreSQL.
type CategoryRepository struct {
	pool *pgxpool.Pool
}

// NewCategoryRepository returns a CategoryRepository that uses the given pool.
func NewCategoryRepository(pool *pgxpool.Pool) *CategoryRepository {
	return &CategoryRepository{pool: pool}
}

// List returns all categories ordered by ID.
func (r *CategoryRepository) List(ctx context.Context) ([]catalog.Category, error) {
	rows, err := r.pool.Query(ctx, listCategoriesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	categories, err := pgx.CollectRows(rows, scanCategory)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return categories, nil
}

// GetByID returns a single category by its identifier.
func (r *CategoryRepository) GetByID(ctx context.Context, id string) (*catalog.Category, error) {
	rows, err := r.pool.Query(ctx, getCategoryByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting category %q: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCategory)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrCategoryNotFound
		}
		return nil, fmt.Errorf("getting category %q: %w", id, err)
	}
	return &c, nil
}

// Upsert inserts a category or renames an existing one.
func (r *CategoryRepository) Upsert(ctx context.Context, c *catalog.Category) error {
	if _, err := r.pool.Exec(ctx, upsertCategorySQL, c.ID, c.Name); err != nil {
		return fmt.Errorf("upserting category %q: %w", c.ID, err)
	}
	return nil
}

// SetOffer writes the offer state if the row is still at version.
func (r *CategoryRepository) SetOffer(
	ctx context.Context,
	id string,
	state catalog.OfferState,
	offerType string,
	version int64,
) error {
	tag, err := r.pool.Exec(ctx, setCategoryOfferSQL,
		id, nullableID(state.OfferID), state.Applied, state.Percentage, state.EndDate, offerType, version,
	)
	if err != nil {
		return fmt.Errorf("setting offer on category %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, categoryExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking category %q: %w", id, err)
	}
	if !exists {
		return catalog.ErrCategoryNotFound
	}
	return catalog.ErrVersionConflict
}

// ClearOffer clears every category referencing offerID.
func (r *CategoryRepository) ClearOffer(ctx context.Context, offerID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, clearCategoryOfferSQL, offerID)
	if err != nil {
		return 0, fmt.Errorf("clearing offer %q from categories: %w", offerID, err)
	}
	return tag.RowsAffected(), nil
}

// ClearStaleOffers clears category-scoped references to offers that are
// missing or invalid at now.
func (r *CategoryRepository) ClearStaleOffers(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, clearStaleCategoryOffersSQL, now)
	if err != nil {
		return 0, fmt.Errorf("clearing stale category offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCategory(row pgx.CollectableRow) (catalog.Category, error) {
	var (
		c       catalog.Category
		offerID *string
	)
	err := row.Scan(
		&c.ID, &c.Name, &offerID, &c.Offer.Applied, &c.Offer.Percentage,
		&c.Offer.EndDate, &c.OfferType, &c.Version,
	)
	c.Offer.OfferID = derefID(offerID)
	return c, err
}
