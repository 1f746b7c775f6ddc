package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested order does not exist.
var ErrNotFound = errors.New("order not found")

// Item is a requested product and quantity.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Line is a priced cart or order line. Unit amounts come from the best
// offer resolved at pricing time.
type Line struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitDiscount decimal.Decimal `json:"unit_discount"`
	UnitFinal    decimal.Decimal `json:"unit_final"`
	LineTotal    decimal.Decimal `json:"line_total"`
	OfferID      string          `json:"offer_id,omitempty"`
}

// Quote is a priced cart that has not been persisted.
type Quote struct {
	Lines     []Line
	Subtotal  decimal.Decimal
	Discounts decimal.Decimal
	Total     decimal.Decimal
}

// Order represents a placed order with the prices it was charged at.
type Order struct {
	ID        string
	Lines     []Line
	Subtotal  decimal.Decimal
	Discounts decimal.Decimal
	Total     decimal.Decimal
	CreatedAt time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
}
