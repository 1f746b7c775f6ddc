package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
)

// ErrEmptyItems is returned when a cart or order has no lines.
var ErrEmptyItems = errors.New("items required")

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// Service prices carts and places orders using the offer resolver so that
// checkout always charges the currently valid best offer.
type Service struct {
	products catalog.ProductRepository
	pricer   offer.PriceResolver
	orders   Repository
	now      func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products catalog.ProductRepository,
	pricer offer.PriceResolver,
	orders Repository,
) *Service {
	return &Service{
		products: products,
		pricer:   pricer,
		orders:   orders,
		now:      time.Now,
	}
}

// QuoteCart prices items without persisting anything.
func (s *Service) QuoteCart(ctx context.Context, items []Item) (*Quote, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]catalog.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	q := &Quote{
		Lines:     make([]Line, 0, len(items)),
		Subtotal:  decimal.Zero,
		Discounts: decimal.Zero,
	}
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}

		res := s.pricer.ResolveProduct(ctx, &p, p.Price)
		qty := decimal.NewFromInt(int64(item.Quantity))
		line := Line{
			ProductID:    p.ID,
			Name:         p.Name,
			Quantity:     item.Quantity,
			UnitPrice:    p.Price,
			UnitDiscount: res.DiscountAmount,
			UnitFinal:    res.FinalPrice,
			LineTotal:    res.FinalPrice.Mul(qty).Round(2),
		}
		if res.HasOffer && res.Offer != nil {
			line.OfferID = res.Offer.ID
		}

		q.Lines = append(q.Lines, line)
		q.Subtotal = q.Subtotal.Add(p.Price.Mul(qty))
		q.Discounts = q.Discounts.Add(res.DiscountAmount.Mul(qty))
	}

	q.Subtotal = q.Subtotal.Round(2)
	q.Discounts = q.Discounts.Round(2)
	q.Total = q.Subtotal.Sub(q.Discounts)
	if q.Total.IsNegative() {
		q.Total = decimal.Zero
	}
	return q, nil
}

// PlaceOrder prices items like QuoteCart and persists the result.
func (s *Service) PlaceOrder(ctx context.Context, items []Item) (*Order, error) {
	q, err := s.QuoteCart(ctx, items)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:        uuid.New().String(),
		Lines:     q.Lines,
		Subtotal:  q.Subtotal,
		Discounts: q.Discounts,
		Total:     q.Total,
		CreatedAt: s.now(),
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	return o, nil
}

// Get returns a previously placed order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}
