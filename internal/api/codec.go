package api

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/domain/order"
)

func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.String()))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func encodeStrings(e *jx.Encoder, ss []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, s := range ss {
			e.Str(s)
		}
	})
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (h *Handler) encodeImage(e *jx.Encoder, img catalog.Image) {
	base := h.imageBaseURL
	e.Obj(func(e *jx.Encoder) {
		e.Field("thumbnail", func(e *jx.Encoder) { e.Str(base + img.Thumbnail) })
		e.Field("mobile", func(e *jx.Encoder) { e.Str(base + img.Mobile) })
		e.Field("tablet", func(e *jx.Encoder) { e.Str(base + img.Tablet) })
		e.Field("desktop", func(e *jx.Encoder) { e.Str(base + img.Desktop) })
	})
}

// encodeOfferState writes the denormalized offer fields shared by products
// and categories. Offers past their stored end date are reported as absent.
func encodeOfferState(e *jx.Encoder, s catalog.OfferState, now time.Time) {
	live := s.LiveAt(now)
	e.Field("offerApplied", func(e *jx.Encoder) { e.Bool(live) })
	if !live {
		return
	}
	e.Field("offerId", func(e *jx.Encoder) { e.Str(s.OfferID) })
	e.Field("offerPercentage", func(e *jx.Encoder) { encodeDecimal(e, s.Percentage) })
	if s.EndDate != nil {
		e.Field("offerEndDate", func(e *jx.Encoder) { encodeTime(e, *s.EndDate) })
	}
}

// encodeListedProduct renders the fast path: price comes from the stored
// offer fields only.
func (h *Handler) encodeListedProduct(e *jx.Encoder, p catalog.Product, now time.Time) {
	e.Obj(func(e *jx.Encoder) {
		h.encodeProductFields(e, p)
		encodeOfferState(e, p.Offer, now)
		e.Field("finalPrice", func(e *jx.Encoder) { encodeDecimal(e, p.DisplayPrice(now)) })
	})
}

// encodeResolvedProduct renders a product priced by the resolver.
func (h *Handler) encodeResolvedProduct(e *jx.Encoder, p catalog.Product, res offer.Resolution) {
	e.Obj(func(e *jx.Encoder) {
		h.encodeProductFields(e, p)
		e.Field("offerApplied", func(e *jx.Encoder) { e.Bool(res.HasOffer) })
		if res.HasOffer && res.Offer != nil {
			e.Field("offerId", func(e *jx.Encoder) { e.Str(res.Offer.ID) })
			e.Field("offerPercentage", func(e *jx.Encoder) {
				encodeDecimal(e, offer.PercentageOf(res.DiscountAmount, p.Price))
			})
			e.Field("offerEndDate", func(e *jx.Encoder) { encodeTime(e, res.Offer.EndDate) })
		}
		e.Field("discountAmount", func(e *jx.Encoder) { encodeDecimal(e, res.DiscountAmount) })
		e.Field("finalPrice", func(e *jx.Encoder) { encodeDecimal(e, res.FinalPrice) })
	})
}

func (h *Handler) encodeProductFields(e *jx.Encoder, p catalog.Product) {
	e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
	e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
	e.Field("price", func(e *jx.Encoder) { encodeDecimal(e, p.Price) })
	e.Field("category", func(e *jx.Encoder) { e.Str(p.CategoryID) })
	e.Field("image", func(e *jx.Encoder) { h.encodeImage(e, p.Image) })
}

func encodeCategory(e *jx.Encoder, c catalog.Category, now time.Time) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(c.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
		live := c.Offer.LiveAt(now)
		e.Field("categoryOffer", func(e *jx.Encoder) {
			if live {
				encodeDecimal(e, c.Offer.Percentage)
				return
			}
			e.Int(0)
		})
		encodeOfferState(e, c.Offer, now)
		if live && c.OfferType != "" {
			e.Field("offerType", func(e *jx.Encoder) { e.Str(c.OfferType) })
		}
	})
}

func encodeOffer(e *jx.Encoder, o *offer.Offer) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(o.Name) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(o.Type)) })
		e.Field("discountType", func(e *jx.Encoder) { e.Str(string(o.DiscountType)) })
		e.Field("discountValue", func(e *jx.Encoder) { encodeDecimal(e, o.DiscountValue) })
		e.Field("maxDiscountAmount", func(e *jx.Encoder) {
			if o.MaxDiscountAmount == nil {
				e.Null()
				return
			}
			encodeDecimal(e, *o.MaxDiscountAmount)
		})
		e.Field("minPurchaseAmount", func(e *jx.Encoder) { encodeDecimal(e, o.MinPurchaseAmount) })
		e.Field("startDate", func(e *jx.Encoder) { encodeTime(e, o.StartDate) })
		e.Field("endDate", func(e *jx.Encoder) { encodeTime(e, o.EndDate) })
		e.Field("isActive", func(e *jx.Encoder) { e.Bool(o.IsActive) })
		e.Field("applicableProducts", func(e *jx.Encoder) { encodeStrings(e, o.ApplicableProducts) })
		e.Field("applicableCategories", func(e *jx.Encoder) { encodeStrings(e, o.ApplicableCategories) })
		e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, o.CreatedAt) })
		e.Field("updatedAt", func(e *jx.Encoder) { encodeTime(e, o.UpdatedAt) })
	})
}

// decodeOfferInput reads an admin offer payload. Unknown fields are
// ignored; isActive defaults to true.
func decodeOfferInput(d *jx.Decoder) (offer.Input, error) {
	in := offer.Input{IsActive: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			in.Name, err = d.Str()
		case "type":
			var s string
			s, err = d.Str()
			in.Type = offer.Type(s)
		case "discountType":
			var s string
			s, err = d.Str()
			in.DiscountType = offer.DiscountType(s)
		case "discountValue":
			in.DiscountValue, err = decodeDecimal(d)
		case "maxDiscountAmount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			in.MaxDiscountAmount = &v
		case "minPurchaseAmount":
			in.MinPurchaseAmount, err = decodeDecimal(d)
		case "startDate":
			in.StartDate, err = decodeTime(d)
		case "endDate":
			in.EndDate, err = decodeTime(d)
		case "isActive":
			in.IsActive, err = d.Bool()
		case "applicableProducts":
			in.ApplicableProducts, err = decodeStrings(d)
		case "applicableCategories":
			in.ApplicableCategories, err = decodeStrings(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	return in, err
}

// decodeItems reads {"items":[{"productId":"1","quantity":2}]}.
func decodeItems(d *jx.Decoder) ([]order.Item, error) {
	var items []order.Item
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var item order.Item
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "productId":
					item.ProductID, err = d.Str()
				case "quantity":
					item.Quantity, err = d.Int()
				default:
					return d.Skip()
				}
				return err
			}); err != nil {
				return errors.Wrap(err, "item")
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

func encodeLines(e *jx.Encoder, lines []order.Line) {
	e.Arr(func(e *jx.Encoder) {
		for _, l := range lines {
			e.Obj(func(e *jx.Encoder) {
				e.Field("productId", func(e *jx.Encoder) { e.Str(l.ProductID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(l.Name) })
				e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
				e.Field("unitPrice", func(e *jx.Encoder) { encodeDecimal(e, l.UnitPrice) })
				e.Field("unitDiscount", func(e *jx.Encoder) { encodeDecimal(e, l.UnitDiscount) })
				e.Field("unitFinal", func(e *jx.Encoder) { encodeDecimal(e, l.UnitFinal) })
				e.Field("lineTotal", func(e *jx.Encoder) { encodeDecimal(e, l.LineTotal) })
				if l.OfferID != "" {
					e.Field("offerId", func(e *jx.Encoder) { e.Str(l.OfferID) })
				}
			})
		}
	})
}

func encodeQuote(e *jx.Encoder, q *order.Quote) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("lines", func(e *jx.Encoder) { encodeLines(e, q.Lines) })
		e.Field("subtotal", func(e *jx.Encoder) { encodeDecimal(e, q.Subtotal) })
		e.Field("discounts", func(e *jx.Encoder) { encodeDecimal(e, q.Discounts) })
		e.Field("total", func(e *jx.Encoder) { encodeDecimal(e, q.Total) })
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("lines", func(e *jx.Encoder) { encodeLines(e, o.Lines) })
		e.Field("subtotal", func(e *jx.Encoder) { encodeDecimal(e, o.Subtotal) })
		e.Field("discounts", func(e *jx.Encoder) { encodeDecimal(e, o.Discounts) })
		e.Field("total", func(e *jx.Encoder) { encodeDecimal(e, o.Total) })
		e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, o.CreatedAt) })
	})
}
