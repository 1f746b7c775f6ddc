// Package feed parses catalog and offer records from JSON documents and
// JSON-lines feeds.
package feed

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
)

// ErrMalformed is returned for records that are not JSON objects or lack an
// id.
var ErrMalformed = errors.New("malformed record")

// Decimal reads a JSON number or numeric string. A missing value is zero.
func Decimal(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.Null:
		return decimal.Zero, nil
	case gjson.String:
		return decimal.NewFromString(r.Str)
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	default:
		return decimal.Decimal{}, errors.Errorf("want number, got %s", r.Type)
	}
}

func stringList(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func object(r gjson.Result) error {
	if !r.IsObject() {
		return errors.Wrap(ErrMalformed, "not an object")
	}
	if r.Get("id").String() == "" {
		return errors.Wrap(ErrMalformed, "missing id")
	}
	return nil
}

// Product parses {"id","name","price","category","image":{...}}.
func Product(r gjson.Result) (catalog.Product, error) {
	if err := object(r); err != nil {
		return catalog.Product{}, err
	}
	price, err := Decimal(r.Get("price"))
	if err != nil {
		return catalog.Product{}, errors.Wrapf(err, "product %s price", r.Get("id").String())
	}
	if price.IsNegative() {
		return catalog.Product{}, errors.Errorf("product %s has negative price", r.Get("id").String())
	}
	img := r.Get("image")
	return catalog.Product{
		ID:         r.Get("id").String(),
		Name:       r.Get("name").String(),
		Price:      price,
		CategoryID: r.Get("category").String(),
		Image: catalog.Image{
			Thumbnail: img.Get("thumbnail").String(),
			Mobile:    img.Get("mobile").String(),
			Tablet:    img.Get("tablet").String(),
			Desktop:   img.Get("desktop").String(),
		},
	}, nil
}

// Category parses {"id","name"}.
func Category(r gjson.Result) (catalog.Category, error) {
	if err := object(r); err != nil {
		return catalog.Category{}, err
	}
	return catalog.Category{
		ID:   r.Get("id").String(),
		Name: r.Get("name").String(),
	}, nil
}

// Offer parses an offer record. The window is either explicit
// startDate/endDate (RFC 3339) or validDays counted from now. isActive
// defaults to true.
func Offer(r gjson.Result, now time.Time) (offer.Offer, error) {
	if err := object(r); err != nil {
		return offer.Offer{}, err
	}
	id := r.Get("id").String()

	o := offer.Offer{
		ID:                   id,
		Name:                 r.Get("name").String(),
		Type:                 offer.Type(r.Get("type").String()),
		DiscountType:         offer.DiscountType(r.Get("discountType").String()),
		IsActive:             true,
		ApplicableProducts:   stringList(r.Get("applicableProducts")),
		ApplicableCategories: stringList(r.Get("applicableCategories")),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if v := r.Get("isActive"); v.Exists() {
		o.IsActive = v.Bool()
	}

	var err error
	if o.DiscountValue, err = Decimal(r.Get("discountValue")); err != nil {
		return offer.Offer{}, errors.Wrapf(err, "offer %s discountValue", id)
	}
	if o.MinPurchaseAmount, err = Decimal(r.Get("minPurchaseAmount")); err != nil {
		return offer.Offer{}, errors.Wrapf(err, "offer %s minPurchaseAmount", id)
	}
	if v := r.Get("maxDiscountAmount"); v.Exists() && v.Type != gjson.Null {
		capAmount, err := Decimal(v)
		if err != nil {
			return offer.Offer{}, errors.Wrapf(err, "offer %s maxDiscountAmount", id)
		}
		o.MaxDiscountAmount = &capAmount
	}

	if days := r.Get("validDays"); days.Exists() {
		o.StartDate = now
		o.EndDate = now.AddDate(0, 0, int(days.Int()))
		return o, nil
	}
	if o.StartDate, err = time.Parse(time.RFC3339, r.Get("startDate").String()); err != nil {
		return offer.Offer{}, errors.Wrapf(err, "offer %s startDate", id)
	}
	if o.EndDate, err = time.Parse(time.RFC3339, r.Get("endDate").String()); err != nil {
		return offer.Offer{}, errors.Wrapf(err, "offer %s endDate", id)
	}
	return o, nil
}
