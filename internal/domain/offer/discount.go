package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// CalculateDiscount returns the amount the offer takes off price at now.
// It returns zero when the offer is not valid at now, when price is below
// the minimum purchase amount, or when a fixed offer is misconfigured
// (minimum purchase not above the discount value). The result is rounded
// to 2 decimal places and never negative.
func CalculateDiscount(o *Offer, price decimal.Decimal, now time.Time) decimal.Decimal {
	if o == nil || !o.ValidAt(now) {
		return zero
	}
	if price.LessThan(o.MinPurchaseAmount) {
		return zero
	}

	switch o.DiscountType {
	case DiscountPercentage:
		return percentageDiscount(o, price)
	case DiscountFixed:
		return fixedDiscount(o, price)
	default:
		return zero
	}
}

func percentageDiscount(o *Offer, price decimal.Decimal) decimal.Decimal {
	rate := decimal.Min(o.DiscountValue, hundred)
	amount := price.Mul(rate).Div(hundred)
	if o.MaxDiscountAmount != nil {
		amount = decimal.Min(amount, *o.MaxDiscountAmount)
	}
	return floorAtZero(amount).Round(2)
}

func fixedDiscount(o *Offer, price decimal.Decimal) decimal.Decimal {
	if o.MinPurchaseAmount.LessThanOrEqual(o.DiscountValue) {
		return zero
	}
	amount := decimal.Min(o.DiscountValue, price)
	return floorAtZero(amount).Round(2)
}

// PercentageOf expresses amount as a percentage of price, rounded to 2
// decimal places. It is used for uniform "% off" badges regardless of the
// discount type.
func PercentageOf(amount, price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 || amount.Sign() <= 0 {
		return zero
	}
	return decimal.Min(amount.Mul(hundred).Div(price), hundred).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
