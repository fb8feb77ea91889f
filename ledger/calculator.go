/*
calculator.go - Money and discount arithmetic

PURPOSE:
  Pure functions for line subtotals and refund amounts. No I/O, no state.

RULES:
  base      = unitPrice × quantity
  discount  = NONE    → 0
              PERCENT → base × value / 100, half-up to 2 dp
              FIXED   → value as given
  subtotal  = base − discount (rejected if negative)

  Unit prices and FIXED values carry at most 2 dp, so every subtotal
  and total is exact to the cent.

  refund    = unitPrice × n − (lineDiscount / quantity, half-up 2 dp) × n

  Every division names its scale and rounds half-up. Discounts are never
  negative so "half away from zero" (decimal.Round / DivRound) is half-up.

EXAMPLE:
  qty 3 @ 100.00 with FIXED 30.00 → subtotal 270.00
  refund 1 unit                    → 100.00 − 10.00 = 90.00
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for money.
const MoneyScale = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half-up to MoneyScale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// IsMoney reports whether d has no digits past MoneyScale.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(RoundMoney(d))
}

// =============================================================================
// DISCOUNT
// =============================================================================

// Normalize maps an empty type to NONE and clears the value of NONE.
func (d Discount) Normalize() Discount {
	if d.Type == "" || d.Type == DiscountNone {
		return NoDiscount()
	}
	return d
}

// Validate checks the discount in isolation (not against a line amount).
func (d Discount) Validate() error {
	d = d.Normalize()
	switch d.Type {
	case DiscountNone:
		return nil
	case DiscountPercent:
		if d.Value.IsNegative() || d.Value.GreaterThan(hundred) {
			return invalid("discount_value", "percent discount must be between 0 and 100")
		}
		return nil
	case DiscountFixed:
		if d.Value.IsNegative() {
			return invalid("discount_value", "fixed discount must not be negative")
		}
		if !IsMoney(d.Value) {
			return invalid("discount_value", "fixed discount must have at most 2 decimal places")
		}
		return nil
	}
	return invalid("discount_type", "unknown discount type "+string(d.Type))
}

// DiscountAmount returns the money taken off base by d.
func DiscountAmount(base decimal.Decimal, d Discount) (decimal.Decimal, error) {
	d = d.Normalize()
	switch d.Type {
	case DiscountNone:
		return decimal.Zero, nil
	case DiscountPercent:
		return base.Mul(d.Value).DivRound(hundred, MoneyScale), nil
	case DiscountFixed:
		return d.Value, nil
	}
	return decimal.Zero, invalid("discount_type", "unknown discount type "+string(d.Type))
}

// =============================================================================
// LINE SUBTOTAL
// =============================================================================

// ComputeSubtotal returns unitPrice × quantity minus the discount.
func ComputeSubtotal(unitPrice decimal.Decimal, quantity int, d Discount) (decimal.Decimal, error) {
	if quantity <= 0 {
		return decimal.Zero, invalid("quantity", "must be greater than zero")
	}
	if unitPrice.IsNegative() {
		return decimal.Zero, invalid("unit_price", "must not be negative")
	}
	if !IsMoney(unitPrice) {
		return decimal.Zero, invalid("unit_price", "must have at most 2 decimal places")
	}
	if err := d.Validate(); err != nil {
		return decimal.Zero, err
	}

	base := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	discount, err := DiscountAmount(base, d)
	if err != nil {
		return decimal.Zero, err
	}

	subtotal := base.Sub(discount)
	if subtotal.IsNegative() {
		return decimal.Zero, invalid("discount_value", "discount exceeds line amount")
	}
	return subtotal, nil
}

// =============================================================================
// REFUND AMOUNT
// =============================================================================

// LineDiscount is the money the discount took off the whole line.
func LineDiscount(item TransactionItem) (decimal.Decimal, error) {
	base := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
	return DiscountAmount(base, item.Discount)
}

// ComputeRefundAmount prorates the line discount evenly across units.
func ComputeRefundAmount(item TransactionItem, refundQuantity int) (decimal.Decimal, error) {
	if refundQuantity <= 0 {
		return decimal.Zero, invalid("refund_quantity", "must be greater than zero")
	}
	if item.Quantity <= 0 {
		return decimal.Zero, invalid("quantity", "item has no purchased quantity")
	}

	n := decimal.NewFromInt(int64(refundQuantity))
	gross := item.UnitPrice.Mul(n)

	lineDiscount, err := LineDiscount(item)
	if err != nil {
		return decimal.Zero, err
	}
	if lineDiscount.IsZero() {
		return gross, nil
	}

	perUnit := lineDiscount.DivRound(decimal.NewFromInt(int64(item.Quantity)), MoneyScale)
	amount := gross.Sub(perUnit.Mul(n))
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("refund of %d units on item %s comes to %s", refundQuantity, item.ID, amount)
	}
	return amount, nil
}
