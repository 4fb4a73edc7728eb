// Package pricing computes order amounts from cart lines and caller supplied
// adjustments. It never decides discount eligibility itself; Policy holds the
// shop-wide adjustments the server applies.
package pricing

import (
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/shopspring/decimal"
)

// AmountPlaces is the number of fractional digits kept for money.
const AmountPlaces = 2

var ErrInvalidInput = errors.New("invalid pricing input")

type Inputs struct {
	Discount     decimal.Decimal
	ShippingCost decimal.Decimal
	// TaxRate is a fraction, 0.18 for 18%.
	TaxRate  decimal.Decimal
	Currency string
}

type Breakdown struct {
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	ShippingCost decimal.Decimal
	TaxAmount    decimal.Decimal
	TotalAmount  decimal.Decimal
	Currency     string
}

func (in Inputs) validate() error {
	switch {
	case in.Discount.IsNegative():
		return fmt.Errorf("%w: negative discount", ErrInvalidInput)
	case in.ShippingCost.IsNegative():
		return fmt.Errorf("%w: negative shipping cost", ErrInvalidInput)
	case in.TaxRate.IsNegative():
		return fmt.Errorf("%w: negative tax rate", ErrInvalidInput)
	case in.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidInput)
	case !isCurrencyCode(in.Currency):
		return fmt.Errorf("%w: currency %q is not a three letter code", ErrInvalidInput, in.Currency)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Policy is the server side source of checkout adjustments. Buyers never
// supply these numbers.
type Policy struct {
	// TaxRate is a fraction, 0.18 for 18%.
	TaxRate      decimal.Decimal
	ShippingCost decimal.Decimal
	// FreeShippingFrom waives shipping once the subtotal reaches it. Zero
	// never waives.
	FreeShippingFrom decimal.Decimal
	Currency         string
}

// Inputs returns the adjustments for items. No discount is granted.
func (p Policy) Inputs(items []domain.CartItem) Inputs {
	shipping := p.ShippingCost
	if p.FreeShippingFrom.IsPositive() && Subtotal(items).GreaterThanOrEqual(p.FreeShippingFrom) {
		shipping = decimal.Zero
	}
	return Inputs{
		ShippingCost: shipping,
		TaxRate:      p.TaxRate,
		Currency:     p.Currency,
	}
}

func (p Policy) Validate() error {
	if p.FreeShippingFrom.IsNegative() {
		return fmt.Errorf("%w: negative free shipping threshold", ErrInvalidInput)
	}
	return p.Inputs(nil).validate()
}

// Subtotal sums unit price times quantity over the usable lines.
func Subtotal(items []domain.CartItem) decimal.Decimal {
	subtotal := decimal.Zero
	for _, item := range items {
		if !item.Valid() {
			continue
		}
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return subtotal.Round(AmountPlaces)
}

// Calculate returns the same Breakdown for the same items and inputs.
//
//	taxable = max(0, subtotal + shipping - discount)
//	tax     = round(taxable * rate, 2)
//	total   = taxable + tax
func Calculate(items []domain.CartItem, in Inputs) (Breakdown, error) {
	if err := in.validate(); err != nil {
		return Breakdown{}, err
	}

	subtotal := Subtotal(items)
	discount := in.Discount.Round(AmountPlaces)
	shipping := in.ShippingCost.Round(AmountPlaces)

	taxable := subtotal.Add(shipping).Sub(discount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	tax := taxable.Mul(in.TaxRate).Round(AmountPlaces)

	return Breakdown{
		Subtotal:     subtotal,
		Discount:     discount,
		ShippingCost: shipping,
		TaxAmount:    tax,
		TotalAmount:  taxable.Add(tax).Round(AmountPlaces),
		Currency:     in.Currency,
	}, nil
}

// PercentRate converts a percentage such as 18 into the fraction 0.18.
func PercentRate(percent decimal.Decimal) decimal.Decimal {
	return percent.Div(decimal.NewFromInt(100))
}
