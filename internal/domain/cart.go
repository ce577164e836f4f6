package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	Product  Product   `json:"product"`
	Quantity int       `json:"quantity"`
	AddedAt  time.Time `json:"added_at"`
}

// LineTotal is quantity × unit price.
func (l CartLine) LineTotal() decimal.Decimal {
	return l.Product.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Pricing holds the shipping rule applied to every cart.
type Pricing struct {
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

func DefaultPricing() Pricing {
	return Pricing{
		FreeShippingThreshold: decimal.NewFromInt(50),
		FlatShippingFee:       decimal.NewFromInt(5),
	}
}

type Totals struct {
	ItemCount int             `json:"item_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Shipping  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
	// UntilFreeShipping is how much more the subtotal needs to qualify for free shipping.
	UntilFreeShipping decimal.Decimal `json:"until_free_shipping"`
}

func (t Totals) FreeShipping() bool {
	return t.Shipping.IsZero()
}

// ComputeTotals derives the cart totals from its lines. Totals are never stored.
func ComputeTotals(lines []CartLine, p Pricing) Totals {
	var t Totals
	t.Subtotal = decimal.Zero
	for _, l := range lines {
		t.ItemCount += l.Quantity
		t.Subtotal = t.Subtotal.Add(l.LineTotal())
	}

	if t.Subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		t.Shipping = decimal.Zero
		t.UntilFreeShipping = decimal.Zero
	} else {
		t.Shipping = p.FlatShippingFee
		t.UntilFreeShipping = p.FreeShippingThreshold.Sub(t.Subtotal)
	}
	t.Total = t.Subtotal.Add(t.Shipping)
	return t
}

// Cart is a read view of the store: its lines in insertion order plus derived totals.
type Cart struct {
	Lines  []CartLine `json:"lines"`
	Totals Totals     `json:"totals"`
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}
