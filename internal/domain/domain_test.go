package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(id int64, price string, qty int) CartLine {
	return CartLine{
		Product:  Product{ID: id, UnitPrice: decimal.RequireFromString(price)},
		Quantity: qty,
	}
}

func TestComputeTotals(t *testing.T) {
	tests := []struct {
		name         string
		lines        []CartLine
		wantSubtotal string
		wantShipping string
		wantTotal    string
		wantCount    int
	}{
		{
			name:         "above free shipping threshold",
			lines:        []CartLine{line(1, "10", 2), line(2, "60", 1)},
			wantSubtotal: "80",
			wantShipping: "0",
			wantTotal:    "80",
			wantCount:    3,
		},
		{
			name:         "below threshold pays flat fee",
			lines:        []CartLine{line(3, "20", 1)},
			wantSubtotal: "20",
			wantShipping: "5",
			wantTotal:    "25",
			wantCount:    1,
		},
		{
			name:         "exactly at threshold ships free",
			lines:        []CartLine{line(4, "25", 2)},
			wantSubtotal: "50",
			wantShipping: "0",
			wantTotal:    "50",
			wantCount:    2,
		},
		{
			name:         "fractional prices",
			lines:        []CartLine{line(5, "19.99", 3)},
			wantSubtotal: "59.97",
			wantShipping: "0",
			wantTotal:    "59.97",
			wantCount:    3,
		},
		{
			name:         "empty cart",
			lines:        nil,
			wantSubtotal: "0",
			wantShipping: "5",
			wantTotal:    "5",
			wantCount:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotals(tt.lines, DefaultPricing())
			assert.True(t, decimal.RequireFromString(tt.wantSubtotal).Equal(got.Subtotal), "subtotal %s", got.Subtotal)
			assert.True(t, decimal.RequireFromString(tt.wantShipping).Equal(got.Shipping), "shipping %s", got.Shipping)
			assert.True(t, decimal.RequireFromString(tt.wantTotal).Equal(got.Total), "total %s", got.Total)
			assert.Equal(t, tt.wantCount, got.ItemCount)
		})
	}
}

func TestComputeTotals_UntilFreeShipping(t *testing.T) {
	got := ComputeTotals([]CartLine{line(1, "20", 1)}, DefaultPricing())
	assert.True(t, decimal.NewFromInt(30).Equal(got.UntilFreeShipping))
	assert.False(t, got.FreeShipping())
}

func TestShippingInfo_Validate(t *testing.T) {
	valid := ShippingInfo{Address: "Via Roma 1", City: "Milano", PostalCode: "20100"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		info  ShippingInfo
		field string
	}{
		{"short address", ShippingInfo{Address: "Via", City: "Milano", PostalCode: "20100"}, "address"},
		{"short city", ShippingInfo{Address: "Via Roma 1", City: "M", PostalCode: "20100"}, "city"},
		{"letters in postal code", ShippingInfo{Address: "Via Roma 1", City: "Milano", PostalCode: "2010A"}, "postal_code"},
		{"long postal code", ShippingInfo{Address: "Via Roma 1", City: "Milano", PostalCode: "201000"}, "postal_code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.info.Validate()
			require.Error(t, err)
			var fe FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestShippingInfo_NormalizeDefaultsCountry(t *testing.T) {
	s := ShippingInfo{Address: "  Via Roma 1 ", City: "Milano"}.Normalize()
	assert.Equal(t, "Via Roma 1", s.Address)
	assert.Equal(t, DefaultCountry, s.Country)
}

func TestOrderLines_DropsPrice(t *testing.T) {
	got := OrderLines([]CartLine{line(1, "10", 2), line(7, "3.5", 1)})
	assert.Equal(t, []OrderLine{{ProductID: 1, Quantity: 2}, {ProductID: 7, Quantity: 1}}, got)
}
