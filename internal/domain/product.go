package domain

import "github.com/shopspring/decimal"

// Product is the denormalized snapshot of a catalog product captured when it
// is added to the cart. It is not refreshed afterwards.
type Product struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AvailableQuantity int             `json:"available_quantity"`
	ImageURL          string          `json:"image_url,omitempty"`
	SKU               string          `json:"sku,omitempty"`
}
