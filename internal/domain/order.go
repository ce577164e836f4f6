package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine is what the client sends for each cart line. Prices are recomputed server-side.
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) String() string {
	return string(s)
}

type OrderConfirmation struct {
	ID          int64           `json:"id"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderLines reduces cart lines to product id and quantity pairs.
func OrderLines(lines []CartLine) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, OrderLine{ProductID: l.Product.ID, Quantity: l.Quantity})
	}
	return out
}

// CheckoutCompleted is emitted once an order has been accepted and the cart cleared.
type CheckoutCompleted struct {
	SessionID      string          `json:"session_id"`
	OrderID        int64           `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Items          []OrderLine     `json:"items"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
