package cart

import (
	"context"

	"github.com/starshop/cart/internal/domain"
)

// LocalStore is the durable snapshot of a single cart.
// Read on an empty or absent store returns no lines and no error.
type LocalStore interface {
	Read(ctx context.Context) ([]domain.CartLine, error)
	Write(ctx context.Context, lines []domain.CartLine) error
	Clear(ctx context.Context) error
}

// OrderSubmitter turns cart lines and shipping data into an accepted order.
type OrderSubmitter interface {
	Submit(ctx context.Context, lines []domain.OrderLine, shipping domain.ShippingInfo, idempotencyKey string) (domain.OrderConfirmation, error)
}

type CheckoutNotifier interface {
	CheckoutCompleted(ctx context.Context, evt domain.CheckoutCompleted) error
}
