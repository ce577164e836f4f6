package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/starshop/cart/internal/cart"
	"github.com/starshop/cart/internal/catalog"
	"github.com/starshop/cart/internal/domain"
	"github.com/starshop/cart/internal/orders"
	"github.com/starshop/cart/internal/session"
	"github.com/starshop/cart/pkg/logger"
	"go.uber.org/zap"
)

const maxQuantity = 99

type ProductLookup interface {
	GetByID(ctx context.Context, id int64) (domain.Product, error)
}

type StoreProvider interface {
	Get(ctx context.Context, sessionID string) (*cart.Store, error)
}

type CartHandler struct {
	stores   StoreProvider
	products ProductLookup
	timeout  time.Duration
	log      *zap.Logger
}

func NewCartHandler(stores StoreProvider, products ProductLookup, timeout time.Duration, log *zap.Logger) *CartHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CartHandler{
		stores:   stores,
		products: products,
		timeout:  timeout,
		log:      log,
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type lineDTO struct {
	Product      domain.Product  `json:"product"`
	Quantity     int             `json:"quantity"`
	LineTotal    decimal.Decimal `json:"line_total"`
	AddedAt      time.Time       `json:"added_at"`
	CanIncrement bool            `json:"can_increment"`
}

type totalsDTO struct {
	domain.Totals
	FreeShipping bool `json:"free_shipping"`
}

type CartResponseDTO struct {
	Items  []lineDTO `json:"items"`
	Totals totalsDTO `json:"totals"`
}

type CheckoutResponseDTO struct {
	Order domain.OrderConfirmation `json:"order"`
	Cart  CartResponseDTO          `json:"cart"`
}

func toCartResponse(c domain.Cart) CartResponseDTO {
	items := make([]lineDTO, 0, len(c.Lines))
	for _, l := range c.Lines {
		items = append(items, lineDTO{
			Product:      l.Product,
			Quantity:     l.Quantity,
			LineTotal:    l.LineTotal(),
			AddedAt:      l.AddedAt,
			CanIncrement: l.Quantity < l.Product.AvailableQuantity,
		})
	}
	return CartResponseDTO{
		Items:  items,
		Totals: totalsDTO{Totals: c.Totals, FreeShipping: c.Totals.FreeShipping()},
	}
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store.Cart()))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	if req.Quantity <= 0 || req.Quantity > maxQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	store, ok := h.store(w, r)
	if !ok {
		return
	}

	product, err := h.products.GetByID(ctx, req.ProductID)
	if err != nil {
		h.handleCatalogError(w, r, req.ProductID, err)
		return
	}
	if product.AvailableQuantity <= 0 {
		respondError(w, http.StatusConflict, "out_of_stock", product.Name+" is not available")
		return
	}

	respondJSON(w, http.StatusCreated, toCartResponse(store.AddItem(product, req.Quantity)))
}

// UpdateQuantity sets the quantity of a line. Zero or less removes it.
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity is required")
		return
	}
	if *req.Quantity > maxQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must not exceed 99")
		return
	}

	store, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store.UpdateQuantity(productID, *req.Quantity)))
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store.RemoveItem(productID)))
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(store.Clear()))
}

func (h *CartHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	store, ok := h.store(w, r)
	if !ok {
		return
	}
	if store.Cart().IsEmpty() {
		respondError(w, http.StatusConflict, "empty_cart", cart.ErrEmptyCart.Error())
		return
	}

	var shipping domain.ShippingInfo
	if err := json.NewDecoder(r.Body).Decode(&shipping); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	shipping = shipping.Normalize()
	if err := shipping.Validate(); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "shipping details are incomplete",
			Code:    "invalid_shipping",
			Details: fieldErrors(err),
		})
		return
	}

	if token := bearerToken(r); token != "" {
		ctx = orders.WithBearerToken(ctx, token)
	}

	conf, err := store.Checkout(ctx, shipping)
	if err != nil {
		h.handleCheckoutError(w, r, err)
		return
	}

	logger.FromContext(r.Context(), h.log).Info("order placed",
		zap.Int64("order_id", conf.ID),
		zap.String("total_amount", conf.TotalAmount.String()))
	respondJSON(w, http.StatusCreated, CheckoutResponseDTO{Order: conf, Cart: toCartResponse(store.Cart())})
}

func (h *CartHandler) store(w http.ResponseWriter, r *http.Request) (*cart.Store, bool) {
	sessionID := SessionID(r.Context())
	store, err := h.stores.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSessionID) {
			respondError(w, http.StatusBadRequest, "invalid_session", "missing or malformed session")
			return nil, false
		}
		if errors.Is(err, session.ErrCartUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "cart_unavailable", "your cart could not be loaded, please retry shortly")
			return nil, false
		}
		logger.FromContext(r.Context(), h.log).Error("cart store unavailable", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return nil, false
	}
	return store, true
}

func (h *CartHandler) handleCatalogError(w http.ResponseWriter, r *http.Request, productID int64, err error) {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", "product not found")
	case errors.Is(err, catalog.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "catalog_unavailable", "the product catalog is temporarily unavailable")
	default:
		logger.FromContext(r.Context(), h.log).Error("product lookup failed",
			zap.Int64("product_id", productID),
			zap.Error(err))
		respondError(w, http.StatusBadGateway, "catalog_error", "product lookup failed")
	}
}

func (h *CartHandler) handleCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, cart.ErrEmptyCart) {
		respondError(w, http.StatusConflict, "empty_cart", err.Error())
		return
	}
	if errors.Is(err, cart.ErrCheckoutInProgress) {
		respondError(w, http.StatusConflict, "checkout_in_progress", err.Error())
		return
	}
	if errors.Is(err, cart.ErrStoreClosed) {
		// the session expired while the request was in flight
		respondError(w, http.StatusServiceUnavailable, "session_expired", "your cart was reloaded, please retry")
		return
	}

	var serr *cart.SubmissionError
	if !errors.As(err, &serr) {
		logger.FromContext(r.Context(), h.log).Error("checkout failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	var status int
	switch serr.Kind {
	case cart.SubmissionValidation:
		status = http.StatusBadRequest
	case cart.SubmissionStock:
		status = http.StatusConflict
	case cart.SubmissionAuth:
		status = http.StatusUnauthorized
	case cart.SubmissionUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadGateway
	}
	respondError(w, status, string(serr.Kind), serr.Message)
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// fieldErrors unpacks the joined domain.FieldError values returned by Validate.
func fieldErrors(err error) []domain.FieldError {
	var out []domain.FieldError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			var fe domain.FieldError
			if errors.As(e, &fe) {
				out = append(out, fe)
			}
		}
		return out
	}
	var fe domain.FieldError
	if errors.As(err, &fe) {
		out = append(out, fe)
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
