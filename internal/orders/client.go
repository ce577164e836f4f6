package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/starshop/cart/internal/cart"
	"github.com/starshop/cart/internal/domain"
	"github.com/starshop/cart/pkg/circuitbreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const IdempotencyHeader = "X-Idempotency-Key"

type tokenKey struct{}

// WithBearerToken attaches the caller's access token to ctx. It is forwarded as is.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func BearerToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type orderRequest struct {
	Items              []domain.OrderLine `json:"items"`
	ShippingAddress    string             `json:"shipping_address"`
	ShippingCity       string             `json:"shipping_city"`
	ShippingPostalCode string             `json:"shipping_postal_code"`
	ShippingState      string             `json:"shipping_state"`
	ShippingCountry    string             `json:"shipping_country"`
	Notes              string             `json:"notes"`
	DiscountCode       *string            `json:"discount_code"`
}

// Client submits orders to the storefront backend.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker[domain.OrderConfirmation]
	log     *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	bcfg := circuitbreaker.DefaultConfig("orders")
	bcfg.IsFailure = func(err error) bool {
		var serr *cart.SubmissionError
		return !errors.As(err, &serr) || serr.Kind == cart.SubmissionUnavailable
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		breaker: circuitbreaker.New[domain.OrderConfirmation](bcfg, log),
		log:     log,
	}
}

// Submit posts the order. Failures are always *cart.SubmissionError.
func (c *Client) Submit(ctx context.Context, lines []domain.OrderLine, shipping domain.ShippingInfo, idempotencyKey string) (domain.OrderConfirmation, error) {
	conf, err := c.breaker.Execute(func() (domain.OrderConfirmation, error) {
		return c.submit(ctx, lines, shipping, idempotencyKey)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return domain.OrderConfirmation{}, &cart.SubmissionError{
			Kind:    cart.SubmissionUnavailable,
			Message: "the order service is temporarily unavailable, please retry shortly",
			Err:     err,
		}
	}
	return conf, err
}

func (c *Client) submit(ctx context.Context, lines []domain.OrderLine, shipping domain.ShippingInfo, idempotencyKey string) (domain.OrderConfirmation, error) {
	payload := orderRequest{
		Items:              lines,
		ShippingAddress:    shipping.Address,
		ShippingCity:       shipping.City,
		ShippingPostalCode: shipping.PostalCode,
		ShippingState:      shipping.State,
		ShippingCountry:    shipping.Country,
		Notes:              shipping.Notes,
	}
	if shipping.DiscountCode != "" {
		code := shipping.DiscountCode
		payload.DiscountCode = &code
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OrderConfirmation{}, &cart.SubmissionError{Kind: cart.SubmissionUnknown, Message: "could not encode order", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/", bytes.NewReader(body))
	if err != nil {
		return domain.OrderConfirmation{}, &cart.SubmissionError{Kind: cart.SubmissionUnknown, Message: "could not build order request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := BearerToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.OrderConfirmation{}, &cart.SubmissionError{
			Kind:    cart.SubmissionUnavailable,
			Message: "the order service could not be reached",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.OrderConfirmation{}, &cart.SubmissionError{
			Kind:       cart.SubmissionUnavailable,
			Message:    "the order service response was interrupted",
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		serr := classify(resp.StatusCode, respBody)
		c.log.Warn("order rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("kind", string(serr.Kind)),
			zap.String("idempotency_key", idempotencyKey))
		return domain.OrderConfirmation{}, serr
	}

	var conf domain.OrderConfirmation
	if err := json.Unmarshal(respBody, &conf); err != nil {
		// the order exists server-side; a retry with the same key is safe
		return domain.OrderConfirmation{}, &cart.SubmissionError{
			Kind:       cart.SubmissionUnknown,
			Message:    "the order service returned an unreadable confirmation",
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}
	return conf, nil
}

func classify(status int, body []byte) *cart.SubmissionError {
	serr := &cart.SubmissionError{StatusCode: status, Message: errorMessage(body)}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		serr.Kind = cart.SubmissionValidation
	case status == http.StatusConflict:
		serr.Kind = cart.SubmissionStock
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		serr.Kind = cart.SubmissionAuth
	case status == http.StatusTooManyRequests || status >= 500:
		serr.Kind = cart.SubmissionUnavailable
	default:
		serr.Kind = cart.SubmissionUnknown
	}

	if serr.Message == "" {
		serr.Message = defaultMessage(serr.Kind)
	}
	return serr
}

// errorMessage extracts the user-facing message from a backend error body:
// {"detail": "..."}, {"error": "..."} or a field map like {"items": ["..."]}.
func errorMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		if body[0] == '<' {
			return ""
		}
		return string(body)
	}

	for _, key := range []string{"detail", "error", "message", "non_field_errors"} {
		if raw, ok := obj[key]; ok {
			if msg := flatten(raw); msg != "" {
				return msg
			}
		}
	}

	var parts []string
	for field, raw := range obj {
		if msg := flatten(raw); msg != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
		}
	}
	slices.Sort(parts)
	return strings.Join(parts, "; ")
}

func flatten(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		var parts []string
		for _, item := range list {
			if msg := flatten(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func defaultMessage(kind cart.SubmissionKind) string {
	switch kind {
	case cart.SubmissionValidation:
		return "the order was rejected, please check your shipping details"
	case cart.SubmissionStock:
		return "some items are no longer available in the requested quantity"
	case cart.SubmissionAuth:
		return "your session has expired, please log in again"
	case cart.SubmissionUnavailable:
		return "the order service is temporarily unavailable, please retry shortly"
	default:
		return "the order could not be placed"
	}
}
