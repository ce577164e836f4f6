package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shopspring/decimal"
	"github.com/starshop/cart/internal/domain"
	"github.com/starshop/cart/pkg/circuitbreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrUnavailable     = errors.New("product catalog unavailable")
)

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
	// CacheCapacity bounds the number of cached products. Zero means unbounded.
	CacheCapacity uint64
}

type productDTO struct {
	ID                int64               `json:"id"`
	Name              string              `json:"name"`
	Price             decimal.NullDecimal `json:"price"`
	AvailableQuantity int                 `json:"available_quantity"`
	ImageURL          string              `json:"image_url"`
	SKU               string              `json:"sku"`
	Active            *bool               `json:"active"`
}

// Client looks products up in the storefront backend. Lookups are cached for
// CacheTTL and concurrent lookups of one id share a single request.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *ttlcache.Cache[int64, domain.Product]
	sfg     singleflight.Group
	breaker *circuitbreaker.Breaker[domain.Product]
	log     *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}

	opts := []ttlcache.Option[int64, domain.Product]{
		ttlcache.WithTTL[int64, domain.Product](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[int64, domain.Product](),
	}
	if cfg.CacheCapacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[int64, domain.Product](cfg.CacheCapacity))
	}
	cache := ttlcache.New[int64, domain.Product](opts...)
	go cache.Start()

	bcfg := circuitbreaker.DefaultConfig("catalog")
	bcfg.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrProductNotFound) && !errors.Is(err, context.Canceled)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		cache:   cache,
		breaker: circuitbreaker.New[domain.Product](bcfg, log),
		log:     log,
	}
}

// GetByID returns a fresh snapshot of an active product. The shared request
// outlives any single caller; each caller still returns when its ctx is done.
func (c *Client) GetByID(ctx context.Context, id int64) (domain.Product, error) {
	if item := c.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	ch := c.sfg.DoChan(strconv.FormatInt(id, 10), func() (interface{}, error) {
		p, err := c.breaker.Execute(func() (domain.Product, error) {
			return c.fetch(context.WithoutCancel(ctx), id)
		})
		if err != nil {
			return domain.Product{}, err
		}
		c.cache.Set(id, p, ttlcache.DefaultTTL)
		return p, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.Product{}, ctx.Err()
	}

	if res.Err != nil {
		if errors.Is(res.Err, circuitbreaker.ErrOpen) {
			return domain.Product{}, fmt.Errorf("%w: %v", ErrUnavailable, res.Err)
		}
		return domain.Product{}, res.Err
	}
	if res.Shared {
		c.log.Debug("product lookup shared", zap.Int64("product_id", id))
	}
	return res.Val.(domain.Product), nil
}

// Invalidate drops a cached product.
func (c *Client) Invalidate(id int64) {
	c.cache.Delete(id)
}

func (c *Client) Close() {
	c.cache.Stop()
}

func (c *Client) fetch(ctx context.Context, id int64) (domain.Product, error) {
	url := fmt.Sprintf("%s/products/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Product{}, fmt.Errorf("build product request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Product{}, ErrProductNotFound
	case resp.StatusCode >= 500:
		return domain.Product{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Product{}, fmt.Errorf("product lookup failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dto productDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return domain.Product{}, fmt.Errorf("decode product failed: %w", err)
	}
	if dto.Active != nil && !*dto.Active {
		return domain.Product{}, ErrProductNotFound
	}
	if !dto.Price.Valid || dto.ID != id {
		return domain.Product{}, fmt.Errorf("malformed product %d in catalog response", id)
	}

	return domain.Product{
		ID:                dto.ID,
		Name:              dto.Name,
		UnitPrice:         dto.Price.Decimal,
		AvailableQuantity: dto.AvailableQuantity,
		ImageURL:          dto.ImageURL,
		SKU:               dto.SKU,
	}, nil
}
