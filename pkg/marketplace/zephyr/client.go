// Package zephyr implements the marketplace adapter for the Zephyr seller
// API: OAuth bearer authorization without request signing, cursor-based
// pagination, and rate-limit signaling via Retry-After on 429 responses.
package zephyr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/commercehub/marketplace-connect/pkg/auth"
	"github.com/commercehub/marketplace-connect/pkg/batch"
	"github.com/commercehub/marketplace-connect/pkg/cache"
	"github.com/commercehub/marketplace-connect/pkg/executor"
	"github.com/commercehub/marketplace-connect/pkg/marketplace"
	"github.com/commercehub/marketplace-connect/pkg/ratelimit"
	"github.com/commercehub/marketplace-connect/pkg/retry"
)

// Endpoint categories: Zephyr throttles catalog and order traffic separately.
const (
	CategoryCatalog = "catalog"
	CategoryOrders  = "orders"
)

// Config holds Zephyr adapter configuration.
type Config struct {
	BaseURL    string
	Credential auth.Credential
	Timeout    time.Duration
	Batch      batch.Config
	RateLimit  ratelimit.Config
	Retry      retry.Policy
}

// DefaultConfig returns a safe default Zephyr configuration.
func DefaultConfig(baseURL string, cred auth.Credential) Config {
	return Config{
		BaseURL:    baseURL,
		Credential: cred,
		Timeout:    30 * time.Second,
		Batch:      batch.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
	}
}

// Client is the Zephyr marketplace adapter.
type Client struct {
	exec    *executor.Executor
	creds   *auth.Manager
	limiter *ratelimit.Limiter
	config  Config
	logger  zerolog.Logger
}

var _ marketplace.Client = (*Client)(nil)

// New creates a Zephyr adapter.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Credential.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	logger = logger.With().Str("provider", "zephyr").Logger()

	creds := auth.NewManager(cfg.Credential, newTokenSource(cfg.BaseURL, cfg.Timeout), auth.Config{}, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)

	// Zephyr authenticates with the bearer token alone; no request signer.
	exec, err := executor.New(
		executor.Config{
			BaseURL:   cfg.BaseURL,
			Provider:  "zephyr",
			Timeout:   cfg.Timeout,
			UserAgent: "marketplace-connect/1.0 (zephyr)",
		},
		creds, nil, limiter, cfg.Retry, logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	return &Client{
		exec:    exec,
		creds:   creds,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}, nil
}

// SetCache enables response caching for catalog and order reads.
func (c *Client) SetCache(store *cache.Store) {
	c.exec.SetCache(store)
}

// Executor exposes the underlying executor (for testing).
func (c *Client) Executor() *executor.Executor {
	return c.exec
}

// Provider implements marketplace.Client.
func (c *Client) Provider() string {
	return "zephyr"
}

// RateLimitStatus implements marketplace.Client.
func (c *Client) RateLimitStatus() (ratelimit.State, bool) {
	return c.limiter.Status()
}

// Zephyr wire shapes. Prices travel as minor units (cents).
type zephyrProduct struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Available  int    `json:"available"`
	ModifiedAt int64  `json:"modified_at"`
}

type zephyrOrderItem struct {
	SKU            string `json:"sku"`
	Count          int    `json:"count"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type zephyrOrder struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Items      []zephyrOrderItem `json:"items"`
	TotalCents int64             `json:"total_cents"`
	Currency   string            `json:"currency"`
	CreatedAt  int64             `json:"created_at"`
}

type zephyrOrderPage struct {
	Orders     []zephyrOrder `json:"orders"`
	NextCursor string        `json:"next_cursor"`
}

type zephyrAck struct {
	SKU    string `json:"sku"`
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// GetProduct implements marketplace.Client.
func (c *Client) GetProduct(ctx context.Context, sku string) (*marketplace.Product, error) {
	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Path:     "/api/products/" + url.PathEscape(sku),
		Category: CategoryCatalog,
	})
	if err != nil {
		return nil, err
	}

	var wire zephyrProduct
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", sku, err)
	}
	return wire.toDomain(), nil
}

// GetProducts implements marketplace.Client.
func (c *Client) GetProducts(ctx context.Context, skus []string) batch.Report[string, marketplace.Product] {
	proc := batch.NewProcessor[string, marketplace.Product](c.config.Batch, c.logger)

	return proc.Process(ctx, skus, func(ctx context.Context, chunk []string) ([]batch.Outcome[marketplace.Product], error) {
		outcomes := make([]batch.Outcome[marketplace.Product], len(chunk))
		for i, sku := range chunk {
			product, err := c.GetProduct(ctx, sku)
			if err != nil {
				outcomes[i].Err = err
				continue
			}
			outcomes[i].Value = *product
		}
		return outcomes, nil
	})
}

// ListOrders implements marketplace.Client using cursor pagination. Page is
// ignored; pass the previous page's NextCursor to continue.
func (c *Client) ListOrders(ctx context.Context, params marketplace.ListOrdersParams) (*marketplace.OrderPage, error) {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(pageSize))
	if params.Cursor != "" {
		query.Set("cursor", params.Cursor)
	}
	if params.Status != "" {
		query.Set("state", params.Status)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Path:     "/api/orders",
		Query:    query,
		Category: CategoryOrders,
	})
	if err != nil {
		return nil, err
	}

	var wire zephyrOrderPage
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode order page: %w", err)
	}

	out := &marketplace.OrderPage{NextCursor: wire.NextCursor}
	for _, o := range wire.Orders {
		out.Orders = append(out.Orders, *o.toDomain())
	}
	return out, nil
}

// UpdateStock implements marketplace.Client.
func (c *Client) UpdateStock(ctx context.Context, update marketplace.StockUpdate) (*marketplace.UpdateResult, error) {
	body, err := json.Marshal(map[string]any{
		"sku":       update.SKU,
		"available": update.Quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode stock update: %w", err)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodPost,
		Path:     "/api/stock",
		Body:     body,
		Category: CategoryCatalog,
	})
	if err != nil {
		return nil, err
	}

	return decodeAck(resp.Body, update.SKU)
}

// UpdatePrice implements marketplace.Client.
func (c *Client) UpdatePrice(ctx context.Context, update marketplace.PriceUpdate) (*marketplace.UpdateResult, error) {
	body, err := json.Marshal(map[string]any{
		"sku":         update.SKU,
		"price_cents": update.Price.Mul(decimal.NewFromInt(100)).IntPart(),
		"currency":    update.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("encode price update: %w", err)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodPost,
		Path:     "/api/prices",
		Body:     body,
		Category: CategoryCatalog,
	})
	if err != nil {
		return nil, err
	}

	return decodeAck(resp.Body, update.SKU)
}

// BulkUpdateStock implements marketplace.Client. Zephyr has no batch
// endpoint, so chunk workers issue one call per item; chunking still bounds
// concurrency and isolates failures.
func (c *Client) BulkUpdateStock(ctx context.Context, updates []marketplace.StockUpdate) batch.Report[marketplace.StockUpdate, marketplace.UpdateResult] {
	proc := batch.NewProcessor[marketplace.StockUpdate, marketplace.UpdateResult](c.config.Batch, c.logger)

	return proc.Process(ctx, updates, func(ctx context.Context, chunk []marketplace.StockUpdate) ([]batch.Outcome[marketplace.UpdateResult], error) {
		outcomes := make([]batch.Outcome[marketplace.UpdateResult], len(chunk))
		for i, update := range chunk {
			result, err := c.UpdateStock(ctx, update)
			if err != nil {
				outcomes[i].Err = err
				continue
			}
			outcomes[i].Value = *result
		}
		return outcomes, nil
	})
}

// BulkUpdatePrices implements marketplace.Client.
func (c *Client) BulkUpdatePrices(ctx context.Context, updates []marketplace.PriceUpdate) batch.Report[marketplace.PriceUpdate, marketplace.UpdateResult] {
	proc := batch.NewProcessor[marketplace.PriceUpdate, marketplace.UpdateResult](c.config.Batch, c.logger)

	return proc.Process(ctx, updates, func(ctx context.Context, chunk []marketplace.PriceUpdate) ([]batch.Outcome[marketplace.UpdateResult], error) {
		outcomes := make([]batch.Outcome[marketplace.UpdateResult], len(chunk))
		for i, update := range chunk {
			result, err := c.UpdatePrice(ctx, update)
			if err != nil {
				outcomes[i].Err = err
				continue
			}
			outcomes[i].Value = *result
		}
		return outcomes, nil
	})
}

func decodeAck(body []byte, sku string) (*marketplace.UpdateResult, error) {
	var wire zephyrAck
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode ack for %s: %w", sku, err)
	}
	return &marketplace.UpdateResult{SKU: wire.SKU, Status: wire.Result, Message: wire.Detail}, nil
}

func (p zephyrProduct) toDomain() *marketplace.Product {
	return &marketplace.Product{
		SKU:       p.SKU,
		Title:     p.Name,
		Price:     decimal.New(p.PriceCents, -2),
		Currency:  p.Currency,
		Stock:     p.Available,
		UpdatedAt: time.Unix(p.ModifiedAt, 0).UTC(),
	}
}

func (o zephyrOrder) toDomain() *marketplace.Order {
	order := &marketplace.Order{
		ID:       o.ID,
		Status:   o.State,
		Total:    decimal.New(o.TotalCents, -2),
		Currency: o.Currency,
		PlacedAt: time.Unix(o.CreatedAt, 0).UTC(),
	}
	for _, item := range o.Items {
		order.Items = append(order.Items, marketplace.OrderItem{
			SKU:       item.SKU,
			Quantity:  item.Count,
			UnitPrice: decimal.New(item.UnitPriceCents, -2),
		})
	}
	return order
}
