// Package nova implements the marketplace adapter for the Nova seller API:
// HMAC-signed requests, numbered-page pagination, and rate-limit signaling
// via X-RateLimit-* response headers.
package nova

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
	"github.com/commercehub/marketplace-connect/pkg/signing"
)

// Endpoint categories: each has an independent rate-limit bucket.
const (
	CategoryProducts  = "products"
	CategoryOrders    = "orders"
	CategoryInventory = "inventory"
)

// Config holds Nova adapter configuration.
type Config struct {
	// BaseURL is the Nova API root.
	BaseURL string

	// Region scopes request signatures (e.g. "eu-central").
	Region string

	// Credential is the initial credential set from the caller's store.
	Credential auth.Credential

	// Timeout bounds each outbound attempt.
	Timeout time.Duration

	// Batch configures bulk operations.
	Batch batch.Config

	// RateLimit configures the per-category buckets.
	RateLimit ratelimit.Config

	// Retry configures the backoff policy.
	Retry retry.Policy
}

// DefaultConfig returns a safe default Nova configuration.
func DefaultConfig(baseURL string, cred auth.Credential) Config {
	return Config{
		BaseURL:    baseURL,
		Region:     "eu-central",
		Credential: cred,
		Timeout:    30 * time.Second,
		Batch:      batch.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
	}
}

// Client is the Nova marketplace adapter. All state (credential cache,
// rate-limit buckets) is owned by this instance; nothing is process-wide.
type Client struct {
	exec    *executor.Executor
	creds   *auth.Manager
	limiter *ratelimit.Limiter
	config  Config
	logger  zerolog.Logger
}

var _ marketplace.Client = (*Client)(nil)

// New creates a Nova adapter.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Credential.ClientID == "" || cfg.Credential.ClientSecret == "" {
		return nil, fmt.Errorf("client credentials are required")
	}

	logger = logger.With().Str("provider", "nova").Logger()

	creds := auth.NewManager(cfg.Credential, newTokenSource(cfg.BaseURL, cfg.Timeout), auth.Config{}, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)
	signer := signing.NewSigner(cfg.Region, "marketplace")

	exec, err := executor.New(
		executor.Config{
			BaseURL:   cfg.BaseURL,
			Provider:  "nova",
			Timeout:   cfg.Timeout,
			UserAgent: "marketplace-connect/1.0 (nova)",
		},
		creds, signer, limiter, cfg.Retry, logger,
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

// SetCache enables response caching for product and order reads.
func (c *Client) SetCache(store *cache.Store) {
	c.exec.SetCache(store)
}

// Executor exposes the underlying executor (for testing).
func (c *Client) Executor() *executor.Executor {
	return c.exec
}

// Provider implements marketplace.Client.
func (c *Client) Provider() string {
	return "nova"
}

// RateLimitStatus implements marketplace.Client.
func (c *Client) RateLimitStatus() (ratelimit.State, bool) {
	return c.limiter.Status()
}

// Nova wire shapes. Prices travel as strings to avoid float drift.
type novaProduct struct {
	SKU       string `json:"sku"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Stock     int    `json:"stock_quantity"`
	UpdatedAt string `json:"updated_at"`
}

type novaOrderItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type novaOrder struct {
	ID       string          `json:"order_id"`
	Status   string          `json:"status"`
	Items    []novaOrderItem `json:"lines"`
	Total    string          `json:"total"`
	Currency string          `json:"currency"`
	PlacedAt string          `json:"placed_at"`
}

type novaOrderPage struct {
	Orders     []novaOrder `json:"orders"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
}

type novaUpdateResult struct {
	SKU     string `json:"sku"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type novaBatchResponse struct {
	Results []novaUpdateResult `json:"results"`
}

// GetProduct implements marketplace.Client.
func (c *Client) GetProduct(ctx context.Context, sku string) (*marketplace.Product, error) {
	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Path:     "/v1/products/" + url.PathEscape(sku),
		Category: CategoryProducts,
		Sign:     true,
	})
	if err != nil {
		return nil, err
	}

	var wire novaProduct
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", sku, err)
	}
	return wire.toDomain()
}

// GetProducts implements marketplace.Client. Each chunk worker fetches its
// SKUs sequentially; chunks run concurrently.
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

// ListOrders implements marketplace.Client using numbered pages.
func (c *Client) ListOrders(ctx context.Context, params marketplace.ListOrdersParams) (*marketplace.OrderPage, error) {
	page := params.Page
	if page <= 0 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(pageSize))
	if params.Status != "" {
		query.Set("status", params.Status)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		Path:     "/v1/orders",
		Query:    query,
		Category: CategoryOrders,
		Sign:     true,
	})
	if err != nil {
		return nil, err
	}

	var wire novaOrderPage
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode order page %d: %w", page, err)
	}

	out := &marketplace.OrderPage{
		Page:       wire.Page,
		TotalPages: wire.TotalPages,
	}
	for _, o := range wire.Orders {
		order, err := o.toDomain()
		if err != nil {
			return nil, err
		}
		out.Orders = append(out.Orders, *order)
	}
	return out, nil
}

// UpdateStock implements marketplace.Client.
func (c *Client) UpdateStock(ctx context.Context, update marketplace.StockUpdate) (*marketplace.UpdateResult, error) {
	body, err := json.Marshal(map[string]int{"quantity": update.Quantity})
	if err != nil {
		return nil, fmt.Errorf("encode stock update: %w", err)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodPut,
		Path:     "/v1/inventory/" + url.PathEscape(update.SKU),
		Body:     body,
		Category: CategoryInventory,
		Sign:     true,
	})
	if err != nil {
		return nil, err
	}

	return decodeUpdateResult(resp.Body, update.SKU)
}

// UpdatePrice implements marketplace.Client.
func (c *Client) UpdatePrice(ctx context.Context, update marketplace.PriceUpdate) (*marketplace.UpdateResult, error) {
	body, err := json.Marshal(map[string]string{
		"price":    update.Price.StringFixed(2),
		"currency": update.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("encode price update: %w", err)
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodPut,
		Path:     "/v1/prices/" + url.PathEscape(update.SKU),
		Body:     body,
		Category: CategoryInventory,
		Sign:     true,
	})
	if err != nil {
		return nil, err
	}

	return decodeUpdateResult(resp.Body, update.SKU)
}

// BulkUpdateStock implements marketplace.Client. Nova exposes a batch
// inventory endpoint, so each chunk becomes one signed call.
func (c *Client) BulkUpdateStock(ctx context.Context, updates []marketplace.StockUpdate) batch.Report[marketplace.StockUpdate, marketplace.UpdateResult] {
	proc := batch.NewProcessor[marketplace.StockUpdate, marketplace.UpdateResult](c.config.Batch, c.logger)

	return proc.Process(ctx, updates, func(ctx context.Context, chunk []marketplace.StockUpdate) ([]batch.Outcome[marketplace.UpdateResult], error) {
		return batchCall(ctx, c.exec, "/v1/inventory/batch", chunk, func(u marketplace.StockUpdate) string { return u.SKU })
	})
}

// BulkUpdatePrices implements marketplace.Client.
func (c *Client) BulkUpdatePrices(ctx context.Context, updates []marketplace.PriceUpdate) batch.Report[marketplace.PriceUpdate, marketplace.UpdateResult] {
	proc := batch.NewProcessor[marketplace.PriceUpdate, marketplace.UpdateResult](c.config.Batch, c.logger)

	return proc.Process(ctx, updates, func(ctx context.Context, chunk []marketplace.PriceUpdate) ([]batch.Outcome[marketplace.UpdateResult], error) {
		return batchCall(ctx, c.exec, "/v1/prices/batch", chunk, func(u marketplace.PriceUpdate) string { return u.SKU })
	})
}

// batchCall posts one chunk to a Nova batch endpoint and maps the per-SKU
// results back onto the chunk order. SKUs missing from the response are
// reported as failed rather than silently dropped.
func batchCall[T any](ctx context.Context, exec *executor.Executor, path string, chunk []T, skuOf func(T) string) ([]batch.Outcome[marketplace.UpdateResult], error) {
	body, err := json.Marshal(map[string]any{"updates": chunk})
	if err != nil {
		return nil, fmt.Errorf("encode batch chunk: %w", err)
	}

	resp, err := exec.Execute(ctx, executor.Request{
		Method:   http.MethodPost,
		Path:     path,
		Body:     body,
		Category: CategoryInventory,
		Sign:     true,
	})
	if err != nil {
		return nil, err
	}

	var wire novaBatchResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	bySKU := make(map[string]novaUpdateResult, len(wire.Results))
	for _, r := range wire.Results {
		bySKU[r.SKU] = r
	}

	outcomes := make([]batch.Outcome[marketplace.UpdateResult], len(chunk))
	for i, item := range chunk {
		sku := skuOf(item)
		r, ok := bySKU[sku]
		if !ok {
			outcomes[i].Err = fmt.Errorf("sku %s missing from batch response", sku)
			continue
		}
		if r.Status == "rejected" {
			outcomes[i].Err = fmt.Errorf("sku %s rejected: %s", sku, r.Message)
			continue
		}
		outcomes[i].Value = marketplace.UpdateResult{SKU: r.SKU, Status: r.Status, Message: r.Message}
	}
	return outcomes, nil
}

func decodeUpdateResult(body []byte, sku string) (*marketplace.UpdateResult, error) {
	var wire novaUpdateResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode update result for %s: %w", sku, err)
	}
	return &marketplace.UpdateResult{SKU: wire.SKU, Status: wire.Status, Message: wire.Message}, nil
}

func (p novaProduct) toDomain() (*marketplace.Product, error) {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price for %s: %w", p.SKU, err)
	}

	var updatedAt time.Time
	if p.UpdatedAt != "" {
		updatedAt, err = time.Parse(time.RFC3339, p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", p.SKU, err)
		}
	}

	return &marketplace.Product{
		SKU:       p.SKU,
		Title:     p.Title,
		Price:     price,
		Currency:  p.Currency,
		Stock:     p.Stock,
		UpdatedAt: updatedAt,
	}, nil
}

func (o novaOrder) toDomain() (*marketplace.Order, error) {
	total, err := decimal.NewFromString(o.Total)
	if err != nil {
		return nil, fmt.Errorf("parse total for order %s: %w", o.ID, err)
	}

	placedAt, err := time.Parse(time.RFC3339, o.PlacedAt)
	if err != nil {
		return nil, fmt.Errorf("parse placed_at for order %s: %w", o.ID, err)
	}

	order := &marketplace.Order{
		ID:       o.ID,
		Status:   o.Status,
		Total:    total,
		Currency: o.Currency,
		PlacedAt: placedAt,
	}
	for _, item := range o.Items {
		unitPrice, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("parse unit_price for order %s sku %s: %w", o.ID, item.SKU, err)
		}
		order.Items = append(order.Items, marketplace.OrderItem{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
		})
	}
	return order, nil
}
