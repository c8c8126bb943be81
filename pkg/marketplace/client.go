package marketplace

import (
	"context"

	"github.com/commercehub/marketplace-connect/pkg/batch"
	"github.com/commercehub/marketplace-connect/pkg/ratelimit"
)

// Client is the capability set every marketplace adapter implements. Shared
// resilience behavior (token lifecycle, signing, rate limiting, retry) lives
// in the executor each adapter composes, not in a shared base type.
type Client interface {
	// Provider returns the marketplace identifier (e.g. "nova").
	Provider() string

	// GetProduct fetches one listing by SKU.
	GetProduct(ctx context.Context, sku string) (*Product, error)

	// GetProducts fetches many listings concurrently with bounded
	// concurrency. The report preserves the input SKU order.
	GetProducts(ctx context.Context, skus []string) batch.Report[string, Product]

	// ListOrders fetches one page of orders.
	ListOrders(ctx context.Context, params ListOrdersParams) (*OrderPage, error)

	// UpdateStock sets the available quantity for one SKU.
	UpdateStock(ctx context.Context, update StockUpdate) (*UpdateResult, error)

	// UpdatePrice sets the listing price for one SKU.
	UpdatePrice(ctx context.Context, update PriceUpdate) (*UpdateResult, error)

	// BulkUpdateStock runs stock updates in chunks with bounded concurrency.
	// Per-item failures are isolated; the report preserves input order.
	BulkUpdateStock(ctx context.Context, updates []StockUpdate) batch.Report[StockUpdate, UpdateResult]

	// BulkUpdatePrices runs price updates in chunks with bounded concurrency.
	BulkUpdatePrices(ctx context.Context, updates []PriceUpdate) batch.Report[PriceUpdate, UpdateResult]

	// RateLimitStatus reports the most constrained rate-limit bucket, for
	// health reporting. ok is false before the first request.
	RateLimitStatus() (ratelimit.State, bool)
}
